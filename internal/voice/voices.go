package voice

import (
	"strings"

	"github.com/clara-voice-lab/internal/lang"
)

// Voice is one voice an engine can speak with. Lang is a BCP 47 tag.
type Voice struct {
	Name string
	Lang string
}

// Profile is the prosody applied to a segment. 1.0 is neutral.
type Profile struct {
	Rate   float64
	Pitch  float64
	Volume float64
}

var DefaultProfile = Profile{Rate: 0.92, Pitch: 1.02, Volume: 1.0}

var builtinProfiles = map[string]Profile{
	"en": {Rate: 0.92, Pitch: 1.02, Volume: 1.0},
	"hi": {Rate: 0.88, Pitch: 1.0, Volume: 1.0},
	"te": {Rate: 0.9, Pitch: 1.04, Volume: 1.0},
	"ta": {Rate: 0.9, Pitch: 1.03, Volume: 1.0},
	"kn": {Rate: 0.9, Pitch: 1.04, Volume: 1.0},
	"ml": {Rate: 0.9, Pitch: 1.0, Volume: 1.0},
}

// Profiles resolves a language to its prosody, consulting overrides first.
type Profiles map[string]Profile

func (p Profiles) For(code string) Profile {
	code = lang.Base(code)
	if pr, ok := p[code]; ok {
		return pr
	}
	if pr, ok := builtinProfiles[code]; ok {
		return pr
	}
	if pr, ok := p["default"]; ok {
		return pr
	}
	return DefaultProfile
}

// Names that usually mark a female voice; preferred when nothing closer
// matches.
var preferredNames = []string{"zira", "hazel", "susan", "linda", "karen", "samantha", "victoria", "sarah", "female", "alloy", "aria"}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// PreferredVoice picks the session-wide voice for a language: a preferred
// name in that language, then any voice in it, then any English voice.
func PreferredVoice(voices []Voice, code string) (Voice, bool) {
	if code == "" {
		code = lang.DefaultLanguage
	}
	base := lang.Base(code)
	for _, v := range voices {
		if hasPrefixFold(v.Lang, base) {
			name := strings.ToLower(v.Name)
			for _, p := range preferredNames {
				if strings.Contains(name, p) {
					return v, true
				}
			}
		}
	}
	for _, v := range voices {
		if hasPrefixFold(v.Lang, base) {
			return v, true
		}
	}
	for _, v := range voices {
		if hasPrefixFold(v.Lang, "en") {
			return v, true
		}
	}
	return Voice{}, false
}

// SelectVoice finds the closest voice for a locale: exact tag match, then
// same language, then preferred, then any English voice.
func SelectVoice(voices []Voice, locale string, preferred *Voice) (Voice, bool) {
	norm := func(s string) string { return strings.ReplaceAll(strings.ToLower(s), "_", "-") }
	want := norm(locale)
	for _, v := range voices {
		if norm(v.Lang) == want {
			return v, true
		}
	}
	base := lang.Base(locale)
	for _, v := range voices {
		if lang.Base(v.Lang) == base {
			return v, true
		}
	}
	if preferred != nil {
		return *preferred, true
	}
	for _, v := range voices {
		if hasPrefixFold(v.Lang, "en") {
			return v, true
		}
	}
	return Voice{}, false
}
