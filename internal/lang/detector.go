// Package lang classifies short text spans by writing system so speech can
// be routed to a matching voice.
package lang

import "unicode"

const DefaultLanguage = "en"

// script is one tracked Unicode block.
type script struct {
	lang  string
	table *unicode.RangeTable
}

// Ranking ties resolve in this order, so the result is deterministic.
var scripts = []script{
	{"te", rangeOf(0x0C00, 0x0C7F)},
	{"hi", rangeOf(0x0900, 0x097F)},
	{"ta", rangeOf(0x0B80, 0x0BFF)},
	{"kn", rangeOf(0x0C80, 0x0CFF)},
	{"ml", rangeOf(0x0D00, 0x0D7F)},
}

func rangeOf(lo, hi rune) *unicode.RangeTable {
	return &unicode.RangeTable{R16: []unicode.Range16{{Lo: uint16(lo), Hi: uint16(hi), Stride: 1}}}
}

// Estimate is the outcome of one analysis. Counts holds per-language script
// characters; Total excludes characters outside any tracked script.
type Estimate struct {
	Lang       string
	Confidence float64
	Counts     map[string]int
	Total      int
	Primary    string
	Secondary  string
}

// Detector is safe for concurrent use; it holds no mutable state.
type Detector struct {
	// Default is the language that needs no script evidence.
	Default string
	// TieBand is the largest gap between the top two script counts that
	// still counts as ambiguous.
	TieBand int
}

func NewDetector() Detector {
	return Detector{Default: DefaultLanguage, TieBand: 2}
}

func (d Detector) defaultLang() string {
	if d.Default == "" {
		return DefaultLanguage
	}
	return d.Default
}

// Analyze returns the dominant language of text. With no tracked script
// characters the fallback is returned unchanged. When the top two counts are
// within TieBand, previous and then fallback win if they match the top count.
func (d Detector) Analyze(text, fallback, previous string) Estimate {
	def := d.defaultLang()
	if fallback == "" {
		fallback = def
	}
	if previous == "" {
		previous = fallback
	}

	counts := make(map[string]int, len(scripts))
	for _, s := range scripts {
		counts[s.lang] = 0
	}
	total := 0
	for _, r := range text {
		for _, s := range scripts {
			if unicode.Is(s.table, r) {
				counts[s.lang]++
				total++
				break
			}
		}
	}

	if total == 0 {
		conf := 0.5
		if fallback == def {
			conf = 1
		}
		return Estimate{Lang: fallback, Confidence: conf, Counts: counts, Primary: fallback, Secondary: def}
	}

	primary, secondary := rank(counts)
	pc, sc := counts[primary], counts[secondary]
	est := Estimate{
		Lang:       primary,
		Confidence: float64(pc) / float64(total),
		Counts:     counts,
		Total:      total,
		Primary:    primary,
		Secondary:  secondary,
	}
	if sc > 0 && pc-sc <= d.TieBand {
		switch {
		case previous != def && counts[previous] == pc:
			est.Lang = previous
		case fallback != def && counts[fallback] == pc:
			est.Lang = fallback
		}
	}
	return est
}

// Detect is Analyze reduced to the language code.
func (d Detector) Detect(text, fallback, previous string) string {
	return d.Analyze(text, fallback, previous).Lang
}

// rank returns the two highest counts, earlier scripts winning equal counts.
func rank(counts map[string]int) (string, string) {
	first, second := -1, -1
	for i, s := range scripts {
		c := counts[s.lang]
		switch {
		case first < 0 || c > counts[scripts[first].lang]:
			second = first
			first = i
		case second < 0 || c > counts[scripts[second].lang]:
			second = i
		}
	}
	return scripts[first].lang, scripts[second].lang
}
