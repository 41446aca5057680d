package voice

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxSegment is the segment length bound in characters.
const DefaultMaxSegment = 150

var (
	reBold        = regexp.MustCompile(`\*\*`)
	reItalic      = regexp.MustCompile(`\*`)
	reHeader      = regexp.MustCompile(`#{1,6}\s`)
	reBullet      = regexp.MustCompile(`•`)
	reListMarker  = regexp.MustCompile(`\r?\n\s*[-•]\s*`)
	reNewlines    = regexp.MustCompile(`[\r\n]+`)
	reSpaces      = regexp.MustCompile(`\s{2,}`)
	reSentenceEnd = regexp.MustCompile(`([.!?।॥]+)(\s+|$)`)
	reComma       = regexp.MustCompile(`,\s*`)
	reWordBreak   = regexp.MustCompile(`\s+|-+`)
)

// CleanMarkup strips emphasis, headers and bullets and collapses
// whitespace so only speakable text remains.
func CleanMarkup(text string) string {
	s := reBold.ReplaceAllString(text, "")
	s = reItalic.ReplaceAllString(s, "")
	s = reHeader.ReplaceAllString(s, "")
	s = reBullet.ReplaceAllString(s, "")
	s = reListMarker.ReplaceAllString(s, " ")
	s = reNewlines.ReplaceAllString(s, " ")
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// SplitSegments cuts text at sentence ends, then splits anything longer
// than max at commas, then at word breaks, and finally by hard character
// count. No returned segment is longer than max characters.
func SplitSegments(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxSegment
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	for _, sentence := range splitSentences(text) {
		out = append(out, splitLong(sentence, max)...)
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func splitSentences(text string) []string {
	var parts []string
	last := 0
	for _, m := range reSentenceEnd.FindAllStringSubmatchIndex(text, -1) {
		if s := strings.TrimSpace(text[last:m[3]]); s != "" {
			parts = append(parts, s)
		}
		last = m[1]
	}
	if last < len(text) {
		if s := strings.TrimSpace(text[last:]); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

func splitLong(s string, max int) []string {
	if runeLen(s) <= max {
		return []string{s}
	}
	var out []string
	for _, chunk := range pack(splitKeep(s, reComma), max) {
		if runeLen(chunk) <= max {
			out = append(out, chunk)
			continue
		}
		for _, w := range pack(splitKeep(chunk, reWordBreak), max) {
			if runeLen(w) <= max {
				out = append(out, w)
				continue
			}
			out = append(out, hardSplit(w, max)...)
		}
	}
	return out
}

// splitKeep splits s around re, keeping each separator as its own piece.
func splitKeep(s string, re *regexp.Regexp) []string {
	var pieces []string
	last := 0
	for _, m := range re.FindAllStringIndex(s, -1) {
		if m[0] > last {
			pieces = append(pieces, s[last:m[0]])
		}
		pieces = append(pieces, s[m[0]:m[1]])
		last = m[1]
	}
	if last < len(s) {
		pieces = append(pieces, s[last:])
	}
	return pieces
}

// pack greedily joins pieces into trimmed chunks of at most max runes. A
// single piece longer than max becomes its own oversized chunk.
func pack(pieces []string, max int) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if t := strings.TrimSpace(cur.String()); t != "" {
			out = append(out, t)
		}
		cur.Reset()
	}
	for _, p := range pieces {
		if cur.Len() > 0 && runeLen(cur.String())+runeLen(p) > max {
			flush()
		}
		cur.WriteString(p)
	}
	flush()
	return out
}

// hardSplit cuts s into pieces of max-10 runes (max when max is small).
func hardSplit(s string, max int) []string {
	step := max - 10
	if step <= 0 {
		step = max
	}
	runes := []rune(s)
	var out []string
	for i := 0; i < len(runes); i += step {
		end := i + step
		if end > len(runes) {
			end = len(runes)
		}
		if t := strings.TrimSpace(string(runes[i:end])); t != "" {
			out = append(out, t)
		}
	}
	return out
}
