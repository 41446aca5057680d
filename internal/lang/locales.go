package lang

import "strings"

var locales = map[string]string{
	"en": "en-US",
	"hi": "hi-IN",
	"te": "te-IN",
	"ta": "ta-IN",
	"kn": "kn-IN",
	"ml": "ml-IN",
}

var names = map[string]string{
	"en": "English",
	"hi": "Hindi",
	"te": "Telugu",
	"ta": "Tamil",
	"kn": "Kannada",
	"ml": "Malayalam",
}

// Locale maps a language code to the BCP 47 tag used to pick voices.
// Unknown codes fall back to the default language's locale.
func Locale(code string) string {
	if l, ok := locales[Base(code)]; ok {
		return l
	}
	return locales[DefaultLanguage]
}

// Name returns a human readable language name, or the code itself.
func Name(code string) string {
	if n, ok := names[Base(code)]; ok {
		return n
	}
	return code
}

// Base strips any region from a tag: "te-IN" and "te_in" both become "te".
func Base(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		return tag[:i]
	}
	return tag
}

// Supported lists language codes with a tracked script plus the default.
func Supported() []string {
	out := []string{DefaultLanguage}
	for _, s := range scripts {
		out = append(out, s.lang)
	}
	return out
}

// SetLocale overrides the locale for a language code. Used when loading
// configuration before any detector runs.
func SetLocale(code, locale string) {
	if code = Base(code); code != "" && locale != "" {
		locales[code] = locale
	}
}
