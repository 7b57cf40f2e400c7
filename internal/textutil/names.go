package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// PathToken converts a value into a lowercase path segment. Letters, digits,
// dots, hyphens and underscores survive; runs of anything else collapse to a
// single underscore. Empty input yields "unknown".
func PathToken(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(value) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '.':
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_':
			if !lastUnderscore {
				b.WriteRune(r)
			}
			lastUnderscore = true
		default:
			if !lastUnderscore {
				b.WriteByte('_')
			}
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_-.")
	if out == "" {
		return "unknown"
	}
	return out
}

// CommitteeName renders a committee key for people: "house.energy_commerce"
// becomes "House Energy Commerce".
func CommitteeName(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "Unknown Committee"
	}
	words := strings.FieldsFunc(key, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || unicode.IsSpace(r)
	})
	return titleCaser.String(strings.Join(words, " "))
}

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= n {
		return string(runes)
	}
	if n == 1 {
		return "…"
	}
	return string(runes[:n-1]) + "…"
}
