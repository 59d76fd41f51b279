// Package transcript normalizes text returned by speech recognition backends.
package transcript

import (
	"strings"
	"unicode"
)

// Assemble joins recognized segments into one normalized transcript.
func Assemble(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	return Normalize(strings.Join(segments, " "))
}

// Normalize collapses whitespace and strips wrapping quotes.
// Text made only of punctuation or symbols normalizes to the empty string.
func Normalize(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	normalized = strings.TrimFunc(normalized, func(r rune) bool {
		return r == '"' || r == '\'' || r == '“' || r == '”' || r == '`'
	})
	normalized = strings.TrimSpace(normalized)
	if !hasWordRune(normalized) {
		return ""
	}
	return normalized
}

func hasWordRune(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
