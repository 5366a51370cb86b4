package claim

import (
	"strings"
	"unicode"
)

// MaxComponentLen bounds every sanitized key component, in runes.
const MaxComponentLen = 80

// Separator replaces runs of whitespace inside a sanitized component. It is
// part of the safe set, so Sanitize is idempotent, and it keeps the key
// separator " - " from ever appearing inside a component.
const Separator = "_"

// Sanitize makes s safe for use as an artifact key component: characters
// outside letters, digits, whitespace and "-.,;_" are dropped, the result is
// trimmed, whitespace runs collapse to Separator, and the result is cut to
// MaxComponentLen runes.
func Sanitize(s string) string {
	runes := []rune(Strip(s))
	if len(runes) > MaxComponentLen {
		runes = runes[:MaxComponentLen]
	}
	return string(runes)
}

// Strip is Sanitize without the length cut. Text read elsewhere (a portal
// listing) goes through Strip before it is compared with a key component.
func Strip(s string) string {
	kept := strings.Map(func(r rune) rune {
		if isSafeRune(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, s)
	return strings.Join(strings.Fields(kept), Separator)
}

func isSafeRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '-', '.', ',', ';', '_':
		return true
	}
	return false
}
