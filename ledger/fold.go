package ledger

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/hazyhaar/claimsync/claim"
)

// FoldName reduces a subject name to its comparison form: diacritics
// removed, case folded, the key separator "_" read as a space, whitespace
// collapsed. "José  da_Silva" and "JOSE DA SILVA" fold to the same value.
func FoldName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	stripped = strings.ReplaceAll(stripped, "_", " ")
	return strings.Join(strings.Fields(cases.Fold().String(stripped)), " ")
}

// SameName reports whether two names are equal under FoldName.
func SameName(a, b string) bool {
	fa := FoldName(a)
	return fa != "" && fa == FoldName(b)
}

// NameMatches compares a name as the portal displays it with a record's
// name, which went through claim.Sanitize. The portal side is stripped the
// same way first. A record name cut at claim.MaxComponentLen matches any
// portal name it is a prefix of.
func NameMatches(portal, record string) bool {
	fr := FoldName(record)
	if fr == "" {
		return false
	}
	fp := FoldName(claim.Strip(portal))
	if fp == fr {
		return true
	}
	return utf8.RuneCountInString(record) >= claim.MaxComponentLen && strings.HasPrefix(fp, fr)
}
