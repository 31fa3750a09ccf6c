// Package textfold folds text for keyword matching across the supported
// languages.
package textfold

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s and strips combining marks, so "Olá", "olà" and "ola"
// compare equal. "ß" becomes "ss".
func Fold(s string) string {
	s = strings.ToLower(s)
	// Transformers carry state; build the chain per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ReplaceAll(out, "ß", "ss")
}
