package game

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeOptions tunes how guesses are compared.
type NormalizeOptions struct {
	// IgnoreSpace drops internal whitespace too, so "Bat man" matches "Batman".
	IgnoreSpace bool
}

// Normalize applies the default rule: strip diacritics, case-fold, trim
// surrounding whitespace. Internal whitespace is significant.
func Normalize(s string) string {
	return NormalizeWith(s, NormalizeOptions{})
}

// NormalizeWith decomposes s (NFD), removes combining marks, recomposes,
// case-folds and trims it.
func NormalizeWith(s string, opts NormalizeOptions) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}

	out = strings.TrimSpace(cases.Fold().String(out))

	if opts.IgnoreSpace {
		out = strings.Join(strings.Fields(out), "")
	}

	return out
}

// Matches reports whether guess names secret. An empty secret never matches.
func Matches(guess, secret string, opts NormalizeOptions) bool {
	want := NormalizeWith(secret, opts)
	if want == "" {
		return false
	}
	return NormalizeWith(guess, opts) == want
}
