// Package similarity scores how alike two short utterances are.
//
// Both inputs are normalized (NFC, case folded, punctuation and symbols
// removed, trimmed) before a Levenshtein distance is taken over runes.
package similarity

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize returns the canonical comparison form of s
func Normalize(s string) string {
	folded := cases.Fold().String(norm.NFC.String(s))
	kept := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, folded)
	return strings.TrimSpace(kept)
}

// Ratio returns 1 - distance/maxLen for a and b, in [0,1].
// Equal normalized strings score 1 (including two empty strings) and an empty
// side against a non-empty one scores 0.
func Ratio(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return 1.0
	}
	if na == "" || nb == "" {
		return 0.0
	}

	longest := utf8.RuneCountInString(na)
	if n := utf8.RuneCountInString(nb); n > longest {
		longest = n
	}
	return 1.0 - float64(matchr.Levenshtein(na, nb))/float64(longest)
}
