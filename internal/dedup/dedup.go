// Package dedup suppresses rescored transcription/translation pairs.
//
// Speech providers often re-emit a finalized utterance with a revised
// transcription or translation. A new final pair is compared against the
// speaker's previous allowed pair in two tiers:
//
//  1. Original texts at least 98% similar: rescoring, blocked no matter how
//     far the translations drifted.
//  2. Originals and translations both at least 82% similar: blocked, unless
//     the digit runs differ on either side, in which case a quantity changed
//     ("10 minutes" vs "50 minutes") and the pair goes through.
//
// Everything else is a new utterance.
package dedup

import (
	"regexp"
	"strings"

	"github.com/lexiqai/interpreter-gateway/internal/similarity"
)

const (
	// RescoreThreshold is the tier 1 similarity on original text.
	RescoreThreshold = 0.98
	// FuzzyThreshold is the tier 2 similarity required on both texts.
	FuzzyThreshold = 0.82
)

var digitRuns = regexp.MustCompile(`\p{Nd}+`)

// Pair is a finalized original text and its translation
type Pair struct {
	Original   string
	Translated string
}

// Decision is the outcome of comparing a pair against its predecessor
type Decision int

const (
	// AllowDistinct means the texts are too different to be a rescoring.
	AllowDistinct Decision = iota
	// AllowFirst means there was nothing to compare against.
	AllowFirst
	// AllowNumericDelta means a fuzzy match whose numbers changed.
	AllowNumericDelta
	// BlockRescore is a tier 1 match.
	BlockRescore
	// BlockFuzzy is a tier 2 match without a numeric change.
	BlockFuzzy
)

// Blocked reports whether the pair must be suppressed
func (d Decision) Blocked() bool {
	return d == BlockRescore || d == BlockFuzzy
}

func (d Decision) String() string {
	switch d {
	case AllowDistinct:
		return "allow_distinct"
	case AllowFirst:
		return "allow_first"
	case AllowNumericDelta:
		return "allow_numeric_delta"
	case BlockRescore:
		return "block_rescore"
	case BlockFuzzy:
		return "block_fuzzy"
	default:
		return "unknown"
	}
}

// Compare classifies next against prev. It is a pure function.
func Compare(prev, next Pair) Decision {
	original := similarity.Ratio(next.Original, prev.Original)
	if original >= RescoreThreshold {
		return BlockRescore
	}

	if original >= FuzzyThreshold && similarity.Ratio(next.Translated, prev.Translated) >= FuzzyThreshold {
		if numericDelta(prev, next) {
			return AllowNumericDelta
		}
		return BlockFuzzy
	}

	return AllowDistinct
}

// numericDelta reports whether any of the four texts carries digits and the
// concatenated digit runs differ on the original or the translated side.
func numericDelta(prev, next Pair) bool {
	on, op := digits(next.Original), digits(prev.Original)
	tn, tp := digits(next.Translated), digits(prev.Translated)

	hasDigits := on != "" || op != "" || tn != "" || tp != ""
	return hasDigits && (on != op || tn != tp)
}

func digits(s string) string {
	return strings.Join(digitRuns.FindAllString(s, -1), "")
}

// Filter applies Compare against a speaker's history window. Allowed pairs
// are pushed into the window; blocked pairs are not, so the reference stays
// the last utterance that was actually relayed.
type Filter struct {
	history *History
}

// NewFilter creates a filter retaining up to window allowed pairs
func NewFilter(window int) *Filter {
	return &Filter{history: NewHistory(window)}
}

// Check decides whether next should be relayed and updates the window
func (f *Filter) Check(next Pair) Decision {
	prev, ok := f.history.Last()
	if !ok {
		f.history.Push(next)
		return AllowFirst
	}

	decision := Compare(prev, next)
	if !decision.Blocked() {
		f.history.Push(next)
	}
	return decision
}

// History exposes the filter's window
func (f *Filter) History() *History {
	return f.history
}
