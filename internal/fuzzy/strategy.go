// Package fuzzy scores string similarity with the six strategies used to merge attendee names.
package fuzzy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedStrategy is returned for a strategy name outside the supported set.
var ErrUnsupportedStrategy = errors.New("unsupported similarity strategy")

// Strategy names a comparison function. Scores are integers in [0,100].
type Strategy string

const (
	Ratio                 Strategy = "ratio"
	PartialRatio          Strategy = "partial_ratio"
	TokenSortRatio        Strategy = "token_sort_ratio"
	TokenSetRatio         Strategy = "token_set_ratio"
	PartialTokenSortRatio Strategy = "partial_token_sort_ratio"
	PartialTokenSetRatio  Strategy = "partial_token_set_ratio"
)

// DefaultIdentityStrategy is used to reconcile attendee identities.
const DefaultIdentityStrategy = PartialTokenSortRatio

var scorers = map[Strategy]func(a, b string) int{
	Ratio:                 ratio,
	PartialRatio:          partialRatio,
	TokenSortRatio:        func(a, b string) int { return tokenSort(a, b, false) },
	TokenSetRatio:         func(a, b string) int { return tokenSet(a, b, false) },
	PartialTokenSortRatio: func(a, b string) int { return tokenSort(a, b, true) },
	PartialTokenSetRatio:  func(a, b string) int { return tokenSet(a, b, true) },
}

// Strategies lists every supported strategy in a stable order.
func Strategies() []Strategy {
	return []Strategy{Ratio, PartialRatio, TokenSortRatio, TokenSetRatio, PartialTokenSortRatio, PartialTokenSetRatio}
}

// ParseStrategy resolves a strategy by name. An empty name yields Ratio.
func ParseStrategy(name string) (Strategy, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return Ratio, nil
	}
	s := Strategy(name)
	if _, ok := scorers[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedStrategy, name)
	}
	return s, nil
}

// Score returns the raw 0-100 score of a and b under the strategy.
func (s Strategy) Score(a, b string) (int, error) {
	fn, ok := scorers[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedStrategy, string(s))
	}
	return fn(a, b), nil
}

// Compare returns the similarity of a and b in [0,1].
func Compare(a, b string, s Strategy) (float64, error) {
	score, err := s.Score(a, b)
	if err != nil {
		return 0, err
	}
	return float64(score) / 100.0, nil
}

// FindBest returns the candidate most similar to s. A later candidate only replaces the
// current best on a strictly higher score, so ties go to the earliest candidate.
// It returns "" and 0 when no candidate scores above zero.
func FindBest(s string, candidates []string, strategy Strategy) (string, float64, error) {
	fn, ok := scorers[strategy]
	if !ok {
		return "", 0, fmt.Errorf("%w: %q", ErrUnsupportedStrategy, string(strategy))
	}
	best, bestScore := "", 0
	for _, c := range candidates {
		if score := fn(s, c); score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, float64(bestScore) / 100.0, nil
}
