package attendance

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/aura-webinar/attendance/internal/fuzzy"
)

// IdentityMap maps every observed user name to its canonical name.
type IdentityMap map[string]string

// Canonical returns the canonical name for name. Unknown names map to themselves.
func (m IdentityMap) Canonical(name string) string {
	if c, ok := m[name]; ok {
		return c
	}
	return name
}

// Apply returns a copy of records with user names replaced by their canonical names.
func (m IdentityMap) Apply(records []Record) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		r.User = m.Canonical(r.User)
		out[i] = r
	}
	return out
}

// ReconcileIdentities greedily clusters near-duplicate names. Names are visited
// longest first; each one merges into the most similar canonical name chosen so
// far when the similarity reaches threshold, and otherwise becomes canonical itself.
// A merged name never becomes a merge target.
func ReconcileIdentities(names []string, threshold float64, strategy fuzzy.Strategy) (IdentityMap, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}
	ordered := distinct(names)
	sort.SliceStable(ordered, func(i, j int) bool {
		return utf8.RuneCountInString(ordered[i]) > utf8.RuneCountInString(ordered[j])
	})

	m := make(IdentityMap, len(ordered))
	if len(ordered) == 0 {
		return m, nil
	}
	canonical := []string{ordered[0]}
	m[ordered[0]] = ordered[0]
	for _, name := range ordered[1:] {
		match, sim, err := fuzzy.FindBest(name, canonical, strategy)
		if err != nil {
			return nil, err
		}
		if match != "" && sim >= threshold {
			m[name] = match
			continue
		}
		m[name] = name
		canonical = append(canonical, name)
	}
	return m, nil
}

// UserNames returns the distinct user names of records in first-appearance order.
func UserNames(records []Record) []string {
	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.User
	}
	return distinct(names)
}

func distinct(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
