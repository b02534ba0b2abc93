package fuzzy

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var nonWordRe = regexp.MustCompile(`[^\p{L}\p{N}_]+`)

// ratio is the indel similarity 2*LCS/(len(a)+len(b)) scaled to 0-100.
func ratio(a, b string) int {
	if a == b {
		return 100
	}
	if a == "" || b == "" {
		return 0
	}
	return scale(indelRatio([]rune(a), []rune(b)))
}

// partialRatio scores the shorter string against its best aligned window of the longer one.
func partialRatio(a, b string) int {
	if a == b {
		return 100
	}
	if a == "" || b == "" {
		return 0
	}
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	best := 0.0
	for start := 0; start+len(short) <= len(long); start++ {
		r := indelRatio(short, long[start:start+len(short)])
		if r > best {
			best = r
			if best >= 0.995 {
				break
			}
		}
	}
	return scale(best)
}

func tokenSort(a, b string, partial bool) int {
	sa, sb := sortedTokens(a), sortedTokens(b)
	if sa == "" || sb == "" {
		return 0
	}
	if partial {
		return partialRatio(sa, sb)
	}
	return ratio(sa, sb)
}

func tokenSet(a, b string, partial bool) int {
	pa, pb := fullProcess(a), fullProcess(b)
	if pa == "" || pb == "" {
		return 0
	}
	ta, tb := tokenSetOf(pa), tokenSetOf(pb)

	var sect, onlyA, onlyB []string
	for t := range ta {
		if tb[t] {
			sect = append(sect, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range tb {
		if !ta[t] {
			onlyB = append(onlyB, t)
		}
	}
	sort.Strings(sect)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(sect, " ")
	combinedA := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	combinedB := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	score := ratio
	if partial {
		score = partialRatio
	}
	best := score(base, combinedA)
	if s := score(base, combinedB); s > best {
		best = s
	}
	if s := score(combinedA, combinedB); s > best {
		best = s
	}
	return best
}

func indelRatio(a, b []rune) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1
	}
	return 2 * float64(lcs(a, b)) / float64(total)
}

// lcs returns the length of the longest common subsequence using two rolling rows.
func lcs(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// scale rounds half to even.
func scale(r float64) int {
	return int(math.RoundToEven(r * 100))
}

// fullProcess lowercases, strips diacritics, replaces non-word runes with spaces and trims.
func fullProcess(s string) string {
	s = stripDiacritics(strings.ToLower(s))
	s = nonWordRe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

func sortedTokens(s string) string {
	tokens := strings.Fields(fullProcess(s))
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

func tokenSetOf(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range strings.Fields(s) {
		set[t] = true
	}
	return set
}

func stripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
