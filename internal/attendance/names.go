package attendance

import "strings"

// FormatUserName turns "Last, First" into "First Last". Names without a comma are returned as is.
func FormatUserName(name string) string {
	last, first, ok := strings.Cut(name, ",")
	if !ok {
		return name
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)
	if first == "" {
		return last
	}
	if last == "" {
		return first
	}
	return first + " " + last
}
