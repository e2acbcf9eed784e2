// Package mapping turns raw broker CSV headers into canonical order fields.
package mapping

import (
	"sort"
	"strings"
	"unicode"
)

// NormalizeHeader produces the comparison key for a raw header: BOM and surrounding
// space removed, lowercased, every run of non letter/digit characters collapsed to one space.
func NormalizeHeader(raw string) string {
	s := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff")))

	var b strings.Builder
	gap := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if gap && b.Len() > 0 {
				b.WriteByte(' ')
			}
			gap = false
			b.WriteRune(r)
			continue
		}
		gap = true
	}
	return b.String()
}

// NormalizeHeaders normalizes every header, keeping order.
func NormalizeHeaders(headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		out[i] = NormalizeHeader(h)
	}
	return out
}

// HeaderSet returns the distinct non-empty normalized headers, sorted.
func HeaderSet(headers []string) []string {
	seen := make(map[string]bool, len(headers))
	set := make([]string, 0, len(headers))
	for _, h := range headers {
		n := NormalizeHeader(h)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		set = append(set, n)
	}
	sort.Strings(set)
	return set
}

// HeaderSignature is the order-independent identity of a header layout.
func HeaderSignature(headers []string) string {
	return strings.Join(HeaderSet(headers), "|")
}

// Jaccard is the overlap of two header layouts after normalization, from 0 to 1.
func Jaccard(a, b []string) float64 {
	setA, setB := HeaderSet(a), HeaderSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inA := make(map[string]bool, len(setA))
	for _, h := range setA {
		inA[h] = true
	}
	shared := 0
	for _, h := range setB {
		if inA[h] {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	return float64(shared) / float64(union)
}
