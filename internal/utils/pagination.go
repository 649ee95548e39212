// Package utils holds tiny helpers with no knowledge of the domain or of
// any transport. Anything that needs more context lives closer to its
// caller.
package utils

import "strconv"

// AtoiDefault parses s as a base-10 int and falls back to def when s is
// empty or not a plain integer. No whitespace trimming is applied; query
// parameters arrive already trimmed.
func AtoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// ClampInt bounds n to the inclusive range [lo, hi].
func ClampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
