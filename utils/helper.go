package utils

import (
	"strings"
)

// NormalizeKey is the lookup key for free-text descriptions: trimmed and lower-cased.
// Inner whitespace runs collapse to one space so "Panel  18mm" and "panel 18mm" match.
func NormalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func UniqueSlice[T comparable](slice []T) []T {
	seen := make(map[T]bool, len(slice))
	out := make([]T, 0, len(slice))
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
