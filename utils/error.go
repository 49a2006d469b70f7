package utils

import (
	"strings"
)

// ErrorText flattens an error for storage in a sheet cell or ledger column.
func ErrorText(err error, max int) string {
	if err == nil {
		return ""
	}
	return TruncateText(err.Error(), max)
}

// TruncateText trims s and cuts it to at most max bytes; max <= 0 means no limit.
func TruncateText(s string, max int) string {
	s = strings.TrimSpace(s)
	if max > 0 && len(s) > max {
		s = s[:max]
	}
	return s
}

// ErrorTextPtr is ErrorText for nullable columns.
func ErrorTextPtr(err error, max int) *string {
	if err == nil {
		return nil
	}
	msg := ErrorText(err, max)
	return &msg
}
