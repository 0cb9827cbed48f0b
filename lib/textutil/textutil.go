package textutil

import (
	"regexp"
	"strings"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// Normalize lowercases a response body and collapses runs of whitespace so
// marker phrases match regardless of how the page was indented.
func Normalize(body string) string {
	body = strings.ToLower(body)
	body = strings.Trim(body, " \n\t\r")
	body = whitespaceRegex.ReplaceAllString(body, " ")
	return body
}

// ContainsAny reports the first marker found in body, markers are compared
// after normalization.
func ContainsAny(body string, markers []string) (string, bool) {
	normalized := Normalize(body)
	for _, m := range markers {
		if m == "" {
			continue
		}
		if strings.Contains(normalized, Normalize(m)) {
			return m, true
		}
	}
	return "", false
}

// Truncate shortens secrets and bodies before they reach a log line.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
