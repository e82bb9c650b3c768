// Package grading implements output comparison and the orchestrator
// that drives a submission through its test cases.
package grading

import "strings"

// Comparator decides whether a program's output matches the expected
// output. Normalization policy: line endings are unified to LF,
// trailing whitespace is stripped from each line, and trailing blank
// lines are dropped; the comparison is exact after that. Interior
// whitespace and blank lines are significant.
type Comparator struct{}

// NewComparator returns the default comparator.
func NewComparator() *Comparator {
	return &Comparator{}
}

// Match reports whether actual and expected are equal after
// normalization.
func (c *Comparator) Match(actual, expected string) bool {
	return Normalize(actual) == Normalize(expected)
}

// Normalize applies the documented comparison normalization.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}
