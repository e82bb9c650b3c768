package grading

import "testing"

func TestComparatorMatch(t *testing.T) {
	cmp := NewComparator()

	cases := []struct {
		name     string
		actual   string
		expected string
		match    bool
	}{
		{"exact", "hello\nworld\n", "hello\nworld\n", true},
		{"crlf line endings", "hello\r\nworld\r\n", "hello\nworld\n", true},
		{"trailing spaces per line", "hello  \nworld\t\n", "hello\nworld\n", true},
		{"trailing blank lines", "hello\nworld\n\n\n", "hello\nworld", true},
		{"missing final newline", "hello\nworld", "hello\nworld\n", true},
		{"interior blank line significant", "hello\n\nworld\n", "hello\nworld\n", false},
		{"leading space significant", " hello\n", "hello\n", false},
		{"interior space significant", "a b\n", "a  b\n", false},
		{"different content", "42\n", "43\n", false},
		{"empty both", "", "\n", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cmp.Match(tc.actual, tc.expected); got != tc.match {
				t.Fatalf("Match(%q, %q) = %v, want %v", tc.actual, tc.expected, got, tc.match)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("a \r\nb\t\n\n"); got != "a\nb" {
		t.Fatalf("Normalize = %q, want %q", got, "a\nb")
	}
}
