package index

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateString_ShortStringUnchanged(t *testing.T) {
	cases := []struct {
		s string
		n int
	}{
		{"", 10},
		{"abc", 3},
		{"abc", 4},
		{"ab", 4}, // 3 bytes, fits in 4
		{"ab", 3}, // 3 bytes, fits exactly
	}
	for _, tc := range cases {
		if got := TruncateString(tc.s, tc.n); got != tc.s {
			t.Errorf("TruncateString(%q, %d) = %q, want unchanged", tc.s, tc.n, got)
		}
	}
}

func TestTruncateString_ByteExactness(t *testing.T) {
	inputs := []string{
		"hello world",
		strings.Repeat("a", 100),
		"abcdé",
		"日本語のテキスト",
		"ab\U0001D11Ecd",
		strings.Repeat("\U0001D11E", 10),
	}
	for _, s := range inputs {
		for n := 0; n <= len(s)+2; n++ {
			got := TruncateString(s, n)
			if len(got) > n {
				t.Fatalf("TruncateString(%q, %d) = %q: %d bytes exceeds budget", s, n, got, len(got))
			}
			if len(s) <= n && got != s {
				t.Fatalf("TruncateString(%q, %d) changed a string within budget", s, n)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("TruncateString(%q, %d) = %q: invalid UTF-8", s, n, got)
			}
		}
	}
}

func TestTruncateString_Idempotent(t *testing.T) {
	inputs := []string{
		"hello world",
		"ab",
		"日本語テキストです",
		"ab\U0001D11Ecd",
	}
	for _, s := range inputs {
		for n := 0; n <= len(s)+1; n++ {
			once := TruncateString(s, n)
			twice := TruncateString(once, n)
			if once != twice {
				t.Fatalf("TruncateString not idempotent for (%q, %d): %q != %q", s, n, once, twice)
			}
		}
	}
}

func TestTruncateString_MultiByteBoundary(t *testing.T) {
	s := "ab\u0080" // 'a', 'b', then the 2-byte U+0080

	if got := TruncateString(s, 4); got != s {
		t.Errorf("n=4: got %q, want %q unchanged (fits exactly)", got, s)
	}

	// A 3-byte budget falls in the middle of U+0080; the whole character
	// must be dropped rather than emitting a malformed half-character.
	got := TruncateString(s, 3)
	if got != "ab" {
		t.Errorf("n=3: got %q, want %q", got, "ab")
	}
	if len(got) > 3 {
		t.Errorf("n=3: result %q exceeds 3 bytes", got)
	}
}

func TestTruncateString_SurrogatePairSafety(t *testing.T) {
	musicalG := "\U0001D11E" // 4 UTF-8 bytes (a surrogate pair in UTF-16)

	if got := TruncateString(musicalG, 4); got != musicalG {
		t.Errorf("lone U+1D11E with n=4: got %q, want unchanged", got)
	}

	s := "ab" + musicalG // 6 bytes
	got := TruncateString(s, 4)
	if got == s {
		t.Errorf("n=4 on %q: expected truncation", s)
	}
	if got != "ab" {
		t.Errorf("n=4 on %q: got %q, want %q (whole character dropped)", s, got, "ab")
	}
}

func TestTruncateString_ZeroAndNegativeBudget(t *testing.T) {
	if got := TruncateString("abc", 0); got != "" {
		t.Errorf("n=0: got %q, want empty", got)
	}
	if got := TruncateString("abc", -1); got != "" {
		t.Errorf("n=-1: got %q, want empty", got)
	}
}
