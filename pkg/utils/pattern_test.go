package utils

import (
	"testing"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		key     string
		want    bool
	}{
		{"exact match", "ns:matters:open", "ns:matters:open", true},
		{"exact mismatch", "ns:matters:open", "ns:matters:closed", false},
		{"match all", "*", "anything:at:all", true},
		{"dataset prefix", "ns:matters:*", "ns:matters:h-0123456789abcdef", true},
		{"dataset prefix requires separator", "ns:matters:*", "ns:matters", false},
		{"other dataset", "ns:matters:*", "ns:tasks:open", false},
		{"inner wildcard", "ns:*:open", "ns:tasks:open", true},
		{"single char", "ns:tasks:?", "ns:tasks:a", true},
		{"single char too long", "ns:tasks:?", "ns:tasks:ab", false},
		{"class", "ns:fy[12]", "ns:fy2", true},
		{"negated class", "ns:fy[^12]", "ns:fy2", false},
		{"escaped star", `ns:\*`, "ns:*", true},
		{"escaped star literal only", `ns:\*`, "ns:x", false},
		{"regex chars are literal", "ns:a.b*", "ns:axb", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchPattern(tt.pattern, tt.key)
			if err != nil {
				t.Fatalf("MatchPattern() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
			}
		})
	}
}

func TestMatchPattern_Errors(t *testing.T) {
	for _, pattern := range []string{"", "ns:[abc", `ns:\`} {
		if _, err := MatchPattern(pattern, "ns:a"); err == nil {
			t.Errorf("MatchPattern(%q) should return error", pattern)
		}
	}
}

func TestFilterKeys(t *testing.T) {
	keys := []string{"ns:matters:a", "ns:matters:b", "ns:tasks:a", "ns:lock:refresh:matters"}

	got, err := FilterKeys("ns:matters:*", keys)
	if err != nil {
		t.Fatalf("FilterKeys() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("FilterKeys() = %v, want 2 keys", got)
	}

	got, err = FilterKeys("ns:*:a", keys)
	if err != nil {
		t.Fatalf("FilterKeys() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("FilterKeys() = %v, want 2 keys", got)
	}
}

func TestRegexCaching(t *testing.T) {
	ClearRegexCache()

	for i := 0; i < 3; i++ {
		if _, err := MatchPattern("ns:*:open", "ns:tasks:open"); err != nil {
			t.Fatal(err)
		}
	}
	if size := RegexCacheSize(); size != 1 {
		t.Errorf("RegexCacheSize() = %d, want 1", size)
	}

	// Prefix and exact patterns never compile.
	MatchPattern("ns:tasks:*", "ns:tasks:a")
	MatchPattern("ns:tasks:a", "ns:tasks:a")
	if size := RegexCacheSize(); size != 1 {
		t.Errorf("RegexCacheSize() = %d, want 1", size)
	}

	ClearRegexCache()
	if size := RegexCacheSize(); size != 0 {
		t.Errorf("RegexCacheSize() after clear = %d, want 0", size)
	}
}

func BenchmarkMatchPattern_Prefix(b *testing.B) {
	for i := 0; i < b.N; i++ {
		MatchPattern("ns:matters:*", "ns:matters:h-0123456789abcdef")
	}
}

func BenchmarkMatchPattern_Glob(b *testing.B) {
	for i := 0; i < b.N; i++ {
		MatchPattern("ns:*:h-????????????????", "ns:matters:h-0123456789abcdef")
	}
}
