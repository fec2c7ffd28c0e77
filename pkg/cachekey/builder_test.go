package cachekey

import (
	"strings"
	"testing"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		dataset   string
		params    []string
		want      string
	}{
		{"no params", "practiceops", "matters", nil, "practiceops:matters"},
		{"lowercases and strips", "PracticeOps", "Billing_Current", []string{"Q3 2024", "Office #2"}, "practiceops:billingcurrent:q32024:office2"},
		{"keeps hyphens", "ns", "revenue-history", []string{"fy-2024"}, "ns:revenue-history:fy-2024"},
		{"drops empty params", "ns", "tasks", []string{"", "  ", "!!", "open"}, "ns:tasks:open"},
		{"hashes email", "ns", "tasks", []string{"Jane@Firm.example"}, "ns:tasks:" + HashParam("Jane@Firm.example")},
		{"hashes comma list", "ns", "tasks", []string{"a,b"}, "ns:tasks:" + HashParam("a,b")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Build(tt.namespace, tt.dataset, tt.params...)
			if got != tt.want {
				t.Errorf("Build() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuild_Deterministic(t *testing.T) {
	a := Build("ns", "matters", "user@example.com", "open")
	b := Build("ns", "matters", "user@example.com", "open")
	if a != b {
		t.Errorf("Build() not deterministic: %q vs %q", a, b)
	}

	c := Build("ns", "matters", "other@example.com", "open")
	if a == c {
		t.Errorf("different sensitive params produced the same key %q", a)
	}
}

func TestBuild_NeverEmbedsRawSensitiveParam(t *testing.T) {
	raw := "jane.doe@firm.example"
	for i := 0; i < 2; i++ {
		key := Build("ns", "calendar", raw)
		if strings.Contains(key, "jane") || strings.Contains(key, "@") {
			t.Fatalf("key %q embeds raw parameter", key)
		}
		if !strings.Contains(key, ":"+HashPrefix) {
			t.Errorf("key %q missing hashed segment", key)
		}
	}
}

func TestHashParam_Length(t *testing.T) {
	h := HashParam("anything@all")
	if !strings.HasPrefix(h, HashPrefix) {
		t.Errorf("HashParam() = %q, want prefix %q", h, HashPrefix)
	}
	if len(h) != len(HashPrefix)+16 {
		t.Errorf("len(HashParam()) = %d, want %d", len(h), len(HashPrefix)+16)
	}
}

func TestBuilder(t *testing.T) {
	kb := New("practiceops")

	if got := kb.Key("matters", "open"); got != "practiceops:matters:open" {
		t.Errorf("Key() = %q", got)
	}
	if got := kb.DatasetPattern("matters"); got != "practiceops:matters:*" {
		t.Errorf("DatasetPattern() = %q", got)
	}
	if got := kb.LockKey("refresh", "revenue-history"); got != "practiceops:lock:refresh:revenue-history" {
		t.Errorf("LockKey() = %q", got)
	}
}
