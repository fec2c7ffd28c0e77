package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/lexops/practiceops/pkg/models"
)

func TestMarshalUnmarshalEntry(t *testing.T) {
	entry := &models.Entry{
		Key:        "practiceops:matters:open",
		Value:      []byte(`{"count":12}`),
		CachedAt:   time.Now().UTC().Truncate(time.Second),
		TTLSeconds: 900,
	}

	data, err := MarshalEntry(entry)
	if err != nil {
		t.Fatalf("MarshalEntry() error = %v", err)
	}

	decoded, err := UnmarshalEntry(data)
	if err != nil {
		t.Fatalf("UnmarshalEntry() error = %v", err)
	}

	if decoded.Key != entry.Key {
		t.Errorf("Key = %v, want %v", decoded.Key, entry.Key)
	}
	if string(decoded.Value) != string(entry.Value) {
		t.Errorf("Value = %s, want %s", decoded.Value, entry.Value)
	}
	if !decoded.CachedAt.Equal(entry.CachedAt) {
		t.Errorf("CachedAt = %v, want %v", decoded.CachedAt, entry.CachedAt)
	}
	if decoded.TTLSeconds != entry.TTLSeconds {
		t.Errorf("TTLSeconds = %d, want %d", decoded.TTLSeconds, entry.TTLSeconds)
	}
}

func TestMarshalEntry_Invalid(t *testing.T) {
	if _, err := MarshalEntry(nil); err == nil {
		t.Error("MarshalEntry(nil) should return error")
	}
	if _, err := MarshalEntry(&models.Entry{Value: []byte("x")}); err == nil {
		t.Error("MarshalEntry() without key should return error")
	}
}

func TestUnmarshalEntry_Corrupt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not json", []byte("plain value")},
		{"no key", []byte(`{"value":"eA=="}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalEntry(tt.data)
			if !errors.Is(err, ErrCorruptEntry) {
				t.Errorf("UnmarshalEntry() error = %v, want ErrCorruptEntry", err)
			}
		})
	}
}

func TestCompactJSON(t *testing.T) {
	got, err := CompactJSON([]byte("{\n  \"a\": 1,\n  \"b\": [1, 2]\n}"))
	if err != nil {
		t.Fatalf("CompactJSON() error = %v", err)
	}
	if string(got) != `{"a":1,"b":[1,2]}` {
		t.Errorf("CompactJSON() = %s", got)
	}

	if _, err := CompactJSON([]byte("{not json")); err == nil {
		t.Error("CompactJSON() should reject invalid JSON")
	}
}
