// Package utils provides serialization and key-matching helpers shared by the
// cache store implementations and the services.
//
// This file implements the wire encoding of cache entries.
//
// Design Notes:
//   - JSON envelope so entries written by one instance are readable by all
//   - The payload is carried byte-for-byte; it is never re-encoded
//   - All encoding errors include context for debugging
package utils

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lexops/practiceops/pkg/models"
)

// ErrCorruptEntry is returned when stored bytes are not a valid entry.
var ErrCorruptEntry = errors.New("corrupt cache entry")

// MarshalEntry serializes a cache entry to bytes.
func MarshalEntry(e *models.Entry) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("cannot marshal nil entry")
	}
	if e.Key == "" {
		return nil, fmt.Errorf("cannot marshal entry without key")
	}

	return json.Marshal(e)
}

// UnmarshalEntry deserializes a cache entry from bytes.
// Anything that does not decode to an entry with a key is ErrCorruptEntry.
func UnmarshalEntry(data []byte) (*models.Entry, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty data", ErrCorruptEntry)
	}

	var entry models.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if entry.Key == "" {
		return nil, fmt.Errorf("%w: missing key", ErrCorruptEntry)
	}

	return &entry, nil
}

// CompactJSON compacts JSON by removing whitespace.
func CompactJSON(data []byte) ([]byte, error) {
	var compacted json.RawMessage
	if err := json.Unmarshal(data, &compacted); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	return json.Marshal(compacted)
}
