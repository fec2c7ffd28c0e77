package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event versioning strategy:
// - Version 1: Initial schema
// - Future versions: Add fields, never remove (backward compatible)

const (
	// EventVersion1 is the current event schema version
	EventVersion1 = 1
)

// InvalidationEvent announces that shared-store entries were deleted.
//
// Invalidation modes (any combination, at least one):
//   - Keys: exact cache keys
//   - Pattern: glob over cache keys
//   - Dataset: every key of one dataset
type InvalidationEvent struct {
	Version     int       `json:"version"`
	Service     string    `json:"service"`
	Keys        []string  `json:"keys,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	Dataset     string    `json:"dataset,omitempty"`
	Deleted     int       `json:"deleted"`
	TriggeredAt time.Time `json:"triggered_at"`
	RequestID   string    `json:"request_id,omitempty"`
}

// Validate checks if the InvalidationEvent is well-formed.
func (e *InvalidationEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.Service == "" {
		return errors.New("service is required")
	}
	if len(e.Keys) == 0 && e.Pattern == "" && e.Dataset == "" {
		return errors.New("one of keys, pattern or dataset must be set")
	}
	for i, k := range e.Keys {
		if k == "" {
			return fmt.Errorf("keys[%d] is empty", i)
		}
	}
	if e.TriggeredAt.IsZero() {
		return errors.New("triggered_at is required")
	}
	return nil
}

// ToJSON serializes the event.
func (e *InvalidationEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// InvalidationEventFromJSON deserializes and validates an event.
func InvalidationEventFromJSON(data []byte) (*InvalidationEvent, error) {
	var e InvalidationEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal invalidation event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid invalidation event: %w", err)
	}
	return &e, nil
}

// Refresh outcomes.
const (
	RefreshStatusRefreshed = "refreshed"
	RefreshStatusSkipped   = "skipped"
	RefreshStatusFailed    = "failed"
)

// DatasetRefreshedEvent reports the outcome of a forced dataset refresh.
type DatasetRefreshedEvent struct {
	Version     int       `json:"version"`
	Dataset     string    `json:"dataset"`
	Scope       string    `json:"scope,omitempty"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Bytes       int       `json:"bytes,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Validate checks if the DatasetRefreshedEvent is well-formed.
func (e *DatasetRefreshedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("unsupported event version: %d", e.Version)
	}
	if e.Dataset == "" {
		return errors.New("dataset is required")
	}
	switch e.Status {
	case RefreshStatusRefreshed, RefreshStatusSkipped, RefreshStatusFailed:
	default:
		return fmt.Errorf("invalid status: %q", e.Status)
	}
	if e.Status != RefreshStatusRefreshed && e.Reason == "" {
		return fmt.Errorf("reason is required for status %s", e.Status)
	}
	if e.DurationMs < 0 {
		return errors.New("duration_ms cannot be negative")
	}
	if e.RefreshedAt.IsZero() {
		return errors.New("refreshed_at is required")
	}
	return nil
}

// ToJSON serializes the event.
func (e *DatasetRefreshedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// DatasetRefreshedEventFromJSON deserializes and validates an event.
func DatasetRefreshedEventFromJSON(data []byte) (*DatasetRefreshedEvent, error) {
	var e DatasetRefreshedEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal dataset refreshed event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dataset refreshed event: %w", err)
	}
	return &e, nil
}
