package datasets

import (
	"encoding/json"
	"time"
)

// EventType is the "type" field of a stream event.
type EventType string

const (
	EventInit              EventType = "init"
	EventDatasetProcessing EventType = "dataset-processing"
	EventDatasetComplete   EventType = "dataset-complete"
	EventDatasetError      EventType = "dataset-error"
	EventComplete          EventType = "complete"
)

// State is the lifecycle position of one dataset within a session:
// loading, then processing, then ready or error.
type State string

const (
	StateLoading    State = "loading"
	StateProcessing State = "processing"
	StateReady      State = "ready"
	StateError      State = "error"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateReady || s == StateError
}

// DatasetStatus is one entry of the init event.
type DatasetStatus struct {
	Name   DatasetID `json:"name"`
	Status State     `json:"status"`
}

// Event is one frame pushed to the client. Fields not used by a given type
// are omitted from the JSON.
type Event struct {
	Type             EventType       `json:"type"`
	Datasets         []DatasetStatus `json:"datasets,omitempty"`
	Dataset          DatasetID       `json:"dataset,omitempty"`
	Status           State           `json:"status,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	Cached           *bool           `json:"cached,omitempty"`
	Error            string          `json:"error,omitempty"`
	ProcessingTimeMs *int64          `json:"processingTimeMs,omitempty"`
}

func initEvent(ids []DatasetID) Event {
	statuses := make([]DatasetStatus, len(ids))
	for i, id := range ids {
		statuses[i] = DatasetStatus{Name: id, Status: StateLoading}
	}
	return Event{Type: EventInit, Datasets: statuses}
}

func processingEvent(id DatasetID) Event {
	return Event{Type: EventDatasetProcessing, Dataset: id}
}

func readyEvent(id DatasetID, data []byte, cached bool, elapsed time.Duration) Event {
	ms := elapsed.Milliseconds()
	return Event{
		Type:             EventDatasetComplete,
		Dataset:          id,
		Status:           StateReady,
		Data:             payload(data),
		Cached:           &cached,
		ProcessingTimeMs: &ms,
	}
}

func errorEvent(id DatasetID, err error, elapsed time.Duration) Event {
	ms := elapsed.Milliseconds()
	return Event{
		Type:             EventDatasetError,
		Dataset:          id,
		Status:           StateError,
		Error:            err.Error(),
		ProcessingTimeMs: &ms,
	}
}

func completeEvent() Event {
	return Event{Type: EventComplete}
}

// payload embeds data as JSON when it already is JSON, and as a JSON string
// otherwise.
func payload(data []byte) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}
