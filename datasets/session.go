package datasets

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StreamRequest is a parsed stream request.
type StreamRequest struct {
	Datasets []Descriptor
	// Caller scopes cache keys; it never reaches a data source.
	Caller string
	Bypass bool
}

// Session is one streaming connection. The client is connected while ctx is
// live; the HTTP layer cancels ctx when the client goes away.
type Session struct {
	ID      string
	Request StreamRequest

	ctx    context.Context
	events chan Event

	mu        sync.Mutex
	states    map[DatasetID]State
	reasons   map[DatasetID]string
	closeOnce sync.Once
}

// NewSession creates a session whose events channel holds up to buffer
// undelivered events.
func NewSession(ctx context.Context, id string, req StreamRequest, buffer int) *Session {
	if buffer < 0 {
		buffer = 0
	}
	s := &Session{
		ID:      id,
		Request: req,
		ctx:     ctx,
		events:  make(chan Event, buffer),
		states:  make(map[DatasetID]State, len(req.Datasets)),
		reasons: make(map[DatasetID]string),
	}
	for _, d := range req.Datasets {
		s.states[d.ID] = StateLoading
	}
	return s
}

// Context returns the connection context.
func (s *Session) Context() context.Context { return s.ctx }

// Connected reports whether the client is still there.
func (s *Session) Connected() bool { return s.ctx.Err() == nil }

// Events is closed after the final complete event.
func (s *Session) Events() <-chan Event { return s.events }

// Requested lists the dataset IDs of the session in request order.
func (s *Session) Requested() []DatasetID {
	ids := make([]DatasetID, len(s.Request.Datasets))
	for i, d := range s.Request.Datasets {
		ids[i] = d.ID
	}
	return ids
}

// State returns the current state of a dataset.
func (s *Session) State(id DatasetID) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

// Reason returns why a dataset ended in error.
func (s *Session) Reason(id DatasetID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reasons[id]
}

// Pending counts datasets that are not terminal yet.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.states {
		if !st.Terminal() {
			n++
		}
	}
	return n
}

// emit delivers ev unless the client is gone. It never blocks after
// disconnect.
func (s *Session) emit(ev Event) bool {
	if !s.Connected() {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) transition(id DatasetID, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from, ok := s.states[id]
	if !ok {
		return fmt.Errorf("dataset %s is not part of session %s", id, s.ID)
	}
	valid := false
	switch from {
	case StateLoading:
		valid = to == StateProcessing || to == StateError
	case StateProcessing:
		valid = to.Terminal()
	}
	if !valid {
		return fmt.Errorf("dataset %s: invalid transition %s -> %s", id, from, to)
	}
	s.states[id] = to
	return nil
}

func (s *Session) processing(id DatasetID) {
	if s.transition(id, StateProcessing) == nil {
		s.emit(processingEvent(id))
	}
}

func (s *Session) ready(id DatasetID, data []byte, cached bool, elapsed time.Duration) {
	if s.transition(id, StateReady) == nil {
		s.emit(readyEvent(id, data, cached, elapsed))
	}
}

func (s *Session) fail(id DatasetID, err error, elapsed time.Duration) {
	if s.transition(id, StateError) == nil {
		s.mu.Lock()
		s.reasons[id] = err.Error()
		s.mu.Unlock()
		s.emit(errorEvent(id, err, elapsed))
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.events) })
}
