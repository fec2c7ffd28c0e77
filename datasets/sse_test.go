package datasets

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// parseFrames splits an SSE body into frames.
func parseFrames(body string) []string {
	var frames []string
	for _, f := range strings.Split(body, "\n\n") {
		if f != "" {
			frames = append(frames, f)
		}
	}
	return frames
}

func TestWriteSSE_Framing(t *testing.T) {
	rec := httptest.NewRecorder()
	events := make(chan Event, 3)
	events <- initEvent([]DatasetID{Matters})
	events <- readyEvent(Matters, []byte(`{"n":1}`), false, time.Millisecond)
	events <- completeEvent()
	close(events)

	if err := writeSSE(context.Background(), rec, events, time.Hour, 3*time.Second); err != nil {
		t.Fatalf("writeSSE failed: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if !rec.Flushed {
		t.Error("Expected frames to be flushed")
	}

	frames := parseFrames(rec.Body.String())
	if len(frames) != 4 {
		t.Fatalf("Expected 4 frames, got %d: %q", len(frames), frames)
	}
	if frames[0] != "retry: 3000" {
		t.Errorf("First frame = %q, want retry hint", frames[0])
	}

	var types []EventType
	for _, f := range frames[1:] {
		data, ok := strings.CutPrefix(f, "data: ")
		if !ok {
			t.Fatalf("frame %q lacks data prefix", f)
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("frame %q is not JSON: %v", f, err)
		}
		types = append(types, ev.Type)
	}
	want := []EventType{EventInit, EventDatasetComplete, EventComplete}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestWriteSSE_Heartbeat(t *testing.T) {
	rec := httptest.NewRecorder()
	events := make(chan Event)
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	err := writeSSE(ctx, rec, events, 20*time.Millisecond, time.Second)
	if err == nil {
		t.Fatal("Expected context error when the client goes away")
	}

	heartbeats := 0
	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		if sc.Text() == ": heartbeat" {
			heartbeats++
		}
	}
	if heartbeats < 2 {
		t.Errorf("Expected at least 2 heartbeats, got %d", heartbeats)
	}
}
