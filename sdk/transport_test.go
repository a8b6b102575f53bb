package hiveboard

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type capturedBatch struct {
	Envelope Envelope `json:"envelope"`
	Events   []Event  `json:"events"`
}

// captureServer records every /v1/ingest batch it receives.
type captureServer struct {
	mu      sync.Mutex
	batches []capturedBatch
	status  []int // per-request status overrides, consumed in order
	srv     *httptest.Server
}

func newCaptureServer(t *testing.T, statuses ...int) *captureServer {
	t.Helper()
	cs := &captureServer{status: statuses}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var b capturedBatch
		if err := json.Unmarshal(body, &b); err != nil {
			t.Errorf("bad batch body: %v", err)
		}
		cs.mu.Lock()
		cs.batches = append(cs.batches, b)
		status := http.StatusOK
		if len(cs.status) > 0 {
			status = cs.status[0]
			cs.status = cs.status[1:]
		}
		cs.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *captureServer) received() []capturedBatch {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]capturedBatch, len(cs.batches))
	copy(out, cs.batches)
	return out
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testTransport(endpoint string, maxQueue, batchSize int) *Transport {
	// A long flush interval so tests control draining via Flush/Shutdown.
	return newTransport(endpoint, "hb_live_test", testLogger(), maxQueue, batchSize, time.Hour)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

func TestTransportDeliversBatch(t *testing.T) {
	cs := newCaptureServer(t)
	tr := testTransport(cs.srv.URL, 100, 10)
	defer tr.Shutdown(time.Second)

	env := Envelope{AgentID: "a1"}
	for i := 0; i < 3; i++ {
		tr.Enqueue(Event{EventID: newEventID(), Timestamp: isoNow(), EventType: EventHeartbeat}, env)
	}
	tr.Flush()

	waitFor(t, func() bool { return len(cs.received()) == 1 })
	got := cs.received()[0]
	if got.Envelope.AgentID != "a1" {
		t.Fatalf("envelope agent = %q, want a1", got.Envelope.AgentID)
	}
	if len(got.Events) != 3 {
		t.Fatalf("got %d events, want 3", len(got.Events))
	}
}

func TestTransportGroupsByEnvelope(t *testing.T) {
	cs := newCaptureServer(t)
	tr := testTransport(cs.srv.URL, 100, 10)
	defer tr.Shutdown(time.Second)

	tr.Enqueue(Event{EventID: "e1", Timestamp: isoNow(), EventType: EventHeartbeat}, Envelope{AgentID: "a1"})
	tr.Enqueue(Event{EventID: "e2", Timestamp: isoNow(), EventType: EventHeartbeat}, Envelope{AgentID: "a2"})
	tr.Enqueue(Event{EventID: "e3", Timestamp: isoNow(), EventType: EventHeartbeat}, Envelope{AgentID: "a1"})
	tr.Flush()

	waitFor(t, func() bool { return len(cs.received()) == 2 })
	for _, b := range cs.received() {
		for _, e := range b.Events {
			// Events from distinct agents must never share a batch.
			if (b.Envelope.AgentID == "a1") != (e.EventID == "e1" || e.EventID == "e3") {
				t.Fatalf("event %s delivered under envelope %s", e.EventID, b.Envelope.AgentID)
			}
		}
	}
}

func TestTransportDropsOldestWhenFull(t *testing.T) {
	cs := newCaptureServer(t)
	tr := testTransport(cs.srv.URL, 3, 100)
	defer tr.Shutdown(time.Second)

	env := Envelope{AgentID: "a1"}
	for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		tr.Enqueue(Event{EventID: id, Timestamp: isoNow(), EventType: EventHeartbeat}, env)
	}
	tr.Flush()

	waitFor(t, func() bool { return len(cs.received()) >= 1 })
	var ids []string
	for _, b := range cs.received() {
		for _, e := range b.Events {
			ids = append(ids, e.EventID)
		}
	}
	want := []string{"e3", "e4", "e5"}
	if len(ids) != len(want) {
		t.Fatalf("delivered %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("delivered %v, want %v (oldest-first eviction)", ids, want)
		}
	}
}

func TestTransportRetriesServerErrors(t *testing.T) {
	cs := newCaptureServer(t, http.StatusInternalServerError, http.StatusOK)
	tr := testTransport(cs.srv.URL, 100, 10)
	defer tr.Shutdown(30 * time.Second)

	tr.Enqueue(Event{EventID: "e1", Timestamp: isoNow(), EventType: EventHeartbeat}, Envelope{AgentID: "a1"})
	tr.Flush()

	// First attempt 500s, the retry (after ~1s backoff) succeeds.
	waitFor(t, func() bool { return len(cs.received()) == 2 })
}

func TestTransportDropsOn400(t *testing.T) {
	cs := newCaptureServer(t, http.StatusBadRequest)
	tr := testTransport(cs.srv.URL, 100, 10)
	defer tr.Shutdown(time.Second)

	tr.Enqueue(Event{EventID: "e1", Timestamp: isoNow(), EventType: EventHeartbeat}, Envelope{AgentID: "a1"})
	tr.Flush()

	waitFor(t, func() bool { return len(cs.received()) == 1 })
	// A permanent rejection is not retried.
	time.Sleep(100 * time.Millisecond)
	if n := len(cs.received()); n != 1 {
		t.Fatalf("got %d requests after 400, want 1 (no retry)", n)
	}
}

func TestShutdownDrainsRemaining(t *testing.T) {
	cs := newCaptureServer(t)
	tr := testTransport(cs.srv.URL, 100, 10)

	env := Envelope{AgentID: "a1"}
	for i := 0; i < 25; i++ {
		tr.Enqueue(Event{EventID: newEventID(), Timestamp: isoNow(), EventType: EventHeartbeat}, env)
	}
	tr.Shutdown(5 * time.Second)

	var total int
	for _, b := range cs.received() {
		total += len(b.Events)
	}
	if total != 25 {
		t.Fatalf("drained %d events on shutdown, want 25", total)
	}

	// Events submitted after shutdown are discarded.
	tr.Enqueue(Event{EventID: "late", Timestamp: isoNow(), EventType: EventHeartbeat}, env)
	if depth := tr.QueueDepth(); depth != 0 {
		t.Fatalf("post-shutdown enqueue buffered %d events, want 0", depth)
	}
}

func TestRetryAfterResolution(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		header http.Header
		want   time.Duration
	}{
		{"from body", `{"details":{"retry_after_seconds":5}}`, nil, 5 * time.Second},
		{"from header", `{}`, http.Header{"Retry-After": []string{"3"}}, 3 * time.Second},
		{"default", `{}`, nil, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryAfter([]byte(tt.body), tt.header); got != tt.want {
				t.Fatalf("retryAfter = %v, want %v", got, tt.want)
			}
		})
	}
}
