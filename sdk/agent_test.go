package hiveboard

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// newTestHive wires a Hive at a capture server without going through
// the Init singleton, so tests stay independent.
func newTestHive(t *testing.T, cs *captureServer) *Hive {
	t.Helper()
	h := &Hive{
		transport:   testTransport(cs.srv.URL, 1000, 100),
		logger:      testLogger(),
		environment: "test",
		agents:      make(map[string]*Agent),
	}
	t.Cleanup(func() { h.Shutdown(5 * time.Second) })
	return h
}

// drainEvents flushes and returns all delivered events in order.
func drainEvents(t *testing.T, h *Hive, cs *captureServer, want int) []Event {
	t.Helper()
	var events []Event
	waitFor(t, func() bool {
		h.Flush()
		events = events[:0]
		for _, b := range cs.received() {
			events = append(events, b.Events...)
		}
		return len(events) >= want
	})
	return events
}

func TestInitRequiresKeyPrefix(t *testing.T) {
	Reset()
	if _, err := Init("sk_wrong_prefix"); err == nil {
		t.Fatal("Init accepted a key without the hb_ prefix")
	}
	h, err := Init("hb_live_0123456789abcdef", WithEndpoint("http://localhost:1"), WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	// Second Init returns the same instance.
	h2, err := Init("hb_live_other", WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if h2 != h {
		t.Fatal("second Init returned a different instance")
	}
	Reset()
	if Get() != nil {
		t.Fatal("Reset did not clear the instance")
	}
}

func TestAgentRegistersOnce(t *testing.T) {
	cs := newCaptureServer(t)
	h := newTestHive(t, cs)

	a := h.Agent("worker-1", WithAgentType("worker"), WithAgentVersion("2.0"))
	if again := h.Agent("worker-1"); again != a {
		t.Fatal("re-registration returned a different Agent")
	}

	events := drainEvents(t, h, cs, 1)
	if events[0].EventType != EventAgentRegistered {
		t.Fatalf("first event = %s, want agent_registered", events[0].EventType)
	}
	batches := cs.received()
	env := batches[0].Envelope
	if env.AgentID != "worker-1" || env.AgentType != "worker" || env.Version != "2.0" {
		t.Fatalf("envelope = %+v", env)
	}
	if env.SDKVersion != Version {
		t.Fatalf("envelope sdk_version = %q, want %q", env.SDKVersion, Version)
	}
}

func TestTaskLifecycleScoped(t *testing.T) {
	cs := newCaptureServer(t)
	h := newTestHive(t, cs)
	a := h.Agent("worker-1")

	err := a.RunTask(context.Background(), "t1", func(ctx context.Context) error {
		a.LLMCall(ctx, LLMCall{Name: "reason", Model: "claude-haiku-4-5", TokensIn: 1000, TokensOut: 500})
		return nil
	}, WithTaskType("triage"))
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	events := drainEvents(t, h, cs, 4) // agent_registered + started + llm + completed
	byType := map[string]Event{}
	for _, e := range events {
		byType[e.EventType] = e
	}
	started, ok := byType[EventTaskStarted]
	if !ok || started.TaskID != "t1" || started.TaskType != "triage" {
		t.Fatalf("task_started = %+v", started)
	}
	llm := byType[EventCustom]
	if llm.Payload == nil || llm.Payload.Kind != KindLLMCall {
		t.Fatalf("llm event payload = %+v", llm.Payload)
	}
	if llm.TaskID != "t1" {
		t.Fatalf("llm call task_id = %q, want t1 (context inheritance)", llm.TaskID)
	}
	completed, ok := byType[EventTaskCompleted]
	if !ok || completed.Status != "success" || completed.DurationMs == nil {
		t.Fatalf("task_completed = %+v", completed)
	}
}

func TestTaskFailureCarriesError(t *testing.T) {
	cs := newCaptureServer(t)
	h := newTestHive(t, cs)
	a := h.Agent("worker-1")

	wantErr := errors.New("upstream timed out")
	err := a.RunTask(context.Background(), "t1", func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("RunTask error = %v, want %v", err, wantErr)
	}

	events := drainEvents(t, h, cs, 3)
	var failed *Event
	for i := range events {
		if events[i].EventType == EventTaskFailed {
			failed = &events[i]
		}
	}
	if failed == nil {
		t.Fatal("no task_failed event")
	}
	if failed.Payload == nil || failed.Payload.Data["error_message"] != "upstream timed out" {
		t.Fatalf("task_failed payload = %+v", failed.Payload)
	}
	if failed.Severity != SeverityError {
		t.Fatalf("task_failed severity = %q, want error", failed.Severity)
	}
}

func TestTaskClosesExactlyOnce(t *testing.T) {
	cs := newCaptureServer(t)
	h := newTestHive(t, cs)
	a := h.Agent("worker-1")

	task, tctx := a.StartTask(context.Background(), "t1")
	task.Complete(tctx, "done")
	task.Fail(tctx, errors.New("too late"))
	task.Complete(tctx, "again")

	events := drainEvents(t, h, cs, 3)
	var closes int
	for _, e := range events {
		if e.EventType == EventTaskCompleted || e.EventType == EventTaskFailed {
			closes++
		}
	}
	if closes != 1 {
		t.Fatalf("task emitted %d closing events, want exactly 1", closes)
	}
}

func TestActionNesting(t *testing.T) {
	cs := newCaptureServer(t)
	h := newTestHive(t, cs)
	a := h.Agent("worker-1")

	err := a.Action(context.Background(), "outer", func(ctx context.Context) error {
		return a.Action(ctx, "inner", func(ctx context.Context) error { return nil })
	})
	if err != nil {
		t.Fatalf("Action: %v", err)
	}

	events := drainEvents(t, h, cs, 5)
	var outerID string
	var innerStarted *Event
	for i, e := range events {
		if e.EventType != EventActionStarted || e.Payload == nil {
			continue
		}
		switch e.Payload.Data["name"] {
		case "outer":
			outerID = e.ActionID
		case "inner":
			innerStarted = &events[i]
		}
	}
	if outerID == "" || innerStarted == nil {
		t.Fatal("missing action_started events")
	}
	if innerStarted.ParentActionID != outerID {
		t.Fatalf("inner parent_action_id = %q, want outer id %q", innerStarted.ParentActionID, outerID)
	}

	var completed int
	for _, e := range events {
		if e.EventType == EventActionCompleted {
			completed++
		}
	}
	if completed != 2 {
		t.Fatalf("got %d action_completed, want 2", completed)
	}
}

func TestActionFailureReemitsError(t *testing.T) {
	cs := newCaptureServer(t)
	h := newTestHive(t, cs)
	a := h.Agent("worker-1")

	boom := errors.New("boom")
	if err := a.Action(context.Background(), "risky", func(ctx context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Action swallowed the error: %v", err)
	}

	events := drainEvents(t, h, cs, 3)
	var failed bool
	for _, e := range events {
		if e.EventType == EventActionFailed {
			failed = true
			if e.Payload.Data["error_message"] != "boom" {
				t.Fatalf("action_failed payload = %+v", e.Payload)
			}
		}
	}
	if !failed {
		t.Fatal("no action_failed event")
	}
}

func TestHeartbeatLoopEmitsQueueSnapshot(t *testing.T) {
	cs := newCaptureServer(t)
	h := newTestHive(t, cs)
	a := h.Agent("worker-1")

	a.StartHeartbeat(20*time.Millisecond,
		func() map[string]interface{} { return map[string]interface{}{"cpu": 0.5} },
		func() QueueStats { return QueueStats{Depth: 7} },
	)
	defer a.StopHeartbeat()

	events := drainEvents(t, h, cs, 3)
	var sawHeartbeat, sawSnapshot bool
	for _, e := range events {
		switch {
		case e.EventType == EventHeartbeat:
			sawHeartbeat = true
		case e.Payload != nil && e.Payload.Kind == KindQueueSnapshot:
			sawSnapshot = true
			if depth, ok := e.Payload.Data["queue_depth"].(float64); !ok || depth != 7 {
				t.Fatalf("queue_snapshot depth = %v", e.Payload.Data["queue_depth"])
			}
		}
	}
	if !sawHeartbeat || !sawSnapshot {
		t.Fatalf("heartbeat=%v snapshot=%v, want both", sawHeartbeat, sawSnapshot)
	}
}

func TestConvenienceEmitters(t *testing.T) {
	cs := newCaptureServer(t)
	h := newTestHive(t, cs)
	a := h.Agent("worker-1")
	ctx := context.Background()

	a.Plan(ctx, "p1", []string{"fetch", "summarise", "post"})
	a.PlanStep(ctx, "p1", "p1-0", "fetch", "completed")
	a.Todo(ctx, "todo-1", "rotate credentials", "created")
	a.Scheduled(ctx, "s1", "nightly sync", time.Date(2026, 2, 11, 3, 0, 0, 0, time.UTC))
	a.ReportIssue(ctx, "i1", "rate limited by upstream", "")
	a.ResolveIssue(ctx, "i1")

	events := drainEvents(t, h, cs, 7)
	kinds := map[string]int{}
	for _, e := range events {
		if e.Payload != nil && e.Payload.Kind != "" {
			kinds[e.Payload.Kind]++
		}
	}
	for _, kind := range []string{KindPlanCreated, KindPlanStep, KindTodo, KindScheduled} {
		if kinds[kind] != 1 {
			t.Fatalf("kind %s emitted %d times, want 1", kind, kinds[kind])
		}
	}
	if kinds[KindIssue] != 2 {
		t.Fatalf("issue events = %d, want 2 (report + resolve)", kinds[KindIssue])
	}

	for _, e := range events {
		if e.EventID == "" || e.Timestamp == "" || e.Severity == "" {
			t.Fatalf("event missing defaults: %+v", e)
		}
	}
}

func TestEndpointFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/loophive.cfg"
	cfg := "# local override\n[loophive]\nendpoint = http://hive.internal:9000/\n"
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	if got := endpointFromFile(path); got != "http://hive.internal:9000" {
		t.Fatalf("endpointFromFile = %q", got)
	}
	if got := endpointFromFile(dir + "/missing.cfg"); got != "" {
		t.Fatalf("missing file resolved to %q", got)
	}
}
