package ingestion_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
	"github.com/jcolano/hiveboard-sub000/internal/ingestion"
	"github.com/jcolano/hiveboard-sub000/internal/pricing"
	"github.com/jcolano/hiveboard-sub000/internal/storage"
)

func newPipeline(t *testing.T) (*ingestion.Pipeline, storage.Storage) {
	t.Helper()
	store := storage.NewMemStore(zerolog.Nop(), t.TempDir())
	engine := pricing.NewEngine(zerolog.Nop(), t.TempDir())
	if err := engine.Initialize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return ingestion.New(zerolog.Nop(), store, engine, nil, nil), store
}

func eventMap(id, eventType string, ts time.Time) map[string]interface{} {
	return map[string]interface{}{
		"event_id":   id,
		"event_type": eventType,
		"timestamp":  ts.Format(time.RFC3339Nano),
	}
}

func TestIngestRejectsOversizedBatch(t *testing.T) {
	p, _ := newPipeline(t)
	batch := make([]map[string]interface{}, eventmodel.MaxBatchEvents+1)
	for i := range batch {
		batch[i] = eventMap("e", "heartbeat", time.Now())
	}
	_, err := p.Ingest(context.Background(), "t1", eventmodel.Envelope{AgentID: "a1"}, batch)
	if err == nil {
		t.Fatal("expected batch-too-large to be rejected")
	}
}

func TestIngestEmptyBatchIsAccepted(t *testing.T) {
	p, _ := newPipeline(t)
	res, err := p.Ingest(context.Background(), "t1", eventmodel.Envelope{AgentID: "a1"}, []map[string]interface{}{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 0 || res.Rejected != 0 {
		t.Fatalf("expected 0/0 for empty batch, got %d/%d", res.Accepted, res.Rejected)
	}
}

func TestIngestRejectsMissingFields(t *testing.T) {
	p, _ := newPipeline(t)
	batch := []map[string]interface{}{
		{"event_type": "heartbeat", "timestamp": time.Now().Format(time.RFC3339Nano)}, // missing event_id
		eventMap("e2", "not_a_real_type", time.Now()),
	}
	res, err := p.Ingest(context.Background(), "t1", eventmodel.Envelope{AgentID: "a1"}, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Rejected != 2 {
		t.Fatalf("expected 2 rejected, got %d", res.Rejected)
	}
	if res.Errors[0].Error != "missing_field" {
		t.Fatalf("expected first error missing_field, got %s", res.Errors[0].Error)
	}
	if res.Errors[1].Error != "invalid_event_type" {
		t.Fatalf("expected second error invalid_event_type, got %s", res.Errors[1].Error)
	}
}

func TestIngestDefaultsProjectToTenantDefault(t *testing.T) {
	p, store := newPipeline(t)
	batch := []map[string]interface{}{eventMap("e1", "heartbeat", time.Now())}

	res, err := p.Ingest(context.Background(), "t1", eventmodel.Envelope{AgentID: "a1"}, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 1 {
		t.Fatalf("expected 1 accepted, got %d", res.Accepted)
	}

	def, err := store.GetProjectBySlug(context.Background(), "t1", eventmodel.DefaultProjectSlug)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	page, err := store.GetEvents(context.Background(), "t1", storage.EventFilter{ProjectID: def.ProjectID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Data) != 1 {
		t.Fatalf("expected the event to land in the default project, got %d matches", len(page.Data))
	}
}

func TestIngestAutoCreatesUnknownProject(t *testing.T) {
	p, store := newPipeline(t)
	batch := []map[string]interface{}{eventMap("e1", "heartbeat", time.Now())}
	batch[0]["project_id"] = "new-project"

	_, err := p.Ingest(context.Background(), "t1", eventmodel.Envelope{AgentID: "a1"}, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	proj, err := store.GetProjectBySlug(context.Background(), "t1", "new-project")
	if err != nil {
		t.Fatalf("expected auto-created project to exist: %v", err)
	}
	if !proj.AutoCreated {
		t.Fatal("expected auto-created project to be flagged as such")
	}
}

func TestIngestLLMCallPayloadGetsEstimatedCost(t *testing.T) {
	p, store := newPipeline(t)
	batch := []map[string]interface{}{eventMap("e1", "custom", time.Now())}
	batch[0]["payload"] = map[string]interface{}{
		"kind": "llm_call",
		"data": map[string]interface{}{
			"model":     "claude-haiku-4-5",
			"tokens_in": float64(1000),
			"tokens_out": float64(500),
		},
	}

	_, err := p.Ingest(context.Background(), "t1", eventmodel.Envelope{AgentID: "a1"}, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events, err := store.AllEventsSnapshot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(events))
	}
	ev := events[0]
	if ev.Payload == nil || ev.Payload.Data["cost_source"] != eventmodel.CostSourceEstimated {
		t.Fatalf("expected estimated cost_source, got %+v", ev.Payload)
	}
}

func TestIngestUpdatesAgentCacheAndDedupes(t *testing.T) {
	p, store := newPipeline(t)
	ts := time.Now()
	batch := []map[string]interface{}{eventMap("e1", "task_started", ts)}

	_, err := p.Ingest(context.Background(), "t1", eventmodel.Envelope{AgentID: "a1"}, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	agent, err := store.GetAgent(context.Background(), "t1", "a1")
	if err != nil {
		t.Fatalf("expected agent cache row to exist: %v", err)
	}
	if agent.LastEventType != "task_started" {
		t.Fatalf("expected last_event_type task_started, got %s", agent.LastEventType)
	}

	// Re-sending the same event id must not double-insert.
	_, err = p.Ingest(context.Background(), "t1", eventmodel.Envelope{AgentID: "a1"}, batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events, _ := store.AllEventsSnapshot(context.Background())
	if len(events) != 1 {
		t.Fatalf("expected dedup to keep exactly 1 stored event, got %d", len(events))
	}
}
