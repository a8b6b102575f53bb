package alerting_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcolano/hiveboard-sub000/internal/alerting"
	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
	"github.com/jcolano/hiveboard-sub000/internal/storage"
)

func newEngine(t *testing.T) (*alerting.Engine, storage.Storage) {
	t.Helper()
	store := storage.NewMemStore(zerolog.Nop(), t.TempDir())
	return alerting.New(zerolog.Nop(), store), store
}

func addRule(t *testing.T, store storage.Storage, rule eventmodel.AlertRule) {
	t.Helper()
	rule.Enabled = true
	if rule.TenantID == "" {
		rule.TenantID = "t1"
	}
	if err := store.CreateAlertRule(context.Background(), rule); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func historyCount(t *testing.T, store storage.Storage) int {
	t.Helper()
	page, err := store.ListAlertHistory(context.Background(), "t1", storage.AlertHistoryFilter{Limit: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return len(page.Data)
}

func TestTaskFailedConditionFires(t *testing.T) {
	engine, store := newEngine(t)
	addRule(t, store, eventmodel.AlertRule{
		RuleID:        "r1",
		Name:          "any task failure",
		ConditionType: alerting.ConditionTaskFailed,
		Actions:       []eventmodel.AlertAction{{Type: "webhook", URL: "https://example.invalid/hook"}},
	})

	engine.Evaluate(context.Background(), "t1", []eventmodel.Event{
		{EventID: "e1", TenantID: "t1", AgentID: "a1", TaskID: "task-9", EventType: eventmodel.EventTaskFailed, Timestamp: time.Now()},
	})

	page, err := store.ListAlertHistory(context.Background(), "t1", storage.AlertHistoryFilter{Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Data) != 1 {
		t.Fatalf("expected 1 firing, got %d", len(page.Data))
	}
	record := page.Data[0]
	if record.RelatedTaskID != "task-9" || record.RelatedAgentID != "a1" {
		t.Fatalf("related ids = %q/%q", record.RelatedAgentID, record.RelatedTaskID)
	}
	if len(record.ActionsTaken) != 1 || record.ActionsTaken[0].Status != "logged" {
		t.Fatalf("expected stubbed webhook to be logged, got %+v", record.ActionsTaken)
	}
}

func TestCooldownSuppressesRefiring(t *testing.T) {
	engine, store := newEngine(t)
	addRule(t, store, eventmodel.AlertRule{
		RuleID:          "r1",
		ConditionType:   alerting.ConditionTaskFailed,
		CooldownSeconds: 300,
	})

	batch := []eventmodel.Event{
		{EventID: "e1", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventTaskFailed, Timestamp: time.Now()},
	}
	engine.Evaluate(context.Background(), "t1", batch)
	engine.Evaluate(context.Background(), "t1", batch)

	if n := historyCount(t, store); n != 1 {
		t.Fatalf("expected cooldown to allow exactly 1 firing, got %d", n)
	}
}

func TestDurationExceededChecksThreshold(t *testing.T) {
	engine, store := newEngine(t)
	addRule(t, store, eventmodel.AlertRule{
		RuleID:          "r1",
		ConditionType:   alerting.ConditionDurationExceeded,
		ConditionConfig: map[string]interface{}{"threshold_ms": float64(1000)},
	})

	under := int64(900)
	over := int64(2500)

	engine.Evaluate(context.Background(), "t1", []eventmodel.Event{
		{EventID: "e1", TenantID: "t1", EventType: eventmodel.EventTaskCompleted, DurationMs: &under, Timestamp: time.Now()},
	})
	if n := historyCount(t, store); n != 0 {
		t.Fatalf("under-threshold completion fired %d alerts", n)
	}

	engine.Evaluate(context.Background(), "t1", []eventmodel.Event{
		{EventID: "e2", TenantID: "t1", TaskID: "slow", EventType: eventmodel.EventTaskCompleted, DurationMs: &over, Timestamp: time.Now()},
	})
	if n := historyCount(t, store); n != 1 {
		t.Fatalf("over-threshold completion fired %d alerts, want 1", n)
	}
}

func TestErrorRateOverWindow(t *testing.T) {
	engine, store := newEngine(t)
	addRule(t, store, eventmodel.AlertRule{
		RuleID:        "r1",
		ConditionType: alerting.ConditionErrorRate,
		ConditionConfig: map[string]interface{}{
			"window_minutes":    float64(15),
			"threshold_percent": float64(50),
		},
	})

	now := time.Now().UTC()
	_, err := store.InsertEvents(context.Background(), "t1", []eventmodel.Event{
		{EventID: "a1s", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventActionStarted, Timestamp: now.Add(-time.Minute)},
		{EventID: "a1f", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventActionFailed, Timestamp: now.Add(-time.Minute)},
		{EventID: "a2s", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventActionStarted, Timestamp: now.Add(-time.Minute)},
		{EventID: "a2f", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventActionFailed, Timestamp: now.Add(-time.Minute)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	engine.Evaluate(context.Background(), "t1", nil)
	if n := historyCount(t, store); n != 1 {
		t.Fatalf("50%% failure rate fired %d alerts, want 1", n)
	}
}

func TestHeartbeatLostRequiresAgent(t *testing.T) {
	engine, store := newEngine(t)
	addRule(t, store, eventmodel.AlertRule{
		RuleID:          "r1",
		ConditionType:   alerting.ConditionHeartbeatLost,
		ConditionConfig: map[string]interface{}{"agent_id": "a1", "window_seconds": float64(600)},
	})

	// Agent exists but has never heartbeated.
	_, err := store.UpsertAgent(context.Background(), "t1", "a1", func(p *eventmodel.AgentProfile) {
		p.LastSeen = time.Now().UTC()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	engine.Evaluate(context.Background(), "t1", nil)
	if n := historyCount(t, store); n != 1 {
		t.Fatalf("no-heartbeat agent fired %d alerts, want 1", n)
	}
}

func TestCostThresholdSumsWindow(t *testing.T) {
	engine, store := newEngine(t)
	addRule(t, store, eventmodel.AlertRule{
		RuleID:        "r1",
		ConditionType: alerting.ConditionCostThreshold,
		ConditionConfig: map[string]interface{}{
			"window_minutes": float64(60),
			"threshold_usd":  float64(1.0),
		},
	})

	now := time.Now().UTC()
	_, err := store.InsertEvents(context.Background(), "t1", []eventmodel.Event{
		{EventID: "c1", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventCustom, Timestamp: now.Add(-time.Minute),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadLLMCall, Data: map[string]interface{}{"cost": 0.6}}},
		{EventID: "c2", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventCustom, Timestamp: now.Add(-time.Minute),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadLLMCall, Data: map[string]interface{}{"cost": 0.5}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	engine.Evaluate(context.Background(), "t1", nil)
	if n := historyCount(t, store); n != 1 {
		t.Fatalf("$1.10 of spend against a $1 threshold fired %d alerts, want 1", n)
	}
}

func TestDisabledRulesAreSkipped(t *testing.T) {
	engine, store := newEngine(t)
	rule := eventmodel.AlertRule{
		RuleID:        "r1",
		TenantID:      "t1",
		ConditionType: alerting.ConditionTaskFailed,
		Enabled:       false,
	}
	if err := store.CreateAlertRule(context.Background(), rule); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	engine.Evaluate(context.Background(), "t1", []eventmodel.Event{
		{EventID: "e1", TenantID: "t1", EventType: eventmodel.EventTaskFailed, Timestamp: time.Now()},
	})
	if n := historyCount(t, store); n != 0 {
		t.Fatalf("disabled rule fired %d alerts", n)
	}
}
