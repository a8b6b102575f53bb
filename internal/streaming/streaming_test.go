package streaming

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
)

func TestFilterMatchesAgentID(t *testing.T) {
	f := Filter{AgentID: "a1"}
	if !f.matches(eventmodel.Event{AgentID: "a1"}) {
		t.Fatalf("expected match for a1")
	}
	if f.matches(eventmodel.Event{AgentID: "a2"}) {
		t.Fatalf("expected no match for a2")
	}
}

func TestFilterMatchesEventTypesAndSeverity(t *testing.T) {
	f := Filter{EventTypes: []string{"task_failed"}, MinSeverity: "warn"}
	if !f.matches(eventmodel.Event{EventType: eventmodel.EventTaskFailed, Severity: eventmodel.SeverityError}) {
		t.Fatalf("expected match")
	}
	if f.matches(eventmodel.Event{EventType: eventmodel.EventTaskFailed, Severity: eventmodel.SeverityInfo}) {
		t.Fatalf("severity below floor should not match")
	}
	if f.matches(eventmodel.Event{EventType: eventmodel.EventHeartbeat, Severity: eventmodel.SeverityError}) {
		t.Fatalf("event_type not in set should not match")
	}
}

func TestStuckLatchFiresOncePerEpisode(t *testing.T) {
	m := NewManager(zerolog.Nop())

	if m.stuckLatch["t1:a1"] {
		t.Fatalf("latch should start clear")
	}
	m.PublishStuck("t1", "a1")
	if !m.stuckLatch["t1:a1"] {
		t.Fatalf("expected latch set after first PublishStuck")
	}

	m.PublishStuck("t1", "a1") // second call: should be a no-op, latch stays set
	if !m.stuckLatch["t1:a1"] {
		t.Fatalf("latch should remain set")
	}

	m.PublishStatusChange("t1", "a1", eventmodel.AgentStuck, eventmodel.AgentIdle)
	if m.stuckLatch["t1:a1"] {
		t.Fatalf("expected latch cleared on transition to a non-stuck status")
	}
}

func TestConnectionCountEmptyTenant(t *testing.T) {
	m := NewManager(zerolog.Nop())
	if got := m.ConnectionCount("nobody"); got != 0 {
		t.Fatalf("expected 0 connections, got %d", got)
	}
	if got := m.tenantIDs(); len(got) != 0 {
		t.Fatalf("expected no registered tenants, got %v", got)
	}
}
