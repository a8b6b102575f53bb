// Package status implements the two pure, total derivation functions
// at the heart of the system: agent status and task status are never
// persisted and are recomputed on every read from the agent cache and
// the event log respectively.
package status

import (
	"time"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
)

// DefaultStuckThresholdSeconds is used when an agent profile has no
// explicit override.
const DefaultStuckThresholdSeconds = 300

// DeriveAgentStatus implements the agent-status priority cascade.
// First match wins:
//  1. stuck    — max(last_heartbeat, last_seen) older than the threshold.
//  2. error    — last event was task_failed or action_failed.
//  3. waiting_approval — last event was approval_requested.
//  4. processing — last event was task_started or action_started.
//  5. idle     — otherwise.
func DeriveAgentStatus(p *eventmodel.AgentProfile, now time.Time) eventmodel.AgentStatus {
	threshold := p.StuckThresholdSeconds
	if threshold <= 0 {
		threshold = DefaultStuckThresholdSeconds
	}

	mostRecent := p.LastSeen
	if p.LastHeartbeat != nil && p.LastHeartbeat.After(mostRecent) {
		mostRecent = *p.LastHeartbeat
	}
	if !mostRecent.IsZero() && now.Sub(mostRecent) > time.Duration(threshold)*time.Second {
		return eventmodel.AgentStuck
	}

	switch p.LastEventType {
	case eventmodel.EventTaskFailed, eventmodel.EventActionFailed:
		return eventmodel.AgentError
	case eventmodel.EventApprovalRequested:
		return eventmodel.AgentWaitingApproval
	case eventmodel.EventTaskStarted, eventmodel.EventActionStarted:
		return eventmodel.AgentProcessing
	default:
		return eventmodel.AgentIdle
	}
}

// DeriveTaskStatus implements the task-status cascade over the set of
// distinct event types observed for one task_id. The cascade checks
// task_completed first, so a task carrying both task_completed and
// task_failed derives to completed.
func DeriveTaskStatus(eventTypesSeen map[eventmodel.EventType]bool) eventmodel.TaskStatus {
	if eventTypesSeen[eventmodel.EventTaskCompleted] {
		return eventmodel.TaskCompleted
	}
	if eventTypesSeen[eventmodel.EventTaskFailed] {
		return eventmodel.TaskFailed
	}
	if eventTypesSeen[eventmodel.EventEscalated] {
		return eventmodel.TaskEscalated
	}
	if eventTypesSeen[eventmodel.EventApprovalRequested] && !eventTypesSeen[eventmodel.EventApprovalReceived] {
		return eventmodel.TaskWaiting
	}
	return eventmodel.TaskProcessing
}

// EventTypeSet builds the set DeriveTaskStatus expects from a slice of
// events belonging to one task.
func EventTypeSet(events []eventmodel.Event) map[eventmodel.EventType]bool {
	set := make(map[eventmodel.EventType]bool, len(events))
	for _, e := range events {
		set[e.EventType] = true
	}
	return set
}
