package hiveboard

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Agent represents one instrumented autonomous process (or role within
// a process). Agents are registered once per id on the Hive instance
// and carry the metadata the backend stores in the agent profile.
type Agent struct {
	hive *Hive

	id        string
	agentType string
	version   string
	framework string
	projectID string

	mu            sync.Mutex
	heartbeatStop chan struct{}
}

// AgentOption configures Agent registration.
type AgentOption func(*Agent)

// WithAgentType sets the agent's type metadata (e.g. "worker").
func WithAgentType(t string) AgentOption {
	return func(a *Agent) { a.agentType = t }
}

// WithAgentVersion sets the agent's version metadata.
func WithAgentVersion(v string) AgentOption {
	return func(a *Agent) { a.version = v }
}

// WithFramework sets the agent framework metadata (e.g. "langgraph").
func WithFramework(f string) AgentOption {
	return func(a *Agent) { a.framework = f }
}

// WithAgentProject overrides the Hive-level default project for this
// agent's events.
func WithAgentProject(projectID string) AgentOption {
	return func(a *Agent) { a.projectID = projectID }
}

// Agent registers (or returns the already-registered) Agent for id and
// emits an agent_registered event on first registration.
func (h *Hive) Agent(id string, opts ...AgentOption) *Agent {
	h.mu.Lock()
	if a, ok := h.agents[id]; ok {
		h.mu.Unlock()
		return a
	}
	a := &Agent{hive: h, id: id, projectID: h.projectID}
	for _, opt := range opts {
		opt(a)
	}
	h.agents[id] = a
	h.mu.Unlock()

	a.emit(context.Background(), Event{EventType: EventAgentRegistered})
	return a
}

// envelope builds the per-batch identity block for this agent.
func (a *Agent) envelope() Envelope {
	return Envelope{
		AgentID:     a.id,
		AgentType:   a.agentType,
		Version:     a.version,
		Framework:   a.framework,
		Runtime:     sdkRuntime(),
		SDKVersion:  Version,
		ProjectID:   a.projectID,
		Environment: a.hive.environment,
		Group:       a.hive.group,
	}
}

// emit fills in identity, id, timestamp, and default severity, reads
// task/action context from ctx, and hands the event to the transport.
// It never fails: emission problems are logged, not raised.
func (a *Agent) emit(ctx context.Context, e Event) {
	if e.EventID == "" {
		e.EventID = newEventID()
	}
	if e.Timestamp == "" {
		e.Timestamp = isoNow()
	}
	if e.Severity == "" {
		e.Severity = defaultSeverity[e.EventType]
	}
	if e.ProjectID == "" {
		e.ProjectID = a.projectID
	}
	if t := taskFrom(ctx); t != nil {
		if e.TaskID == "" {
			e.TaskID = t.id
		}
		if e.TaskType == "" {
			e.TaskType = t.taskType
		}
		if e.TaskRunID == "" {
			e.TaskRunID = t.runID
		}
		if e.CorrelationID == "" {
			e.CorrelationID = t.correlationID
		}
	}
	if e.ActionID == "" {
		if id := currentActionID(ctx); id != "" {
			e.ActionID = id
		}
	}
	a.hive.transport.Enqueue(e, a.envelope())
}

// Event emits a custom event with an arbitrary payload.
func (a *Agent) Event(ctx context.Context, eventType string, payload *Payload) {
	a.emit(ctx, Event{EventType: eventType, Payload: payload})
}

// Heartbeat emits a single heartbeat with an optional payload.
func (a *Agent) Heartbeat(payload map[string]interface{}) {
	var p *Payload
	if len(payload) > 0 {
		p = &Payload{Data: payload}
	}
	a.emit(context.Background(), Event{EventType: EventHeartbeat, Payload: p})
}

// QueueStats is the shape reported by a queue provider callback.
type QueueStats struct {
	Depth      int      `json:"depth"`
	OldestAge  *float64 `json:"oldest_age_seconds,omitempty"`
	QueueNames []string `json:"queues,omitempty"`
}

// StartHeartbeat launches a background loop emitting a heartbeat every
// interval. payloadFn (optional) supplies per-beat payload data;
// queueFn (optional) supplies queue stats emitted as a separate
// queue_snapshot event alongside each beat. Callback panics are
// swallowed so instrumentation can never take the host process down.
// A second call replaces the previous loop.
func (a *Agent) StartHeartbeat(interval time.Duration, payloadFn func() map[string]interface{}, queueFn func() QueueStats) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	a.mu.Lock()
	if a.heartbeatStop != nil {
		close(a.heartbeatStop)
	}
	stop := make(chan struct{})
	a.heartbeatStop = stop
	a.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.beat(payloadFn, queueFn)
			}
		}
	}()
}

func (a *Agent) beat(payloadFn func() map[string]interface{}, queueFn func() QueueStats) {
	defer func() {
		if r := recover(); r != nil {
			a.hive.logger.Printf("hiveboard: heartbeat callback panicked: %v", r)
		}
	}()

	var data map[string]interface{}
	if payloadFn != nil {
		data = payloadFn()
	}
	a.Heartbeat(data)

	if queueFn != nil {
		a.QueueSnapshot(queueFn())
	}
}

// StopHeartbeat stops the background heartbeat loop, if running.
func (a *Agent) StopHeartbeat() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.heartbeatStop != nil {
		close(a.heartbeatStop)
		a.heartbeatStop = nil
	}
}

// QueueSnapshot reports the agent's current work queue state.
func (a *Agent) QueueSnapshot(stats QueueStats) {
	data := map[string]interface{}{"queue_depth": stats.Depth}
	if stats.OldestAge != nil {
		data["oldest_age_seconds"] = *stats.OldestAge
	}
	if len(stats.QueueNames) > 0 {
		data["queues"] = stats.QueueNames
	}
	a.emit(context.Background(), Event{
		EventType: EventCustom,
		Payload: &Payload{
			Kind:    KindQueueSnapshot,
			Summary: fmt.Sprintf("Queue depth %d", stats.Depth),
			Data:    data,
		},
	})
}

// LLMCall describes one model invocation for cost tracking. Cost may
// be zero; the backend's pricing engine estimates it from tokens when
// the model is priced.
type LLMCall struct {
	Name      string
	Model     string
	TokensIn  int64
	TokensOut int64
	Cost      float64
	DurationMs int64
}

// LLMCall emits an llm_call payload inheriting task/action context.
func (a *Agent) LLMCall(ctx context.Context, call LLMCall) {
	data := map[string]interface{}{
		"name":       call.Name,
		"model":      call.Model,
		"tokens_in":  call.TokensIn,
		"tokens_out": call.TokensOut,
	}
	if call.Cost != 0 {
		data["cost"] = call.Cost
	}
	if call.DurationMs != 0 {
		data["duration_ms"] = call.DurationMs
	}
	a.emit(ctx, Event{
		EventType: EventCustom,
		Payload: &Payload{
			Kind:    KindLLMCall,
			Summary: fmt.Sprintf("%s (%s): %d in / %d out", call.Name, call.Model, call.TokensIn, call.TokensOut),
			Data:    data,
		},
	})
}

// Plan records a plan of named steps for the current task. Step
// progress is reported separately through PlanStep, keyed by step id.
func (a *Agent) Plan(ctx context.Context, planID string, steps []string) {
	stepList := make([]map[string]interface{}, 0, len(steps))
	for i, name := range steps {
		stepList = append(stepList, map[string]interface{}{
			"step_id": fmt.Sprintf("%s-%d", planID, i),
			"name":    name,
		})
	}
	a.emit(ctx, Event{
		EventType: EventCustom,
		Payload: &Payload{
			Kind:    KindPlanCreated,
			Summary: fmt.Sprintf("Plan with %d steps", len(steps)),
			Data: map[string]interface{}{
				"plan_id": planID,
				"steps":   stepList,
			},
		},
	})
}

// PlanStep records progress on one plan step. action is one of
// "started", "completed", "failed".
func (a *Agent) PlanStep(ctx context.Context, planID, stepID, name, action string) {
	a.emit(ctx, Event{
		EventType: EventCustom,
		Payload: &Payload{
			Kind:    KindPlanStep,
			Summary: fmt.Sprintf("Step %s %s", name, action),
			Data: map[string]interface{}{
				"plan_id": planID,
				"step_id": stepID,
				"name":    name,
				"action":  action,
			},
		},
	})
}

// Todo records a TODO item. action is "created", "updated",
// "completed", or "dismissed".
func (a *Agent) Todo(ctx context.Context, todoID, summary, action string) {
	a.emit(ctx, Event{
		EventType: EventCustom,
		Payload: &Payload{
			Kind:    KindTodo,
			Summary: summary,
			Data: map[string]interface{}{
				"todo_id": todoID,
				"action":  action,
			},
		},
	})
}

// Scheduled records an upcoming scheduled work item.
func (a *Agent) Scheduled(ctx context.Context, itemID, summary string, at time.Time) {
	a.emit(ctx, Event{
		EventType: EventCustom,
		Payload: &Payload{
			Kind:    KindScheduled,
			Summary: summary,
			Data: map[string]interface{}{
				"item_id":      itemID,
				"scheduled_at": at.UTC().Format("2006-01-02T15:04:05.000Z"),
			},
		},
	})
}

// ReportIssue reports an active issue the agent has encountered.
func (a *Agent) ReportIssue(ctx context.Context, issueID, summary, severity string) {
	if severity == "" {
		severity = SeverityWarn
	}
	a.emit(ctx, Event{
		EventType: EventCustom,
		Severity:  severity,
		Payload: &Payload{
			Kind:    KindIssue,
			Summary: summary,
			Data: map[string]interface{}{
				"issue_id": issueID,
				"action":   "reported",
			},
		},
	})
}

// ResolveIssue marks a previously reported issue resolved.
func (a *Agent) ResolveIssue(ctx context.Context, issueID string) {
	a.emit(ctx, Event{
		EventType: EventCustom,
		Severity:  SeverityInfo,
		Payload: &Payload{
			Kind:    KindIssue,
			Summary: fmt.Sprintf("Issue %s resolved", issueID),
			Data: map[string]interface{}{
				"issue_id": issueID,
				"action":   "resolved",
			},
		},
	})
}
