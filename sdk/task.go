package hiveboard

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Task tracks one unit of agent work from task_started through exactly
// one closing lifecycle event (task_completed or task_failed), emitted
// either by the scoped Run form or by an explicit Complete/Fail call —
// whichever comes first; later calls are no-ops.
type Task struct {
	agent *Agent

	id            string
	taskType      string
	runID         string
	correlationID string

	started time.Time

	mu     sync.Mutex
	closed bool
}

// TaskOption configures StartTask.
type TaskOption func(*Task)

// WithTaskType sets the task's type label.
func WithTaskType(t string) TaskOption {
	return func(tk *Task) { tk.taskType = t }
}

// WithRunID distinguishes repeated runs of the same logical task.
func WithRunID(id string) TaskOption {
	return func(tk *Task) { tk.runID = id }
}

// WithCorrelationID links this task to an external trace or request.
func WithCorrelationID(id string) TaskOption {
	return func(tk *Task) { tk.correlationID = id }
}

type taskCtxKey struct{}

// taskFrom returns the Task carried by ctx, or nil.
func taskFrom(ctx context.Context) *Task {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(taskCtxKey{}).(*Task)
	return t
}

// StartTask emits task_started and returns the Task plus a derived
// context that stamps the task's identity onto every event emitted
// through it (LLM calls, actions, plan steps).
func (a *Agent) StartTask(ctx context.Context, taskID string, opts ...TaskOption) (*Task, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	t := &Task{agent: a, id: taskID, runID: newEventID(), started: time.Now()}
	for _, opt := range opts {
		opt(t)
	}
	tctx := context.WithValue(ctx, taskCtxKey{}, t)
	a.emit(tctx, Event{EventType: EventTaskStarted})
	return t, tctx
}

// RunTask is the scoped form: it starts the task, invokes fn with the
// task context, and closes the task from fn's outcome — task_completed
// on nil, task_failed (carrying the error) otherwise. The error is
// returned to the caller unchanged.
func (a *Agent) RunTask(ctx context.Context, taskID string, fn func(context.Context) error, opts ...TaskOption) error {
	t, tctx := a.StartTask(ctx, taskID, opts...)
	defer func() {
		if r := recover(); r != nil {
			t.failWith(tctx, fmt.Sprintf("panic: %v", r), "panic")
			panic(r)
		}
	}()
	if err := fn(tctx); err != nil {
		t.Fail(tctx, err)
		return err
	}
	t.Complete(tctx, "")
	return nil
}

// Complete closes the task successfully. result, when non-empty,
// becomes the payload summary. No-op after a prior Complete or Fail.
func (t *Task) Complete(ctx context.Context, result string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	var p *Payload
	if result != "" {
		p = &Payload{Summary: result}
	}
	t.agent.emit(t.ensureCtx(ctx), Event{
		EventType:  EventTaskCompleted,
		Status:     "success",
		DurationMs: int64Ptr(time.Since(t.started).Milliseconds()),
		Payload:    p,
	})
}

// Fail closes the task with an error. No-op after a prior close.
func (t *Task) Fail(ctx context.Context, err error) {
	msg := ""
	errType := ""
	if err != nil {
		msg = err.Error()
		errType = fmt.Sprintf("%T", err)
	}
	t.failWith(ctx, msg, errType)
}

func (t *Task) failWith(ctx context.Context, message, errType string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.agent.emit(t.ensureCtx(ctx), Event{
		EventType:  EventTaskFailed,
		Status:     "failed",
		DurationMs: int64Ptr(time.Since(t.started).Milliseconds()),
		Payload: &Payload{
			Summary: message,
			Data: map[string]interface{}{
				"error_type":    errType,
				"error_message": message,
			},
		},
	})
}

// ensureCtx guarantees the emitted event carries this task even when
// the caller passed a context from outside StartTask.
func (t *Task) ensureCtx(ctx context.Context) context.Context {
	if taskFrom(ctx) == t {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, taskCtxKey{}, t)
}

// Event emits an arbitrary event inside this task's context.
func (t *Task) Event(ctx context.Context, eventType string, payload *Payload) {
	t.agent.emit(t.ensureCtx(ctx), Event{EventType: eventType, Payload: payload})
}

// LLMCall emits an llm_call attributed to this task.
func (t *Task) LLMCall(ctx context.Context, call LLMCall) {
	t.agent.LLMCall(t.ensureCtx(ctx), call)
}

// Plan records this task's plan.
func (t *Task) Plan(ctx context.Context, planID string, steps []string) {
	t.agent.Plan(t.ensureCtx(ctx), planID, steps)
}

// PlanStep records progress on one step of this task's plan.
func (t *Task) PlanStep(ctx context.Context, planID, stepID, name, action string) {
	t.agent.PlanStep(t.ensureCtx(ctx), planID, stepID, name, action)
}
