package hiveboard

import (
	"context"
	"fmt"
	"time"
)

// Action nesting rides on context.Context: each BeginAction derives a
// context carrying the new action id, so a callee that receives that
// context observes its caller as parent_action_id. Propagation follows
// the call chain — across goroutines and suspension points — because
// the context does.

type actionCtxKey struct{}

// currentActionID returns the innermost action id carried by ctx.
func currentActionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(actionCtxKey{}).(string)
	return id
}

// ActionScope is the explicit begin/end form of action tracking, for
// call sites that cannot wrap their work in a closure.
type ActionScope struct {
	agent   *Agent
	ctx     context.Context
	id      string
	parent  string
	name    string
	started time.Time
	closed  bool
}

// BeginAction emits action_started and returns a derived context
// (carrying the new action id for callees) plus a scope whose End
// closes the action. Exactly one of action_completed / action_failed
// is emitted per scope.
func (a *Agent) BeginAction(ctx context.Context, name string) (context.Context, *ActionScope) {
	if ctx == nil {
		ctx = context.Background()
	}
	id := newEventID()
	parent := currentActionID(ctx)
	actx := context.WithValue(ctx, actionCtxKey{}, id)

	a.emit(ctx, Event{
		EventType:      EventActionStarted,
		ActionID:       id,
		ParentActionID: parent,
		Payload:        &Payload{Summary: name, Data: map[string]interface{}{"name": name}},
	})
	return actx, &ActionScope{agent: a, ctx: actx, id: id, parent: parent, name: name, started: time.Now()}
}

// End closes the action: action_completed when err is nil,
// action_failed otherwise. Subsequent calls are no-ops.
func (s *ActionScope) End(err error) {
	if s.closed {
		return
	}
	s.closed = true

	duration := int64Ptr(time.Since(s.started).Milliseconds())
	if err != nil {
		s.agent.emit(s.ctx, Event{
			EventType:      EventActionFailed,
			ActionID:       s.id,
			ParentActionID: s.parent,
			Status:         "failed",
			DurationMs:     duration,
			Payload: &Payload{
				Summary: fmt.Sprintf("%s: %v", s.name, err),
				Data:    map[string]interface{}{"name": s.name, "error_message": err.Error()},
			},
		})
		return
	}
	s.agent.emit(s.ctx, Event{
		EventType:      EventActionCompleted,
		ActionID:       s.id,
		ParentActionID: s.parent,
		Status:         "success",
		DurationMs:     duration,
		Payload:        &Payload{Summary: s.name, Data: map[string]interface{}{"name": s.name}},
	})
}

// Action wraps fn in an action scope: action_started on entry,
// action_completed on nil return, action_failed on error or panic
// (the error and panic propagate to the caller unchanged). fn receives
// the derived context so nested actions observe this one as parent.
func (a *Agent) Action(ctx context.Context, name string, fn func(context.Context) error) error {
	actx, scope := a.BeginAction(ctx, name)
	defer func() {
		if r := recover(); r != nil {
			scope.End(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	err := fn(actx)
	scope.End(err)
	return err
}
