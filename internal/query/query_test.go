package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
	"github.com/jcolano/hiveboard-sub000/internal/query"
	"github.com/jcolano/hiveboard-sub000/internal/storage"
)

func newService(t *testing.T) (*query.Service, storage.Storage) {
	t.Helper()
	store := storage.NewMemStore(zerolog.Nop(), t.TempDir())
	return query.New(store, nil), store
}

func insert(t *testing.T, store storage.Storage, events ...eventmodel.Event) {
	t.Helper()
	if _, err := store.InsertEvents(context.Background(), "t1", events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func at(minutesAgo int) time.Time {
	return time.Now().UTC().Add(-time.Duration(minutesAgo) * time.Minute)
}

func TestResolveWindow(t *testing.T) {
	now := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	tests := []struct {
		name         string
		since, until string
		rng, interval string
		wantSince    time.Time
		wantInterval time.Duration
	}{
		{"default 24h", "", "", "", "", now.Add(-24 * time.Hour), 15 * time.Minute},
		{"named range auto interval", "", "", "1h", "", now.Add(-time.Hour), time.Minute},
		{"explicit interval wins", "", "", "7d", "6h", now.Add(-7 * 24 * time.Hour), 6 * time.Hour},
		{"explicit since overrides range", "2026-02-10T13:30:00Z", "", "24h", "", now.Add(-30 * time.Minute), 15 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := query.ResolveWindow(now, tt.since, tt.until, tt.rng, tt.interval)
			if !w.Since.Equal(tt.wantSince) {
				t.Fatalf("since = %v, want %v", w.Since, tt.wantSince)
			}
			if w.Interval != tt.wantInterval {
				t.Fatalf("interval = %v, want %v", w.Interval, tt.wantInterval)
			}
		})
	}
}

func TestListTasksGroupsAndDerivesStatus(t *testing.T) {
	svc, store := newService(t)
	d := int64(1500)
	insert(t, store,
		eventmodel.Event{EventID: "e1", TenantID: "t1", AgentID: "a1", TaskID: "t-done", EventType: eventmodel.EventTaskStarted, Timestamp: at(10)},
		eventmodel.Event{EventID: "e2", TenantID: "t1", AgentID: "a1", TaskID: "t-done", EventType: eventmodel.EventTaskCompleted, Timestamp: at(9), DurationMs: &d},
		eventmodel.Event{EventID: "e3", TenantID: "t1", AgentID: "a1", TaskID: "t-live", EventType: eventmodel.EventTaskStarted, Timestamp: at(5)},
		eventmodel.Event{EventID: "e4", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventHeartbeat, Timestamp: at(1)},
	)

	tasks, err := svc.ListTasks(context.Background(), "t1", "", "", query.SortNewest, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2 (heartbeat has no task)", len(tasks))
	}
	// newest first
	if tasks[0].TaskID != "t-live" || tasks[0].Status != eventmodel.TaskProcessing {
		t.Fatalf("tasks[0] = %+v", tasks[0])
	}
	if tasks[1].TaskID != "t-done" || tasks[1].Status != eventmodel.TaskCompleted {
		t.Fatalf("tasks[1] = %+v", tasks[1])
	}
	if tasks[1].DurationMs != 1500 || tasks[1].EndedAt == nil {
		t.Fatalf("completed task summary = %+v", tasks[1])
	}
}

func TestCompletionWinsOverFailure(t *testing.T) {
	svc, store := newService(t)
	insert(t, store,
		eventmodel.Event{EventID: "e1", TenantID: "t1", AgentID: "a1", TaskID: "t1", EventType: eventmodel.EventTaskFailed, Timestamp: at(3)},
		eventmodel.Event{EventID: "e2", TenantID: "t1", AgentID: "a1", TaskID: "t1", EventType: eventmodel.EventTaskCompleted, Timestamp: at(2)},
	)
	tl, err := svc.GetTaskTimeline(context.Background(), "t1", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tl.Status != eventmodel.TaskCompleted {
		t.Fatalf("status = %s, want completed (completion wins)", tl.Status)
	}
}

func TestTimelineBuildsActionTree(t *testing.T) {
	svc, store := newService(t)
	d := int64(40)
	insert(t, store,
		eventmodel.Event{EventID: "e1", TenantID: "t1", AgentID: "a1", TaskID: "t1", EventType: eventmodel.EventActionStarted, ActionID: "outer", Timestamp: at(10),
			Payload: &eventmodel.Payload{Data: map[string]interface{}{"name": "fetch"}}},
		eventmodel.Event{EventID: "e2", TenantID: "t1", AgentID: "a1", TaskID: "t1", EventType: eventmodel.EventActionStarted, ActionID: "inner", ParentActionID: "outer", Timestamp: at(9),
			Payload: &eventmodel.Payload{Data: map[string]interface{}{"name": "parse"}}},
		eventmodel.Event{EventID: "e3", TenantID: "t1", AgentID: "a1", TaskID: "t1", EventType: eventmodel.EventActionFailed, ActionID: "inner", Timestamp: at(8), DurationMs: &d,
			ParentEventID: "e2"},
		eventmodel.Event{EventID: "e4", TenantID: "t1", AgentID: "a1", TaskID: "t1", EventType: eventmodel.EventActionCompleted, ActionID: "outer", Timestamp: at(7)},
	)

	tl, err := svc.GetTaskTimeline(context.Background(), "t1", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tl.ActionTree) != 1 {
		t.Fatalf("got %d roots, want 1", len(tl.ActionTree))
	}
	root := tl.ActionTree[0]
	if root.ActionID != "outer" || root.Name != "fetch" || root.Status != "success" {
		t.Fatalf("root = %+v", root)
	}
	if len(root.Children) != 1 || root.Children[0].ActionID != "inner" || root.Children[0].Status != "failure" {
		t.Fatalf("children = %+v", root.Children)
	}
	if len(tl.ErrorChains) != 1 || tl.ErrorChains[0].ParentEventID != "e2" {
		t.Fatalf("error chains = %+v", tl.ErrorChains)
	}
}

func TestTimelinePlanOverlay(t *testing.T) {
	svc, store := newService(t)
	insert(t, store,
		eventmodel.Event{EventID: "e1", TenantID: "t1", AgentID: "a1", TaskID: "t1", EventType: eventmodel.EventCustom, Timestamp: at(10),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadPlanCreated, Data: map[string]interface{}{"plan_id": "p1"}}},
		eventmodel.Event{EventID: "e2", TenantID: "t1", AgentID: "a1", TaskID: "t1", EventType: eventmodel.EventCustom, Timestamp: at(9),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadPlanStep, Data: map[string]interface{}{"plan_id": "p1", "step_id": "s1", "name": "fetch", "action": "started"}}},
		eventmodel.Event{EventID: "e3", TenantID: "t1", AgentID: "a1", TaskID: "t1", EventType: eventmodel.EventCustom, Timestamp: at(8),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadPlanStep, Data: map[string]interface{}{"plan_id": "p1", "step_id": "s1", "action": "completed"}}},
		eventmodel.Event{EventID: "e4", TenantID: "t1", AgentID: "a1", TaskID: "t1", EventType: eventmodel.EventCustom, Timestamp: at(7),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadPlanStep, Data: map[string]interface{}{"plan_id": "p1", "step_id": "s2", "name": "post", "action": "started"}}},
	)

	tl, err := svc.GetTaskTimeline(context.Background(), "t1", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tl.Plan == nil || tl.Plan.PlanID != "p1" {
		t.Fatalf("plan = %+v", tl.Plan)
	}
	if tl.Plan.Progress.Completed != 1 || tl.Plan.Progress.Total != 2 {
		t.Fatalf("progress = %+v, want 1/2", tl.Plan.Progress)
	}
	// Each step inherits its last action.
	if tl.Plan.Steps[0].Action != "completed" || tl.Plan.Steps[0].Name != "fetch" {
		t.Fatalf("step[0] = %+v", tl.Plan.Steps[0])
	}
}

func TestCostSummarySplitsReportedAndEstimated(t *testing.T) {
	svc, store := newService(t)
	insert(t, store,
		eventmodel.Event{EventID: "e1", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventCustom, Timestamp: at(10),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadLLMCall, Data: map[string]interface{}{
				"model": "claude-haiku-4-5", "cost": 0.25, "cost_source": "reported"}}},
		eventmodel.Event{EventID: "e2", TenantID: "t1", AgentID: "a2", EventType: eventmodel.EventCustom, Timestamp: at(5),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadLLMCall, Data: map[string]interface{}{
				"model": "claude-haiku-4-5", "cost": 0.1, "cost_source": "estimated"}}},
	)

	w := query.ResolveWindow(time.Now().UTC(), "", "", "1h", "")
	summary, err := svc.GetCostSummary(context.Background(), "t1", w, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalUSD != 0.35 {
		t.Fatalf("total = %v, want 0.35", summary.TotalUSD)
	}
	if summary.ReportedUSD != 0.25 || summary.EstimatedUSD != 0.1 {
		t.Fatalf("reported/estimated = %v/%v", summary.ReportedUSD, summary.EstimatedUSD)
	}
	if len(summary.ByAgent) != 2 || len(summary.ByModel) != 1 {
		t.Fatalf("breakdowns = %d agents, %d models", len(summary.ByAgent), len(summary.ByModel))
	}
}

// mapCache is an in-process query.Cache for tests.
type mapCache struct {
	m map[string]string
}

func (c *mapCache) Get(ctx context.Context, key string) (string, bool) {
	v, ok := c.m[key]
	return v, ok
}

func (c *mapCache) Set(ctx context.Context, key string, value string, ttl time.Duration) {
	c.m[key] = value
}

func TestCostSummaryReadsThroughCache(t *testing.T) {
	store := storage.NewMemStore(zerolog.Nop(), t.TempDir())
	cache := &mapCache{m: map[string]string{}}
	svc := query.New(store, cache)

	insert(t, store,
		eventmodel.Event{EventID: "e1", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventCustom, Timestamp: at(10),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadLLMCall, Data: map[string]interface{}{
				"model": "claude-haiku-4-5", "cost": 0.25, "cost_source": "reported"}}},
	)

	// A fixed window keeps the cache key stable across both calls.
	w := query.ResolveWindow(time.Now().UTC(), "2020-01-01T00:00:00Z", "2030-01-01T00:00:00Z", "", "")

	first, err := svc.GetCostSummary(context.Background(), "t1", w, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cache.m) == 0 {
		t.Fatal("expected the computed summary to be written through to the cache")
	}

	// A new event inside the window is invisible until the cached entry
	// expires: the second identical read must come from the cache.
	insert(t, store,
		eventmodel.Event{EventID: "e2", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventCustom, Timestamp: at(5),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadLLMCall, Data: map[string]interface{}{
				"model": "claude-haiku-4-5", "cost": 0.5, "cost_source": "reported"}}},
	)
	second, err := svc.GetCostSummary(context.Background(), "t1", w, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.TotalUSD != first.TotalUSD {
		t.Fatalf("expected cached total %v, got %v", first.TotalUSD, second.TotalUSD)
	}

	// With no cache configured the same read recomputes.
	fresh, err := query.New(store, nil).GetCostSummary(context.Background(), "t1", w, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh.TotalUSD != 0.75 {
		t.Fatalf("expected uncached recompute to see both events, got %v", fresh.TotalUSD)
	}
}

func TestAgentPipelineExcludesResolvedAndDone(t *testing.T) {
	svc, store := newService(t)
	insert(t, store,
		eventmodel.Event{EventID: "q1", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventCustom, Timestamp: at(10),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadQueueSnapshot, Data: map[string]interface{}{"queue_depth": float64(4)}}},
		eventmodel.Event{EventID: "td1", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventCustom, Timestamp: at(9),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadTodo, Data: map[string]interface{}{"todo_id": "open", "action": "created"}}},
		eventmodel.Event{EventID: "td2", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventCustom, Timestamp: at(8),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadTodo, Data: map[string]interface{}{"todo_id": "done", "action": "created"}}},
		eventmodel.Event{EventID: "td3", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventCustom, Timestamp: at(7),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadTodo, Data: map[string]interface{}{"todo_id": "done", "action": "completed"}}},
		eventmodel.Event{EventID: "i1", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventCustom, Timestamp: at(6),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadIssue, Summary: "stuck upstream", Data: map[string]interface{}{"issue_id": "i-1", "action": "reported"}}},
		eventmodel.Event{EventID: "i2", TenantID: "t1", AgentID: "a1", EventType: eventmodel.EventCustom, Timestamp: at(5),
			Payload: &eventmodel.Payload{Kind: eventmodel.PayloadIssue, Summary: "stuck upstream", Data: map[string]interface{}{"issue_id": "i-1", "action": "resolved"}}},
	)

	p, err := svc.GetAgentPipeline(context.Background(), "t1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.QueueSnapshot == nil || p.QueueSnapshot.QueueDepth == nil || *p.QueueSnapshot.QueueDepth != 4 {
		t.Fatalf("queue snapshot = %+v", p.QueueSnapshot)
	}
	if len(p.ActiveTodos) != 1 || p.ActiveTodos[0].TodoID != "open" {
		t.Fatalf("active todos = %+v", p.ActiveTodos)
	}
	if len(p.ActiveIssues) != 0 {
		t.Fatalf("resolved issue still active: %+v", p.ActiveIssues)
	}
}
