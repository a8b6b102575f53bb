// Package query implements the derived read paths: agents, tasks,
// timelines, events, metrics, cost, and pipeline state are all
// computed at read time over the stored event log and the agent
// cache — nothing here is persisted.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
	"github.com/jcolano/hiveboard-sub000/internal/status"
	"github.com/jcolano/hiveboard-sub000/internal/storage"
)

// Service wires the storage layer into the derived read operations.
// An optional Cache may be set to memoize expensive aggregations
// (metrics, cost summary, cost timeseries); Service works correctly
// with cache nil.
type Service struct {
	store storage.Storage
	cache Cache
}

// Cache is the narrow surface the query layer needs from an optional
// results cache (internal/redisclient backs this with Redis; nil
// disables caching entirely).
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key string, value string, ttl time.Duration)
}

// New constructs a Service. cache may be nil.
func New(store storage.Storage, cache Cache) *Service {
	return &Service{store: store, cache: cache}
}

// aggregationCacheTTL bounds how stale a cached metrics/cost
// aggregation may be. Dashboards poll these endpoints every few
// seconds; a short TTL absorbs that load without making the numbers
// noticeably lag ingestion.
const aggregationCacheTTL = 30 * time.Second

// cacheGet reads a JSON-encoded value from the optional results cache.
// Reports false — forcing a recompute — when the cache is unset, the
// key is absent, or the stored value fails to decode.
func (s *Service) cacheGet(ctx context.Context, key string, v interface{}) bool {
	if s.cache == nil {
		return false
	}
	raw, ok := s.cache.Get(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(raw), v) == nil
}

// cachePut stores a JSON-encoded value in the optional results cache.
func (s *Service) cachePut(ctx context.Context, key string, v interface{}) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.cache.Set(ctx, key, string(raw), aggregationCacheTTL)
}

// windowKey folds a TimeWindow's bounds and bucket size into a cache
// key segment.
func windowKey(w TimeWindow) string {
	return fmt.Sprintf("%d:%d:%d", w.Since.Unix(), w.Until.Unix(), int64(w.Interval/time.Second))
}

// TimeWindow resolves the since/until/range+interval read parameters
// shared by every time-scoped query.
type TimeWindow struct {
	Since    time.Time
	Until    time.Time
	Interval time.Duration
}

var namedRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

var namedIntervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"1d":  24 * time.Hour,
}

// autoInterval picks a bucket size when the caller supplied a named
// range but no explicit interval.
var autoIntervalByRange = map[string]time.Duration{
	"1h":  time.Minute,
	"6h":  5 * time.Minute,
	"24h": 15 * time.Minute,
	"7d":  time.Hour,
	"30d": 6 * time.Hour,
}

// ResolveWindow builds a TimeWindow from the since/until/range/interval
// query parameters, defaulting to the last 24h with a 15m bucket.
func ResolveWindow(now time.Time, since, until, rng, interval string) TimeWindow {
	w := TimeWindow{Until: now, Since: now.Add(-24 * time.Hour), Interval: 15 * time.Minute}

	if d, ok := namedRanges[rng]; ok {
		w.Since = now.Add(-d)
		if ai, ok := autoIntervalByRange[rng]; ok {
			w.Interval = ai
		}
	}
	if since != "" {
		if t, err := time.Parse(time.RFC3339Nano, since); err == nil {
			w.Since = t
		}
	}
	if until != "" {
		if t, err := time.Parse(time.RFC3339Nano, until); err == nil {
			w.Until = t
		}
	}
	if d, ok := namedIntervals[interval]; ok {
		w.Interval = d
	}
	return w
}

// ─── Agents ───────────────────────────────────────────────────────

// AgentView is an agent profile enriched with derived status and a
// rolling one-hour activity rollup.
type AgentView struct {
	eventmodel.AgentProfile
	DerivedStatus     eventmodel.AgentStatus `json:"derived_status"`
	HeartbeatAgeSecs  *float64               `json:"heartbeat_age_seconds,omitempty"`
	Stats1h           Stats                  `json:"stats_1h"`
	QueueDepth        *int64                 `json:"queue_depth,omitempty"`
	ActiveIssuesCount int                    `json:"active_issues"`
}

// Stats is the rolling activity rollup embedded in an AgentView and
// returned standalone by the metrics summary.
type Stats struct {
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	SuccessRate     float64 `json:"success_rate"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	ThroughputPerHr float64 `json:"throughput_per_hour"`
}

// ListAgents returns every agent profile for tenantID, enriched.
func (s *Service) ListAgents(ctx context.Context, tenantID string) ([]AgentView, error) {
	profiles, err := s.store.ListAgents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]AgentView, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, s.buildAgentView(ctx, tenantID, p, now))
	}
	return out, nil
}

// GetAgent returns a single enriched agent view.
func (s *Service) GetAgent(ctx context.Context, tenantID, agentID string) (AgentView, error) {
	p, err := s.store.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return AgentView{}, err
	}
	return s.buildAgentView(ctx, tenantID, p, time.Now().UTC()), nil
}

func (s *Service) buildAgentView(ctx context.Context, tenantID string, p eventmodel.AgentProfile, now time.Time) AgentView {
	v := AgentView{AgentProfile: p, DerivedStatus: status.DeriveAgentStatus(&p, now)}

	mostRecent := p.LastSeen
	if p.LastHeartbeat != nil {
		mostRecent = *p.LastHeartbeat
	}
	if !mostRecent.IsZero() {
		age := now.Sub(mostRecent).Seconds()
		v.HeartbeatAgeSecs = &age
	}

	page, err := s.store.GetEvents(ctx, tenantID, storage.EventFilter{
		AgentID: p.AgentID,
		Since:   timePtr(now.Add(-time.Hour)),
		Until:   timePtr(now),
		Limit:   10000,
	})
	if err == nil {
		v.Stats1h = computeStats(page.Data, time.Hour)
	}

	pipeline, err := s.buildAgentPipeline(ctx, tenantID, p.AgentID)
	if err == nil {
		if pipeline.QueueSnapshot != nil {
			v.QueueDepth = pipeline.QueueSnapshot.QueueDepth
		}
		v.ActiveIssuesCount = len(pipeline.ActiveIssues)
	}
	return v
}

func computeStats(events []eventmodel.Event, window time.Duration) Stats {
	var s Stats
	var totalDuration float64
	var durationCount int
	for _, e := range events {
		switch e.EventType {
		case eventmodel.EventTaskCompleted:
			s.Completed++
			if e.DurationMs != nil {
				totalDuration += float64(*e.DurationMs)
				durationCount++
			}
		case eventmodel.EventTaskFailed:
			s.Failed++
		}
		if e.Payload != nil && e.Payload.Kind == eventmodel.PayloadLLMCall && e.Payload.Data != nil {
			if c, ok := e.Payload.Data["cost"].(float64); ok {
				s.TotalCostUSD += c
			}
		}
	}
	total := s.Completed + s.Failed
	if total > 0 {
		s.SuccessRate = float64(s.Completed) / float64(total)
	}
	if durationCount > 0 {
		s.AvgDurationMs = totalDuration / float64(durationCount)
	}
	hours := window.Hours()
	if hours > 0 {
		s.ThroughputPerHr = float64(len(events)) / hours
	}
	return Stats{
		Completed:       s.Completed,
		Failed:          s.Failed,
		SuccessRate:      round6(s.SuccessRate),
		AvgDurationMs:   round6(s.AvgDurationMs),
		TotalCostUSD:    round6(s.TotalCostUSD),
		ThroughputPerHr: round6(s.ThroughputPerHr),
	}
}

func round6(f float64) float64 {
	return float64(int64(f*1e6+0.5)) / 1e6
}

func timePtr(t time.Time) *time.Time { return &t }

// ─── Tasks ────────────────────────────────────────────────────────

// TaskSort enumerates GET /tasks sort orders.
type TaskSort string

const (
	SortNewest   TaskSort = "newest"
	SortOldest   TaskSort = "oldest"
	SortDuration TaskSort = "duration"
	SortCost     TaskSort = "cost"
)

// TaskSummary is one row of the grouped-by-task_id task list.
type TaskSummary struct {
	TaskID       string               `json:"task_id"`
	TaskType     string               `json:"task_type,omitempty"`
	AgentID      string               `json:"agent_id"`
	ProjectID    string               `json:"project_id,omitempty"`
	Status       eventmodel.TaskStatus `json:"status"`
	EventCount   int                  `json:"event_count"`
	TokensIn     int64                `json:"tokens_in"`
	TokensOut    int64                `json:"tokens_out"`
	CostUSD      float64              `json:"cost_usd"`
	StartedAt    time.Time            `json:"started_at"`
	EndedAt      *time.Time           `json:"ended_at,omitempty"`
	DurationMs   int64                `json:"duration_ms"`
}

// ListTasks groups all events for the tenant (optionally filtered by
// projectID/agentID) by task_id and returns one summary row per task,
// sorted per the requested order.
func (s *Service) ListTasks(ctx context.Context, tenantID, projectID, agentID string, sortBy TaskSort, limit int) ([]TaskSummary, error) {
	page, err := s.store.GetEvents(ctx, tenantID, storage.EventFilter{
		ProjectID: projectID,
		AgentID:   agentID,
		Limit:     100000,
	})
	if err != nil {
		return nil, err
	}

	byTask := map[string][]eventmodel.Event{}
	for _, e := range page.Data {
		if e.TaskID == "" {
			continue
		}
		byTask[e.TaskID] = append(byTask[e.TaskID], e)
	}

	out := make([]TaskSummary, 0, len(byTask))
	for taskID, events := range byTask {
		sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })
		out = append(out, summarizeTask(taskID, events))
	}

	sortTasks(out, sortBy)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func summarizeTask(taskID string, events []eventmodel.Event) TaskSummary {
	t := TaskSummary{TaskID: taskID, EventCount: len(events), StartedAt: events[0].Timestamp}
	set := status.EventTypeSet(events)
	t.Status = status.DeriveTaskStatus(set)

	for _, e := range events {
		if t.AgentID == "" {
			t.AgentID = e.AgentID
		}
		if t.ProjectID == "" {
			t.ProjectID = e.ProjectID
		}
		if t.TaskType == "" {
			t.TaskType = e.TaskType
		}
		if e.EventType == eventmodel.EventTaskCompleted || e.EventType == eventmodel.EventTaskFailed {
			ts := e.Timestamp
			t.EndedAt = &ts
			if e.DurationMs != nil {
				t.DurationMs = *e.DurationMs
			}
		}
		if e.Payload != nil && e.Payload.Kind == eventmodel.PayloadLLMCall && e.Payload.Data != nil {
			if c, ok := e.Payload.Data["cost"].(float64); ok {
				t.CostUSD += c
			}
			if v, ok := e.Payload.Data["tokens_in"].(float64); ok {
				t.TokensIn += int64(v)
			}
			if v, ok := e.Payload.Data["tokens_out"].(float64); ok {
				t.TokensOut += int64(v)
			}
		}
	}
	t.CostUSD = round6(t.CostUSD)
	if t.EndedAt == nil && t.DurationMs == 0 {
		t.DurationMs = 0
	}
	return t
}

func sortTasks(tasks []TaskSummary, by TaskSort) {
	switch by {
	case SortOldest:
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].StartedAt.Before(tasks[j].StartedAt) })
	case SortDuration:
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].DurationMs > tasks[j].DurationMs })
	case SortCost:
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].CostUSD > tasks[j].CostUSD })
	default: // newest
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].StartedAt.After(tasks[j].StartedAt) })
	}
}

// ─── Task timeline ────────────────────────────────────────────────

// ActionNode is one node of the action-tree forest built from
// action_started/completed/failed events sharing a task.
type ActionNode struct {
	ActionID       string        `json:"action_id"`
	ParentActionID string        `json:"parent_action_id,omitempty"`
	Name           string        `json:"name,omitempty"`
	Status         string        `json:"status,omitempty"`
	DurationMs     *int64        `json:"duration_ms,omitempty"`
	Children       []*ActionNode `json:"children,omitempty"`
}

// PlanStep is one step of the plan overlay accumulated from
// plan_created/plan_step custom events.
type PlanStep struct {
	StepID string `json:"step_id"`
	Name   string `json:"name,omitempty"`
	Action string `json:"action,omitempty"`
}

// Plan is the task's single plan overlay, if any.
type Plan struct {
	PlanID   string     `json:"plan_id"`
	Steps    []PlanStep `json:"steps"`
	Progress Progress   `json:"progress"`
}

// Progress is the plan's {completed, total} step counter.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// ErrorChainLink exposes a parent_event_id reference within a task.
type ErrorChainLink struct {
	EventID       string `json:"event_id"`
	ParentEventID string `json:"parent_event_id"`
}

// Timeline is the full GET /tasks/{id}/timeline response.
type Timeline struct {
	TaskID      string            `json:"task_id"`
	Status      eventmodel.TaskStatus `json:"status"`
	Events      []eventmodel.Event `json:"events"`
	ActionTree  []*ActionNode     `json:"action_tree"`
	ErrorChains []ErrorChainLink  `json:"error_chains,omitempty"`
	Plan        *Plan             `json:"plan,omitempty"`
}

// GetTaskTimeline builds the full timeline for one task id:
// chronological events, action tree, error chains, and at most one
// plan overlay.
func (s *Service) GetTaskTimeline(ctx context.Context, tenantID, taskID string) (Timeline, error) {
	events, err := s.store.GetTaskEvents(ctx, tenantID, taskID)
	if err != nil {
		return Timeline{}, err
	}
	t := Timeline{
		TaskID: taskID,
		Status: status.DeriveTaskStatus(status.EventTypeSet(events)),
		Events: events,
	}
	t.ActionTree = buildActionTree(events)
	t.ErrorChains = buildErrorChains(events)
	t.Plan = buildPlan(events)
	return t, nil
}

func buildActionTree(events []eventmodel.Event) []*ActionNode {
	nodes := map[string]*ActionNode{}
	order := make([]string, 0)

	get := func(id string) *ActionNode {
		if n, ok := nodes[id]; ok {
			return n
		}
		n := &ActionNode{ActionID: id}
		nodes[id] = n
		order = append(order, id)
		return n
	}

	for _, e := range events {
		if e.ActionID == "" {
			continue
		}
		n := get(e.ActionID)
		if e.ParentActionID != "" {
			n.ParentActionID = e.ParentActionID
		}
		switch e.EventType {
		case eventmodel.EventActionStarted:
			if e.Payload != nil {
				if name, ok := e.Payload.Data["name"].(string); ok {
					n.Name = name
				}
				if n.Name == "" {
					n.Name = e.Payload.Summary
				}
			}
		case eventmodel.EventActionCompleted:
			n.Status = "success"
			n.DurationMs = e.DurationMs
		case eventmodel.EventActionFailed:
			n.Status = "failure"
			n.DurationMs = e.DurationMs
		}
	}

	roots := make([]*ActionNode, 0)
	for _, id := range order {
		n := nodes[id]
		if n.ParentActionID == "" || nodes[n.ParentActionID] == nil {
			roots = append(roots, n)
			continue
		}
		parent := nodes[n.ParentActionID]
		parent.Children = append(parent.Children, n)
	}
	return roots
}

func buildErrorChains(events []eventmodel.Event) []ErrorChainLink {
	byID := map[string]bool{}
	for _, e := range events {
		byID[e.EventID] = true
	}
	links := make([]ErrorChainLink, 0)
	for _, e := range events {
		if e.ParentEventID != "" && byID[e.ParentEventID] {
			links = append(links, ErrorChainLink{EventID: e.EventID, ParentEventID: e.ParentEventID})
		}
	}
	return links
}

func buildPlan(events []eventmodel.Event) *Plan {
	var plan *Plan
	stepsByID := map[string]*PlanStep{}
	order := make([]string, 0)

	for _, e := range events {
		if e.Payload == nil {
			continue
		}
		switch e.Payload.Kind {
		case eventmodel.PayloadPlanCreated:
			planID, _ := e.Payload.Data["plan_id"].(string)
			if plan == nil {
				plan = &Plan{PlanID: planID}
			}
		case eventmodel.PayloadPlanStep:
			stepID, _ := e.Payload.Data["step_id"].(string)
			if stepID == "" {
				continue
			}
			if plan == nil {
				planID, _ := e.Payload.Data["plan_id"].(string)
				plan = &Plan{PlanID: planID}
			}
			step, ok := stepsByID[stepID]
			if !ok {
				step = &PlanStep{StepID: stepID}
				stepsByID[stepID] = step
				order = append(order, stepID)
			}
			if name, ok := e.Payload.Data["name"].(string); ok {
				step.Name = name
			}
			if action, ok := e.Payload.Data["action"].(string); ok {
				step.Action = action
			}
		}
	}

	if plan == nil {
		return nil
	}
	completed := 0
	for _, id := range order {
		step := *stepsByID[id]
		plan.Steps = append(plan.Steps, step)
		if step.Action == "completed" {
			completed++
		}
	}
	plan.Progress = Progress{Completed: completed, Total: len(order)}
	return plan
}

// ─── Events ───────────────────────────────────────────────────────

// GetEvents is a thin pass-through to storage.GetEvents, kept on the
// query Service so handlers depend only on this package.
func (s *Service) GetEvents(ctx context.Context, tenantID string, f storage.EventFilter) (storage.Page[eventmodel.Event], error) {
	return s.store.GetEvents(ctx, tenantID, f)
}

// ─── Metrics ──────────────────────────────────────────────────────

// MetricsSummary is the GET /metrics summary block.
type MetricsSummary struct {
	TotalEvents      int     `json:"total_events"`
	TasksCompleted   int     `json:"tasks_completed"`
	TasksFailed      int     `json:"tasks_failed"`
	SuccessRate      float64 `json:"success_rate"`
	AvgDurationMs    float64 `json:"avg_duration_ms"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
	StuckAgentsCount int     `json:"stuck_agents_count"`
}

// Bucket is one timeseries point for metrics/cost timeseries responses.
type Bucket struct {
	BucketStart time.Time `json:"bucket_start"`
	Count       int       `json:"count"`
	CostUSD     float64   `json:"cost_usd,omitempty"`
	TokensIn    int64     `json:"tokens_in,omitempty"`
	TokensOut   int64     `json:"tokens_out,omitempty"`
}

// MetricsResult is the full GET /metrics response.
type MetricsResult struct {
	Summary    MetricsSummary     `json:"summary"`
	Timeseries []Bucket           `json:"timeseries"`
	Groups     map[string][]Bucket `json:"groups,omitempty"`
}

// GetMetrics computes the metrics summary and timeseries over the
// resolved window, optionally grouped by agent or model.
func (s *Service) GetMetrics(ctx context.Context, tenantID string, w TimeWindow, groupBy, agentID, projectID, environment string) (MetricsResult, error) {
	cacheKey := fmt.Sprintf("metrics:%s:%s:%s:%s:%s:%s", tenantID, windowKey(w), groupBy, agentID, projectID, environment)
	var cached MetricsResult
	if s.cacheGet(ctx, cacheKey, &cached) {
		return cached, nil
	}

	page, err := s.store.GetEvents(ctx, tenantID, storage.EventFilter{
		AgentID:     agentID,
		ProjectID:   projectID,
		Environment: environment,
		Since:       &w.Since,
		Until:       &w.Until,
		Limit:       1000000,
	})
	if err != nil {
		return MetricsResult{}, err
	}

	result := MetricsResult{Summary: summarizeMetrics(page.Data), Timeseries: bucketize(page.Data, w)}

	if groupBy == "agent" || groupBy == "model" {
		groups := map[string][]eventmodel.Event{}
		for _, e := range page.Data {
			key := e.AgentID
			if groupBy == "model" {
				if e.Payload == nil || e.Payload.Data == nil {
					continue
				}
				model, _ := e.Payload.Data["model"].(string)
				if model == "" {
					continue
				}
				key = model
			}
			groups[key] = append(groups[key], e)
		}
		result.Groups = map[string][]Bucket{}
		for key, evs := range groups {
			result.Groups[key] = bucketize(evs, w)
		}
	}

	agents, _ := s.store.ListAgents(ctx, tenantID)
	now := time.Now().UTC()
	for _, a := range agents {
		if status.DeriveAgentStatus(&a, now) == eventmodel.AgentStuck {
			result.Summary.StuckAgentsCount++
		}
	}

	s.cachePut(ctx, cacheKey, result)
	return result, nil
}

func summarizeMetrics(events []eventmodel.Event) MetricsSummary {
	var m MetricsSummary
	var totalDuration float64
	var durationCount int
	m.TotalEvents = len(events)
	for _, e := range events {
		switch e.EventType {
		case eventmodel.EventTaskCompleted:
			m.TasksCompleted++
			if e.DurationMs != nil {
				totalDuration += float64(*e.DurationMs)
				durationCount++
			}
		case eventmodel.EventTaskFailed:
			m.TasksFailed++
		}
		if e.Payload != nil && e.Payload.Kind == eventmodel.PayloadLLMCall && e.Payload.Data != nil {
			if c, ok := e.Payload.Data["cost"].(float64); ok {
				m.TotalCostUSD += c
			}
		}
	}
	total := m.TasksCompleted + m.TasksFailed
	if total > 0 {
		m.SuccessRate = float64(m.TasksCompleted) / float64(total)
	}
	if durationCount > 0 {
		m.AvgDurationMs = totalDuration / float64(durationCount)
	}
	m.SuccessRate = round6(m.SuccessRate)
	m.AvgDurationMs = round6(m.AvgDurationMs)
	m.TotalCostUSD = round6(m.TotalCostUSD)
	return m
}

func bucketize(events []eventmodel.Event, w TimeWindow) []Bucket {
	if w.Interval <= 0 {
		w.Interval = 15 * time.Minute
	}
	n := int(w.Until.Sub(w.Since)/w.Interval) + 1
	if n <= 0 {
		n = 1
	}
	buckets := make([]Bucket, n)
	for i := range buckets {
		buckets[i].BucketStart = w.Since.Add(time.Duration(i) * w.Interval)
	}
	for _, e := range events {
		if e.Timestamp.Before(w.Since) || !e.Timestamp.Before(w.Until) {
			continue
		}
		idx := int(e.Timestamp.Sub(w.Since) / w.Interval)
		if idx < 0 || idx >= n {
			continue
		}
		buckets[idx].Count++
		if e.Payload != nil && e.Payload.Kind == eventmodel.PayloadLLMCall && e.Payload.Data != nil {
			if c, ok := e.Payload.Data["cost"].(float64); ok {
				buckets[idx].CostUSD = round6(buckets[idx].CostUSD + c)
			}
			if v, ok := e.Payload.Data["tokens_in"].(float64); ok {
				buckets[idx].TokensIn += int64(v)
			}
			if v, ok := e.Payload.Data["tokens_out"].(float64); ok {
				buckets[idx].TokensOut += int64(v)
			}
		}
	}
	return buckets
}

// ─── Cost ─────────────────────────────────────────────────────────

// CostBreakdownRow is one row of a cost summary's by-agent or by-model
// breakdown.
type CostBreakdownRow struct {
	Key             string  `json:"key"`
	ReportedUSD     float64 `json:"reported_usd"`
	EstimatedUSD    float64 `json:"estimated_usd"`
	TotalUSD        float64 `json:"total_usd"`
	CallCount       int     `json:"call_count"`
}

// CostSummary is the GET /cost response.
type CostSummary struct {
	TotalUSD     float64            `json:"total_usd"`
	ReportedUSD  float64            `json:"reported_usd"`
	EstimatedUSD float64            `json:"estimated_usd"`
	ByAgent      []CostBreakdownRow `json:"by_agent"`
	ByModel      []CostBreakdownRow `json:"by_model"`
}

// GetCostSummary computes the cost summary over llm_call events in the
// window, broken down by agent and by model.
func (s *Service) GetCostSummary(ctx context.Context, tenantID string, w TimeWindow, agentID, projectID string) (CostSummary, error) {
	cacheKey := fmt.Sprintf("cost:%s:%s:%s:%s", tenantID, windowKey(w), agentID, projectID)
	var cached CostSummary
	if s.cacheGet(ctx, cacheKey, &cached) {
		return cached, nil
	}

	calls, err := s.llmCalls(ctx, tenantID, w, agentID, projectID)
	if err != nil {
		return CostSummary{}, err
	}

	byAgent := map[string]*CostBreakdownRow{}
	byModel := map[string]*CostBreakdownRow{}
	var summary CostSummary

	for _, e := range calls {
		cost, source, model := callCostFields(e)
		summary.TotalUSD += cost
		if source == eventmodel.CostSourceReported {
			summary.ReportedUSD += cost
		} else if source == eventmodel.CostSourceEstimated {
			summary.EstimatedUSD += cost
		}
		addToBreakdown(byAgent, e.AgentID, cost, source)
		if model != "" {
			addToBreakdown(byModel, model, cost, source)
		}
	}

	summary.TotalUSD = round6(summary.TotalUSD)
	summary.ReportedUSD = round6(summary.ReportedUSD)
	summary.EstimatedUSD = round6(summary.EstimatedUSD)
	summary.ByAgent = flattenBreakdown(byAgent)
	summary.ByModel = flattenBreakdown(byModel)
	s.cachePut(ctx, cacheKey, summary)
	return summary, nil
}

func callCostFields(e eventmodel.Event) (cost float64, source, model string) {
	if e.Payload == nil || e.Payload.Data == nil {
		return 0, "", ""
	}
	if c, ok := e.Payload.Data["cost"].(float64); ok {
		cost = c
	}
	source, _ = e.Payload.Data["cost_source"].(string)
	model, _ = e.Payload.Data["model"].(string)
	return cost, source, model
}

func addToBreakdown(m map[string]*CostBreakdownRow, key string, cost float64, source string) {
	if key == "" {
		return
	}
	row, ok := m[key]
	if !ok {
		row = &CostBreakdownRow{Key: key}
		m[key] = row
	}
	row.CallCount++
	row.TotalUSD = round6(row.TotalUSD + cost)
	if source == eventmodel.CostSourceReported {
		row.ReportedUSD = round6(row.ReportedUSD + cost)
	} else if source == eventmodel.CostSourceEstimated {
		row.EstimatedUSD = round6(row.EstimatedUSD + cost)
	}
}

func flattenBreakdown(m map[string]*CostBreakdownRow) []CostBreakdownRow {
	out := make([]CostBreakdownRow, 0, len(m))
	for _, row := range m {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalUSD > out[j].TotalUSD })
	return out
}

// CostCallRow is one row of the GET /cost/calls paginated list.
type CostCallRow struct {
	EventID    string  `json:"event_id"`
	AgentID    string  `json:"agent_id"`
	Model      string  `json:"model,omitempty"`
	CostUSD    float64 `json:"cost_usd"`
	CostSource string  `json:"cost_source,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ListLLMCalls returns the paginated, reverse-chronological list
// backing GET /cost/calls and GET /llm-calls.
func (s *Service) ListLLMCalls(ctx context.Context, tenantID string, f storage.EventFilter) (storage.Page[CostCallRow], error) {
	f.PayloadKind = string(eventmodel.PayloadLLMCall)
	page, err := s.store.GetEvents(ctx, tenantID, f)
	if err != nil {
		return storage.Page[CostCallRow]{}, err
	}
	rows := make([]CostCallRow, 0, len(page.Data))
	for _, e := range page.Data {
		cost, source, model := callCostFields(e)
		rows = append(rows, CostCallRow{
			EventID: e.EventID, AgentID: e.AgentID, Model: model,
			CostUSD: cost, CostSource: source, Timestamp: e.Timestamp,
		})
	}
	return storage.Page[CostCallRow]{Data: rows, Cursor: page.Cursor, HasMore: page.HasMore}, nil
}

func (s *Service) llmCalls(ctx context.Context, tenantID string, w TimeWindow, agentID, projectID string) ([]eventmodel.Event, error) {
	page, err := s.store.GetEvents(ctx, tenantID, storage.EventFilter{
		AgentID:     agentID,
		ProjectID:   projectID,
		PayloadKind: string(eventmodel.PayloadLLMCall),
		Since:       &w.Since,
		Until:       &w.Until,
		Limit:       1000000,
	})
	if err != nil {
		return nil, err
	}
	return page.Data, nil
}

// GetCostTimeseries buckets cost/call-count/tokens for llm_call events
// over the window.
func (s *Service) GetCostTimeseries(ctx context.Context, tenantID string, w TimeWindow, agentID, projectID string) ([]Bucket, error) {
	cacheKey := fmt.Sprintf("cost_ts:%s:%s:%s:%s", tenantID, windowKey(w), agentID, projectID)
	var cached []Bucket
	if s.cacheGet(ctx, cacheKey, &cached) {
		return cached, nil
	}

	calls, err := s.llmCalls(ctx, tenantID, w, agentID, projectID)
	if err != nil {
		return nil, err
	}
	buckets := bucketize(calls, w)
	s.cachePut(ctx, cacheKey, buckets)
	return buckets, nil
}

// ─── Pipeline ─────────────────────────────────────────────────────

// QueueSnapshotView is the latest queue_snapshot payload for an agent.
type QueueSnapshotView struct {
	QueueDepth *int64    `json:"queue_depth,omitempty"`
	SnapshotAt time.Time `json:"snapshot_at"`
	Raw        map[string]interface{} `json:"data,omitempty"`
}

// TodoItem is one active TODO (grouped by todo_id, latest event wins,
// excluding completed/dismissed).
type TodoItem struct {
	TodoID string                 `json:"todo_id"`
	Action string                 `json:"action,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// ScheduledItem is one entry of the latest scheduled-item list.
type ScheduledItem struct {
	ItemID string                 `json:"item_id"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// IssueItem is one active issue (grouped by issue_id or summary,
// excluding resolved).
type IssueItem struct {
	IssueID string                 `json:"issue_id,omitempty"`
	Summary string                 `json:"summary,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// AgentPipeline is the GET /agents/{id}/pipeline response.
type AgentPipeline struct {
	AgentID       string             `json:"agent_id"`
	QueueSnapshot *QueueSnapshotView `json:"queue_snapshot,omitempty"`
	ActiveTodos   []TodoItem         `json:"active_todos"`
	Scheduled     []ScheduledItem    `json:"scheduled"`
	ActiveIssues  []IssueItem        `json:"active_issues"`
}

// GetAgentPipeline is the exported entry point for GET
// /agents/{id}/pipeline.
func (s *Service) GetAgentPipeline(ctx context.Context, tenantID, agentID string) (AgentPipeline, error) {
	return s.buildAgentPipeline(ctx, tenantID, agentID)
}

func (s *Service) buildAgentPipeline(ctx context.Context, tenantID, agentID string) (AgentPipeline, error) {
	page, err := s.store.GetEvents(ctx, tenantID, storage.EventFilter{AgentID: agentID, Limit: 1000000})
	if err != nil {
		return AgentPipeline{}, err
	}
	events := page.Data
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })

	pipeline := AgentPipeline{AgentID: agentID, ActiveTodos: []TodoItem{}, Scheduled: []ScheduledItem{}, ActiveIssues: []IssueItem{}}

	var latestScheduled time.Time
	scheduledBatch := map[string]ScheduledItem{}
	todosByID := map[string]struct {
		item   TodoItem
		action string
	}{}
	issuesByID := map[string]struct {
		item   IssueItem
		action string
	}{}

	for _, e := range events {
		if e.Payload == nil {
			continue
		}
		switch e.Payload.Kind {
		case eventmodel.PayloadQueueSnapshot:
			depth := asInt64Ptr(e.Payload.Data["queue_depth"])
			pipeline.QueueSnapshot = &QueueSnapshotView{QueueDepth: depth, SnapshotAt: e.Timestamp, Raw: e.Payload.Data}
		case eventmodel.PayloadTodo:
			id, _ := e.Payload.Data["todo_id"].(string)
			if id == "" {
				continue
			}
			action, _ := e.Payload.Data["action"].(string)
			todosByID[id] = struct {
				item   TodoItem
				action string
			}{TodoItem{TodoID: id, Action: action, Data: e.Payload.Data}, action}
		case eventmodel.PayloadScheduled:
			if e.Timestamp.Before(latestScheduled) {
				continue
			}
			if e.Timestamp.After(latestScheduled) {
				latestScheduled = e.Timestamp
				scheduledBatch = map[string]ScheduledItem{}
			}
			id, _ := e.Payload.Data["item_id"].(string)
			scheduledBatch[id] = ScheduledItem{ItemID: id, Data: e.Payload.Data}
		case eventmodel.PayloadIssue:
			id, _ := e.Payload.Data["issue_id"].(string)
			key := id
			if key == "" {
				key = e.Payload.Summary
			}
			action, _ := e.Payload.Data["action"].(string)
			issuesByID[key] = struct {
				item   IssueItem
				action string
			}{IssueItem{IssueID: id, Summary: e.Payload.Summary, Data: e.Payload.Data}, action}
		}
	}

	for _, entry := range todosByID {
		if entry.action == "completed" || entry.action == "dismissed" {
			continue
		}
		pipeline.ActiveTodos = append(pipeline.ActiveTodos, entry.item)
	}
	for _, item := range scheduledBatch {
		pipeline.Scheduled = append(pipeline.Scheduled, item)
	}
	for _, entry := range issuesByID {
		if entry.action == "resolved" {
			continue
		}
		pipeline.ActiveIssues = append(pipeline.ActiveIssues, entry.item)
	}

	sort.Slice(pipeline.ActiveTodos, func(i, j int) bool { return pipeline.ActiveTodos[i].TodoID < pipeline.ActiveTodos[j].TodoID })
	sort.Slice(pipeline.Scheduled, func(i, j int) bool { return pipeline.Scheduled[i].ItemID < pipeline.Scheduled[j].ItemID })
	sort.Slice(pipeline.ActiveIssues, func(i, j int) bool { return pipeline.ActiveIssues[i].IssueID < pipeline.ActiveIssues[j].IssueID })

	return pipeline, nil
}

// FleetPipeline is the GET /pipeline fleet-wide aggregate.
type FleetPipeline struct {
	Agents            []AgentPipeline `json:"agents"`
	TotalActiveTodos  int             `json:"total_active_todos"`
	TotalActiveIssues int             `json:"total_active_issues"`
}

// GetFleetPipeline aggregates every agent's pipeline for the tenant.
func (s *Service) GetFleetPipeline(ctx context.Context, tenantID string) (FleetPipeline, error) {
	profiles, err := s.store.ListAgents(ctx, tenantID)
	if err != nil {
		return FleetPipeline{}, err
	}
	fp := FleetPipeline{}
	for _, p := range profiles {
		ap, err := s.buildAgentPipeline(ctx, tenantID, p.AgentID)
		if err != nil {
			continue
		}
		fp.Agents = append(fp.Agents, ap)
		fp.TotalActiveTodos += len(ap.ActiveTodos)
		fp.TotalActiveIssues += len(ap.ActiveIssues)
	}
	return fp, nil
}

func asInt64Ptr(v interface{}) *int64 {
	switch n := v.(type) {
	case float64:
		i := int64(n)
		return &i
	case int64:
		return &n
	case int:
		i := int64(n)
		return &i
	}
	return nil
}
