// Package alerting implements the post-ingestion rule engine: six
// condition kinds, cooldown enforcement, and a stub action dispatcher
// that logs webhook/email actions instead of sending them.
package alerting

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
	"github.com/jcolano/hiveboard-sub000/internal/metrics"
	"github.com/jcolano/hiveboard-sub000/internal/status"
	"github.com/jcolano/hiveboard-sub000/internal/storage"
)

// Condition type identifiers, matching eventmodel.AlertRule.ConditionType.
const (
	ConditionAgentStuck       = "agent_stuck"
	ConditionTaskFailed       = "task_failed"
	ConditionErrorRate        = "error_rate"
	ConditionDurationExceeded = "duration_exceeded"
	ConditionHeartbeatLost    = "heartbeat_lost"
	ConditionCostThreshold    = "cost_threshold"
)

// Engine evaluates every enabled rule for a tenant against a newly
// ingested batch plus storage, after cooldown enforcement.
type Engine struct {
	logger  zerolog.Logger
	store   storage.Storage
	metrics *metrics.Registry
}

// New constructs an alerting Engine.
func New(logger zerolog.Logger, store storage.Storage) *Engine {
	return &Engine{logger: logger.With().Str("component", "alerting").Logger(), store: store}
}

// WithMetrics attaches a Prometheus registry for the alert-fired
// counter; safe to leave unset in tests.
func (e *Engine) WithMetrics(m *metrics.Registry) *Engine {
	e.metrics = m
	return e
}

// Evaluate implements the ingestion.Alerting interface: it iterates
// every enabled rule for tenantID and fires those whose condition
// matches the new batch, subject to cooldown.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, newEvents []eventmodel.Event) {
	rules, err := e.store.ListAlertRules(ctx, tenantID, true)
	if err != nil {
		e.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to load alert rules")
		return
	}
	now := time.Now().UTC()
	for _, rule := range rules {
		if e.inCooldown(ctx, tenantID, rule, now) {
			continue
		}
		snapshot, related, fires := e.evaluateCondition(ctx, tenantID, rule, newEvents, now)
		if !fires {
			continue
		}
		e.fire(ctx, tenantID, rule, snapshot, related, now)
	}
}

func (e *Engine) inCooldown(ctx context.Context, tenantID string, rule eventmodel.AlertRule, now time.Time) bool {
	last, found, err := e.store.GetLastAlertForRule(ctx, tenantID, rule.RuleID)
	if err != nil || !found {
		return false
	}
	return now.Sub(last.FiredAt) < time.Duration(rule.CooldownSeconds)*time.Second
}

type relatedIDs struct {
	agentID string
	taskID  string
}

func (e *Engine) evaluateCondition(ctx context.Context, tenantID string, rule eventmodel.AlertRule, newEvents []eventmodel.Event, now time.Time) (map[string]interface{}, relatedIDs, bool) {
	switch rule.ConditionType {
	case ConditionAgentStuck:
		return e.evalAgentStuck(ctx, tenantID, rule, now)
	case ConditionTaskFailed:
		return evalTaskFailed(rule, newEvents)
	case ConditionErrorRate:
		return e.evalErrorRate(ctx, tenantID, rule, now)
	case ConditionDurationExceeded:
		return evalDurationExceeded(rule, newEvents)
	case ConditionHeartbeatLost:
		return e.evalHeartbeatLost(ctx, tenantID, rule, now)
	case ConditionCostThreshold:
		return e.evalCostThreshold(ctx, tenantID, rule, now)
	default:
		return nil, relatedIDs{}, false
	}
}

// evalAgentStuck fires when any agent named by the rule config (or any
// agent, if unset) derives to stuck.
func (e *Engine) evalAgentStuck(ctx context.Context, tenantID string, rule eventmodel.AlertRule, now time.Time) (map[string]interface{}, relatedIDs, bool) {
	targetAgent, _ := rule.ConditionConfig["agent_id"].(string)

	var candidates []eventmodel.AgentProfile
	if targetAgent != "" {
		p, err := e.store.GetAgent(ctx, tenantID, targetAgent)
		if err != nil {
			return nil, relatedIDs{}, false
		}
		candidates = []eventmodel.AgentProfile{p}
	} else {
		all, err := e.store.ListAgents(ctx, tenantID)
		if err != nil {
			return nil, relatedIDs{}, false
		}
		candidates = all
	}

	for _, p := range candidates {
		if status.DeriveAgentStatus(&p, now) != eventmodel.AgentStuck {
			continue
		}
		mostRecent := p.LastSeen
		if p.LastHeartbeat != nil && p.LastHeartbeat.After(mostRecent) {
			mostRecent = *p.LastHeartbeat
		}
		threshold := p.StuckThresholdSeconds
		if threshold <= 0 {
			threshold = status.DefaultStuckThresholdSeconds
		}
		snapshot := map[string]interface{}{
			"agent_id":             p.AgentID,
			"stuck_threshold_seconds": threshold,
			"heartbeat_age_seconds":   now.Sub(mostRecent).Seconds(),
		}
		return snapshot, relatedIDs{agentID: p.AgentID}, true
	}
	return nil, relatedIDs{}, false
}

func evalTaskFailed(rule eventmodel.AlertRule, newEvents []eventmodel.Event) (map[string]interface{}, relatedIDs, bool) {
	projectFilter, _ := rule.Filters["project_id"].(string)
	for _, e := range newEvents {
		if e.EventType != eventmodel.EventTaskFailed {
			continue
		}
		if projectFilter != "" && e.ProjectID != projectFilter {
			continue
		}
		return map[string]interface{}{"task_id": e.TaskID, "agent_id": e.AgentID}, relatedIDs{agentID: e.AgentID, taskID: e.TaskID}, true
	}
	return nil, relatedIDs{}, false
}

// evalErrorRate fires when, over condition_config.window_minutes, the
// fraction of action_failed among {action_started, action_completed,
// action_failed} reaches condition_config.threshold_percent.
func (e *Engine) evalErrorRate(ctx context.Context, tenantID string, rule eventmodel.AlertRule, now time.Time) (map[string]interface{}, relatedIDs, bool) {
	windowMinutes := configFloat(rule.ConditionConfig, "window_minutes", 15)
	thresholdPercent := configFloat(rule.ConditionConfig, "threshold_percent", 50)
	agentID, _ := rule.ConditionConfig["agent_id"].(string)

	since := now.Add(-time.Duration(windowMinutes) * time.Minute)
	page, err := e.store.GetEvents(ctx, tenantID, storage.EventFilter{
		ProjectID: rule.ProjectID,
		AgentID:   agentID,
		Since:     &since,
		Until:     &now,
		Limit:     1000000,
	})
	if err != nil {
		return nil, relatedIDs{}, false
	}

	var total, failed int
	for _, ev := range page.Data {
		switch ev.EventType {
		case eventmodel.EventActionStarted, eventmodel.EventActionCompleted:
			total++
		case eventmodel.EventActionFailed:
			total++
			failed++
		}
	}
	if total == 0 {
		return nil, relatedIDs{}, false
	}
	rate := float64(failed) / float64(total) * 100
	if rate < thresholdPercent {
		return nil, relatedIDs{}, false
	}
	return map[string]interface{}{
		"error_rate_percent": rate,
		"window_minutes":     windowMinutes,
		"sample_size":        total,
	}, relatedIDs{}, true
}

func evalDurationExceeded(rule eventmodel.AlertRule, newEvents []eventmodel.Event) (map[string]interface{}, relatedIDs, bool) {
	thresholdMs := configFloat(rule.ConditionConfig, "threshold_ms", 0)
	for _, e := range newEvents {
		if e.EventType != eventmodel.EventTaskCompleted || e.DurationMs == nil {
			continue
		}
		if float64(*e.DurationMs) <= thresholdMs {
			continue
		}
		return map[string]interface{}{
			"task_id":      e.TaskID,
			"agent_id":     e.AgentID,
			"duration_ms":  *e.DurationMs,
			"threshold_ms": thresholdMs,
		}, relatedIDs{agentID: e.AgentID, taskID: e.TaskID}, true
	}
	return nil, relatedIDs{}, false
}

// evalHeartbeatLost fires when the configured agent has no heartbeat
// or its last one is older than condition_config.window_seconds.
func (e *Engine) evalHeartbeatLost(ctx context.Context, tenantID string, rule eventmodel.AlertRule, now time.Time) (map[string]interface{}, relatedIDs, bool) {
	agentID, _ := rule.ConditionConfig["agent_id"].(string)
	if agentID == "" {
		return nil, relatedIDs{}, false
	}
	windowSeconds := configFloat(rule.ConditionConfig, "window_seconds", 600)

	p, err := e.store.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return nil, relatedIDs{}, false
	}
	if p.LastHeartbeat == nil {
		return map[string]interface{}{"agent_id": agentID, "reason": "no_heartbeat_ever"}, relatedIDs{agentID: agentID}, true
	}
	age := now.Sub(*p.LastHeartbeat).Seconds()
	if age < windowSeconds {
		return nil, relatedIDs{}, false
	}
	return map[string]interface{}{
		"agent_id":              agentID,
		"heartbeat_age_seconds": age,
		"window_seconds":        windowSeconds,
	}, relatedIDs{agentID: agentID}, true
}

// evalCostThreshold fires when the sum of llm_call.cost over
// condition_config.window_minutes (filtered by agent/project) reaches
// condition_config.threshold_usd.
func (e *Engine) evalCostThreshold(ctx context.Context, tenantID string, rule eventmodel.AlertRule, now time.Time) (map[string]interface{}, relatedIDs, bool) {
	windowMinutes := configFloat(rule.ConditionConfig, "window_minutes", 60)
	thresholdUSD := configFloat(rule.ConditionConfig, "threshold_usd", 0)
	agentID, _ := rule.ConditionConfig["agent_id"].(string)

	since := now.Add(-time.Duration(windowMinutes) * time.Minute)
	page, err := e.store.GetEvents(ctx, tenantID, storage.EventFilter{
		ProjectID:   rule.ProjectID,
		AgentID:     agentID,
		PayloadKind: string(eventmodel.PayloadLLMCall),
		Since:       &since,
		Until:       &now,
		Limit:       1000000,
	})
	if err != nil {
		return nil, relatedIDs{}, false
	}

	var total float64
	for _, ev := range page.Data {
		if ev.Payload == nil || ev.Payload.Data == nil {
			continue
		}
		if c, ok := ev.Payload.Data["cost"].(float64); ok {
			total += c
		}
	}
	if total < thresholdUSD {
		return nil, relatedIDs{}, false
	}
	return map[string]interface{}{
		"total_cost_usd": total,
		"threshold_usd":  thresholdUSD,
		"window_minutes": windowMinutes,
	}, relatedIDs{agentID: agentID}, true
}

func configFloat(config map[string]interface{}, key string, fallback float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

// fire records the AlertHistory row and runs the stub dispatch.
func (e *Engine) fire(ctx context.Context, tenantID string, rule eventmodel.AlertRule, snapshot map[string]interface{}, related relatedIDs, now time.Time) {
	record := eventmodel.AlertHistory{
		AlertID:           uuid.NewString(),
		TenantID:          tenantID,
		RuleID:            rule.RuleID,
		ProjectID:         rule.ProjectID,
		FiredAt:           now,
		ConditionSnapshot: snapshot,
		ActionsTaken:      dispatch(rule.Actions),
		RelatedAgentID:    related.agentID,
		RelatedTaskID:     related.taskID,
	}
	if err := e.store.InsertAlert(ctx, tenantID, record); err != nil {
		e.logger.Error().Err(err).Str("rule_id", rule.RuleID).Msg("failed to persist alert history")
		return
	}
	if e.metrics != nil {
		e.metrics.AlertsFired.Inc()
	}
	e.logger.Warn().
		Str("rule_id", rule.RuleID).
		Str("rule_name", rule.Name).
		Str("condition_type", rule.ConditionType).
		Msg("alert fired")
}

// dispatch is the stub action dispatcher: webhook and email actions
// are logged, never sent. The history record reflects this with
// status "logged".
func dispatch(actions []eventmodel.AlertAction) []eventmodel.ActionTaken {
	taken := make([]eventmodel.ActionTaken, 0, len(actions))
	for _, a := range actions {
		taken = append(taken, eventmodel.ActionTaken{Type: a.Type, URL: a.URL, To: a.To, Status: "logged"})
	}
	return taken
}
