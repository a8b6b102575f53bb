// Package ingestion implements the ten-step /v1/ingest write path:
// batch validation, per-event validation, enrichment (severity
// defaulting, project resolution, pricing), canonicalisation,
// dedup-on-insert persistence, agent cache upsert, project-agent
// junction maintenance, fan-out push, and alert evaluation.
package ingestion

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
	"github.com/jcolano/hiveboard-sub000/internal/metrics"
	"github.com/jcolano/hiveboard-sub000/internal/pricing"
	"github.com/jcolano/hiveboard-sub000/internal/status"
	"github.com/jcolano/hiveboard-sub000/internal/storage"
)

// Fanout is the narrow surface the pipeline needs from the streaming
// package. Kept as an interface here (rather than importing
// internal/streaming directly) so ingestion has no dependency on the
// WebSocket transport.
type Fanout interface {
	PublishEvent(tenantID string, e eventmodel.Event)
	PublishStatusChange(tenantID, agentID string, oldStatus, newStatus eventmodel.AgentStatus)
	PublishStuck(tenantID, agentID string)
}

// Alerting is the narrow surface the pipeline needs from the alerting
// engine.
type Alerting interface {
	Evaluate(ctx context.Context, tenantID string, newEvents []eventmodel.Event)
}

const maxAutoCreatedProjects = 50

// Pipeline wires storage, the pricing engine, fan-out, and alerting
// into the single Ingest entry point.
type Pipeline struct {
	logger  zerolog.Logger
	store   storage.Storage
	pricing *pricing.Engine
	fanout  Fanout
	alerts  Alerting
	metrics *metrics.Registry
}

// New constructs an ingestion Pipeline. fanout and alerts may be nil
// in tests that don't exercise those side effects.
func New(logger zerolog.Logger, store storage.Storage, pricingEngine *pricing.Engine, fanout Fanout, alerts Alerting) *Pipeline {
	return &Pipeline{
		logger:  logger.With().Str("component", "ingestion").Logger(),
		store:   store,
		pricing: pricingEngine,
		fanout:  fanout,
		alerts:  alerts,
	}
}

// WithMetrics attaches a Prometheus registry for ingestion throughput
// counters; safe to leave unset in tests.
func (p *Pipeline) WithMetrics(m *metrics.Registry) *Pipeline {
	p.metrics = m
	return p
}

// Ingest runs the full ten-step pipeline for one batch belonging to a
// single tenant + envelope (agent identity/runtime metadata).
func (p *Pipeline) Ingest(ctx context.Context, tenantID string, envelope eventmodel.Envelope, rawBatch []map[string]interface{}) (*eventmodel.IngestResult, error) {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.IngestBatches.Inc()
		defer func() { p.metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()
	}

	result := &eventmodel.IngestResult{}

	// Step 2: batch-level validation.
	if len(rawBatch) > eventmodel.MaxBatchEvents {
		return nil, &storage.ErrRuleViolation{Code: "batch_too_large", Message: "events exceeds the maximum batch size of 500"}
	}
	if len(rawBatch) == 0 {
		return result, nil
	}

	accepted := make([]eventmodel.Event, 0, len(rawBatch))

	for _, raw := range rawBatch {
		re, outcome := decodeAndValidate(raw)
		if !outcome.accept {
			result.Rejected++
			result.Errors = append(result.Errors, eventmodel.RejectedEvent{
				EventID: re.EventID,
				Error:   outcome.reason,
				Message: outcome.message,
			})
			continue
		}
		result.Warnings = append(result.Warnings, outcome.warnings...)

		ev := p.enrich(ctx, tenantID, envelope, re, &result.Warnings)
		accepted = append(accepted, ev)
	}

	result.Accepted = len(accepted)
	if p.metrics != nil {
		p.metrics.EventsAccepted.Add(float64(result.Accepted))
		p.metrics.EventsRejected.Add(float64(result.Rejected))
	}
	if len(accepted) == 0 {
		return result, nil
	}

	// Step 5 is folded into enrich/canonicalize above; sort chronologically
	// so step 7's "chronologically latest event" rule is well-defined.
	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Timestamp.Before(accepted[j].Timestamp) })

	// Step 6: persistence with silent dedup.
	inserted, err := p.store.InsertEvents(ctx, tenantID, accepted)
	if err != nil {
		return nil, err
	}
	_ = inserted // accepted already reflects post-validation count; insertion count may be lower on dedup.

	// Step 7: agent cache upsert.
	oldStatus, newStatus, agentID := p.upsertAgentCache(ctx, tenantID, envelope, accepted)

	// Step 8: project-agent junction.
	seenProjects := map[string]bool{}
	for _, ev := range accepted {
		if ev.ProjectID != "" && !seenProjects[ev.ProjectID] {
			seenProjects[ev.ProjectID] = true
			_ = p.store.UpsertProjectAgent(ctx, tenantID, ev.ProjectID, agentID)
		}
	}

	// Step 9: fan-out.
	if p.fanout != nil {
		for _, ev := range accepted {
			p.fanout.PublishEvent(tenantID, ev)
		}
		if oldStatus != newStatus {
			p.fanout.PublishStatusChange(tenantID, agentID, oldStatus, newStatus)
		}
		if newStatus == eventmodel.AgentStuck {
			p.fanout.PublishStuck(tenantID, agentID)
		}
	}

	// Step 10: alert evaluation.
	if p.alerts != nil {
		p.alerts.Evaluate(ctx, tenantID, accepted)
	}

	return result, nil
}

func decodeAndValidate(raw map[string]interface{}) (rawEvent, validationOutcome) {
	re := decodeRawEvent(raw)
	return re, validateEvent(re)
}

// enrich performs step 4 (severity defaulting, project resolution,
// pricing) and step 5 (canonicalisation into the stored Event shape).
// Non-fatal anomalies (truncation, project fallback) are appended to
// warnings.
func (p *Pipeline) enrich(ctx context.Context, tenantID string, envelope eventmodel.Envelope, re rawEvent, warnings *[]string) eventmodel.Event {
	now := time.Now().UTC()

	env := re.Environment
	if env == "" {
		env = envelope.Environment
	}
	if len(env) > eventmodel.MaxEnvChars {
		env = env[:eventmodel.MaxEnvChars]
		*warnings = append(*warnings, "environment truncated to "+strconv.Itoa(eventmodel.MaxEnvChars)+" chars")
	}

	group := re.Group
	if group == "" {
		group = envelope.Group
	}
	if len(group) > eventmodel.MaxGroupChars {
		group = group[:eventmodel.MaxGroupChars]
		*warnings = append(*warnings, "group truncated to "+strconv.Itoa(eventmodel.MaxGroupChars)+" chars")
	}

	var payload *eventmodel.Payload
	kind := eventmodel.PayloadKind("")
	if re.Payload != nil {
		kind = eventmodel.PayloadKind(re.Payload.Kind)
		data := re.Payload.Data
		if kind == eventmodel.PayloadLLMCall && p.pricing != nil {
			if data == nil {
				data = map[string]interface{}{}
			}
			p.pricing.ProcessLLMEvent(kind, data)
		}
		payload = &eventmodel.Payload{
			Kind:    kind,
			Summary: truncateSummary(re.Payload.Summary),
			Data:    data,
			Tags:    re.Payload.Tags,
		}
	}

	sev := eventmodel.Severity(re.Severity)
	if !sev.IsValid() {
		sev = eventmodel.DefaultSeverity(eventmodel.EventType(re.EventType), kind)
	}

	agentID := re.AgentID
	if agentID == "" {
		agentID = envelope.AgentID
	}

	projectID := p.resolveProject(ctx, tenantID, re.ProjectID, envelope.ProjectID, warnings)

	return eventmodel.Event{
		EventID:        re.EventID,
		TenantID:       tenantID,
		AgentID:        agentID,
		AgentType:      firstNonEmpty(re.AgentType, envelope.AgentType),
		ProjectID:      projectID,
		Timestamp:      re.Timestamp.T,
		ReceivedAt:     now,
		Environment:    env,
		Group:          group,
		TaskID:         re.TaskID,
		TaskType:       re.TaskType,
		TaskRunID:      re.TaskRunID,
		CorrelationID:  re.CorrelationID,
		ActionID:       re.ActionID,
		ParentActionID: re.ParentActionID,
		EventType:      eventmodel.EventType(re.EventType),
		Severity:       sev,
		Status:         re.Status,
		DurationMs:     re.DurationMs,
		ParentEventID:  re.ParentEventID,
		Payload:        payload,
	}
}

// resolveProject implements the lookup-by-id-then-slug, quota-gated
// auto-create, default-project-fallback cascade of step 4.
func (p *Pipeline) resolveProject(ctx context.Context, tenantID, projectRef, envelopeProjectRef string, warnings *[]string) string {
	ref := projectRef
	if ref == "" {
		ref = envelopeProjectRef
	}
	if ref == "" {
		proj, err := p.store.EnsureDefaultProject(ctx, tenantID)
		if err != nil {
			return ""
		}
		return proj.ProjectID
	}

	if proj, err := p.store.GetProject(ctx, tenantID, ref); err == nil {
		return proj.ProjectID
	}
	if proj, err := p.store.GetProjectBySlug(ctx, tenantID, ref); err == nil {
		return proj.ProjectID
	}

	count, _ := p.store.CountProjects(ctx, tenantID)
	if count < maxAutoCreatedProjects {
		newProj := eventmodel.Project{
			TenantID:    tenantID,
			Name:        ref,
			Slug:        ref,
			AutoCreated: true,
		}
		if err := p.store.CreateProject(ctx, newProj); err == nil {
			if proj, err := p.store.GetProjectBySlug(ctx, tenantID, ref); err == nil {
				*warnings = append(*warnings, "Auto-created project '"+ref+"'")
				return proj.ProjectID
			}
		}
	}

	*warnings = append(*warnings, "Unknown project '"+ref+"' routed to the default project")
	proj, err := p.store.EnsureDefaultProject(ctx, tenantID)
	if err != nil {
		return ""
	}
	return proj.ProjectID
}

// upsertAgentCache applies step 7's atomic-per-agent update rules and
// returns the previous/new derived status plus the resolved agent id,
// for use by the fan-out step.
func (p *Pipeline) upsertAgentCache(ctx context.Context, tenantID string, envelope eventmodel.Envelope, batch []eventmodel.Event) (oldStatus, newStatus eventmodel.AgentStatus, agentID string) {
	agentID = envelope.AgentID
	if agentID == "" && len(batch) > 0 {
		agentID = batch[0].AgentID
	}
	if agentID == "" {
		return "", "", ""
	}

	latest := batch[len(batch)-1] // batch is pre-sorted chronologically by caller

	var sawHeartbeat bool
	var lastTaskID, lastProjectID string
	maxTS := batch[0].Timestamp
	for _, ev := range batch {
		if ev.Timestamp.After(maxTS) {
			maxTS = ev.Timestamp
		}
		if ev.EventType == eventmodel.EventHeartbeat {
			sawHeartbeat = true
		}
		if ev.TaskID != "" {
			lastTaskID = ev.TaskID
		}
		if ev.ProjectID != "" {
			lastProjectID = ev.ProjectID
		}
	}

	now := time.Now().UTC()

	updated, _ := p.store.UpsertAgent(ctx, tenantID, agentID, func(profile *eventmodel.AgentProfile) {
		prev := status.DeriveAgentStatus(profile, now)
		oldStatus = prev

		if profile.FirstSeen.IsZero() {
			profile.FirstSeen = maxTS
		}
		profile.LastSeen = maxTS
		if sawHeartbeat {
			profile.LastHeartbeat = &maxTS
		}
		profile.LastEventType = latest.EventType
		if lastTaskID != "" {
			profile.LastTaskID = lastTaskID
		}
		if lastProjectID != "" {
			profile.LastProjectID = lastProjectID
		}
		if envelope.AgentType != "" {
			profile.AgentType = envelope.AgentType
		}
		if envelope.Version != "" {
			profile.Version = envelope.Version
		}
		if envelope.Framework != "" {
			profile.Framework = envelope.Framework
		}
		if envelope.Runtime != "" {
			profile.Runtime = envelope.Runtime
		}
		if envelope.SDKVersion != "" {
			profile.SDKVersion = envelope.SDKVersion
		}
		if profile.StuckThresholdSeconds == 0 {
			profile.StuckThresholdSeconds = status.DefaultStuckThresholdSeconds
		}
		profile.PreviousStatus = prev
	})

	newStatus = status.DeriveAgentStatus(&updated, now)
	return oldStatus, newStatus, agentID
}

func decodeRawEvent(m map[string]interface{}) rawEvent {
	var re rawEvent
	re.EventID, _ = m["event_id"].(string)
	re.AgentID, _ = m["agent_id"].(string)
	re.AgentType, _ = m["agent_type"].(string)
	re.ProjectID, _ = m["project_id"].(string)
	re.Environment, _ = m["environment"].(string)
	re.Group, _ = m["group"].(string)
	re.TaskID, _ = m["task_id"].(string)
	re.TaskType, _ = m["task_type"].(string)
	re.TaskRunID, _ = m["task_run_id"].(string)
	re.CorrelationID, _ = m["correlation_id"].(string)
	re.ActionID, _ = m["action_id"].(string)
	re.ParentActionID, _ = m["parent_action_id"].(string)
	re.EventType, _ = m["event_type"].(string)
	re.Severity, _ = m["severity"].(string)
	re.Status, _ = m["status"].(string)
	re.ParentEventID, _ = m["parent_event_id"].(string)

	if ts, ok := m["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			re.Timestamp = flexTime{T: t, Valid: true}
		}
	}
	if d, ok := m["duration_ms"]; ok {
		if v, ok := toInt64(d); ok {
			re.DurationMs = &v
		}
	}
	if pl, ok := m["payload"].(map[string]interface{}); ok {
		rp := &rawPayload{}
		rp.Kind, _ = pl["kind"].(string)
		rp.Summary, _ = pl["summary"].(string)
		if data, ok := pl["data"].(map[string]interface{}); ok {
			rp.Data = data
		}
		if tags, ok := pl["tags"].(map[string]interface{}); ok {
			rp.Tags = map[string]string{}
			for k, v := range tags {
				if s, ok := v.(string); ok {
					rp.Tags[k] = s
				}
			}
		}
		re.Payload = rp
	}
	return re
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func truncateSummary(s string) string {
	if len(s) <= eventmodel.MaxSummaryChars {
		return s
	}
	return s[:eventmodel.MaxSummaryChars]
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
