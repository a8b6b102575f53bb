// Package retention implements the background prune loop: a single
// pass combines plan-based TTL with shorter "cold" retention for
// high-volume event classes, reading every event under a single
// acquisition of the event-table lock via storage.AllEventsSnapshot;
// deletion then calls storage.DeleteEvents once per tenant with pruned
// events.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
	"github.com/jcolano/hiveboard-sub000/internal/metrics"
	"github.com/jcolano/hiveboard-sub000/internal/storage"
)

// Result is the outcome of one prune pass. TotalPruned is always
// TTLPruned + ColdPruned.
type Result struct {
	TTLPruned   int `json:"ttl_pruned"`
	ColdPruned  int `json:"cold_pruned"`
	TotalPruned int `json:"total_pruned"`
}

// Engine runs prune passes on a cron schedule against storage, looking
// up each event's owning tenant's plan to resolve its TTL window.
type Engine struct {
	logger  zerolog.Logger
	store   storage.Storage
	cron    *cron.Cron
	entryID cron.EntryID
	metrics *metrics.Registry
}

// New constructs an Engine. The pass interval is given to Start, which
// converts it to an "@every" cron spec.
func New(logger zerolog.Logger, store storage.Storage) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "retention").Logger(),
		store:  store,
		cron:   cron.New(),
	}
}

// WithMetrics attaches a Prometheus registry for prune-count counters;
// safe to leave unset in tests.
func (e *Engine) WithMetrics(m *metrics.Registry) *Engine {
	e.metrics = m
	return e
}

// Start runs one prune pass immediately, then schedules further passes
// every interval via robfig/cron. Call Stop to cancel the schedule.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	e.runPass(ctx)

	id, err := e.cron.AddFunc("@every "+interval.String(), func() { e.runPass(ctx) })
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to schedule retention pass; falling back to a single run")
		return
	}
	e.entryID = id
	e.cron.Start()
}

// Stop cancels the scheduled prune passes.
func (e *Engine) Stop() {
	if e.cron != nil {
		ctx := e.cron.Stop()
		<-ctx.Done()
	}
}

// runPass executes one prune pass and logs the result, recovering from
// any panic so the schedule keeps running.
func (e *Engine) runPass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("retention pass panicked")
		}
	}()

	result, err := e.Prune(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("retention pass failed")
		return
	}
	if e.metrics != nil {
		e.metrics.RetentionPruned.WithLabelValues("ttl").Add(float64(result.TTLPruned))
		e.metrics.RetentionPruned.WithLabelValues("cold").Add(float64(result.ColdPruned))
	}
	e.logger.Info().
		Int("ttl_pruned", result.TTLPruned).
		Int("cold_pruned", result.ColdPruned).
		Int("total_pruned", result.TotalPruned).
		Msg("retention pass complete")
}

// Prune executes exactly one pass: it takes a single snapshot of every
// event across every tenant, evaluates each event against TTL first
// and then (only for survivors) the cold-event rules, and deletes the
// union. Persistence I/O only happens — via storage.DeleteEvents —
// when total_pruned > 0.
func (e *Engine) Prune(ctx context.Context) (Result, error) {
	events, err := e.store.AllEventsSnapshot(ctx)
	if err != nil {
		return Result{}, err
	}

	tenantPlan := map[string]eventmodel.Plan{}
	byTenant := map[string][]string{}
	now := time.Now().UTC()

	var result Result
	for _, ev := range events {
		plan, ok := tenantPlan[ev.TenantID]
		if !ok {
			t, err := e.store.GetTenant(ctx, ev.TenantID)
			if err != nil {
				// Unknown tenant: keep defensively, never counted as pruned.
				tenantPlan[ev.TenantID] = ""
				continue
			}
			plan = t.Plan
			tenantPlan[ev.TenantID] = plan
		}
		if plan == "" {
			continue
		}

		if ev.Timestamp.IsZero() {
			// Unparseable/zero timestamp: keep defensively, exempt from
			// both the TTL and cold checks.
			continue
		}

		age := now.Sub(ev.Timestamp)
		ttlDays := plan.RetentionDays()
		if age > time.Duration(ttlDays)*24*time.Hour {
			byTenant[ev.TenantID] = append(byTenant[ev.TenantID], ev.EventID)
			result.TTLPruned++
			continue
		}

		if isCold(ev, age) {
			byTenant[ev.TenantID] = append(byTenant[ev.TenantID], ev.EventID)
			result.ColdPruned++
		}
	}

	result.TotalPruned = result.TTLPruned + result.ColdPruned
	if result.TotalPruned == 0 {
		return result, nil
	}

	for tenantID, ids := range byTenant {
		if _, err := e.store.DeleteEvents(ctx, tenantID, ids); err != nil {
			e.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to delete pruned events")
		}
	}
	return result, nil
}

// isCold applies the cold-retention rules to an event that already
// survived its tenant's TTL window.
func isCold(ev eventmodel.Event, age time.Duration) bool {
	switch ev.EventType {
	case eventmodel.EventHeartbeat:
		return age > eventmodel.ColdHeartbeatSeconds*time.Second
	case eventmodel.EventActionStarted:
		return age > eventmodel.ColdActionStartedSeconds*time.Second
	default:
		return false
	}
}
