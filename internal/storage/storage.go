// Package storage defines the abstract persistence contract consumed
// by every other component (ingestion, query, retention, alerting).
//
// Every method here is deliberately designed so that it could be
// implemented as a single SQL query: no method accepts an opaque
// "filters map[string]interface{}" parameter — every filterable
// dimension is a named, typed field on a Filter struct. A future
// SQL-backed implementation must satisfy this same interface.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("not found")

// ErrRuleViolation is returned for operations that violate a business
// rule (e.g. deleting the default project, merging a project into
// itself). Callers map this to HTTP 400 with a specific error code.
type ErrRuleViolation struct {
	Code    string
	Message string
}

func (e *ErrRuleViolation) Error() string { return e.Message }

// Page is a generic cursor-paginated result set. Cursor is the empty
// string when there is no next page.
type Page[T any] struct {
	Data     []T    `json:"data"`
	Cursor   string `json:"cursor,omitempty"`
	HasMore  bool   `json:"has_more"`
}

// EventFilter enumerates every dimension GET /events (and internally,
// the query/alerting/retention layers) may filter on. Every field maps
// to a single equality or range predicate — nothing here requires
// application-side joins or arbitrary predicate evaluation.
type EventFilter struct {
	ProjectID        string
	AgentID          string
	TaskID           string
	EventType        string // may be a comma-separated list
	Severity         string
	Environment      string
	Group            string
	Since            *time.Time
	Until            *time.Time
	ExcludeHeartbeats bool
	PayloadKind      string
	Limit            int
	Cursor           string
}

// AlertHistoryFilter enumerates GET /alerts/history filters.
type AlertHistoryFilter struct {
	RuleID string
	Limit  int
	Cursor string
}

// Storage is the full abstract persistence contract.
type Storage interface {
	// Tenants
	CreateTenant(ctx context.Context, t eventmodel.Tenant) error
	GetTenant(ctx context.Context, tenantID string) (eventmodel.Tenant, error)
	GetTenantByAPIKeyValue(ctx context.Context, rawKey string) (eventmodel.Tenant, eventmodel.APIKey, error)
	ListTenants(ctx context.Context) ([]eventmodel.Tenant, error)

	// API Keys
	CreateAPIKey(ctx context.Context, k eventmodel.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (eventmodel.APIKey, error)
	TouchAPIKeyLastUsed(ctx context.Context, tenantID, keyID string, at time.Time) error
	RevokeAPIKey(ctx context.Context, tenantID, keyID string) error
	ListAPIKeys(ctx context.Context, tenantID string) ([]eventmodel.APIKey, error)

	// Projects
	CreateProject(ctx context.Context, p eventmodel.Project) error
	GetProject(ctx context.Context, tenantID, projectID string) (eventmodel.Project, error)
	GetProjectBySlug(ctx context.Context, tenantID, slug string) (eventmodel.Project, error)
	ListProjects(ctx context.Context, tenantID string, includeArchived bool) ([]eventmodel.Project, error)
	CountProjects(ctx context.Context, tenantID string) (int, error)
	UpdateProject(ctx context.Context, tenantID, projectID string, mutate func(*eventmodel.Project)) (eventmodel.Project, error)
	ArchiveProject(ctx context.Context, tenantID, projectID string) error
	UnarchiveProject(ctx context.Context, tenantID, projectID string) error
	MergeProjects(ctx context.Context, tenantID, sourceID, targetID string) (reassigned int, err error)
	EnsureDefaultProject(ctx context.Context, tenantID string) (eventmodel.Project, error)

	// Agents
	// UpsertAgent loads the existing profile for agentID (or a zero
	// value with AgentID/TenantID pre-set, on first sight), runs mutate
	// under the table lock, and persists the result. This is the one
	// canonical path through which an agent profile is ever written.
	UpsertAgent(ctx context.Context, tenantID, agentID string, mutate func(*eventmodel.AgentProfile)) (eventmodel.AgentProfile, error)
	GetAgent(ctx context.Context, tenantID, agentID string) (eventmodel.AgentProfile, error)
	ListAgents(ctx context.Context, tenantID string) ([]eventmodel.AgentProfile, error)

	// Project-agent junction
	UpsertProjectAgent(ctx context.Context, tenantID, projectID, agentID string) error
	RemoveProjectAgent(ctx context.Context, tenantID, projectID, agentID string) error
	ListAgentsForProject(ctx context.Context, tenantID, projectID string) ([]string, error)
	ListProjectsForAgent(ctx context.Context, tenantID, agentID string) ([]string, error)

	// Events
	InsertEvents(ctx context.Context, tenantID string, events []eventmodel.Event) (inserted int, err error)
	GetEvents(ctx context.Context, tenantID string, f EventFilter) (Page[eventmodel.Event], error)
	GetTaskEvents(ctx context.Context, tenantID, taskID string) ([]eventmodel.Event, error)
	// DeleteEvents removes events matching ids, used only by the
	// retention engine; returns the count actually removed.
	DeleteEvents(ctx context.Context, tenantID string, eventIDs []string) (int, error)
	// AllEventsSnapshot returns a point-in-time copy of every event
	// across every tenant, for the retention engine's single prune
	// pass; it must acquire the event-table lock exactly once.
	AllEventsSnapshot(ctx context.Context) ([]eventmodel.Event, error)

	// Alert rules
	CreateAlertRule(ctx context.Context, r eventmodel.AlertRule) error
	GetAlertRule(ctx context.Context, tenantID, ruleID string) (eventmodel.AlertRule, error)
	ListAlertRules(ctx context.Context, tenantID string, enabledOnly bool) ([]eventmodel.AlertRule, error)
	UpdateAlertRule(ctx context.Context, tenantID, ruleID string, mutate func(*eventmodel.AlertRule)) (eventmodel.AlertRule, error)
	DeleteAlertRule(ctx context.Context, tenantID, ruleID string) error

	// Alert history
	InsertAlert(ctx context.Context, tenantID string, a eventmodel.AlertHistory) error
	ListAlertHistory(ctx context.Context, tenantID string, f AlertHistoryFilter) (Page[eventmodel.AlertHistory], error)
	GetLastAlertForRule(ctx context.Context, tenantID, ruleID string) (eventmodel.AlertHistory, bool, error)
}
