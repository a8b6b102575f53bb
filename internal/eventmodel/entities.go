package eventmodel

import "time"

// Tenant is the isolation boundary. Owns everything else in the system.
type Tenant struct {
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Plan      Plan      `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// APIKey is an authentication credential. The raw key is never stored;
// only its SHA-256 hash and a visible prefix for display purposes.
type APIKey struct {
	KeyID      string     `json:"key_id"`
	TenantID   string     `json:"tenant_id"`
	KeyHash    string     `json:"-"`
	Prefix     string     `json:"prefix"`
	Type       KeyType    `json:"type"`
	Label      string     `json:"label,omitempty"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Project is a logical grouping within a tenant.
type Project struct {
	ProjectID   string    `json:"project_id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	Archived    bool      `json:"archived"`
	AutoCreated bool      `json:"auto_created"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const DefaultProjectSlug = "default"

// AgentProfile is the cache of an agent's last-known state, keyed by
// (tenant, agent id). previous_status is recorded on every upsert so
// the ingestion pipeline's step 9 can detect a status transition
// without recomputing the prior event window.
type AgentProfile struct {
	TenantID  string `json:"tenant_id"`
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type,omitempty"`
	Version   string `json:"version,omitempty"`
	Framework string `json:"framework,omitempty"`
	Runtime   string `json:"runtime,omitempty"`
	SDKVersion string `json:"sdk_version,omitempty"`

	FirstSeen     time.Time  `json:"first_seen"`
	LastSeen      time.Time  `json:"last_seen"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	LastEventType EventType `json:"last_event_type,omitempty"`
	LastTaskID    string    `json:"last_task_id,omitempty"`
	LastProjectID string    `json:"last_project_id,omitempty"`

	StuckThresholdSeconds int `json:"stuck_threshold_seconds"`

	PreviousStatus AgentStatus `json:"previous_status,omitempty"`
}

// ProjectAgent is a materialised (tenant, project, agent) junction row.
type ProjectAgent struct {
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	AgentID   string `json:"agent_id"`
}

// AlertRule is a tenant-scoped (optionally project-scoped) alert
// definition over one of six condition kinds.
type AlertRule struct {
	RuleID          string                 `json:"rule_id"`
	TenantID        string                 `json:"tenant_id"`
	ProjectID       string                 `json:"project_id,omitempty"`
	Name            string                 `json:"name"`
	ConditionType   string                 `json:"condition_type"`
	ConditionConfig map[string]interface{} `json:"condition_config"`
	Filters         map[string]interface{} `json:"filters,omitempty"`
	Actions         []AlertAction          `json:"actions"`
	CooldownSeconds int                    `json:"cooldown_seconds"`
	Enabled         bool                   `json:"enabled"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// AlertAction is one configured action (webhook or email); dispatch is
// stubbed (logged, not sent).
type AlertAction struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	To   string `json:"to,omitempty"`
}

// ActionTaken records what the stub dispatcher did for one action.
type ActionTaken struct {
	Type   string `json:"type"`
	URL    string `json:"url,omitempty"`
	To     string `json:"to,omitempty"`
	Status string `json:"status"`
}

// AlertHistory is an immutable firing record.
type AlertHistory struct {
	AlertID           string                 `json:"alert_id"`
	TenantID          string                 `json:"tenant_id"`
	RuleID            string                 `json:"rule_id"`
	ProjectID         string                 `json:"project_id,omitempty"`
	FiredAt           time.Time              `json:"fired_at"`
	ConditionSnapshot map[string]interface{} `json:"condition_snapshot"`
	ActionsTaken      []ActionTaken          `json:"actions_taken"`
	RelatedAgentID    string                 `json:"related_agent_id,omitempty"`
	RelatedTaskID     string                 `json:"related_task_id,omitempty"`
}

// PricingEntry is a global (not tenant-scoped) model pricing row.
type PricingEntry struct {
	ModelPattern string  `json:"model_pattern"`
	Provider     string  `json:"provider"`
	InputPerM    float64 `json:"input_per_m"`
	OutputPerM   float64 `json:"output_per_m"`
}
