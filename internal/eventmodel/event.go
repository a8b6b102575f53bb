package eventmodel

import "time"

// Payload is the universal free-form envelope attached to an event.
// kind selects one of the seven well-known shapes; data carries the
// kind-specific fields; tags is an open string map for caller metadata.
type Payload struct {
	Kind    PayloadKind            `json:"kind,omitempty"`
	Summary string                 `json:"summary,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Tags    map[string]string      `json:"tags,omitempty"`
}

// Envelope carries the per-batch agent identity and runtime metadata,
// kept separate from events so events stay compact.
type Envelope struct {
	AgentID     string `json:"agent_id"`
	AgentType   string `json:"agent_type,omitempty"`
	Version     string `json:"version,omitempty"`
	Framework   string `json:"framework,omitempty"`
	Runtime     string `json:"runtime,omitempty"`
	SDKVersion  string `json:"sdk_version,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	Environment string `json:"environment,omitempty"`
	Group       string `json:"group,omitempty"`
}

// Event is the immutable canonical record, as received and as stored.
// Optional fields are pointers or empty-string/zero-valued so that
// `omitempty` drops them on the wire; event_id, timestamp, and
// event_type are never empty on a stored event.
type Event struct {
	EventID    string `json:"event_id"`
	TenantID   string `json:"tenant_id"`
	AgentID    string `json:"agent_id"`
	AgentType  string `json:"agent_type,omitempty"`

	ProjectID  string    `json:"project_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`

	Environment string `json:"environment,omitempty"`
	Group       string `json:"group,omitempty"`

	TaskID        string `json:"task_id,omitempty"`
	TaskType      string `json:"task_type,omitempty"`
	TaskRunID     string `json:"task_run_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	ActionID       string `json:"action_id,omitempty"`
	ParentActionID string `json:"parent_action_id,omitempty"`

	EventType EventType `json:"event_type"`
	Severity  Severity  `json:"severity"`

	Status     string `json:"status,omitempty"`
	DurationMs *int64 `json:"duration_ms,omitempty"`

	ParentEventID string `json:"parent_event_id,omitempty"`

	Payload *Payload `json:"payload,omitempty"`
}

// CostSource, when set on an llm_call payload's data map, records how
// the cost field was derived: "reported", "estimated", explicit nil
// (cost was exactly zero and unmatched), or the key absent entirely
// (no cost info at all). The pricing engine is the only writer of this
// field; see internal/pricing.
const (
	CostSourceReported  = "reported"
	CostSourceEstimated = "estimated"
)

// RejectedEvent describes one event that failed validation during
// ingestion.
type RejectedEvent struct {
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// IngestResult is the response shape for POST /v1/ingest.
type IngestResult struct {
	Accepted int             `json:"accepted"`
	Rejected int             `json:"rejected"`
	Errors   []RejectedEvent `json:"errors,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}
