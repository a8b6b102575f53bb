package ingestion

import (
	"encoding/json"
	"time"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
)

// recommendedDataFields lists the data.* keys a well-known payload kind
// is expected to carry. Their absence never rejects the event — it
// only produces a warning.
var recommendedDataFields = map[eventmodel.PayloadKind][]string{
	eventmodel.PayloadLLMCall:       {"model"},
	eventmodel.PayloadQueueSnapshot: {"queue_depth"},
	eventmodel.PayloadTodo:          {"todo_id", "action"},
	eventmodel.PayloadScheduled:     {"item_id"},
	eventmodel.PayloadPlanCreated:   {"plan_id"},
	eventmodel.PayloadPlanStep:      {"plan_id", "step_id", "action"},
	eventmodel.PayloadIssue:         {"issue_id"},
}

// rawEvent is the wire shape of one event inside an ingest batch,
// filled loosely by decodeRawEvent: an absent field, an empty string
// and a value of the wrong JSON type all leave a string field empty,
// and the missing-field checks treat the three alike.
type rawEvent struct {
	EventID        string                 `json:"event_id"`
	AgentID        string                 `json:"agent_id"`
	AgentType      string                 `json:"agent_type"`
	ProjectID      string                 `json:"project_id"`
	Timestamp      flexTime               `json:"timestamp"`
	Environment    string                 `json:"environment"`
	Group          string                 `json:"group"`
	TaskID         string                 `json:"task_id"`
	TaskType       string                 `json:"task_type"`
	TaskRunID      string                 `json:"task_run_id"`
	CorrelationID  string      `json:"correlation_id"`
	ActionID       string      `json:"action_id"`
	ParentActionID string      `json:"parent_action_id"`
	EventType      string      `json:"event_type"`
	Severity       string      `json:"severity"`
	Status         string      `json:"status"`
	DurationMs     *int64      `json:"duration_ms"`
	ParentEventID  string      `json:"parent_event_id"`
	Payload        *rawPayload `json:"payload"`
}

type rawPayload struct {
	Kind    string                 `json:"kind"`
	Summary string                 `json:"summary"`
	Data    map[string]interface{} `json:"data"`
	Tags    map[string]string      `json:"tags"`
}

// flexTime decodes an RFC3339 timestamp without ever failing the
// surrounding json.Unmarshal: a missing or malformed value simply
// leaves Valid false, so validateEvent can report "missing_field"
// instead of the whole batch decode erroring out.
type flexTime struct {
	T     time.Time
	Valid bool
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	f.T, f.Valid = t, true
	return nil
}

// validationOutcome is the result of validating one raw event.
type validationOutcome struct {
	accept   bool
	reason   string // machine error code, set only when !accept
	message  string
	warnings []string
}

func validateEvent(re rawEvent) validationOutcome {
	if re.EventID == "" {
		return validationOutcome{reason: "missing_field", message: "event_id is required"}
	}
	if !re.Timestamp.Valid {
		return validationOutcome{reason: "missing_field", message: "timestamp is required and must be a valid RFC3339 timestamp"}
	}
	if re.EventType == "" {
		return validationOutcome{reason: "missing_field", message: "event_type is required"}
	}
	et := eventmodel.EventType(re.EventType)
	if !et.IsValid() {
		return validationOutcome{reason: "invalid_event_type", message: "unrecognised event_type: " + re.EventType}
	}
	if len(re.AgentID) > eventmodel.MaxAgentIDChars {
		return validationOutcome{reason: "agent_id_too_long", message: "agent_id exceeds maximum length"}
	}
	if len(re.TaskID) > eventmodel.MaxTaskIDChars {
		return validationOutcome{reason: "task_id_too_long", message: "task_id exceeds maximum length"}
	}
	if re.Payload != nil {
		if size := payloadByteSize(re.Payload); size > eventmodel.MaxPayloadBytes {
			return validationOutcome{reason: "payload_too_large", message: "payload exceeds maximum size"}
		}
	}

	out := validationOutcome{accept: true}
	if re.Severity != "" && !eventmodel.Severity(re.Severity).IsValid() {
		out.warnings = append(out.warnings, "unrecognised severity \""+re.Severity+"\" on event "+re.EventID+"; defaulted")
	}
	if re.Payload != nil && re.Payload.Kind != "" {
		kind := eventmodel.PayloadKind(re.Payload.Kind)
		if fields, ok := recommendedDataFields[kind]; ok {
			for _, f := range fields {
				if re.Payload.Data == nil || re.Payload.Data[f] == nil {
					out.warnings = append(out.warnings, "payload.kind="+string(kind)+" is missing recommended field data."+f)
				}
			}
		}
	}
	return out
}

func payloadByteSize(p *rawPayload) int {
	b, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return len(b)
}
