package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jcolano/hiveboard-sub000/internal/storage"
)

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	v := r.URL.Query().Get(key)
	b, _ := strconv.ParseBool(v)
	return b
}

func queryTimePtr(r *http.Request, key string) *time.Time {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

// eventFilterFromQuery builds a storage.EventFilter from GET /events'
// query parameters.
func eventFilterFromQuery(r *http.Request) storage.EventFilter {
	q := r.URL.Query()
	return storage.EventFilter{
		ProjectID:         q.Get("project_id"),
		AgentID:           q.Get("agent_id"),
		TaskID:            q.Get("task_id"),
		EventType:         q.Get("event_type"),
		Severity:          q.Get("severity"),
		Environment:       q.Get("environment"),
		Group:             q.Get("group"),
		Since:             queryTimePtr(r, "since"),
		Until:             queryTimePtr(r, "until"),
		ExcludeHeartbeats: queryBool(r, "exclude_heartbeats"),
		PayloadKind:       q.Get("payload_kind"),
		Limit:             queryInt(r, "limit", 100),
		Cursor:            q.Get("cursor"),
	}
}
