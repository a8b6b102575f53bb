package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jcolano/hiveboard-sub000/internal/auth"
	"github.com/jcolano/hiveboard-sub000/internal/query"
)

// listTasks implements GET /v1/tasks.
func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	q := r.URL.Query()

	sortBy := query.TaskSort(q.Get("sort"))
	tasks, err := h.d.Query.ListTasks(r.Context(), tenant.TenantID, q.Get("project_id"), q.Get("agent_id"), sortBy, queryInt(r, "limit", 0))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": tasks})
}

// getTaskTimeline implements GET /v1/tasks/{taskID}/timeline.
func (h *handlers) getTaskTimeline(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	taskID := chi.URLParam(r, "taskID")
	timeline, err := h.d.Query.GetTaskTimeline(r.Context(), tenant.TenantID, taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}
