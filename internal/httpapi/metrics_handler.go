package httpapi

import (
	"net/http"
	"time"

	"github.com/jcolano/hiveboard-sub000/internal/auth"
	"github.com/jcolano/hiveboard-sub000/internal/query"
)

// getMetrics implements GET /v1/metrics (range, interval, group_by,
// agent_id, project_id, environment).
func (h *handlers) getMetrics(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	q := r.URL.Query()
	window := query.ResolveWindow(time.Now().UTC(), q.Get("since"), q.Get("until"), q.Get("range"), q.Get("interval"))

	result, err := h.d.Query.GetMetrics(r.Context(), tenant.TenantID, window, q.Get("group_by"), q.Get("agent_id"), q.Get("project_id"), q.Get("environment"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
