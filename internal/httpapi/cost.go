package httpapi

import (
	"net/http"
	"time"

	"github.com/jcolano/hiveboard-sub000/internal/auth"
	"github.com/jcolano/hiveboard-sub000/internal/query"
)

// getCostSummary implements GET /v1/cost.
func (h *handlers) getCostSummary(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	q := r.URL.Query()
	window := query.ResolveWindow(time.Now().UTC(), q.Get("since"), q.Get("until"), q.Get("range"), q.Get("interval"))

	summary, err := h.d.Query.GetCostSummary(r.Context(), tenant.TenantID, window, q.Get("agent_id"), q.Get("project_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// getCostTimeseries implements GET /v1/cost/timeseries.
func (h *handlers) getCostTimeseries(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	q := r.URL.Query()
	window := query.ResolveWindow(time.Now().UTC(), q.Get("since"), q.Get("until"), q.Get("range"), q.Get("interval"))

	buckets, err := h.d.Query.GetCostTimeseries(r.Context(), tenant.TenantID, window, q.Get("agent_id"), q.Get("project_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": buckets})
}

// listLLMCalls implements GET /v1/cost/calls and GET /v1/llm-calls.
func (h *handlers) listLLMCalls(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	page, err := h.d.Query.ListLLMCalls(r.Context(), tenant.TenantID, eventFilterFromQuery(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
