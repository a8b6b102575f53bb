package httpapi

import (
	"net/http"

	"github.com/jcolano/hiveboard-sub000/internal/auth"
)

// listEvents implements GET /v1/events with the full filter set.
func (h *handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	page, err := h.d.Query.GetEvents(r.Context(), tenant.TenantID, eventFilterFromQuery(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
