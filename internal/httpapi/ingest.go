package httpapi

import (
	"net/http"

	"github.com/jcolano/hiveboard-sub000/internal/auth"
	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
	"github.com/jcolano/hiveboard-sub000/internal/storage"
)

type ingestRequest struct {
	Envelope eventmodel.Envelope      `json:"envelope"`
	Events   []map[string]interface{} `json:"events"`
}

// ingest implements POST /v1/ingest: accepts a batch, returns 200 when
// every event was accepted and 207 when any event was rejected.
func (h *handlers) ingest(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())

	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}

	result, err := h.d.Ingestion.Ingest(r.Context(), tenant.TenantID, req.Envelope, req.Events)
	if err != nil {
		if rv, ok := err.(*storage.ErrRuleViolation); ok {
			writeError(w, http.StatusBadRequest, rv.Code, rv.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	status := http.StatusOK
	if result.Rejected > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}
