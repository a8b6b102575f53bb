// Package httpapi wires every internal component into the chi router
// and HTTP handlers: ingest, the read-side derived queries,
// project/rule/pricing CRUD, and the WebSocket stream upgrade.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/jcolano/hiveboard-sub000/internal/storage"
)

// errorEnvelope is the shared structured error shape:
// {error, message, status, details?}.
type errorEnvelope struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Status  int         `json:"status"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: code, Message: message, Status: status})
}

func writeErrorDetails(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, errorEnvelope{Error: code, Message: message, Status: status, Details: details})
}

// writeStoreError maps a storage-layer error to an HTTP status:
// ErrNotFound -> 404, ErrRuleViolation -> 400 with its own code,
// anything else -> 500.
func writeStoreError(w http.ResponseWriter, err error) {
	if err == storage.ErrNotFound {
		writeError(w, http.StatusNotFound, "not_found", "the requested resource does not exist")
		return
	}
	if rv, ok := err.(*storage.ErrRuleViolation); ok {
		writeError(w, http.StatusBadRequest, rv.Code, rv.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
