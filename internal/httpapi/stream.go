package httpapi

import (
	"net/http"
)

// stream implements WS /v1/stream. Unlike every other route, this one
// sits outside the Authenticate middleware chain (router.go) and
// resolves its own API key from the ?token= query parameter, since a
// browser WebSocket client cannot set a custom Authorization header
// during the handshake.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing_api_key", "a token query parameter is required")
		return
	}

	tenant, key, err := h.d.Auth.ResolveKey(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "the token is invalid or has been revoked")
		return
	}

	h.d.Streaming.Handle(w, r, tenant.TenantID, key.KeyID)
}
