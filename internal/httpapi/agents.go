package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jcolano/hiveboard-sub000/internal/auth"
)

// listAgents implements GET /v1/agents.
func (h *handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	agents, err := h.d.Query.ListAgents(r.Context(), tenant.TenantID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": agents})
}

// getAgent implements GET /v1/agents/{agentID}.
func (h *handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")
	agent, err := h.d.Query.GetAgent(r.Context(), tenant.TenantID, agentID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// getAgentPipeline implements GET /v1/agents/{agentID}/pipeline.
func (h *handlers) getAgentPipeline(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")
	pipeline, err := h.d.Query.GetAgentPipeline(r.Context(), tenant.TenantID, agentID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}

// getFleetPipeline implements GET /v1/pipeline.
func (h *handlers) getFleetPipeline(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	pipeline, err := h.d.Query.GetFleetPipeline(r.Context(), tenant.TenantID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}
