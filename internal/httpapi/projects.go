package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jcolano/hiveboard-sub000/internal/auth"
	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
)

// listProjects implements GET /v1/projects.
func (h *handlers) listProjects(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	projects, err := h.d.Store.ListProjects(r.Context(), tenant.TenantID, queryBool(r, "include_archived"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": projects})
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Description string `json:"description"`
}

// createProject implements POST /v1/projects.
func (h *handlers) createProject(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}
	if req.Name == "" {
		writeErrorDetails(w, http.StatusBadRequest, "validation_error", "name is required", map[string]interface{}{"fields": []string{"name"}})
		return
	}
	if req.Slug == "" {
		req.Slug = req.Name
	}

	project := eventmodel.Project{TenantID: tenant.TenantID, Name: req.Name, Slug: req.Slug, Description: req.Description}
	if err := h.d.Store.CreateProject(r.Context(), project); err != nil {
		writeStoreError(w, err)
		return
	}
	created, err := h.d.Store.GetProjectBySlug(r.Context(), tenant.TenantID, req.Slug)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// getProject implements GET /v1/projects/{projectID}.
func (h *handlers) getProject(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	project, err := h.d.Store.GetProject(r.Context(), tenant.TenantID, chi.URLParam(r, "projectID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

type updateProjectRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// updateProject implements PUT /v1/projects/{projectID}.
func (h *handlers) updateProject(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")

	var req updateProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}

	updated, err := h.d.Store.UpdateProject(r.Context(), tenant.TenantID, projectID, func(p *eventmodel.Project) {
		if req.Name != nil {
			p.Name = *req.Name
		}
		if req.Description != nil {
			p.Description = *req.Description
		}
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// archiveProject implements POST /v1/projects/{projectID}/archive and
// DELETE /v1/projects/{projectID} (archival is the only supported
// removal; the default project can never be archived).
func (h *handlers) archiveProject(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	if err := h.d.Store.ArchiveProject(r.Context(), tenant.TenantID, chi.URLParam(r, "projectID")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

// unarchiveProject implements POST /v1/projects/{projectID}/unarchive.
func (h *handlers) unarchiveProject(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	if err := h.d.Store.UnarchiveProject(r.Context(), tenant.TenantID, chi.URLParam(r, "projectID")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

type mergeProjectRequest struct {
	TargetProjectID string `json:"target_project_id"`
}

// mergeProject implements POST /v1/projects/{projectID}/merge.
func (h *handlers) mergeProject(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	sourceID := chi.URLParam(r, "projectID")

	var req mergeProjectRequest
	if err := decodeJSON(r, &req); err != nil || req.TargetProjectID == "" {
		writeErrorDetails(w, http.StatusBadRequest, "validation_error", "target_project_id is required", map[string]interface{}{"fields": []string{"target_project_id"}})
		return
	}

	reassigned, err := h.d.Store.MergeProjects(r.Context(), tenant.TenantID, sourceID, req.TargetProjectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reassigned": reassigned})
}

// listProjectAgents implements GET /v1/projects/{projectID}/agents.
func (h *handlers) listProjectAgents(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	agents, err := h.d.Store.ListAgentsForProject(r.Context(), tenant.TenantID, chi.URLParam(r, "projectID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": agents})
}

type addProjectAgentRequest struct {
	AgentID string `json:"agent_id"`
}

// addProjectAgent implements POST /v1/projects/{projectID}/agents.
func (h *handlers) addProjectAgent(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")

	var req addProjectAgentRequest
	if err := decodeJSON(r, &req); err != nil || req.AgentID == "" {
		writeErrorDetails(w, http.StatusBadRequest, "validation_error", "agent_id is required", map[string]interface{}{"fields": []string{"agent_id"}})
		return
	}

	if err := h.d.Store.UpsertProjectAgent(r.Context(), tenant.TenantID, projectID, req.AgentID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "linked"})
}

// removeProjectAgent implements DELETE /v1/projects/{projectID}/agents/{agentID}.
func (h *handlers) removeProjectAgent(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")
	agentID := chi.URLParam(r, "agentID")

	if err := h.d.Store.RemoveProjectAgent(r.Context(), tenant.TenantID, projectID, agentID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked"})
}
