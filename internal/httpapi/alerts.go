package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jcolano/hiveboard-sub000/internal/auth"
	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
	"github.com/jcolano/hiveboard-sub000/internal/storage"
)

// listAlertRules implements GET /v1/alerts/rules.
func (h *handlers) listAlertRules(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	rules, err := h.d.Store.ListAlertRules(r.Context(), tenant.TenantID, queryBool(r, "enabled_only"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": rules})
}

type createAlertRuleRequest struct {
	ProjectID       string                    `json:"project_id"`
	Name            string                    `json:"name"`
	ConditionType   string                    `json:"condition_type"`
	ConditionConfig map[string]interface{}    `json:"condition_config"`
	Filters         map[string]interface{}    `json:"filters"`
	Actions         []eventmodel.AlertAction  `json:"actions"`
	CooldownSeconds int                       `json:"cooldown_seconds"`
	Enabled         *bool                     `json:"enabled"`
}

// createAlertRule implements POST /v1/alerts/rules.
func (h *handlers) createAlertRule(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	var req createAlertRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}
	if req.Name == "" || req.ConditionType == "" {
		writeErrorDetails(w, http.StatusBadRequest, "validation_error", "name and condition_type are required", map[string]interface{}{"fields": []string{"name", "condition_type"}})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	cooldown := req.CooldownSeconds
	if cooldown <= 0 {
		cooldown = 300
	}

	rule := eventmodel.AlertRule{
		TenantID:        tenant.TenantID,
		ProjectID:       req.ProjectID,
		Name:            req.Name,
		ConditionType:   req.ConditionType,
		ConditionConfig: req.ConditionConfig,
		Filters:         req.Filters,
		Actions:         req.Actions,
		CooldownSeconds: cooldown,
		Enabled:         enabled,
	}
	if err := h.d.Store.CreateAlertRule(r.Context(), rule); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

type updateAlertRuleRequest struct {
	Name            *string                  `json:"name"`
	ConditionConfig  map[string]interface{}  `json:"condition_config"`
	Filters          map[string]interface{}  `json:"filters"`
	Actions          []eventmodel.AlertAction `json:"actions"`
	CooldownSeconds *int                     `json:"cooldown_seconds"`
	Enabled         *bool                    `json:"enabled"`
}

// updateAlertRule implements PUT /v1/alerts/rules/{ruleID}.
func (h *handlers) updateAlertRule(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	ruleID := chi.URLParam(r, "ruleID")

	var req updateAlertRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}

	updated, err := h.d.Store.UpdateAlertRule(r.Context(), tenant.TenantID, ruleID, func(rule *eventmodel.AlertRule) {
		if req.Name != nil {
			rule.Name = *req.Name
		}
		if req.ConditionConfig != nil {
			rule.ConditionConfig = req.ConditionConfig
		}
		if req.Filters != nil {
			rule.Filters = req.Filters
		}
		if req.Actions != nil {
			rule.Actions = req.Actions
		}
		if req.CooldownSeconds != nil {
			rule.CooldownSeconds = *req.CooldownSeconds
		}
		if req.Enabled != nil {
			rule.Enabled = *req.Enabled
		}
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// deleteAlertRule implements DELETE /v1/alerts/rules/{ruleID}.
func (h *handlers) deleteAlertRule(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	if err := h.d.Store.DeleteAlertRule(r.Context(), tenant.TenantID, chi.URLParam(r, "ruleID")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// listAlertHistory implements GET /v1/alerts/history.
func (h *handlers) listAlertHistory(w http.ResponseWriter, r *http.Request) {
	tenant, _ := auth.TenantFromContext(r.Context())
	page, err := h.d.Store.ListAlertHistory(r.Context(), tenant.TenantID, storage.AlertHistoryFilter{
		RuleID: r.URL.Query().Get("rule_id"),
		Limit:  queryInt(r, "limit", 100),
		Cursor: r.URL.Query().Get("cursor"),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
