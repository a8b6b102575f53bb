package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
)

// listPricing implements GET /v1/admin/pricing.
func (h *handlers) listPricing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": h.d.Pricing.AllEntries()})
}

type createPricingRequest struct {
	ModelPattern string  `json:"model_pattern"`
	Provider     string  `json:"provider"`
	InputPerM    float64 `json:"input_per_m"`
	OutputPerM   float64 `json:"output_per_m"`
}

// createPricing implements POST /v1/admin/pricing.
func (h *handlers) createPricing(w http.ResponseWriter, r *http.Request) {
	var req createPricingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}
	if req.ModelPattern == "" || req.Provider == "" {
		writeErrorDetails(w, http.StatusBadRequest, "validation_error", "model_pattern and provider are required", map[string]interface{}{"fields": []string{"model_pattern", "provider"}})
		return
	}
	entry := eventmodel.PricingEntry{
		ModelPattern: req.ModelPattern,
		Provider:     req.Provider,
		InputPerM:    req.InputPerM,
		OutputPerM:   req.OutputPerM,
	}
	if err := h.d.Pricing.AddEntry(entry); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type updatePricingRequest struct {
	Provider   string  `json:"provider"`
	InputPerM  float64 `json:"input_per_m"`
	OutputPerM float64 `json:"output_per_m"`
}

// updatePricing implements PUT /v1/admin/pricing/{pattern}.
func (h *handlers) updatePricing(w http.ResponseWriter, r *http.Request) {
	pattern := chi.URLParam(r, "pattern")

	var req updatePricingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return
	}

	updated, ok, err := h.d.Pricing.UpdateEntry(pattern, eventmodel.PricingEntry{
		Provider:   req.Provider,
		InputPerM:  req.InputPerM,
		OutputPerM: req.OutputPerM,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no pricing entry matches that pattern")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// deletePricing implements DELETE /v1/admin/pricing/{pattern}.
func (h *handlers) deletePricing(w http.ResponseWriter, r *http.Request) {
	ok, err := h.d.Pricing.DeleteEntry(chi.URLParam(r, "pattern"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no pricing entry matches that pattern")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
