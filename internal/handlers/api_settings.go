package handlers

import (
	"net/http"

	"github.com/mergedesk/mergedesk/internal/api"
	"github.com/mergedesk/mergedesk/internal/database"
)

// handleGetDedupeSettings handles GET /api/settings/dedupe
func (h *APIHandler) handleGetDedupeSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := database.GetOrCreateDedupeSettings(h.db.WithContext(r.Context()))
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}
	api.RespondJSON(w, http.StatusOK, settings)
}

// handleUpdateDedupeSettings handles PUT /api/settings/dedupe
func (h *APIHandler) handleUpdateDedupeSettings(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateDedupeSettingsRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	db := h.db.WithContext(r.Context())
	settings, err := database.GetOrCreateDedupeSettings(db)
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}

	if req.Enabled != nil {
		settings.Enabled = *req.Enabled
	}
	if req.RevertWindowHours != nil {
		settings.RevertWindowHours = *req.RevertWindowHours
	}
	if req.ClusterTTLHours != nil {
		settings.ClusterTTLHours = *req.ClusterTTLHours
	}
	if req.ScanIntervalMinutes != nil {
		settings.ScanIntervalMinutes = *req.ScanIntervalMinutes
	}
	if req.MaxTicketsPerScan != nil {
		settings.MaxTicketsPerScan = *req.MaxTicketsPerScan
	}
	if req.SlackNotifications != nil {
		settings.SlackNotifications = *req.SlackNotifications
	}

	if err := database.UpdateDedupeSettings(db, settings); err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to update settings")
		return
	}
	api.RespondJSON(w, http.StatusOK, settings)
}
