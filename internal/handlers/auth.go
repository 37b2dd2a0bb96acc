package handlers

import (
	"net/http"

	"github.com/mergedesk/mergedesk/internal/api"
	"github.com/mergedesk/mergedesk/internal/middleware"
)

// AuthHandler handles operator authentication
type AuthHandler struct {
	auth *middleware.JWTAuthMiddleware
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(auth *middleware.JWTAuthMiddleware) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// SetupRoutes sets up authentication routes
func (h *AuthHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/login", h.handleLogin)
}

// handleLogin handles POST /auth/login
func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	if !h.auth.ValidateCredentials(req.Username, req.Password) {
		api.RespondErrorWithCode(w, http.StatusUnauthorized, "invalid_credentials", "Invalid username or password")
		return
	}

	token, err := h.auth.GenerateToken(req.Username)
	if err != nil {
		api.RespondError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	api.RespondJSON(w, http.StatusOK, api.LoginResponse{Token: token})
}
