package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/models"
	"github.com/ternarybob/marketfinder/internal/services/cookies"
)

// SessionService is the part of the session service the auth endpoints use
type SessionService interface {
	LoginStatus(ctx context.Context) models.AuthStatus
	Status() models.AuthStatus
	SaveDurable(ctx context.Context, state *models.SessionState) error
	Clear() error
}

// AuthHandler serves the marketplace session endpoints
type AuthHandler struct {
	sessions SessionService
	logger   arbor.ILogger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(sessions SessionService, logger arbor.ILogger) *AuthHandler {
	return &AuthHandler{
		sessions: sessions,
		logger:   logger,
	}
}

// LoginHandler runs the session tiers, logging in with credentials if needed.
// Always answers 200; the outcome is in the body.
func (h *AuthHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	status := h.sessions.LoginStatus(r.Context())
	h.logger.Info().
		Bool("authenticated", status.Authenticated).
		Msg("Login requested")

	WriteJSON(w, http.StatusOK, status)
}

// StatusHandler reports whether a session is present
func (h *AuthHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, h.sessions.Status())
}

// CookiesHandler accepts a cookie export (bare list or {"cookies": [...]})
// and stores it as the session.
func (h *AuthHandler) CookiesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	body, err := ReadBody(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := cookies.Normalize(body)
	if err != nil {
		var nerr *cookies.NormalizationError
		if errors.As(err, &nerr) {
			h.logger.Warn().Str("reason", nerr.Reason).Msg("Rejected cookie upload")
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.sessions.SaveDurable(r.Context(), state); err != nil {
		h.logger.Error().Err(err).Msg("Failed to save uploaded session")
		WriteError(w, http.StatusInternalServerError, "Failed to save session")
		return
	}

	h.logger.Info().Int("cookies", len(state.Cookies)).Msg("Session uploaded")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"cookies": len(state.Cookies),
		"message": "Session saved",
	})
}

// ClearHandler deletes the local session cache
func (h *AuthHandler) ClearHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}

	if err := h.sessions.Clear(); err != nil {
		h.logger.Error().Err(err).Msg("Failed to clear session")
		WriteError(w, http.StatusInternalServerError, "Failed to clear session")
		return
	}

	WriteSuccess(w, "Session cleared")
}
