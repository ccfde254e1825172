package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
)

const savedPrefix = "/api/saved/"

// SavedSearchRequest is the body of POST /api/saved
type SavedSearchRequest struct {
	Query   string         `json:"query" validate:"max=200"`
	Filters models.Filters `json:"filters"`
}

// SavedSearchHandler serves saved search CRUD
type SavedSearchHandler struct {
	storage interfaces.SavedSearchStorage
	logger  arbor.ILogger
}

// NewSavedSearchHandler creates a new saved search handler
func NewSavedSearchHandler(storage interfaces.SavedSearchStorage, logger arbor.ILogger) *SavedSearchHandler {
	return &SavedSearchHandler{
		storage: storage,
		logger:  logger,
	}
}

// ListHandler handles GET /api/saved, newest first
func (h *SavedSearchHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	searches, err := h.storage.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list saved searches")
		WriteError(w, http.StatusInternalServerError, "Failed to list saved searches")
		return
	}
	if searches == nil {
		searches = []*models.SavedSearch{}
	}

	WriteJSON(w, http.StatusOK, searches)
}

// CreateHandler handles POST /api/saved.
// New searches have notifications enabled with both channels off.
func (h *SavedSearchHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req SavedSearchRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Query = strings.TrimSpace(req.Query)

	if err := validateStruct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Filters.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	search := &models.SavedSearch{
		Query:                req.Query,
		Filters:              req.Filters.WithDefaults(),
		NotificationsEnabled: true,
	}
	if err := h.storage.Save(r.Context(), search); err != nil {
		h.logger.Error().Err(err).Str("query", req.Query).Msg("Failed to save search")
		WriteError(w, http.StatusInternalServerError, "Failed to save search")
		return
	}

	h.logger.Info().
		Str("id", search.ID).
		Str("query", search.Query).
		Msg("Saved search created")

	WriteJSON(w, http.StatusOK, search)
}

// ItemHandler routes /api/saved/{id} and /api/saved/{id}/notifications
func (h *SavedSearchHandler) ItemHandler(w http.ResponseWriter, r *http.Request) {
	id := PathParam(r.URL.Path, savedPrefix)
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Saved search ID is required")
		return
	}

	if strings.HasSuffix(r.URL.Path, "/notifications") {
		h.updateNotifications(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, id)
	case http.MethodDelete:
		h.delete(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *SavedSearchHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	search, err := h.storage.Get(r.Context(), id)
	if errors.Is(err, interfaces.ErrSavedSearchNotFound) {
		WriteError(w, http.StatusNotFound, "Saved search not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to get saved search")
		WriteError(w, http.StatusInternalServerError, "Failed to get saved search")
		return
	}

	WriteJSON(w, http.StatusOK, search)
}

// updateNotifications merges the supplied channel flags and returns the result
func (h *SavedSearchHandler) updateNotifications(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPatch) {
		return
	}

	var update models.NotificationUpdate
	if err := DecodeJSON(r, &update); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	search, err := h.storage.UpdateNotifications(r.Context(), id, update)
	if errors.Is(err, interfaces.ErrSavedSearchNotFound) {
		WriteError(w, http.StatusNotFound, "Saved search not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to update notifications")
		WriteError(w, http.StatusInternalServerError, "Failed to update notifications")
		return
	}

	WriteJSON(w, http.StatusOK, search.Notifications)
}

// delete is idempotent: a missing id still answers ok
func (h *SavedSearchHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	err := h.storage.Delete(r.Context(), id)
	if err != nil && !errors.Is(err, interfaces.ErrSavedSearchNotFound) {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to delete saved search")
		WriteError(w, http.StatusInternalServerError, "Failed to delete saved search")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
