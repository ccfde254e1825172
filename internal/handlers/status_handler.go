package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
)

// StatusProvider reports what the application is doing
type StatusProvider interface {
	GetStatus() map[string]interface{}
}

// SessionStatusProvider reports the session slot
type SessionStatusProvider interface {
	Status() models.AuthStatus
}

// StatusHandler handles HTTP requests for application status
type StatusHandler struct {
	status    StatusProvider
	sessions  SessionStatusProvider
	scheduler interfaces.SchedulerService
	logger    arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler. sessions and scheduler may be nil.
func NewStatusHandler(
	status StatusProvider,
	sessions SessionStatusProvider,
	scheduler interfaces.SchedulerService,
	logger arbor.ILogger,
) *StatusHandler {
	return &StatusHandler{
		status:    status,
		sessions:  sessions,
		scheduler: scheduler,
		logger:    logger,
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	status := h.status.GetStatus()
	if h.sessions != nil {
		session := h.sessions.Status()
		status["session"] = session
		status["authenticated"] = session.Authenticated
	}
	if h.scheduler != nil {
		status["scheduler_running"] = h.scheduler.IsRunning()
		status["jobs"] = h.scheduler.GetAllJobStatuses()
	}

	WriteJSON(w, http.StatusOK, status)
}
