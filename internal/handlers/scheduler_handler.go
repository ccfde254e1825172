package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/services/scanner"
)

// Sweeper runs a notification sweep in the foreground
type Sweeper interface {
	Sweep(ctx context.Context) scanner.SweepReport
}

// SchedulerHandler handles sweep and scheduler endpoints
type SchedulerHandler struct {
	schedulerService interfaces.SchedulerService
	sweeper          Sweeper
	logger           arbor.ILogger
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(
	schedulerService interfaces.SchedulerService,
	sweeper Sweeper,
	logger arbor.ILogger,
) *SchedulerHandler {
	return &SchedulerHandler{
		schedulerService: schedulerService,
		sweeper:          sweeper,
		logger:           logger,
	}
}

// TriggerSweepHandler handles POST /api/sweep.
// By default the sweep job is queued on the scheduler; ?wait=true runs it
// inline and returns the report.
func (h *SchedulerHandler) TriggerSweepHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait {
		report := h.sweeper.Sweep(r.Context())
		WriteJSON(w, http.StatusOK, report)
		return
	}

	if err := h.schedulerService.TriggerJob(scanner.SweepJobName); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to trigger sweep")
		switch {
		case errors.Is(err, interfaces.ErrJobRunning):
			WriteError(w, http.StatusConflict, "Sweep already running")
		case errors.Is(err, interfaces.ErrJobNotFound):
			WriteError(w, http.StatusNotFound, "Sweep job is not registered")
		default:
			WriteError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	WriteStarted(w, "Sweep triggered")
}

// JobsHandler handles GET /api/scheduler/jobs
func (h *SchedulerHandler) JobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, h.schedulerService.GetAllJobStatuses())
}
