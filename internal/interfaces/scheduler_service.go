package interfaces

import (
	"context"
	"errors"
	"time"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobRunning  = errors.New("job is already running")
)

// JobStatus is the externally visible state of a scheduled job
type JobStatus struct {
	Name        string     `json:"name"`
	Enabled     bool       `json:"enabled"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	IsRunning   bool       `json:"is_running"`
	RunCount    int        `json:"run_count"`
	LastError   string     `json:"last_error,omitempty"`
}

// JobHandler is the work a scheduled job performs. ctx is cancelled when the
// scheduler stops.
type JobHandler func(ctx context.Context) error

// SchedulerService fires named jobs on cron schedules
type SchedulerService interface {
	Start() error
	Stop() error
	IsRunning() bool

	// RegisterJob adds an enabled job; schedules under 5 minutes are rejected
	RegisterJob(name, schedule, description string, handler JobHandler) error
	EnableJob(name string) error
	DisableJob(name string) error

	// TriggerJob runs a job now in the background. ErrJobRunning when it
	// is already executing.
	TriggerJob(name string) error

	GetJobStatus(name string) (*JobStatus, error)
	GetAllJobStatuses() map[string]*JobStatus
}
