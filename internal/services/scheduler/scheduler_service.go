package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
)

const (
	lastRunKeyPrefix = "scheduler_last_run_"
	stopTimeout      = 30 * time.Second
)

type job struct {
	name        string
	schedule    string
	description string
	handler     interfaces.JobHandler
	cronID      cron.EntryID // 0 while disabled

	running   bool
	runCount  int
	lastRun   *time.Time
	lastError string
}

// Service runs jobs on robfig/cron. A job never overlaps itself: a cron fire
// or trigger that arrives while it runs is dropped.
type Service struct {
	cron   *cron.Cron
	kv     interfaces.KeyValueStorage // last run times; may be nil
	logger arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
}

var _ interfaces.SchedulerService = (*Service)(nil)

func NewService(kv interfaces.KeyValueStorage, logger arbor.ILogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron:   cron.New(),
		kv:     kv,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already running")
	}
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.cron.Start()
	s.started = true

	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
	return nil
}

// Stop cancels running jobs and waits for them to return
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-time.After(stopTimeout):
		s.logger.Warn().Dur("timeout", stopTimeout).Msg("Running job did not finish before shutdown")
	}

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Service) RegisterJob(name, schedule, description string, handler interfaces.JobHandler) error {
	if handler == nil {
		return fmt.Errorf("job %s has no handler", name)
	}
	if err := common.ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("invalid schedule for job %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{
		name:        name,
		schedule:    schedule,
		description: description,
		handler:     handler,
		lastRun:     s.loadLastRun(name),
	}
	if err := s.scheduleLocked(j); err != nil {
		return err
	}
	s.jobs[name] = j

	s.logger.Info().
		Str("job_name", name).
		Str("schedule", schedule).
		Msg("Job registered")
	return nil
}

func (s *Service) EnableJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, name)
	}
	if j.cronID != 0 {
		return nil
	}
	if err := s.scheduleLocked(j); err != nil {
		return err
	}

	s.logger.Info().Str("job_name", name).Msg("Job enabled")
	return nil
}

// DisableJob removes the cron entry; the job can still be triggered
func (s *Service) DisableJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, name)
	}
	if j.cronID == 0 {
		return nil
	}
	s.cron.Remove(j.cronID)
	j.cronID = 0

	s.logger.Info().Str("job_name", name).Msg("Job disabled")
	return nil
}

func (s *Service) TriggerJob(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	var running bool
	if ok {
		running = j.running
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, name)
	}
	if running {
		return fmt.Errorf("%w: %s", interfaces.ErrJobRunning, name)
	}

	s.logger.Info().Str("job_name", name).Msg("Manually triggering job")
	common.SafeGo(s.logger, "job:"+name, func() {
		s.executeJob(name)
	})
	return nil
}

func (s *Service) GetJobStatus(name string) (*interfaces.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, name)
	}
	return s.statusLocked(j), nil
}

func (s *Service) GetAllJobStatuses() map[string]*interfaces.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[string]*interfaces.JobStatus, len(s.jobs))
	for name, j := range s.jobs {
		statuses[name] = s.statusLocked(j)
	}
	return statuses
}

func (s *Service) statusLocked(j *job) *interfaces.JobStatus {
	status := &interfaces.JobStatus{
		Name:        j.name,
		Enabled:     j.cronID != 0,
		Schedule:    j.schedule,
		Description: j.description,
		LastRun:     j.lastRun,
		IsRunning:   j.running,
		RunCount:    j.runCount,
		LastError:   j.lastError,
	}
	if j.cronID != 0 {
		if next := s.cron.Entry(j.cronID).Next; !next.IsZero() {
			status.NextRun = &next
		}
	}
	return status
}

func (s *Service) scheduleLocked(j *job) error {
	id, err := s.cron.AddFunc(j.schedule, func() { s.executeJob(j.name) })
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", j.name, err)
	}
	j.cronID = id
	return nil
}

// executeJob runs one job to completion unless it is already running
func (s *Service) executeJob(name string) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn().Str("job_name", name).Msg("Job not found")
		return
	}
	if j.running {
		s.mu.Unlock()
		s.logger.Info().Str("job_name", name).Msg("Job still running, skipping this run")
		return
	}
	j.running = true
	handler := j.handler
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	s.logger.Info().Str("job_name", name).Msg("Job started")

	err := runHandler(ctx, handler)

	finished := time.Now().UTC()
	s.mu.Lock()
	j.running = false
	j.runCount++
	j.lastRun = &finished
	j.lastError = ""
	if err != nil {
		j.lastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Str("job_name", name).Err(err).Dur("duration", time.Since(start)).Msg("Job failed")
	} else {
		s.logger.Info().Str("job_name", name).Dur("duration", time.Since(start)).Msg("Job completed")
	}

	s.saveLastRun(name, finished)
}

// runHandler converts a handler panic into an error
func runHandler(ctx context.Context, handler interfaces.JobHandler) (err error) {
	defer func() {
		if perr := common.AsPanicError(recover()); perr != nil {
			err = perr
		}
	}()
	return handler(ctx)
}

func (s *Service) loadLastRun(name string) *time.Time {
	if s.kv == nil {
		return nil
	}
	value, err := s.kv.Get(context.Background(), lastRunKeyPrefix+name)
	if err != nil {
		if !errors.Is(err, interfaces.ErrKeyNotFound) {
			s.logger.Warn().Err(err).Str("job_name", name).Msg("Failed to load job last run")
		}
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	return &t
}

func (s *Service) saveLastRun(name string, at time.Time) {
	if s.kv == nil {
		return
	}
	if err := s.kv.Set(context.Background(), lastRunKeyPrefix+name, at.Format(time.RFC3339), "Last run of scheduled job "+name); err != nil {
		s.logger.Warn().Err(err).Str("job_name", name).Msg("Failed to persist job last run")
	}
}
