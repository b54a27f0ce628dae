// Package maintenance runs periodic backup, prune and repair jobs against
// the memory store.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/episodic-memory/internal/observability"
	"github.com/harun/episodic-memory/pkg/memory"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	JobBackup = "backup"
	JobPrune  = "prune"
	JobRepair = "repair"

	defaultJobTimeout = 10 * time.Minute
)

// Store is the subset of *memory.Store the jobs need.
type Store interface {
	CreateTimestampedBackup(ctx context.Context) (string, error)
	PruneToCapacity(ctx context.Context, capBytes int64) (int, error)
	Repair(ctx context.Context, opts memory.RepairOptions) (*memory.RepairReport, error)
}

// Config configures a Scheduler. An empty schedule disables that job.
type Config struct {
	Store           Store
	MaxStorageBytes int64
	BackupSchedule  string
	PruneSchedule   string
	RepairSchedule  string
	// JobTimeout bounds one run of any job.
	JobTimeout time.Duration
	Logger     zerolog.Logger
}

// JobState tracks runtime state of a job
type JobState struct {
	Name              string    `json:"name"`
	Schedule          string    `json:"schedule"`
	NextRunAt         time.Time `json:"next_run_at,omitempty"`
	LastRunAt         time.Time `json:"last_run_at,omitempty"`
	LastStatus        string    `json:"last_status,omitempty"` // "ok" or "error"
	LastError         string    `json:"last_error,omitempty"`
	LastDuration      string    `json:"last_duration,omitempty"`
	LastResult        string    `json:"last_result,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors,omitempty"`
}

type job struct {
	name     string
	schedule string
	entry    cron.EntryID
	run      func(ctx context.Context) (string, error)
	state    JobState
}

// Scheduler owns a cron runner and the maintenance jobs registered on it.
type Scheduler struct {
	cron    *cron.Cron
	store   Store
	capByte int64
	timeout time.Duration
	logger  zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// NewScheduler registers every job with a non-empty schedule. Jobs that are
// still running when their next tick arrives are skipped.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("maintenance scheduler requires a store")
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}

	logger := cfg.Logger.With().Str("component", "maintenance").Logger()
	cronLogger := cronLogAdapter{logger: logger}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		store:   cfg.Store,
		capByte: cfg.MaxStorageBytes,
		timeout: cfg.JobTimeout,
		logger:  logger,
		jobs:    map[string]*job{},
	}

	specs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) (string, error)
	}{
		{JobBackup, cfg.BackupSchedule, s.runBackup},
		{JobPrune, cfg.PruneSchedule, s.runPrune},
		{JobRepair, cfg.RepairSchedule, s.runRepair},
	}
	for _, spec := range specs {
		if spec.schedule == "" {
			continue
		}
		if spec.name == JobPrune && cfg.MaxStorageBytes <= 0 {
			continue
		}
		if err := s.add(spec.name, spec.schedule, spec.run); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, schedule string, run func(ctx context.Context) (string, error)) error {
	j := &job{
		name:     name,
		schedule: schedule,
		run:      run,
		state:    JobState{Name: name, Schedule: schedule},
	}
	id, err := s.cron.AddFunc(schedule, func() { s.execute(j) })
	if err != nil {
		return fmt.Errorf("invalid %s schedule %q: %w", name, schedule, err)
	}
	j.entry = id
	s.jobs[name] = j
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Strs("jobs", s.JobNames()).Msg("Maintenance scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info().Msg("Maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JobNames returns the registered job names in sorted order.
func (s *Scheduler) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs a registered job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) (JobState, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return JobState{}, fmt.Errorf("unknown maintenance job: %s", name)
	}

	s.execute(j)

	s.mu.Lock()
	defer s.mu.Unlock()
	state := j.state
	if state.LastStatus == "error" {
		return state, errors.New(state.LastError)
	}
	return state, nil
}

// Status returns a snapshot of every job's state.
func (s *Scheduler) Status() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		state := j.state
		if next := s.cron.Entry(j.entry).Next; !next.IsZero() {
			state.NextRunAt = next
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, k int) bool { return states[i].Name < states[k].Name })
	return states
}

func (s *Scheduler) execute(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	result, err := j.run(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	j.state.LastRunAt = start
	j.state.LastDuration = duration.Round(time.Millisecond).String()
	j.state.LastResult = result
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
		j.state.ConsecutiveErrors++
	} else {
		j.state.LastStatus = "ok"
		j.state.LastError = ""
		j.state.ConsecutiveErrors = 0
	}
	s.mu.Unlock()

	event := s.logger.Info()
	if err != nil {
		event = s.logger.Error().Err(err)
	}
	event.Str("job", j.name).
		Dur("duration", duration).
		Str("result", result).
		Msg("Maintenance job finished")
}

func (s *Scheduler) runBackup(ctx context.Context) (string, error) {
	path, err := s.store.CreateTimestampedBackup(ctx)
	if err != nil {
		return "", err
	}
	return path, nil
}

func (s *Scheduler) runPrune(ctx context.Context) (string, error) {
	deleted, err := s.store.PruneToCapacity(ctx, s.capByte)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("pruned %d exchanges", deleted), nil
}

// runRepair only reports. Fixes are left to an explicit repair --fix.
func (s *Scheduler) runRepair(ctx context.Context) (string, error) {
	report, err := s.store.Repair(ctx, memory.RepairOptions{Fix: false})
	if err != nil {
		return "", err
	}
	observability.SetRepairIssues(report.TotalIssues)
	if report.TotalIssues > 0 {
		s.logger.Warn().Int("issues", report.TotalIssues).Msg("Scheduled integrity check found issues")
	}
	return fmt.Sprintf("%d issues", report.TotalIssues), nil
}

// cronLogAdapter routes robfig/cron's logging through zerolog.
type cronLogAdapter struct {
	logger zerolog.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
