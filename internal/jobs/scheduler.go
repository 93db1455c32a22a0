// Package jobs runs the periodic maintenance work: inactivity timeouts,
// retention cleanup, stale socket sweeps, and upcoming access-key delivery.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telehealth/internal/metrics"
)

var (
	ErrSchedulerRunning = errors.New("scheduler already running")
	ErrInvalidJob       = errors.New("job needs a name, a positive interval and a function")
)

// Func performs one run and reports how many records it affected.
type Func func(ctx context.Context) (int, error)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      Func
}

// Scheduler runs each job on its own ticker. Runs of one job never overlap;
// a run that outlasts its interval delays the next tick.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []Job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	logger  zerolog.Logger
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{logger: log.With().Str("component", "jobs").Logger()}
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Interval <= 0 || job.Run == nil {
		return ErrInvalidJob
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches one goroutine per job. The first run happens after one
// interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
	return nil
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

// runOnce bounds a run by the job's interval and contains panics so one bad
// run does not stop later ones.
func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	ctx, cancel := context.WithTimeout(ctx, job.Interval)
	defer cancel()

	start := time.Now()
	count, err := func() (n int, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		return job.Run(ctx)
	}()

	metrics.JobRuns.WithLabelValues(job.Name, metrics.Result(err)).Inc()

	logger := s.logger.With().Str("job", job.Name).Dur("took", time.Since(start)).Logger()
	switch {
	case err != nil:
		logger.Error().Err(err).Int("affected", count).Msg("job run failed")
	case count > 0:
		logger.Info().Int("affected", count).Msg("job run completed")
	default:
		logger.Debug().Msg("job run completed")
	}
}
