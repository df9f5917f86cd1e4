// Package jobs runs the periodic memory persistence jobs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/ajitpratap0/phenom-core/internal/config"
)

// Persistable is the state the jobs checkpoint. *memory.Store satisfies it.
type Persistable interface {
	Flush(ctx context.Context) error
	Compact(ctx context.Context) error
}

// Scheduler owns the gocron scheduler for the flush and compaction jobs.
type Scheduler struct {
	scheduler gocron.Scheduler
	timeout   time.Duration
	logger    *slog.Logger
}

// New registers a flush job every cfg.FlushInterval and a compaction job every
// cfg.CompactInterval. A non-positive interval skips that job.
func New(cfg config.MemoryConfig, target Persistable, logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	sched := &Scheduler{
		scheduler: s,
		timeout:   30 * time.Second,
		logger:    logger.With("component", "jobs"),
	}

	add := func(name string, every time.Duration, run func(context.Context) error) error {
		if every <= 0 {
			return nil
		}
		_, err := s.NewJob(
			gocron.DurationJob(every),
			gocron.NewTask(func() { sched.run(name, run) }),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to create %s job: %w", name, err)
		}
		return nil
	}
	if err := add("memory_flush", cfg.FlushInterval, target.Flush); err != nil {
		_ = s.Shutdown()
		return nil, err
	}
	if err := add("memory_compact", cfg.CompactInterval, target.Compact); err != nil {
		_ = s.Shutdown()
		return nil, err
	}
	return sched, nil
}

func (s *Scheduler) run(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Warn("job failed", "job", name, "error", err)
	}
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	jobs := s.scheduler.Jobs()
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.Name()
	}
	return names
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started", "jobs", s.Jobs())
}

// Stop waits for running jobs and shuts the scheduler down.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
