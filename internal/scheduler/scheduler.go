package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/spacefleet/collector/internal/collector"
)

// Collector runs a fleet collection
type Collector interface {
	Collect(ctx context.Context, hostIDs []int64) ([]collector.HostResult, error)
}

// Pruner deletes history older than a cutoff
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options configures the collection job
type Options struct {
	Schedule  string        // cron expression, evaluated in Location
	Location  *time.Location
	Timeout   time.Duration // bound on one run; zero means none
	Retention time.Duration // zero keeps history forever
}

// Scheduler runs fleet collection on a cron schedule. A run never starts
// while the previous one is still going.
type Scheduler struct {
	logger    *zap.Logger
	cron      gocron.Scheduler
	collector Collector
	pruner    Pruner
	opts      Options
	now       func() time.Time
}

// New creates the scheduler and registers the collection job. ctx is the
// root context handed to every run.
func New(ctx context.Context, c Collector, pruner Pruner, opts Options, logger *zap.Logger) (*Scheduler, error) {
	if opts.Location == nil {
		opts.Location = time.Local
	}

	cron, err := gocron.NewScheduler(gocron.WithLocation(opts.Location))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	s := &Scheduler{
		logger:    logger,
		cron:      cron,
		collector: c,
		pruner:    pruner,
		opts:      opts,
		now:       time.Now,
	}

	_, err = cron.NewJob(
		gocron.CronJob(opts.Schedule, false),
		gocron.NewTask(func() { s.runCollection(ctx) }),
		gocron.WithName("collection"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cron.Shutdown()
		return nil, fmt.Errorf("invalid collection schedule %q: %w", opts.Schedule, err)
	}

	logger.Info("Collection scheduled",
		zap.String("schedule", opts.Schedule),
		zap.String("location", opts.Location.String()),
		zap.Duration("retention", opts.Retention))
	return s, nil
}

// Start begins running scheduled jobs
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Shutdown stops the scheduler and waits for a running job to return
func (s *Scheduler) Shutdown() error {
	return s.cron.Shutdown()
}

// NextRun returns when the collection job fires next
func (s *Scheduler) NextRun() (time.Time, error) {
	jobs := s.cron.Jobs()
	if len(jobs) == 0 {
		return time.Time{}, fmt.Errorf("no collection job registered")
	}
	return jobs[0].NextRun()
}

func (s *Scheduler) runCollection(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	start := s.now()
	s.logger.Info("Scheduled collection starting")

	results, err := s.collector.Collect(ctx, nil)
	if err != nil {
		s.logger.Error("Scheduled collection failed", zap.Error(err))
		return
	}

	failed := 0
	for _, r := range results {
		if r.Status == collector.StatusFailed {
			failed++
		}
	}
	s.logger.Info("Scheduled collection finished",
		zap.Int("hosts", len(results)),
		zap.Int("failed", failed),
		zap.Duration("duration", time.Since(start)))

	s.prune(ctx, start)
}

func (s *Scheduler) prune(ctx context.Context, now time.Time) {
	if s.opts.Retention <= 0 || s.pruner == nil {
		return
	}
	cutoff := now.Add(-s.opts.Retention)
	n, err := s.pruner.PruneBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("Failed to prune usage history", zap.Time("cutoff", cutoff), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("Pruned usage history", zap.Int64("rows", n), zap.Time("cutoff", cutoff))
	}
}
