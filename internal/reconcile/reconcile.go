package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/otpgate/otpgate/internal/allocation"
	"github.com/otpgate/otpgate/internal/gateway"
)

const (
	DefaultSchedule = "@every 1m"
	DefaultMaxAge   = 20 * time.Minute
	batchSize       = 100
	sweepTimeout    = 50 * time.Second
)

// Settler resolves one stale allocation.
type Settler interface {
	Reconcile(ctx context.Context, a allocation.Allocation) (gateway.ReconcileOutcome, error)
}

// Report summarises one sweep.
type Report struct {
	Scanned   int
	Completed int
	Refunded  int
	Failed    int
}

// Config configures the reconcile job.
type Config struct {
	Schedule string
	MaxAge   time.Duration
}

// Job periodically settles active allocations older than MaxAge.
type Job struct {
	repo     allocation.Repository
	settler  Settler
	logger   *slog.Logger
	schedule cron.Schedule
	maxAge   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
}

// New validates the schedule and builds a job.
func New(repo allocation.Repository, settler Settler, logger *slog.Logger, cfg Config) (*Job, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", expr, err)
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Job{
		repo:     repo,
		settler:  settler,
		logger:   logger,
		schedule: schedule,
		maxAge:   maxAge,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run performs a single sweep. Per-allocation failures are logged and counted;
// only a failure to list candidates is returned.
func (j *Job) Run(ctx context.Context) (Report, error) {
	var rep Report
	cutoff := j.now().Add(-j.maxAge)
	stale, err := j.repo.ListStale(ctx, cutoff, batchSize)
	if err != nil {
		return rep, err
	}
	for _, a := range stale {
		rep.Scanned++
		outcome, err := j.settler.Reconcile(ctx, a)
		if err != nil {
			rep.Failed++
			j.logger.Warn("reconcile allocation failed",
				slog.String("number_id", a.NumberID),
				slog.String("user_id", a.UserID),
				slog.Any("error", err),
			)
			continue
		}
		switch outcome {
		case gateway.OutcomeCompleted:
			rep.Completed++
		case gateway.OutcomeRefunded:
			rep.Refunded++
		}
	}
	if rep.Scanned > 0 {
		j.logger.Info("reconcile sweep",
			slog.Int("scanned", rep.Scanned),
			slog.Int("completed", rep.Completed),
			slog.Int("refunded", rep.Refunded),
			slog.Int("failed", rep.Failed),
		)
	}
	return rep, nil
}

// Start schedules the sweep. Overlapping runs are skipped.
func (j *Job) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return
	}
	c := cron.New()
	c.Schedule(j.schedule, cron.FuncJob(j.tick))
	c.Start()
	j.cron = c
}

// Stop halts scheduling and waits for an in-flight sweep or ctx expiry.
func (j *Job) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (j *Job) tick() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := j.Run(ctx); err != nil {
		j.logger.Error("reconcile sweep failed", slog.Any("error", err))
	}
}
