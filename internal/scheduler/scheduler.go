// Package scheduler drives the periodic engine sweeps: due-review checks,
// baseline capture retries, and the daily price analysis that feeds new
// proposals.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sellerlab/sellerlab/internal/observability"
)

// Config holds the cron expressions for each sweep. An empty expression or
// "-" disables the sweep.
type Config struct {
	// Timezone for cron evaluation, e.g. "Europe/Moscow". Defaults to UTC.
	Timezone string `yaml:"timezone"`

	// ReviewCron schedules the due-review sweep.
	ReviewCron string `yaml:"review_cron"`

	// BaselineRetryCron schedules the incomplete-baseline retry sweep.
	BaselineRetryCron string `yaml:"baseline_retry_cron"`

	// PriceAnalysisCron schedules the price recommendation run.
	PriceAnalysisCron string `yaml:"price_analysis_cron"`

	// SweepTimeout bounds each sweep run.
	SweepTimeout time.Duration `yaml:"sweep_timeout"`
}

// DefaultConfig mirrors the operator's working day: analysis before trading
// opens, review mid-morning, baseline retries shortly after.
func DefaultConfig() Config {
	return Config{
		ReviewCron:        "0 9 * * *",
		BaselineRetryCron: "30 9 * * *",
		PriceAnalysisCron: "0 6 * * *",
		SweepTimeout:      10 * time.Minute,
	}
}

// Sweeper is the slice of the engine the scheduler drives.
type Sweeper interface {
	ReviewDue(ctx context.Context, now time.Time) (int, error)
	RetryBaselines(ctx context.Context) (int, error)
}

// Proposer runs the price analysis and files experiment proposals.
// Implemented by the pricing analyzer.
type Proposer interface {
	Run(ctx context.Context) (int, error)
}

// Scheduler owns the cron runner. Sweep failures are logged and retried on
// the next firing, never fatal.
type Scheduler struct {
	config   Config
	cron     *cron.Cron
	sweeper  Sweeper
	proposer Proposer
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "scheduler")
		}
	}
}

// WithMetrics configures the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithProposer configures the price analysis job. Without one the price
// analysis cron is skipped even when configured.
func WithProposer(p Proposer) Option {
	return func(s *Scheduler) { s.proposer = p }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler over the engine sweeps.
func New(config Config, sweeper Sweeper, opts ...Option) (*Scheduler, error) {
	if config.SweepTimeout <= 0 {
		config.SweepTimeout = 10 * time.Minute
	}

	location := time.UTC
	if config.Timezone != "" {
		loc, err := time.LoadLocation(config.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduler: invalid timezone %q: %w", config.Timezone, err)
		}
		location = loc
	}

	s := &Scheduler{
		config:  config,
		sweeper: sweeper,
		logger:  slog.Default().With("component", "scheduler"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cron = cron.New(cron.WithLocation(location))
	if err := s.register(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) register() error {
	type job struct {
		name string
		expr string
		run  func(context.Context) (int, error)
	}
	jobs := []job{
		{"review", s.config.ReviewCron, s.runReview},
		{"baseline_retry", s.config.BaselineRetryCron, s.runBaselineRetry},
	}
	if s.proposer != nil {
		jobs = append(jobs, job{"price_analysis", s.config.PriceAnalysisCron, s.runPriceAnalysis})
	}

	for _, j := range jobs {
		if j.expr == "" || j.expr == "-" {
			continue
		}
		j := j
		if _, err := s.cron.AddFunc(j.expr, func() { s.runSweep(j.name, j.run) }); err != nil {
			return fmt.Errorf("scheduler: %s cron %q: %w", j.name, j.expr, err)
		}
		s.logger.Info("sweep scheduled", "sweep", j.name, "cron", j.expr)
	}
	return nil
}

// Start begins firing sweeps. Non-blocking.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron runner and waits for in-flight sweeps.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runSweep(name string, run func(context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.SweepTimeout)
	defer cancel()

	start := s.now()
	n, err := run(ctx)
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.ObserveSweep(name, elapsed)
	}
	if err != nil {
		s.logger.Error("sweep failed", "sweep", name, "error", err, "elapsed", elapsed)
		return
	}
	s.logger.Info("sweep done", "sweep", name, "processed", n, "elapsed", elapsed)
}

// RunReview runs the due-review sweep once, outside the cron. Used by the
// one-shot CLI command.
func (s *Scheduler) RunReview(ctx context.Context) (int, error) {
	return s.runReview(ctx)
}

// RunBaselineRetry runs the baseline retry sweep once.
func (s *Scheduler) RunBaselineRetry(ctx context.Context) (int, error) {
	return s.runBaselineRetry(ctx)
}

func (s *Scheduler) runReview(ctx context.Context) (int, error) {
	return s.sweeper.ReviewDue(ctx, s.now().UTC())
}

func (s *Scheduler) runBaselineRetry(ctx context.Context) (int, error) {
	return s.sweeper.RetryBaselines(ctx)
}

func (s *Scheduler) runPriceAnalysis(ctx context.Context) (int, error) {
	return s.proposer.Run(ctx)
}
