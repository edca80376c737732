// Package maintenance runs the orchestrator's periodic housekeeping on a
// cron schedule: priority refresh as deadlines approach, eviction of closed
// cases from memory and queue-depth reporting. With several instances
// sharing Redis, only the lease holder runs the jobs.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-case-flow/internal/orchestrator"
)

// Target is the orchestrator surface the jobs act on.
type Target interface {
	RefreshPriorities(now time.Time) int
	EvictTerminal(olderThan time.Duration) int
	Stats(ctx context.Context) (orchestrator.Stats, error)
}

// Leader decides whether this instance should run the jobs.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
}

// Config holds the cron specs and the eviction age.
type Config struct {
	RefreshSpec string
	EvictSpec   string
	StatsSpec   string
	EvictAfter  time.Duration
}

// DefaultConfig is used for any empty field.
var DefaultConfig = Config{
	RefreshSpec: "@every 1m",
	EvictSpec:   "@every 10m",
	StatsSpec:   "@every 15s",
	EvictAfter:  time.Hour,
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	target Target
	leader Leader
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	ctx    context.Context
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLeader restricts the jobs to the lease holder.
func WithLeader(l Leader) Option { return func(s *Scheduler) { s.leader = l } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New parses the specs and registers the jobs. Nothing runs until Run.
func New(target Target, cfg Config, opts ...Option) (*Scheduler, error) {
	cfg = withDefaults(cfg)
	s := &Scheduler{
		target: target,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.logger}),
		cron.SkipIfStillRunning(cronLogger{s.logger}),
	))

	jobs := []struct {
		name string
		spec string
		fn   func(context.Context)
	}{
		{"refresh_priorities", cfg.RefreshSpec, s.RefreshPriorities},
		{"evict_terminal", cfg.EvictSpec, s.EvictTerminal},
		{"report_stats", cfg.StatsSpec, s.ReportStats},
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, func() { s.guarded(j.name, j.fn) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
	}
	return s, nil
}

func withDefaults(cfg Config) Config {
	if cfg.RefreshSpec == "" {
		cfg.RefreshSpec = DefaultConfig.RefreshSpec
	}
	if cfg.EvictSpec == "" {
		cfg.EvictSpec = DefaultConfig.EvictSpec
	}
	if cfg.StatsSpec == "" {
		cfg.StatsSpec = DefaultConfig.StatsSpec
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = DefaultConfig.EvictAfter
	}
	return cfg
}

// Run starts the cron runner and blocks until ctx is cancelled and any
// running job has returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("maintenance scheduler started",
		slog.String("refresh", s.cfg.RefreshSpec),
		slog.String("evict", s.cfg.EvictSpec),
		slog.String("stats", s.cfg.StatsSpec),
	)
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) guarded(name string, fn func(context.Context)) {
	ctx := s.ctx
	if s.leader != nil {
		ok, err := s.leader.Acquire(ctx)
		if err != nil {
			s.logger.Error("maintenance lease", slog.String("job", name), slog.String("error", err.Error()))
			return
		}
		if !ok {
			return
		}
	}
	fn(ctx)
}

// RefreshPriorities recomputes deadline-driven priorities.
func (s *Scheduler) RefreshPriorities(_ context.Context) {
	if n := s.target.RefreshPriorities(s.now()); n > 0 {
		s.logger.Info("priorities refreshed", slog.Int("changed", n))
	}
}

// EvictTerminal drops closed cases older than the configured age.
func (s *Scheduler) EvictTerminal(_ context.Context) {
	if n := s.target.EvictTerminal(s.cfg.EvictAfter); n > 0 {
		s.logger.Info("closed cases evicted", slog.Int("evicted", n), slog.Duration("older_than", s.cfg.EvictAfter))
	}
}

// ReportStats refreshes the queue-depth gauge and logs a summary.
func (s *Scheduler) ReportStats(ctx context.Context) {
	st, err := s.target.Stats(ctx)
	if err != nil {
		s.logger.Error("stats", slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("orchestrator stats",
		slog.Int("active", st.Active),
		slog.Int("in_flight", st.InFlight),
		slog.Int64("queued", st.Queued),
	)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) { c.l.Debug("cron: "+msg, kv...) }
func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error("cron: "+msg, append(kv, slog.String("error", err.Error()))...)
}
