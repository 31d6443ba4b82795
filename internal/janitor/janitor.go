// Package janitor runs the gateway's periodic housekeeping on a gocron
// scheduler: message retention and the watcher gauge.
package janitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"chatgate/internal/metrics"
	"chatgate/internal/watcher"
)

// Purger removes messages received before a cutoff.
type Purger interface {
	PurgeMessagesBefore(ctx context.Context, before time.Time) (int64, error)
}

// StatsSource reports live watcher counts.
type StatsSource interface {
	Stats() watcher.Stats
}

type Config struct {
	Purger        Purger
	Watchers      StatsSource // optional
	Schedule      string      // cron expression for retention, e.g. "0 3 * * *"
	RetentionDays int
	StatsInterval time.Duration // default: 1m
	Logger        *slog.Logger
	Now           func() time.Time
}

type Janitor struct {
	cfg       Config
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

func New(cfg Config) (*Janitor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RetentionDays < 1 {
		return nil, fmt.Errorf("retention days must be positive, got %d", cfg.RetentionDays)
	}
	logger := cfg.Logger.With("component", "janitor")

	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(schedulerLogger{logger}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	j := &Janitor{cfg: cfg, scheduler: s, logger: logger}

	if _, err := s.NewJob(
		gocron.CronJob(cfg.Schedule, false),
		gocron.NewTask(j.purge),
		gocron.WithName("retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		s.Shutdown()
		return nil, fmt.Errorf("failed to schedule retention %q: %w", cfg.Schedule, err)
	}

	if cfg.Watchers != nil {
		if _, err := s.NewJob(
			gocron.DurationJob(cfg.StatsInterval),
			gocron.NewTask(j.recordWatchers),
			gocron.WithName("watcher-stats"),
		); err != nil {
			s.Shutdown()
			return nil, fmt.Errorf("failed to schedule watcher stats: %w", err)
		}
	}
	return j, nil
}

// Start begins running jobs in the background.
func (j *Janitor) Start() {
	j.scheduler.Start()
	j.logger.Info("janitor started", "schedule", j.cfg.Schedule, "retention_days", j.cfg.RetentionDays)
}

// Stop waits for running jobs and shuts the scheduler down.
func (j *Janitor) Stop() error {
	if err := j.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

// Purge deletes messages older than the retention window and returns how
// many were removed.
func (j *Janitor) Purge(ctx context.Context) (int64, error) {
	cutoff := j.cfg.Now().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour)
	n, err := j.cfg.Purger.PurgeMessagesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge messages before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	metrics.Purged.Add(n)
	j.logger.Info("messages purged", "count", n, "before", cutoff.Format(time.RFC3339))
	return n, nil
}

func (j *Janitor) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if _, err := j.Purge(ctx); err != nil {
		j.logger.Error("retention job failed", "err", err)
	}
}

func (j *Janitor) recordWatchers() {
	metrics.Watchers.Set(int64(j.cfg.Watchers.Stats().Watchers))
}

// schedulerLogger adapts slog to gocron.Logger.
type schedulerLogger struct {
	l *slog.Logger
}

func (s schedulerLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s schedulerLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s schedulerLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s schedulerLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }
