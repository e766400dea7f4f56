package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/sessiond/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// SchedulerConfig holds the dependencies and cron expressions for the
// maintenance scheduler. An empty expression disables that job.
type SchedulerConfig struct {
	Store   *persistence.Store
	Backups *Backups
	Logger  *slog.Logger

	BackupCron    string        // e.g. "0 3 * * *"
	IntegrityCron string        // e.g. "*/30 * * * *"
	OptimizeCron  string        // e.g. "0 4 * * 0"
	Interval      time.Duration // tick interval; defaults to 1 minute if zero
}

type job struct {
	name    string
	nextRun time.Time
	sched   cronlib.Schedule
	run     func(context.Context)
}

// Scheduler drives periodic integrity checks, backups and optimizer
// runs from cron expressions.
type Scheduler struct {
	store    *persistence.Store
	backups  *Backups
	logger   *slog.Logger
	interval time.Duration
	jobs     []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    cfg.Store,
		backups:  cfg.Backups,
		logger:   logger,
		interval: interval,
	}

	now := time.Now()
	add := func(name, expr string, run func(context.Context)) error {
		if expr == "" {
			return nil
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return err
		}
		s.jobs = append(s.jobs, &job{name: name, sched: sched, nextRun: sched.Next(now), run: run})
		return nil
	}
	if err := add("integrity", cfg.IntegrityCron, s.runIntegrity); err != nil {
		return nil, err
	}
	if err := add("backup", cfg.BackupCron, s.runBackup); err != nil {
		return nil, err
	}
	if err := add("optimize", cfg.OptimizeCron, s.runOptimize); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs), "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, j := range s.jobs {
		if now.Before(j.nextRun) {
			continue
		}
		j.run(ctx)
		j.nextRun = j.sched.Next(now)
		s.logger.Info("maintenance job fired", "job", j.name, "next_run_at", j.nextRun)
	}
}

func (s *Scheduler) runIntegrity(ctx context.Context) {
	health, err := s.store.HealthCheck(ctx)
	if err != nil {
		s.logger.Error("scheduled integrity check failed", "error", err, "detail", health.Detail)
		return
	}
	s.logger.Info("scheduled integrity check passed", "sessions", health.Sessions, "size_bytes", health.SizeBytes)
}

func (s *Scheduler) runBackup(ctx context.Context) {
	info, err := s.backups.Create(ctx)
	if err != nil {
		s.logger.Error("scheduled backup failed", "error", err)
		return
	}
	s.logger.Info("scheduled backup done", "id", info.ID, "size_bytes", info.SizeBytes)
}

func (s *Scheduler) runOptimize(ctx context.Context) {
	if err := s.store.Optimize(ctx); err != nil {
		s.logger.Error("scheduled optimize failed", "error", err)
	}
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
