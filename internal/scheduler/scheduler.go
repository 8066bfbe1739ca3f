package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ubuygold/ocgateway/internal/config"
	"github.com/ubuygold/ocgateway/internal/db"
)

// Scheduler runs the gateway's periodic maintenance.
type Scheduler struct {
	db            db.Service
	c             *cron.Cron
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// NewScheduler prunes usage records older than retentionDays once a day at 00:00 UTC.
// A retention of zero disables pruning. Shorter non-zero retentions are raised to
// config.MinRetentionDays so monthly quota totals never lose records.
func NewScheduler(db db.Service, retentionDays int, logger *slog.Logger) *Scheduler {
	if retentionDays > 0 && retentionDays < config.MinRetentionDays {
		retentionDays = config.MinRetentionDays
	}
	return &Scheduler{
		db:            db,
		c:             cron.New(cron.WithLocation(time.UTC)),
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.With("component", "scheduler"),
	}
}

func (s *Scheduler) Start() error {
	if s.retentionDays == 0 {
		s.logger.Info("Usage retention disabled, not scheduling prune job")
		return nil
	}
	if _, err := s.c.AddFunc("@daily", s.runPrune); err != nil {
		return fmt.Errorf("error scheduling daily job: %w", err)
	}
	s.c.Start()
	s.logger.Info("Scheduler started", "usage_retention_days", s.retentionDays)
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

func (s *Scheduler) runPrune() {
	if _, err := s.PruneUsage(); err != nil {
		s.logger.Error("Error pruning usage records", "error", err)
	}
}

// PruneUsage deletes usage records dated before the retention cutoff and returns how
// many rows were removed.
func (s *Scheduler) PruneUsage() (int64, error) {
	if s.retentionDays == 0 {
		return 0, nil
	}
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	cutoff := today.AddDate(0, 0, -s.retentionDays)

	s.logger.Info("Running daily job: pruning usage records", "before", cutoff.Format(time.DateOnly))
	removed, err := s.db.PruneUsageBefore(cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Usage records pruned", "removed", removed)
	return removed, nil
}
