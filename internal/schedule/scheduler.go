// Package schedule runs the closed-position archive job on a cron cadence.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/avhall/leverbot/internal/domain"
)

// Pruner deletes journal rows whose archive stamp predates the given time.
type Pruner interface {
	PruneArchivedBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArchiveJob executes archive runs on demand or on a cron schedule.
type ArchiveJob struct {
	archiver      domain.Archiver
	pruner        Pruner
	retentionDays int
	pruneDays     int
	logger        *slog.Logger
}

// NewArchiveJob creates an ArchiveJob with the given retention window. A nil
// pruner or a non-positive pruneDays disables journal pruning.
func NewArchiveJob(archiver domain.Archiver, pruner Pruner, retentionDays, pruneDays int, logger *slog.Logger) *ArchiveJob {
	return &ArchiveJob{
		archiver:      archiver,
		pruner:        pruner,
		retentionDays: retentionDays,
		pruneDays:     pruneDays,
		logger:        logger.With(slog.String("component", "archive_job")),
	}
}

// Run executes a single archive run. The cutoff is derived from the
// retention window at call time.
func (j *ArchiveJob) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(j.retentionDays) * 24 * time.Hour)
	j.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", j.retentionDays),
	)

	count, err := j.archiver.ArchiveClosedPositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving positions before %v: %w", cutoff, err)
	}

	j.logger.Info("archive run complete", slog.Int64("positions_archived", count))
	return j.prune(ctx)
}

// prune deletes journal rows archived longer ago than the prune window. It
// runs only after a successful archive pass, so every row it removes already
// has a verified copy in the blob store.
func (j *ArchiveJob) prune(ctx context.Context) error {
	if j.pruner == nil || j.pruneDays <= 0 {
		return nil
	}

	before := time.Now().UTC().Add(-time.Duration(j.pruneDays) * 24 * time.Hour)
	pruned, err := j.pruner.PruneArchivedBefore(ctx, before)
	if err != nil {
		return fmt.Errorf("pruning archived rows before %v: %w", before, err)
	}
	if pruned > 0 {
		j.logger.Info("journal pruned",
			slog.Int64("rows_deleted", pruned),
			slog.Time("before", before),
		)
	}
	return nil
}

// RunCron runs archive passes on a standard 5-field cron expression
// ("minute hour day-of-month month day-of-week") until ctx is cancelled.
//
// Example: "0 3 * * *" runs daily at 03:00 UTC.
func (j *ArchiveJob) RunCron(ctx context.Context, expr string) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}

	j.logger.Info("archive cron started", slog.String("cron", expr))

	for {
		next := sched.Next(time.Now().UTC())
		wait := time.Until(next)
		j.logger.Info("waiting for next archive trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.Info("archive cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
