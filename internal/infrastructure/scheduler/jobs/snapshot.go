// Package jobs contains the scheduled jobs of the Koda bot.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/koda-community/koda-bot/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT JOB
// ══════════════════════════════════════════════════════════════════════════════

// Saver is the part of the Facade the job drives.
type Saver interface {
	SaveDB(permanent bool) error
}

// SnapshotJob persists the database on a schedule. The rotating variant
// overwrites one of the rotation slots; the permanent one writes a new
// timestamped file.
type SnapshotJob struct {
	saver     Saver
	permanent bool
	logger    *slog.Logger
}

// NewRotatingSnapshotJob creates the short-interval save job.
func NewRotatingSnapshotJob(saver Saver, log *slog.Logger) *SnapshotJob {
	return newSnapshotJob(saver, false, log)
}

// NewPermanentSnapshotJob creates the long-interval save job.
func NewPermanentSnapshotJob(saver Saver, log *slog.Logger) *SnapshotJob {
	return newSnapshotJob(saver, true, log)
}

func newSnapshotJob(saver Saver, permanent bool, log *slog.Logger) *SnapshotJob {
	if log == nil {
		log = slog.Default()
	}
	return &SnapshotJob{saver: saver, permanent: permanent, logger: log}
}

// Name returns the job name.
func (j *SnapshotJob) Name() string {
	if j.permanent {
		return "snapshot_permanent"
	}
	return "snapshot_rotating"
}

// Description returns a human-readable description.
func (j *SnapshotJob) Description() string {
	if j.permanent {
		return "Writes a permanent timestamped database snapshot"
	}
	return "Writes the database into the next rotation slot"
}

// Run executes the save. The write itself is not cancellable; ctx is only
// checked before starting so a stopping scheduler does not begin new work.
func (j *SnapshotJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	if err := j.saver.SaveDB(j.permanent); err != nil {
		return err
	}

	j.logger.Debug("snapshot job finished",
		logger.Operation(j.Name()),
		logger.Latency(time.Since(start)),
	)
	return nil
}
