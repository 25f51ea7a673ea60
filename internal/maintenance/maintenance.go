// Package maintenance compacts the database and removes aged rows on a
// fixed interval so unattended deployments do not grow without bound.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"lbeacon-tracking-server/internal/database"
	"lbeacon-tracking-server/internal/store"

	"go.uber.org/zap"
)

// Config carries the retention settings for one maintenance cycle.
type Config struct {
	Retention time.Duration
}

// Runner deletes expired tracking and notification rows and vacuums
// the database file.
type Runner struct {
	pool   *database.Pool
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewRunner(pool *database.Pool, cfg Config, logger *zap.Logger) *Runner {
	return &Runner{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// Sweep removes rows older than the retention window. Failure on one
// table does not stop the other.
func (r *Runner) Sweep(ctx context.Context) error {
	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer r.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, r.logger)
	cutoff := r.now().Add(-r.cfg.Retention).Unix()

	targets := []struct {
		table  string
		column string
	}{
		{"tracking_table", "final_timestamp"},
		{"notification_table", "violation_timestamp"},
	}

	var firstErr error
	for _, target := range targets {
		affected, err := sess.ExecuteAffected(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s < ?", target.table, target.column), cutoff)
		if err != nil {
			r.logger.Error("Retention sweep failed",
				zap.String("table", target.table),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.logger.Info("Retention sweep completed",
			zap.String("table", target.table),
			zap.Int64("rows_deleted", affected),
		)
	}
	return firstErr
}

// Vacuum compacts the database file.
func (r *Runner) Vacuum(ctx context.Context) error {
	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer r.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, r.logger)
	if err := sess.Execute(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuuming database: %w", err)
	}
	r.logger.Info("Database vacuum completed")
	return nil
}

// Run performs one full maintenance pass.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Sweep(ctx); err != nil {
		return err
	}
	return r.Vacuum(ctx)
}
