// Package ingest turns parsed tracking reports into rows of the
// tracking store: a synchronous fast path for panic flags and a staged
// bulk insert for every sample.
package ingest

import (
	"context"
	"fmt"
	"time"

	"lbeacon-tracking-server/internal/database"
	"lbeacon-tracking-server/internal/models"
	"lbeacon-tracking-server/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var trackingColumns = []string{
	"object_mac_address",
	"lbeacon_uuid",
	"rssi",
	"panic_button",
	"battery_voltage",
	"initial_timestamp",
	"final_timestamp",
	"server_time_offset",
}

// staging is the per-report bulk-load buffer. Each report gets its own
// uniquely keyed staging so concurrent workers never collide.
type staging struct {
	key     string
	records [][]any
}

func newStaging() *staging {
	return &staging{key: uuid.NewString()}
}

func (s *staging) append(record []any) {
	s.records = append(s.records, record)
}

func (s *staging) release() {
	s.records = nil
}

// Pipeline persists tracking reports through the shared connection
// pool.
type Pipeline struct {
	pool   *database.Pool
	logger *zap.Logger
	now    func() time.Time
}

// NewPipeline creates a pipeline over the shared pool.
func NewPipeline(pool *database.Pool, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		pool:   pool,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the pipeline clock; used by tests.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// ProcessReport handles one decoded tracking report. Panic-flagged
// samples get an immediate summary update; every sample is staged and
// flushed in a single bulk load. The staging buffer is released whether
// or not the bulk load succeeds, and the pooled session on every path.
func (p *Pipeline) ProcessReport(ctx context.Context, report *models.TrackingReport) error {
	lease, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("tracking ingest: %w", err)
	}
	defer p.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, p.logger)
	stage := newStaging()
	defer stage.release()

	now := p.now().Unix()
	// Gateway/server clock drift, recorded with each sample and used by
	// the summarization windows.
	offset := now - report.BeaconTimestamp

	for _, sample := range report.Samples {
		if sample.PanicFlag {
			if err := p.markPanic(ctx, sess, sample.TagMAC, now); err != nil {
				p.logger.Error("Panic fast path failed",
					zap.String("mac", sample.TagMAC),
					zap.Error(err),
				)
			}
		}

		panicButton := 0
		if sample.PanicFlag {
			panicButton = 1
		}
		stage.append([]any{
			sample.TagMAC,
			report.BeaconUUID,
			sample.RSSI,
			panicButton,
			sample.BatteryVoltage,
			sample.InitialTS,
			sample.FinalTS,
			offset,
		})
	}

	p.logger.Debug("Flushing tracking samples",
		zap.String("staging", stage.key),
		zap.String("lbeacon", report.BeaconUUID),
		zap.Int("samples", len(stage.records)),
	)

	if err := sess.BulkLoad(ctx, "tracking_table", trackingColumns, stage.records); err != nil {
		return fmt.Errorf("tracking bulk load: %w", err)
	}
	return nil
}

// markPanic stamps the panic violation timestamp, gated on the tag's
// monitor bitmask including the panic type.
func (p *Pipeline) markPanic(ctx context.Context, sess *store.Session, mac string, now int64) error {
	return sess.Execute(ctx, `
		UPDATE object_summary_table
		SET panic_violation_timestamp = ?
		WHERE mac_address = ?
		AND mac_address IN (
			SELECT mac_address FROM object_table
			WHERE monitor_type & ? = ?
		)
	`, now, mac, int(models.MonitorPanic), int(models.MonitorPanic))
}
