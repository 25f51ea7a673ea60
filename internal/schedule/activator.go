// Package schedule recomputes each monitor policy's active flag from
// its local time-of-day window and writes the geofence dump files.
package schedule

import (
	"context"
	"fmt"
	"os"
	"time"

	"lbeacon-tracking-server/internal/database"
	"lbeacon-tracking-server/internal/models"
	"lbeacon-tracking-server/internal/store"

	"go.uber.org/zap"
)

// policyTables lists every monitor config table the activator manages.
var policyTables = []string{
	"geo_fence_config",
	"location_not_stay_room_config",
	"location_long_stay_in_danger_config",
	"movement_config",
}

// Activator derives is_active for every policy row on each tick.
type Activator struct {
	pool      *database.Pool
	utcOffset int // server local time against UTC, in hours
	logger    *zap.Logger
	now       func() time.Time
}

func NewActivator(pool *database.Pool, utcOffsetHours int, logger *zap.Logger) *Activator {
	return &Activator{
		pool:      pool,
		utcOffset: utcOffsetHours,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the activator clock; used by tests.
func (a *Activator) SetClock(now func() time.Time) {
	a.now = now
}

// localClock formats the server's local time-of-day as an HH:MM:SS
// string comparable lexically against the stored policy windows.
func (a *Activator) localClock() string {
	return a.now().UTC().
		Add(time.Duration(a.utcOffset) * time.Hour).
		Format("15:04:05")
}

// Reload recomputes is_active for every policy table. A policy is
// active iff enabled and the local clock falls inside
// [start_time, end_time); windows with start_time > end_time wrap past
// midnight. Per-table failures are independent: the remaining tables
// are still processed and the first error is reported.
func (a *Activator) Reload(ctx context.Context) error {
	lease, err := a.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("schedule reload: %w", err)
	}
	defer a.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, a.logger)
	clock := a.localClock()

	var firstErr error
	for _, table := range policyTables {
		stmt := fmt.Sprintf(`
			UPDATE %s
			SET is_active = CASE
				WHEN enable = 1 AND start_time < end_time
					AND ? >= start_time AND ? < end_time THEN 1
				WHEN enable = 1 AND start_time > end_time
					AND (? >= start_time OR ? < end_time) THEN 1
				ELSE 0
			END
		`, table)
		if err := sess.Execute(ctx, stmt, clock, clock, clock, clock); err != nil {
			a.logger.Error("Policy reload failed",
				zap.String("table", table),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("reload %s: %w", table, err)
			}
		}
	}

	a.logger.Debug("Monitor schedules reloaded", zap.String("local_time", clock))
	return firstErr
}

// DumpActiveGeofences writes the active geofence configuration to a
// plaintext file, one "area;id;name;perimeters;fences;" line per row.
func (a *Activator) DumpActiveGeofences(ctx context.Context, filename string) error {
	lease, err := a.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("geofence dump: %w", err)
	}
	defer a.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, a.logger)
	rows, err := sess.Query(ctx, `
		SELECT area_id, id, name, perimeters, fences
		FROM geo_fence_config
		WHERE is_active = 1
	`)
	if err != nil {
		return fmt.Errorf("select active geofences: %w", err)
	}
	defer rows.Close()

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to open dump file %s: %w", filename, err)
	}
	defer file.Close()

	for rows.Next() {
		var areaID, id int
		var name, perimeters, fences string
		if err := rows.Scan(&areaID, &id, &name, &perimeters, &fences); err != nil {
			return fmt.Errorf("scan geofence row: %w", err)
		}
		if _, err := fmt.Fprintf(file, "%d;%d;%s;%s;%s;\n",
			areaID, id, name, perimeters, fences); err != nil {
			return fmt.Errorf("write dump file: %w", err)
		}
	}
	return rows.Err()
}

// DumpMonitoredMACs writes the mac addresses under geofence monitoring
// as "area;mac;" lines, ordered by area.
func (a *Activator) DumpMonitoredMACs(ctx context.Context, filename string) error {
	lease, err := a.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("mac dump: %w", err)
	}
	defer a.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, a.logger)
	rows, err := sess.Query(ctx, `
		SELECT area_id, mac_address
		FROM object_table
		WHERE monitor_type & ? = ?
		ORDER BY area_id ASC
	`, int(models.MonitorGeofence), int(models.MonitorGeofence))
	if err != nil {
		return fmt.Errorf("select monitored macs: %w", err)
	}
	defer rows.Close()

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to open dump file %s: %w", filename, err)
	}
	defer file.Close()

	for rows.Next() {
		var areaID int
		var mac string
		if err := rows.Scan(&areaID, &mac); err != nil {
			return fmt.Errorf("scan monitored mac: %w", err)
		}
		if _, err := fmt.Fprintf(file, "%d;%s;\n", areaID, mac); err != nil {
			return fmt.Errorf("write dump file: %w", err)
		}
	}
	return rows.Err()
}
