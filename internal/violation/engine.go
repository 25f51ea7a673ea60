// Package violation correlates summarized tag state against the
// configured monitor policies, emits de-duplicated violation events,
// and drains them through the caller-facing feed.
package violation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lbeacon-tracking-server/internal/database"
	"lbeacon-tracking-server/internal/models"
	"lbeacon-tracking-server/internal/store"

	"go.uber.org/zap"
)

// Config holds the debounce windows and movement-detection parameters.
type Config struct {
	// RecencyWindow bounds how old a summary violation timestamp may be
	// and still produce an event.
	RecencyWindow time.Duration
	// MinGap is the minimum spacing between events of the same kind for
	// the same (mac, uuid).
	MinGap time.Duration
	// MovementWindow and MovementSlot define the slot bucketing for
	// movement detection; MovementRSSIDelta the per-slot change that
	// counts as observed movement.
	MovementWindow    time.Duration
	MovementSlot      time.Duration
	MovementRSSIDelta int
}

// Engine runs the detection rules and event emission over the shared
// pool.
type Engine struct {
	pool   *database.Pool
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewEngine(pool *database.Pool, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the engine clock; used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// violationColumn maps a monitor type to its summary timestamp field.
func violationColumn(t models.MonitorType) (string, error) {
	switch t {
	case models.MonitorGeofence:
		return "geofence_violation_timestamp", nil
	case models.MonitorPanic:
		return "panic_violation_timestamp", nil
	case models.MonitorMovement:
		return "movement_violation_timestamp", nil
	case models.MonitorLocation:
		return "location_violation_timestamp", nil
	}
	return "", fmt.Errorf("unknown monitor type %d", int(t))
}

// MarkGeofence stamps a geofence breach for one tag, signalled by the
// geofence evaluation front end.
func (e *Engine) MarkGeofence(ctx context.Context, mac string) error {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("mark geofence: %w", err)
	}
	defer e.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, e.logger)
	if err := sess.Execute(ctx, `
		UPDATE object_summary_table
		SET geofence_violation_timestamp = ?
		WHERE mac_address = ?
	`, e.now().Unix(), mac); err != nil {
		return fmt.Errorf("mark geofence for %s: %w", mac, err)
	}
	return nil
}

// DetectRoomViolations stamps tags under an active room policy whose
// current room differs from their expected one.
func (e *Engine) DetectRoomViolations(ctx context.Context) error {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("room detection: %w", err)
	}
	defer e.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, e.logger)
	if err := sess.Execute(ctx, `
		UPDATE object_summary_table
		SET location_violation_timestamp = ?
		WHERE mac_address IN (
			SELECT s.mac_address
			FROM object_summary_table s
			INNER JOIN object_table o ON s.mac_address = o.mac_address
			INNER JOIN lbeacon_table b ON s.uuid = b.uuid
			INNER JOIN location_not_stay_room_config c ON o.area_id = c.area_id
			WHERE c.is_active = 1
			AND o.monitor_type & ? = ?
			AND b.room <> o.room
		)
	`, e.now().Unix(), int(models.MonitorLocation), int(models.MonitorLocation)); err != nil {
		return fmt.Errorf("room violation update: %w", err)
	}
	return nil
}

// DetectLongStay stamps tags dwelling in a flagged danger area longer
// than the policy's configured duration in minutes.
func (e *Engine) DetectLongStay(ctx context.Context) error {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("long-stay detection: %w", err)
	}
	defer e.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, e.logger)
	if err := sess.Execute(ctx, `
		UPDATE object_summary_table
		SET location_violation_timestamp = ?
		WHERE mac_address IN (
			SELECT s.mac_address
			FROM object_summary_table s
			INNER JOIN object_table o ON s.mac_address = o.mac_address
			INNER JOIN lbeacon_table b ON s.uuid = b.uuid
			INNER JOIN location_long_stay_in_danger_config c ON o.area_id = c.area_id
			WHERE c.is_active = 1
			AND o.monitor_type & ? = ?
			AND b.danger_area = 1
			AND (s.last_seen_timestamp - s.first_seen_timestamp) / 60 > c.stay_duration
		)
	`, e.now().Unix(), int(models.MonitorLocation), int(models.MonitorLocation)); err != nil {
		return fmt.Errorf("long-stay violation update: %w", err)
	}
	return nil
}

// DetectMovement buckets each monitored tag's recent samples into fixed
// time slots and takes successive differences between per-slot average
// RSSI. Zero qualifying slot-deltas is the violation condition: an
// abrupt absence of motion raises the alarm, not the motion itself.
func (e *Engine) DetectMovement(ctx context.Context) error {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("movement detection: %w", err)
	}
	defer e.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, e.logger)

	pairs, err := e.monitoredMovementTags(ctx, sess)
	if err != nil {
		return err
	}

	now := e.now().Unix()
	windowCutoff := now - int64(e.cfg.MovementWindow.Seconds())
	slotSec := int64(e.cfg.MovementSlot.Seconds())

	for _, pair := range pairs {
		deltas, err := e.qualifyingSlotDeltas(ctx, sess, pair[0], pair[1], windowCutoff, slotSec)
		if err != nil {
			return err
		}
		if deltas > 0 {
			continue
		}

		if err := sess.Execute(ctx, `
			UPDATE object_summary_table
			SET movement_violation_timestamp = ?
			WHERE mac_address = ?
		`, now, pair[0]); err != nil {
			return fmt.Errorf("movement violation for %s: %w", pair[0], err)
		}
		e.logger.Debug("Movement violation stamped",
			zap.String("mac", pair[0]),
			zap.String("uuid", pair[1]),
		)
	}
	return nil
}

func (e *Engine) monitoredMovementTags(ctx context.Context, sess *store.Session) ([][2]string, error) {
	rows, err := sess.Query(ctx, `
		SELECT s.mac_address, s.uuid
		FROM object_summary_table s
		INNER JOIN object_table o ON s.mac_address = o.mac_address
		INNER JOIN movement_config c ON o.area_id = c.area_id
		WHERE c.is_active = 1
		AND o.monitor_type & ? = ?
		ORDER BY s.mac_address ASC
	`, int(models.MonitorMovement), int(models.MonitorMovement))
	if err != nil {
		return nil, fmt.Errorf("monitored movement tags: %w", err)
	}
	defer rows.Close()

	var pairs [][2]string
	for rows.Next() {
		var mac, uuid string
		if err := rows.Scan(&mac, &uuid); err != nil {
			return nil, fmt.Errorf("scan movement tag: %w", err)
		}
		if uuid == "" {
			continue
		}
		pairs = append(pairs, [2]string{mac, uuid})
	}
	return pairs, rows.Err()
}

// qualifyingSlotDeltas counts consecutive-slot RSSI differences whose
// magnitude exceeds the configured delta in either direction.
func (e *Engine) qualifyingSlotDeltas(
	ctx context.Context,
	sess *store.Session,
	mac, uuid string,
	windowCutoff, slotSec int64,
) (int, error) {
	rows, err := sess.Query(ctx, `
		SELECT (final_timestamp / ?) * ? AS time_slot, AVG(rssi)
		FROM tracking_table
		WHERE final_timestamp > ?
		AND lbeacon_uuid = ?
		AND object_mac_address = ?
		GROUP BY time_slot
		ORDER BY time_slot ASC
	`, slotSec, slotSec, windowCutoff, uuid, mac)
	if err != nil {
		return 0, fmt.Errorf("slot aggregation for %s: %w", mac, err)
	}
	defer rows.Close()

	var avgs []float64
	for rows.Next() {
		var slot int64
		var avg float64
		if err := rows.Scan(&slot, &avg); err != nil {
			return 0, fmt.Errorf("scan slot aggregate: %w", err)
		}
		avgs = append(avgs, avg)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	qualifying := 0
	for i := 1; i < len(avgs); i++ {
		diff := avgs[i] - avgs[i-1]
		if diff > float64(e.cfg.MovementRSSIDelta) || diff < -float64(e.cfg.MovementRSSIDelta) {
			qualifying++
		}
	}
	return qualifying, nil
}

// CollectEvents funnels one monitor type's summary timestamps into the
// notification table. An event is created only when the violation
// timestamp is recent and no event for the same (type, mac, uuid)
// exists within the minimum-gap window.
func (e *Engine) CollectEvents(ctx context.Context, t models.MonitorType) error {
	column, err := violationColumn(t)
	if err != nil {
		return err
	}

	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("collect %s events: %w", t, err)
	}
	defer e.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, e.logger)
	recencyCutoff := e.now().Unix() - int64(e.cfg.RecencyWindow.Seconds())
	minGap := int64(e.cfg.MinGap.Seconds())

	// column is one of four fixed identifiers, never user input.
	stmt := fmt.Sprintf(`
		INSERT INTO notification_table
			(monitor_type, mac_address, uuid, violation_timestamp, processed)
		SELECT ?, s.mac_address, s.uuid, s.%[1]s, 0
		FROM object_summary_table s
		WHERE s.%[1]s IS NOT NULL
		AND s.%[1]s >= ?
		AND NOT EXISTS (
			SELECT 1 FROM notification_table n
			WHERE n.monitor_type = ?
			AND n.mac_address = s.mac_address
			AND n.uuid = s.uuid
			AND s.%[1]s - n.violation_timestamp < ?
		)
	`, column)

	if err := sess.Execute(ctx, stmt, int(t), recencyCutoff, int(t), minGap); err != nil {
		return fmt.Errorf("collect %s events: %w", t, err)
	}
	return nil
}

// DrainFeed delivers unprocessed events as line-oriented
// "id,monitor_type,mac,uuid,violation_ts;" records, size-bounded by
// capacity. Each delivered event is marked processed exactly once and
// never re-delivered.
func (e *Engine) DrainFeed(ctx context.Context, capacity int) (string, error) {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("drain feed: %w", err)
	}
	defer e.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, e.logger)
	rows, err := sess.Query(ctx, `
		SELECT id, monitor_type, mac_address, uuid, violation_timestamp
		FROM notification_table
		WHERE processed != 1
		ORDER BY id ASC
	`)
	if err != nil {
		return "", fmt.Errorf("select unprocessed events: %w", err)
	}

	var buf strings.Builder
	var delivered []int64
	for rows.Next() {
		var ev models.ViolationEvent
		var monitorType int
		if err := rows.Scan(&ev.ID, &monitorType, &ev.MAC, &ev.UUID, &ev.ViolationTimestamp); err != nil {
			rows.Close()
			return "", fmt.Errorf("scan event: %w", err)
		}

		record := fmt.Sprintf("%d,%d,%s,%s,%d;",
			ev.ID, monitorType, ev.MAC, ev.UUID, ev.ViolationTimestamp)
		if buf.Len()+len(record) >= capacity {
			break
		}
		buf.WriteString(record)
		delivered = append(delivered, ev.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return "", err
	}
	rows.Close()

	for _, id := range delivered {
		if err := sess.Execute(ctx,
			`UPDATE notification_table SET processed = 1 WHERE id = ?`, id,
		); err != nil {
			return "", fmt.Errorf("mark event %d processed: %w", id, err)
		}
	}

	if len(delivered) > 0 {
		e.logger.Debug("Violation feed drained", zap.Int("events", len(delivered)))
	}
	return buf.String(), nil
}
