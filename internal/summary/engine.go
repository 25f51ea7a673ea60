// Package summary implements the windowed RSSI aggregation that
// classifies each tag as stable or moving and estimates its anchor
// location.
package summary

import (
	"context"
	"fmt"
	"math"
	"time"

	"lbeacon-tracking-server/internal/database"
	"lbeacon-tracking-server/internal/store"

	"go.uber.org/zap"
)

// Config holds the summarization windows and tolerances.
type Config struct {
	// PreFilterWindow bounds how far back samples are considered at all.
	PreFilterWindow time.Duration
	// CurrentWindow is the shorter window used for beacon ranking,
	// corrected per sample by the recorded server time offset.
	CurrentWindow time.Duration
	// RSSITolerance is the maximum average-RSSI difference for a tag's
	// assigned beacon to still count as the best one.
	RSSITolerance int
	// BaseTolerance suppresses anchor updates smaller than this many
	// millimeters in both axes.
	BaseTolerance int
}

// Engine runs one summarization cycle per tick over the shared pool.
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

// beaconStat is the per (tag, beacon) aggregate over the observation
// windows.
type beaconStat struct {
	mac        string
	uuid       string
	avgRSSI    int
	minBattery int
	minInitial int64
	maxFinal   int64
}

type summaryRow struct {
	mac       string
	uuid      string
	firstSeen *int64
}

// Summarize runs the strictly ordered passes: reset, stable tags,
// moving tags, anchor locations. The whole cycle holds one pooled
// session, released on every return path.
func (e *Engine) Summarize(ctx context.Context) error {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	defer e.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, e.logger)
	now := e.now().Unix()

	if err := sess.Execute(ctx,
		`UPDATE object_summary_table SET is_location_updated = 0`,
	); err != nil {
		return fmt.Errorf("reset location state: %w", err)
	}

	stats, err := e.windowStats(ctx, sess, now)
	if err != nil {
		return err
	}
	perTag, top := index(stats)

	summaries, err := e.loadSummaries(ctx, sess)
	if err != nil {
		return err
	}

	updated, err := e.updateStableTags(ctx, sess, summaries, perTag, top)
	if err != nil {
		return err
	}
	if err := e.updateMovingTags(ctx, sess, summaries, top, updated); err != nil {
		return err
	}
	if err := e.updateAnchorLocations(ctx, sess, perTag); err != nil {
		return err
	}

	e.logger.Debug("Summarization cycle finished",
		zap.Int("tags_seen", len(perTag)),
		zap.Int("stable", len(updated)),
	)
	return nil
}

// windowStats aggregates tracking samples per (tag, beacon) over the
// pre-filter window, with the current window corrected by each row's
// recorded server time offset. Averages at or below the noise floor
// are discarded.
func (e *Engine) windowStats(ctx context.Context, sess *store.Session, now int64) ([]beaconStat, error) {
	preFilterCutoff := now - int64(e.cfg.PreFilterWindow.Seconds())
	currentCutoff := now - int64(e.cfg.CurrentWindow.Seconds())

	rows, err := sess.Query(ctx, `
		SELECT object_mac_address, lbeacon_uuid,
			CAST(ROUND(AVG(rssi), 0) AS INTEGER) AS avg_rssi,
			MIN(battery_voltage),
			MIN(initial_timestamp),
			MAX(final_timestamp)
		FROM tracking_table
		WHERE final_timestamp > ?
		AND final_timestamp >= ? - server_time_offset
		GROUP BY object_mac_address, lbeacon_uuid
		HAVING AVG(rssi) > -100
	`, preFilterCutoff, currentCutoff)
	if err != nil {
		return nil, fmt.Errorf("window aggregation: %w", err)
	}
	defer rows.Close()

	var stats []beaconStat
	for rows.Next() {
		var s beaconStat
		if err := rows.Scan(&s.mac, &s.uuid, &s.avgRSSI, &s.minBattery, &s.minInitial, &s.maxFinal); err != nil {
			return nil, fmt.Errorf("scan window aggregate: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// index builds the per-tag aggregate map and the top-ranked beacon per
// tag. Ranking is by average RSSI descending with ties broken by
// ascending beacon uuid for determinism.
func index(stats []beaconStat) (map[string]map[string]beaconStat, map[string]beaconStat) {
	perTag := make(map[string]map[string]beaconStat)
	top := make(map[string]beaconStat)

	for _, s := range stats {
		byBeacon, ok := perTag[s.mac]
		if !ok {
			byBeacon = make(map[string]beaconStat)
			perTag[s.mac] = byBeacon
		}
		byBeacon[s.uuid] = s

		best, ok := top[s.mac]
		if !ok || s.avgRSSI > best.avgRSSI ||
			(s.avgRSSI == best.avgRSSI && s.uuid < best.uuid) {
			top[s.mac] = s
		}
	}
	return perTag, top
}

func (e *Engine) loadSummaries(ctx context.Context, sess *store.Session) ([]summaryRow, error) {
	rows, err := sess.Query(ctx,
		`SELECT mac_address, uuid, first_seen_timestamp FROM object_summary_table`,
	)
	if err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	defer rows.Close()

	var summaries []summaryRow
	for rows.Next() {
		var r summaryRow
		if err := rows.Scan(&r.mac, &r.uuid, &r.firstSeen); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		summaries = append(summaries, r)
	}
	return summaries, rows.Err()
}

// updateStableTags refreshes tags whose currently assigned beacon is
// still (within tolerance) the strongest one. first_seen is untouched.
func (e *Engine) updateStableTags(
	ctx context.Context,
	sess *store.Session,
	summaries []summaryRow,
	perTag map[string]map[string]beaconStat,
	top map[string]beaconStat,
) (map[string]bool, error) {
	updated := make(map[string]bool)

	for _, s := range summaries {
		byBeacon, ok := perTag[s.mac]
		if !ok {
			continue
		}
		current, ok := byBeacon[s.uuid]
		if !ok {
			continue
		}
		best, ok := top[s.mac]
		if !ok {
			continue
		}
		if abs(current.avgRSSI-best.avgRSSI) >= e.cfg.RSSITolerance {
			continue
		}

		if err := sess.Execute(ctx, `
			UPDATE object_summary_table
			SET rssi = ?, last_seen_timestamp = ?, battery_voltage = ?,
				is_location_updated = 1
			WHERE mac_address = ?
		`, current.avgRSSI, current.maxFinal, current.minBattery, s.mac); err != nil {
			return nil, fmt.Errorf("stable tag %s: %w", s.mac, err)
		}
		updated[s.mac] = true
	}
	return updated, nil
}

// updateMovingTags reassigns every tag not marked stable to its
// top-ranked beacon. first_seen resets to the window's earliest sample
// only when previously unset or when the assigned beacon changed.
func (e *Engine) updateMovingTags(
	ctx context.Context,
	sess *store.Session,
	summaries []summaryRow,
	top map[string]beaconStat,
	updated map[string]bool,
) error {
	for _, s := range summaries {
		if updated[s.mac] {
			continue
		}
		best, ok := top[s.mac]
		if !ok {
			// No samples in any window this tick: state untouched.
			continue
		}

		firstSeen := s.firstSeen
		if firstSeen == nil || s.uuid != best.uuid {
			initial := best.minInitial
			firstSeen = &initial
		}

		if err := sess.Execute(ctx, `
			UPDATE object_summary_table
			SET uuid = ?, rssi = ?, battery_voltage = ?,
				last_seen_timestamp = ?, first_seen_timestamp = ?,
				is_location_updated = 1
			WHERE mac_address = ?
		`, best.uuid, best.avgRSSI, best.minBattery, best.maxFinal, *firstSeen, s.mac); err != nil {
			return fmt.Errorf("moving tag %s: %w", s.mac, err)
		}
	}
	return nil
}

// updateAnchorLocations computes each tag's weighted spatial anchor
// from the contributing beacons' coordinates. Small jitter below the
// configured tolerance in both axes leaves the stored anchor alone.
func (e *Engine) updateAnchorLocations(
	ctx context.Context,
	sess *store.Session,
	perTag map[string]map[string]beaconStat,
) error {
	if len(perTag) == 0 {
		return nil
	}

	weights, err := e.loadWeights(ctx, sess)
	if err != nil {
		return err
	}
	coords, err := e.loadCoordinates(ctx, sess)
	if err != nil {
		return err
	}

	for mac, byBeacon := range perTag {
		var weightSum, xSum, ySum float64
		for uuid, stat := range byBeacon {
			c, ok := coords[uuid]
			if !ok {
				continue
			}
			w := weights.lookup(stat.avgRSSI)
			if w == 0 {
				continue
			}
			weightSum += float64(w)
			xSum += float64(c[0]) * float64(w)
			ySum += float64(c[1]) * float64(w)
		}
		if weightSum == 0 {
			continue
		}

		baseX := int64(math.Round(xSum / weightSum))
		baseY := int64(math.Round(ySum / weightSum))

		if err := sess.Execute(ctx, `
			UPDATE object_summary_table
			SET base_x = ?, base_y = ?
			WHERE mac_address = ?
			AND (base_x IS NULL OR base_y IS NULL
				OR ABS(base_x - ?) >= ? OR ABS(base_y - ?) >= ?)
		`, baseX, baseY, mac, baseX, e.cfg.BaseTolerance, baseY, e.cfg.BaseTolerance); err != nil {
			return fmt.Errorf("anchor for %s: %w", mac, err)
		}
	}
	return nil
}

type weightBand struct {
	bottom, upper, weight int
}

type weightTable []weightBand

// lookup returns the configured weight for an average RSSI, zero when
// no band matches.
func (t weightTable) lookup(rssi int) int {
	for _, b := range t {
		if rssi >= b.bottom && rssi < b.upper {
			return b.weight
		}
	}
	return 0
}

func (e *Engine) loadWeights(ctx context.Context, sess *store.Session) (weightTable, error) {
	rows, err := sess.Query(ctx,
		`SELECT bottom_rssi, upper_rssi, weight FROM rssi_weight_table`,
	)
	if err != nil {
		return nil, fmt.Errorf("load rssi weights: %w", err)
	}
	defer rows.Close()

	var table weightTable
	for rows.Next() {
		var b weightBand
		if err := rows.Scan(&b.bottom, &b.upper, &b.weight); err != nil {
			return nil, fmt.Errorf("scan rssi weight: %w", err)
		}
		table = append(table, b)
	}
	return table, rows.Err()
}

func (e *Engine) loadCoordinates(ctx context.Context, sess *store.Session) (map[string][2]int, error) {
	rows, err := sess.Query(ctx,
		`SELECT uuid, coordinate_x, coordinate_y FROM lbeacon_table`,
	)
	if err != nil {
		return nil, fmt.Errorf("load beacon coordinates: %w", err)
	}
	defer rows.Close()

	coords := make(map[string][2]int)
	for rows.Next() {
		var uuid string
		var x, y int
		if err := rows.Scan(&uuid, &x, &y); err != nil {
			return nil, fmt.Errorf("scan beacon coordinates: %w", err)
		}
		coords[uuid] = [2]int{x, y}
	}
	return coords, rows.Err()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
