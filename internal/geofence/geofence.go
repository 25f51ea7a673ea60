// Package geofence evaluates inbound tracking reports against the
// active fence configurations. Fence state is cached in memory and
// refreshed whenever the schedule activator reloads the policies.
package geofence

import (
	"context"
	"strings"
	"sync"

	"lbeacon-tracking-server/internal/database"
	"lbeacon-tracking-server/internal/models"
	"lbeacon-tracking-server/internal/store"

	"go.uber.org/zap"
)

// Fence is one active geofence: the beacon uuids forming its perimeter
// and fence lines, and the RSSI at which a tag counts as present at a
// fence beacon.
type Fence struct {
	ID            int
	AreaID        int
	Name          string
	Perimeters    map[string]bool
	Fences        map[string]bool
	RSSIThreshold int
}

// Marker stamps a geofence breach for a tag; satisfied by the
// violation engine.
type Marker interface {
	MarkGeofence(ctx context.Context, mac string) error
}

// Engine holds the cached fence configuration and the monitored tag
// set, and marks violations as reports arrive.
type Engine struct {
	pool   *database.Pool
	marker Marker
	logger *zap.Logger

	mu        sync.RWMutex
	fences    []Fence
	monitored map[string]int // mac -> area id
}

func NewEngine(pool *database.Pool, marker Marker, logger *zap.Logger) *Engine {
	return &Engine{
		pool:      pool,
		marker:    marker,
		logger:    logger,
		monitored: make(map[string]int),
	}
}

// parseBeaconList splits a stored comma-separated beacon uuid list.
func parseBeaconList(raw string) map[string]bool {
	set := make(map[string]bool)
	for _, uuid := range strings.Split(raw, ",") {
		uuid = strings.TrimSpace(uuid)
		if uuid != "" {
			set[uuid] = true
		}
	}
	return set
}

// RefreshConfig reloads the active fences and the geofence-monitored
// tag set from the store. Called after each schedule reload.
func (e *Engine) RefreshConfig(ctx context.Context) error {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer e.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, e.logger)

	rows, err := sess.Query(ctx, `
		SELECT id, area_id, name, perimeters, fences, rssi_threshold
		FROM geo_fence_config
		WHERE is_active = 1
	`)
	if err != nil {
		return err
	}
	var fences []Fence
	for rows.Next() {
		var f Fence
		var perimeters, fenceList string
		if err := rows.Scan(&f.ID, &f.AreaID, &f.Name, &perimeters, &fenceList, &f.RSSIThreshold); err != nil {
			rows.Close()
			return err
		}
		f.Perimeters = parseBeaconList(perimeters)
		f.Fences = parseBeaconList(fenceList)
		fences = append(fences, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	macRows, err := sess.Query(ctx, `
		SELECT mac_address, area_id
		FROM object_table
		WHERE monitor_type & ? = ?
	`, int(models.MonitorGeofence), int(models.MonitorGeofence))
	if err != nil {
		return err
	}
	defer macRows.Close()

	monitored := make(map[string]int)
	for macRows.Next() {
		var mac string
		var areaID int
		if err := macRows.Scan(&mac, &areaID); err != nil {
			return err
		}
		monitored[mac] = areaID
	}
	if err := macRows.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	e.fences = fences
	e.monitored = monitored
	e.mu.Unlock()

	e.logger.Debug("Geofence configuration refreshed",
		zap.Int("fences", len(fences)),
		zap.Int("monitored_macs", len(monitored)),
	)
	return nil
}

// EvaluateReport checks whether the reporting beacon belongs to any
// active fence, and marks a breach for every monitored tag in that
// fence's area observed at or above the fence threshold.
func (e *Engine) EvaluateReport(ctx context.Context, report *models.TrackingReport) {
	e.mu.RLock()
	fences := e.fences
	monitored := e.monitored
	e.mu.RUnlock()

	for _, fence := range fences {
		if !fence.Fences[report.BeaconUUID] && !fence.Perimeters[report.BeaconUUID] {
			continue
		}

		for _, sample := range report.Samples {
			if sample.RSSI < fence.RSSIThreshold {
				continue
			}
			areaID, ok := monitored[sample.TagMAC]
			if !ok || areaID != fence.AreaID {
				continue
			}

			if err := e.marker.MarkGeofence(ctx, sample.TagMAC); err != nil {
				e.logger.Error("Geofence mark failed",
					zap.String("mac", sample.TagMAC),
					zap.String("fence", fence.Name),
					zap.Error(err),
				)
				continue
			}
			e.logger.Info("Geofence breach detected",
				zap.String("mac", sample.TagMAC),
				zap.String("fence", fence.Name),
				zap.Int("rssi", sample.RSSI),
			)
		}
	}
}
