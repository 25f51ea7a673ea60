// Package registry upserts gateway and beacon identity, coordinates,
// and health status from their periodic heartbeats. No history is kept:
// first sight inserts, later reports update in place.
package registry

import (
	"context"
	"fmt"
	"time"

	"lbeacon-tracking-server/internal/database"
	"lbeacon-tracking-server/internal/models"
	"lbeacon-tracking-server/internal/store"

	"go.uber.org/zap"
)

type Registry struct {
	pool   *database.Pool
	logger *zap.Logger
	now    func() time.Time
}

func New(pool *database.Pool, logger *zap.Logger) *Registry {
	return &Registry{
		pool:   pool,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the registry clock; used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// RegisterGateways upserts each joining gateway. registered_timestamp
// is set only on first insert; last_report_timestamp always refreshes.
// Failures are independent per gateway: the rest of the batch proceeds.
func (r *Registry) RegisterGateways(ctx context.Context, ips []string) error {
	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("gateway registration: %w", err)
	}
	defer r.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, r.logger)
	now := r.now().Unix()

	for _, ip := range ips {
		if err := sess.Execute(ctx, `
			INSERT INTO gateway_table
				(ip_address, health_status, registered_timestamp, last_report_timestamp)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (ip_address) DO UPDATE SET
				health_status = excluded.health_status,
				last_report_timestamp = excluded.last_report_timestamp
		`, ip, models.HealthNormal, now, now); err != nil {
			r.logger.Error("Gateway upsert failed",
				zap.String("ip", ip),
				zap.Error(err),
			)
			continue
		}
	}
	return nil
}

// RegisterBeacons upserts each beacon reported by a gateway, including
// the coordinates decoded from its uuid.
func (r *Registry) RegisterBeacons(ctx context.Context, gatewayIP string, report *models.BeaconRegistrationReport) error {
	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("beacon registration: %w", err)
	}
	defer r.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, r.logger)
	now := r.now().Unix()

	for _, beacon := range report.Beacons {
		if err := sess.Execute(ctx, `
			INSERT INTO lbeacon_table
				(uuid, ip_address, health_status, gateway_ip_address,
				registered_timestamp, last_report_timestamp,
				coordinate_x, coordinate_y)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (uuid) DO UPDATE SET
				ip_address = excluded.ip_address,
				health_status = excluded.health_status,
				gateway_ip_address = excluded.gateway_ip_address,
				last_report_timestamp = excluded.last_report_timestamp,
				coordinate_x = excluded.coordinate_x,
				coordinate_y = excluded.coordinate_y
		`, beacon.UUID, beacon.IP, models.HealthNormal, gatewayIP,
			beacon.RegisteredAt, now, beacon.CoordinateX, beacon.CoordinateY,
		); err != nil {
			return fmt.Errorf("beacon upsert %s: %w", beacon.UUID, err)
		}
	}

	r.logger.Debug("Beacons registered",
		zap.String("gateway", gatewayIP),
		zap.Int("count", len(report.Beacons)),
	)
	return nil
}

// UpdateGatewayHealth records a gateway heartbeat. An unknown gateway
// is created with default normal status.
func (r *Registry) UpdateGatewayHealth(ctx context.Context, gatewayIP string, status int) error {
	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("gateway health: %w", err)
	}
	defer r.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, r.logger)
	now := r.now().Unix()

	affected, err := sess.ExecuteAffected(ctx, `
		UPDATE gateway_table
		SET health_status = ?, last_report_timestamp = ?
		WHERE ip_address = ?
	`, status, now, gatewayIP)
	if err != nil {
		return fmt.Errorf("gateway health update %s: %w", gatewayIP, err)
	}
	if affected > 0 {
		return nil
	}

	if err := sess.Execute(ctx, `
		INSERT INTO gateway_table
			(ip_address, health_status, registered_timestamp, last_report_timestamp)
		VALUES (?, ?, ?, ?)
	`, gatewayIP, models.HealthNormal, now, now); err != nil {
		return fmt.Errorf("gateway health insert %s: %w", gatewayIP, err)
	}
	return nil
}

// UpdateBeaconHealth records a beacon heartbeat relayed by a gateway.
// An unknown beacon is created with default normal status.
func (r *Registry) UpdateBeaconHealth(ctx context.Context, gatewayIP string, health *models.BeaconHealth) error {
	lease, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("beacon health: %w", err)
	}
	defer r.pool.Release(lease.ID)

	sess := store.NewSession(lease.Conn, r.logger)
	now := r.now().Unix()

	affected, err := sess.ExecuteAffected(ctx, `
		UPDATE lbeacon_table
		SET health_status = ?, last_report_timestamp = ?, gateway_ip_address = ?
		WHERE uuid = ?
	`, health.Status, now, gatewayIP, health.UUID)
	if err != nil {
		return fmt.Errorf("beacon health update %s: %w", health.UUID, err)
	}
	if affected > 0 {
		return nil
	}

	if err := sess.Execute(ctx, `
		INSERT INTO lbeacon_table
			(uuid, ip_address, health_status, gateway_ip_address,
			registered_timestamp, last_report_timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, health.UUID, health.IP, models.HealthNormal, gatewayIP, now, now); err != nil {
		return fmt.Errorf("beacon health insert %s: %w", health.UUID, err)
	}
	return nil
}
