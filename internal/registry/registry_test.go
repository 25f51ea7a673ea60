package registry_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"lbeacon-tracking-server/internal/database"
	"lbeacon-tracking-server/internal/models"
	"lbeacon-tracking-server/internal/registry"

	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) (*database.DB, *registry.Registry) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	pool, err := database.NewPool(context.Background(), db.DB, 2, 2, 10*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(func() {
		pool.Destroy()
		db.Close()
	})
	return db, registry.New(pool, zap.NewNop())
}

func TestRegisterGatewaysKeepsRegisteredTimestamp(t *testing.T) {
	db, reg := newTestRegistry(t)
	ctx := context.Background()

	reg.SetClock(func() time.Time { return time.Unix(1000, 0) })
	if err := reg.RegisterGateways(ctx, []string{"10.0.0.1", "10.0.0.2"}); err != nil {
		t.Fatalf("first registration: %v", err)
	}

	reg.SetClock(func() time.Time { return time.Unix(2000, 0) })
	if err := reg.RegisterGateways(ctx, []string{"10.0.0.1"}); err != nil {
		t.Fatalf("second registration: %v", err)
	}

	var registered, lastReport int64
	err := db.QueryRow(`
		SELECT registered_timestamp, last_report_timestamp
		FROM gateway_table WHERE ip_address = '10.0.0.1'
	`).Scan(&registered, &lastReport)
	if err != nil {
		t.Fatalf("read gateway: %v", err)
	}
	if registered != 1000 {
		t.Errorf("registered_timestamp = %d, want first-sight 1000", registered)
	}
	if lastReport != 2000 {
		t.Errorf("last_report_timestamp = %d, want refreshed 2000", lastReport)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM gateway_table`).Scan(&count); err != nil {
		t.Fatalf("count gateways: %v", err)
	}
	if count != 2 {
		t.Errorf("got %d gateways, want 2", count)
	}
}

func TestRegisterBeaconsUpsertsCoordinates(t *testing.T) {
	db, reg := newTestRegistry(t)
	ctx := context.Background()
	reg.SetClock(func() time.Time { return time.Unix(1000, 0) })

	report := &models.BeaconRegistrationReport{
		Beacons: []models.BeaconRegistration{
			{UUID: "beacon-1", RegisteredAt: 900, IP: "192.168.1.20", CoordinateX: 100, CoordinateY: 200},
		},
	}
	if err := reg.RegisterBeacons(ctx, "10.0.0.1", report); err != nil {
		t.Fatalf("register: %v", err)
	}

	// The beacon moved to another gateway with updated coordinates.
	report.Beacons[0].CoordinateX = 150
	if err := reg.RegisterBeacons(ctx, "10.0.0.2", report); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	var gatewayIP string
	var x int
	err := db.QueryRow(`
		SELECT gateway_ip_address, coordinate_x FROM lbeacon_table WHERE uuid = 'beacon-1'
	`).Scan(&gatewayIP, &x)
	if err != nil {
		t.Fatalf("read beacon: %v", err)
	}
	if gatewayIP != "10.0.0.2" || x != 150 {
		t.Errorf("beacon = (%q, %d), want re-registered state", gatewayIP, x)
	}
}

func TestUpdateGatewayHealthInsertsUnknown(t *testing.T) {
	db, reg := newTestRegistry(t)
	ctx := context.Background()
	reg.SetClock(func() time.Time { return time.Unix(1000, 0) })

	if err := reg.UpdateGatewayHealth(ctx, "10.0.0.9", models.HealthError); err != nil {
		t.Fatalf("update unknown gateway: %v", err)
	}

	var status int
	if err := db.QueryRow(
		`SELECT health_status FROM gateway_table WHERE ip_address = '10.0.0.9'`,
	).Scan(&status); err != nil {
		t.Fatalf("read gateway: %v", err)
	}
	if status != models.HealthNormal {
		t.Errorf("unknown gateway status = %d, want default %d", status, models.HealthNormal)
	}

	if err := reg.UpdateGatewayHealth(ctx, "10.0.0.9", models.HealthError); err != nil {
		t.Fatalf("update known gateway: %v", err)
	}
	if err := db.QueryRow(
		`SELECT health_status FROM gateway_table WHERE ip_address = '10.0.0.9'`,
	).Scan(&status); err != nil {
		t.Fatalf("re-read gateway: %v", err)
	}
	if status != models.HealthError {
		t.Errorf("known gateway status = %d, want %d", status, models.HealthError)
	}
}

func TestUpdateBeaconHealth(t *testing.T) {
	db, reg := newTestRegistry(t)
	ctx := context.Background()
	reg.SetClock(func() time.Time { return time.Unix(1000, 0) })

	health := &models.BeaconHealth{UUID: "beacon-1", Timestamp: 990, IP: "192.168.1.20", Status: models.HealthError}
	if err := reg.UpdateBeaconHealth(ctx, "10.0.0.1", health); err != nil {
		t.Fatalf("update unknown beacon: %v", err)
	}

	var status int
	var gatewayIP string
	if err := db.QueryRow(
		`SELECT health_status, gateway_ip_address FROM lbeacon_table WHERE uuid = 'beacon-1'`,
	).Scan(&status, &gatewayIP); err != nil {
		t.Fatalf("read beacon: %v", err)
	}
	if status != models.HealthNormal || gatewayIP != "10.0.0.1" {
		t.Errorf("beacon = (%d, %q), want defaults for first sight", status, gatewayIP)
	}

	if err := reg.UpdateBeaconHealth(ctx, "10.0.0.1", health); err != nil {
		t.Fatalf("update known beacon: %v", err)
	}
	if err := db.QueryRow(
		`SELECT health_status FROM lbeacon_table WHERE uuid = 'beacon-1'`,
	).Scan(&status); err != nil {
		t.Fatalf("re-read beacon: %v", err)
	}
	if status != models.HealthError {
		t.Errorf("status = %d, want %d", status, models.HealthError)
	}
}
