package maintenance_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"lbeacon-tracking-server/internal/database"
	"lbeacon-tracking-server/internal/maintenance"

	"go.uber.org/zap"
)

func newTestRunner(t *testing.T, retention time.Duration) (*database.DB, *maintenance.Runner) {
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
	return db, maintenance.NewRunner(pool, maintenance.Config{Retention: retention}, zap.NewNop())
}

func TestSweepDeletesAgedRows(t *testing.T) {
	db, runner := newTestRunner(t, time.Hour)
	now := int64(100000)
	runner.SetClock(func() time.Time { return time.Unix(now, 0) })

	stmts := []struct {
		stmt string
		args []any
	}{
		{`INSERT INTO tracking_table
			(object_mac_address, lbeacon_uuid, rssi, initial_timestamp, final_timestamp)
			VALUES ('mac-old', 'b', -60, ?, ?)`, []any{now - 7200, now - 7200}},
		{`INSERT INTO tracking_table
			(object_mac_address, lbeacon_uuid, rssi, initial_timestamp, final_timestamp)
			VALUES ('mac-new', 'b', -60, ?, ?)`, []any{now - 60, now - 60}},
		{`INSERT INTO notification_table
			(monitor_type, mac_address, violation_timestamp) VALUES (2, 'mac-old', ?)`, []any{now - 7200}},
		{`INSERT INTO notification_table
			(monitor_type, mac_address, violation_timestamp) VALUES (2, 'mac-new', ?)`, []any{now - 60}},
	}
	for _, s := range stmts {
		if _, err := db.Exec(s.stmt, s.args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if err := runner.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	var mac string
	if err := db.QueryRow(`SELECT object_mac_address FROM tracking_table`).Scan(&mac); err != nil {
		t.Fatalf("read tracking rows: %v", err)
	}
	if mac != "mac-new" {
		t.Errorf("surviving tracking row = %q, want mac-new", mac)
	}

	if err := db.QueryRow(`SELECT mac_address FROM notification_table`).Scan(&mac); err != nil {
		t.Fatalf("read notification rows: %v", err)
	}
	if mac != "mac-new" {
		t.Errorf("surviving notification row = %q, want mac-new", mac)
	}
}

func TestVacuum(t *testing.T) {
	_, runner := newTestRunner(t, time.Hour)
	if err := runner.Vacuum(context.Background()); err != nil {
		t.Fatalf("vacuum: %v", err)
	}
}

func TestRun(t *testing.T) {
	_, runner := newTestRunner(t, time.Hour)
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
}
