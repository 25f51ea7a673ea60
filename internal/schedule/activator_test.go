package schedule_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lbeacon-tracking-server/internal/database"
	"lbeacon-tracking-server/internal/models"
	"lbeacon-tracking-server/internal/schedule"

	"go.uber.org/zap"
)

func newTestActivator(t *testing.T, utcOffsetHours int) (*database.DB, *schedule.Activator) {
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
	return db, schedule.NewActivator(pool, utcOffsetHours, zap.NewNop())
}

func atClock(t *testing.T, a *schedule.Activator, clock string) {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04:05", "2026-03-10 "+clock)
	if err != nil {
		t.Fatalf("parse clock %q: %v", clock, err)
	}
	a.SetClock(func() time.Time { return ts })
}

func isActive(t *testing.T, db *database.DB, table string) bool {
	t.Helper()
	var active int
	if err := db.QueryRow("SELECT is_active FROM " + table + " LIMIT 1").Scan(&active); err != nil {
		t.Fatalf("read is_active from %s: %v", table, err)
	}
	return active == 1
}

func TestReloadDaytimeWindow(t *testing.T) {
	db, activator := newTestActivator(t, 0)
	if _, err := db.Exec(`
		INSERT INTO movement_config (area_id, enable, start_time, end_time)
		VALUES (1, 1, '08:00:00', '18:00:00')
	`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cases := []struct {
		clock string
		want  bool
	}{
		{"07:59:59", false},
		{"08:00:00", true},
		{"12:00:00", true},
		{"17:59:59", true},
		{"18:00:00", false},
	}
	for _, tc := range cases {
		atClock(t, activator, tc.clock)
		if err := activator.Reload(context.Background()); err != nil {
			t.Fatalf("reload at %s: %v", tc.clock, err)
		}
		if got := isActive(t, db, "movement_config"); got != tc.want {
			t.Errorf("at %s: active = %v, want %v", tc.clock, got, tc.want)
		}
	}
}

func TestReloadOvernightWindowWraps(t *testing.T) {
	db, activator := newTestActivator(t, 0)
	if _, err := db.Exec(`
		INSERT INTO geo_fence_config (area_id, enable, start_time, end_time)
		VALUES (1, 1, '22:00:00', '06:00:00')
	`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cases := []struct {
		clock string
		want  bool
	}{
		{"23:00:00", true},
		{"02:00:00", true},
		{"05:59:59", true},
		{"06:00:00", false},
		{"12:00:00", false},
		{"22:00:00", true},
	}
	for _, tc := range cases {
		atClock(t, activator, tc.clock)
		if err := activator.Reload(context.Background()); err != nil {
			t.Fatalf("reload at %s: %v", tc.clock, err)
		}
		if got := isActive(t, db, "geo_fence_config"); got != tc.want {
			t.Errorf("at %s: active = %v, want %v", tc.clock, got, tc.want)
		}
	}
}

func TestReloadDisabledPolicyStaysInactive(t *testing.T) {
	db, activator := newTestActivator(t, 0)
	if _, err := db.Exec(`
		INSERT INTO movement_config (area_id, enable, start_time, end_time, is_active)
		VALUES (1, 0, '00:00:00', '23:59:59', 1)
	`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	atClock(t, activator, "12:00:00")
	if err := activator.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if isActive(t, db, "movement_config") {
		t.Error("disabled policy became active")
	}
}

func TestReloadAppliesUTCOffset(t *testing.T) {
	db, activator := newTestActivator(t, 8)
	if _, err := db.Exec(`
		INSERT INTO movement_config (area_id, enable, start_time, end_time)
		VALUES (1, 1, '08:00:00', '18:00:00')
	`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// 02:00 UTC is 10:00 local at +8.
	atClock(t, activator, "02:00:00")
	if err := activator.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !isActive(t, db, "movement_config") {
		t.Error("policy should be active in local business hours")
	}
}

func TestDumpActiveGeofences(t *testing.T) {
	db, activator := newTestActivator(t, 0)
	seed := []string{
		`INSERT INTO geo_fence_config (area_id, name, perimeters, fences, enable, is_active)
			VALUES (1, 'ward-a', 'p-uuid-1', 'f-uuid-1,f-uuid-2', 1, 1)`,
		`INSERT INTO geo_fence_config (area_id, name, enable, is_active)
			VALUES (2, 'ward-b', 0, 0)`,
	}
	for _, stmt := range seed {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "geofence.dump")
	if err := activator.DumpActiveGeofences(context.Background(), path); err != nil {
		t.Fatalf("dump: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	want := "1;1;ward-a;p-uuid-1;f-uuid-1,f-uuid-2;\n"
	if string(data) != want {
		t.Errorf("dump = %q, want %q", data, want)
	}
}

func TestDumpMonitoredMACs(t *testing.T) {
	db, activator := newTestActivator(t, 0)
	rows := []struct {
		mac     string
		monitor models.MonitorType
	}{
		{"mac-fenced", models.MonitorGeofence},
		{"mac-other", models.MonitorMovement},
	}
	for _, row := range rows {
		if _, err := db.Exec(
			`INSERT INTO object_table (mac_address, area_id, monitor_type) VALUES (?, 1, ?)`,
			row.mac, int(row.monitor),
		); err != nil {
			t.Fatalf("seed %s: %v", row.mac, err)
		}
	}

	path := filepath.Join(t.TempDir(), "macs.dump")
	if err := activator.DumpMonitoredMACs(context.Background(), path); err != nil {
		t.Fatalf("dump: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	want := "1;mac-fenced;\n"
	if string(data) != want {
		t.Errorf("dump = %q, want %q", data, want)
	}
}
