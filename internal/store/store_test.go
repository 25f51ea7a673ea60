package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"lbeacon-tracking-server/internal/database"
	"lbeacon-tracking-server/internal/store"

	"go.uber.org/zap"
)

func newTestSession(t *testing.T) (*store.Session, *database.DB) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	pool, err := database.NewPool(context.Background(), db.DB, 1, 2, 10*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() {
		pool.Release(lease.ID)
		pool.Destroy()
		db.Close()
	})
	return store.NewSession(lease.Conn, zap.NewNop()), db
}

func TestBulkLoad(t *testing.T) {
	sess, db := newTestSession(t)
	ctx := context.Background()

	columns := []string{
		"object_mac_address", "lbeacon_uuid", "rssi",
		"initial_timestamp", "final_timestamp",
	}
	records := [][]any{
		{"AA:BB:CC:DD:EE:01", "uuid-1", -60, 100, 200},
		{"AA:BB:CC:DD:EE:02", "uuid-1", -70, 110, 210},
		{"AA:BB:CC:DD:EE:03", "uuid-2", -80, 120, 220},
	}
	if err := sess.BulkLoad(ctx, "tracking_table", columns, records); err != nil {
		t.Fatalf("bulk load: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM tracking_table`).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 3 {
		t.Errorf("got %d rows, want 3", count)
	}
}

func TestBulkLoadEmpty(t *testing.T) {
	sess, _ := newTestSession(t)
	if err := sess.BulkLoad(context.Background(), "tracking_table", []string{"rssi"}, nil); err != nil {
		t.Fatalf("empty bulk load should be a no-op, got %v", err)
	}
}

func TestBulkLoadRollsBackOnFailure(t *testing.T) {
	sess, db := newTestSession(t)
	ctx := context.Background()

	records := [][]any{
		{"AA:BB:CC:DD:EE:01", 1},
		{"AA:BB:CC:DD:EE:01", 2}, // duplicate primary key
	}
	err := sess.BulkLoad(ctx, "object_table", []string{"mac_address", "area_id"}, records)
	if err == nil {
		t.Fatal("expected constraint failure")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM object_table`).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 0 {
		t.Errorf("got %d rows after failed load, want 0", count)
	}
}

func TestExecuteAffected(t *testing.T) {
	sess, _ := newTestSession(t)
	ctx := context.Background()

	for _, mac := range []string{"m1", "m2"} {
		if err := sess.Execute(ctx,
			`INSERT INTO object_table (mac_address, area_id) VALUES (?, 1)`, mac,
		); err != nil {
			t.Fatalf("insert %s: %v", mac, err)
		}
	}

	affected, err := sess.ExecuteAffected(ctx,
		`UPDATE object_table SET area_id = 2 WHERE area_id = 1`)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if affected != 2 {
		t.Errorf("affected = %d, want 2", affected)
	}
}

func TestEscapeLiteral(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain", "'plain'"},
		{"O'Brien", "'O''Brien'"},
		{"'; DROP TABLE tracking_table; --", "'''; DROP TABLE tracking_table; --'"},
		{"", "''"},
	}
	for _, tc := range cases {
		if got := store.EscapeLiteral(tc.in); got != tc.want {
			t.Errorf("EscapeLiteral(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
