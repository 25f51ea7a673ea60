package database

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
	logger *zap.Logger
}

func New(storagePath string, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("sqlite", storagePath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &DB{
		DB:     db,
		logger: logger,
	}

	if err := database.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Database connection established", zap.String("path", storagePath))
	return database, nil
}

func (db *DB) migrate() error {
	migrations := []string{
		// Raw proximity samples, one row per (tag, beacon) observation.
		// Timestamps are epoch seconds; server_time_offset corrects for
		// gateway clock drift.
		`CREATE TABLE IF NOT EXISTS tracking_table (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			object_mac_address TEXT NOT NULL,
			lbeacon_uuid TEXT NOT NULL,
			rssi INTEGER NOT NULL,
			panic_button INTEGER NOT NULL DEFAULT 0,
			battery_voltage INTEGER NOT NULL DEFAULT 0,
			initial_timestamp INTEGER NOT NULL,
			final_timestamp INTEGER NOT NULL,
			server_time_offset INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_mac_uuid_final
			ON tracking_table(object_mac_address, lbeacon_uuid, final_timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_final
			ON tracking_table(final_timestamp)`,
		// Long-lived per-tag state maintained by the summarization engine.
		`CREATE TABLE IF NOT EXISTS object_summary_table (
			mac_address TEXT PRIMARY KEY,
			uuid TEXT NOT NULL DEFAULT '',
			rssi INTEGER NOT NULL DEFAULT 0,
			first_seen_timestamp INTEGER,
			last_seen_timestamp INTEGER,
			battery_voltage INTEGER NOT NULL DEFAULT 0,
			base_x INTEGER,
			base_y INTEGER,
			is_location_updated INTEGER NOT NULL DEFAULT 0,
			geofence_violation_timestamp INTEGER,
			panic_violation_timestamp INTEGER,
			movement_violation_timestamp INTEGER,
			location_violation_timestamp INTEGER
		)`,
		// Provisioned tracked objects with their monitor bitmask.
		`CREATE TABLE IF NOT EXISTS object_table (
			mac_address TEXT PRIMARY KEY,
			area_id INTEGER NOT NULL DEFAULT 0,
			monitor_type INTEGER NOT NULL DEFAULT 0,
			room TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS lbeacon_table (
			uuid TEXT PRIMARY KEY,
			ip_address TEXT NOT NULL DEFAULT '',
			health_status INTEGER NOT NULL DEFAULT 0,
			gateway_ip_address TEXT NOT NULL DEFAULT '',
			registered_timestamp INTEGER,
			last_report_timestamp INTEGER,
			coordinate_x INTEGER NOT NULL DEFAULT 0,
			coordinate_y INTEGER NOT NULL DEFAULT 0,
			room TEXT NOT NULL DEFAULT '',
			danger_area INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_table (
			ip_address TEXT PRIMARY KEY,
			health_status INTEGER NOT NULL DEFAULT 0,
			registered_timestamp INTEGER,
			last_report_timestamp INTEGER
		)`,
		// Debounced violation events awaiting delivery.
		`CREATE TABLE IF NOT EXISTS notification_table (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			monitor_type INTEGER NOT NULL,
			mac_address TEXT NOT NULL,
			uuid TEXT NOT NULL DEFAULT '',
			violation_timestamp INTEGER NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_processed
			ON notification_table(processed, id)`,
		// Monitor policy tables. is_active is derived by the schedule
		// activator; time windows are HH:MM:SS local-time strings.
		`CREATE TABLE IF NOT EXISTS geo_fence_config (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			area_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			perimeters TEXT NOT NULL DEFAULT '',
			fences TEXT NOT NULL DEFAULT '',
			rssi_threshold INTEGER NOT NULL DEFAULT -60,
			enable INTEGER NOT NULL DEFAULT 0,
			start_time TEXT NOT NULL DEFAULT '00:00:00',
			end_time TEXT NOT NULL DEFAULT '23:59:59',
			is_active INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS location_not_stay_room_config (
			area_id INTEGER PRIMARY KEY,
			enable INTEGER NOT NULL DEFAULT 0,
			start_time TEXT NOT NULL DEFAULT '00:00:00',
			end_time TEXT NOT NULL DEFAULT '23:59:59',
			is_active INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS location_long_stay_in_danger_config (
			area_id INTEGER PRIMARY KEY,
			stay_duration INTEGER NOT NULL DEFAULT 0,
			enable INTEGER NOT NULL DEFAULT 0,
			start_time TEXT NOT NULL DEFAULT '00:00:00',
			end_time TEXT NOT NULL DEFAULT '23:59:59',
			is_active INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS movement_config (
			area_id INTEGER PRIMARY KEY,
			enable INTEGER NOT NULL DEFAULT 0,
			start_time TEXT NOT NULL DEFAULT '00:00:00',
			end_time TEXT NOT NULL DEFAULT '23:59:59',
			is_active INTEGER NOT NULL DEFAULT 0
		)`,
		// RSSI-to-weight lookup for the anchor-location pass.
		`CREATE TABLE IF NOT EXISTS rssi_weight_table (
			bottom_rssi INTEGER NOT NULL,
			upper_rssi INTEGER NOT NULL,
			weight INTEGER NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	if err := db.seedWeights(); err != nil {
		return err
	}

	db.logger.Info("Database migrations completed")
	return nil
}

// seedWeights installs the default RSSI weight bands if the table is
// empty. Stronger signal maps to higher weight.
func (db *DB) seedWeights() error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM rssi_weight_table`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count rssi weights: %w", err)
	}
	if count > 0 {
		return nil
	}

	bands := [][3]int{
		{-50, 0, 10},
		{-60, -50, 8},
		{-70, -60, 6},
		{-80, -70, 4},
		{-90, -80, 2},
		{-100, -90, 1},
	}
	for _, b := range bands {
		if _, err := db.Exec(
			`INSERT INTO rssi_weight_table (bottom_rssi, upper_rssi, weight) VALUES (?, ?, ?)`,
			b[0], b[1], b[2],
		); err != nil {
			return fmt.Errorf("failed to seed rssi weights: %w", err)
		}
	}
	return nil
}

func (db *DB) Close() error {
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.logger.Info("Database connection closed")
	return nil
}
