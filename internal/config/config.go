package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all tunables for the tracking server, one section per
// component. Values come from a YAML file with environment overrides.
type Config struct {
	Env string `yaml:"env" env:"SERVER_ENV" env-default:"production"`

	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
		Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
	} `yaml:"log"`

	StoragePath string `yaml:"storage_path" env:"STORAGE_PATH" env-default:"data/tracking.db"`

	Pool struct {
		Capacity       int `yaml:"capacity" env:"POOL_CAPACITY" env-default:"8"`
		AcquireRetries int `yaml:"acquire_retries" env:"POOL_ACQUIRE_RETRIES" env-default:"10"`
		RetryWaitMs    int `yaml:"retry_wait_ms" env:"POOL_RETRY_WAIT_MS" env-default:"100"`
	} `yaml:"pool"`

	MQTT struct {
		BrokerURL string `yaml:"broker_url" env:"MQTT_BROKER_URL" env-default:"tcp://localhost:1883"`
		ClientID  string `yaml:"client_id" env:"MQTT_CLIENT_ID" env-default:"tracking-server"`
		FeedTopic string `yaml:"feed_topic" env:"MQTT_FEED_TOPIC" env-default:"server/violations"`
	} `yaml:"mqtt"`

	Ingest struct {
		Workers     int `yaml:"workers" env:"INGEST_WORKERS" env-default:"4"`
		BufferSlots int `yaml:"buffer_slots" env:"INGEST_BUFFER_SLOTS" env-default:"16"`
		BufferSize  int `yaml:"buffer_size" env:"INGEST_BUFFER_SIZE" env-default:"4096"`
	} `yaml:"ingest"`

	Summary struct {
		IntervalSec        int `yaml:"interval_sec" env-default:"10"`
		PreFilterWindowSec int `yaml:"pre_filter_window_sec" env-default:"60"`
		CurrentWindowSec   int `yaml:"current_window_sec" env-default:"30"`
		RSSITolerance      int `yaml:"rssi_tolerance" env-default:"5"`
		BaseToleranceMm    int `yaml:"base_tolerance_mm" env-default:"1000"`
	} `yaml:"summary"`

	Violation struct {
		IntervalSec       int `yaml:"interval_sec" env-default:"10"`
		RecencyWindowSec  int `yaml:"recency_window_sec" env-default:"60"`
		MinGapSec         int `yaml:"min_gap_sec" env-default:"300"`
		MovementWindowMin int `yaml:"movement_window_min" env-default:"20"`
		MovementSlotMin   int `yaml:"movement_slot_min" env-default:"5"`
		MovementRSSIDelta int `yaml:"movement_rssi_delta" env-default:"10"`
		StayDurationMin   int `yaml:"stay_duration_min" env-default:"30"`
		FeedBufferSize    int `yaml:"feed_buffer_size" env-default:"4096"`
	} `yaml:"violation"`

	Schedule struct {
		IntervalSec      int    `yaml:"interval_sec" env-default:"60"`
		UTCOffsetHours   int    `yaml:"utc_offset_hours" env:"UTC_OFFSET_HOURS" env-default:"0"`
		GeofenceDumpPath string `yaml:"geofence_dump_path" env-default:"data/geofence_settings.dump"`
		MACDumpPath      string `yaml:"mac_dump_path" env-default:"data/geofence_objects.dump"`
	} `yaml:"schedule"`

	Maintenance struct {
		IntervalSec    int `yaml:"interval_sec" env-default:"3600"`
		RetentionHours int `yaml:"retention_hours" env-default:"24"`
	} `yaml:"maintenance"`
}

// LoadConfig reads the YAML file at path and applies environment
// overrides.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return &cfg, nil
}
