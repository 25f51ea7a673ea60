package models

// MonitorType is a bitmask selecting which violation checks apply to a
// tracked object.
type MonitorType int

const (
	MonitorGeofence MonitorType = 1
	MonitorPanic    MonitorType = 2
	MonitorMovement MonitorType = 4
	MonitorLocation MonitorType = 8
)

// String returns the lowercase name used in logs and feed records.
func (m MonitorType) String() string {
	switch m {
	case MonitorGeofence:
		return "geofence"
	case MonitorPanic:
		return "panic"
	case MonitorMovement:
		return "movement"
	case MonitorLocation:
		return "location"
	}
	return "unknown"
}

// Health status codes stored for gateways and beacons.
const (
	HealthNormal = 0
	HealthError  = 1
)

// TrackingSample is one proximity observation decoded from a tracking
// report. It is created by the parser and never mutated afterwards.
type TrackingSample struct {
	TagMAC         string
	BeaconUUID     string
	RSSI           int
	InitialTS      int64 // epoch seconds
	FinalTS        int64 // epoch seconds
	PanicFlag      bool
	BatteryVoltage int
}

// TrackingReport is one decoded gateway tracking message: the reporting
// beacon's identity plus the samples it observed.
type TrackingReport struct {
	BeaconUUID      string
	BeaconTimestamp int64 // epoch seconds, beacon clock
	BeaconIP        string
	Samples         []TrackingSample
}

// BeaconRegistration is one beacon identity row decoded from a
// registration message. Coordinates are extracted from the uuid.
type BeaconRegistration struct {
	UUID         string
	RegisteredAt int64
	IP           string
	CoordinateX  int
	CoordinateY  int
}

// BeaconRegistrationReport groups the beacons registered in one message.
type BeaconRegistrationReport struct {
	Beacons []BeaconRegistration
}

// BeaconHealth is a decoded beacon health heartbeat.
type BeaconHealth struct {
	UUID      string
	Timestamp int64
	IP        string
	Status    int
}

// TagSummary is the long-lived per-tag row produced by the summarization
// engine. Nullable columns are pointers.
type TagSummary struct {
	MAC               string
	UUID              string
	RSSI              int
	FirstSeen         *int64
	LastSeen          *int64
	BatteryVoltage    int
	BaseX             *int64
	BaseY             *int64
	IsLocationUpdated bool
}

// MonitorPolicy is one row of a monitor config table. IsActive is derived
// by the schedule activator and never hand-edited.
type MonitorPolicy struct {
	AreaID    int
	Enable    bool
	StartTime string // HH:MM:SS
	EndTime   string // HH:MM:SS
	IsActive  bool
}

// ViolationEvent is one debounced notification row. Processed flips
// false to true exactly once when the event is drained through the feed.
type ViolationEvent struct {
	ID                 int64
	MonitorType        MonitorType
	MAC                string
	UUID               string
	ViolationTimestamp int64
	Processed          bool
}
