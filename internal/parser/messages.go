package parser

import (
	"fmt"

	"lbeacon-tracking-server/internal/models"
)

// ParseGatewayRegistration decodes "{count};{ip}"-repeated records into
// the list of gateway addresses joining the server.
func ParseGatewayRegistration(buf []byte) ([]string, error) {
	r := newFieldReader(buf)

	count, err := r.nextInt()
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("gateway count %d: %w", count, ErrFormat)
	}

	ips := make([]string, 0, count)
	for i := 0; i < count; i++ {
		ip, err := r.next()
		if err != nil {
			return nil, err
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

// ParseBeaconRegistration decodes a beacon registration record:
// "{count};{gateway_ip};({uuid};{registered_ts};{lbeacon_ip})*count".
// The embedded gateway ip field is redundant with the transport-level
// sender identity and skipped here.
func ParseBeaconRegistration(buf []byte) (*models.BeaconRegistrationReport, error) {
	r := newFieldReader(buf)

	count, err := r.nextInt()
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("beacon count %d: %w", count, ErrFormat)
	}
	if _, err := r.next(); err != nil { // unused gateway ip
		return nil, err
	}

	report := &models.BeaconRegistrationReport{
		Beacons: make([]models.BeaconRegistration, 0, count),
	}
	for i := 0; i < count; i++ {
		uuid, err := r.next()
		if err != nil {
			return nil, err
		}
		x, y, err := CoordinatesFromUUID(uuid)
		if err != nil {
			return nil, err
		}
		registeredAt, err := r.nextInt()
		if err != nil {
			return nil, err
		}
		ip, err := r.next()
		if err != nil {
			return nil, err
		}
		report.Beacons = append(report.Beacons, models.BeaconRegistration{
			UUID:         uuid,
			RegisteredAt: int64(registeredAt),
			IP:           ip,
			CoordinateX:  x,
			CoordinateY:  y,
		})
	}
	return report, nil
}

// ParseGatewayHealth decodes "{ip};{health_status}". The embedded ip is
// unused: health applies to the reporting gateway, identified by the
// transport.
func ParseGatewayHealth(buf []byte) (int, error) {
	r := newFieldReader(buf)

	if _, err := r.next(); err != nil { // unused ip
		return 0, err
	}
	status, err := r.nextInt()
	if err != nil {
		return 0, err
	}
	return status, nil
}

// ParseBeaconHealth decodes "{uuid};{timestamp};{ip};{health_status}".
func ParseBeaconHealth(buf []byte) (*models.BeaconHealth, error) {
	r := newFieldReader(buf)

	uuid, err := r.next()
	if err != nil {
		return nil, err
	}
	ts, err := r.nextInt()
	if err != nil {
		return nil, err
	}
	ip, err := r.next()
	if err != nil {
		return nil, err
	}
	status, err := r.nextInt()
	if err != nil {
		return nil, err
	}
	return &models.BeaconHealth{
		UUID:      uuid,
		Timestamp: int64(ts),
		IP:        ip,
		Status:    status,
	}, nil
}

// sample group order: mac, initial ts, final ts, rssi, panic, battery.
func (r *fieldReader) readSamples(count int, beaconUUID string) ([]models.TrackingSample, error) {
	samples := make([]models.TrackingSample, 0, count)
	for i := 0; i < count; i++ {
		mac, err := r.next()
		if err != nil {
			return nil, err
		}
		initialTS, err := r.nextInt()
		if err != nil {
			return nil, err
		}
		finalTS, err := r.nextInt()
		if err != nil {
			return nil, err
		}
		rssi, err := r.nextInt()
		if err != nil {
			return nil, err
		}
		panicFlag, err := r.nextInt()
		if err != nil {
			return nil, err
		}
		battery, err := r.nextNumber()
		if err != nil {
			return nil, err
		}
		samples = append(samples, models.TrackingSample{
			TagMAC:         mac,
			BeaconUUID:     beaconUUID,
			RSSI:           rssi,
			InitialTS:      int64(initialTS),
			FinalTS:        int64(finalTS),
			PanicFlag:      panicFlag == 1,
			BatteryVoltage: battery,
		})
	}
	return samples, nil
}

// ParseSamples decodes a bare count-prefixed repeated sample group:
// "{count};({mac};{init_ts};{final_ts};{rssi};{panic};{battery})*count".
func ParseSamples(buf []byte) ([]models.TrackingSample, error) {
	r := newFieldReader(buf)

	count, err := r.nextInt()
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("sample count %d: %w", count, ErrFormat)
	}
	return r.readSamples(count, "")
}

// ParseTrackingReport decodes a full tracking report:
// "{uuid};{lbeacon_ts};{lbeacon_ip}" followed by two typed groups
// (BR/EDR and BLE), each "{type};{count};(sample fields)*count".
func ParseTrackingReport(buf []byte) (*models.TrackingReport, error) {
	r := newFieldReader(buf)

	uuid, err := r.next()
	if err != nil {
		return nil, err
	}
	beaconTS, err := r.nextInt()
	if err != nil {
		return nil, err
	}
	ip, err := r.next()
	if err != nil {
		return nil, err
	}

	report := &models.TrackingReport{
		BeaconUUID:      uuid,
		BeaconTimestamp: int64(beaconTS),
		BeaconIP:        ip,
	}

	const objectTypes = 2
	for t := 0; t < objectTypes; t++ {
		if _, err := r.nextInt(); err != nil { // object type code
			return nil, err
		}
		count, err := r.nextInt()
		if err != nil {
			return nil, err
		}
		if count < 0 {
			return nil, fmt.Errorf("object count %d: %w", count, ErrFormat)
		}
		samples, err := r.readSamples(count, uuid)
		if err != nil {
			return nil, err
		}
		report.Samples = append(report.Samples, samples...)
	}
	return report, nil
}
