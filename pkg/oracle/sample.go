// Package oracle ingests externally-reported sensor and location samples.
// Submission and verification are deliberately separate steps: a sample
// influences no SLA verdict until it has been independently anchored, and a
// sample that fails verification is excluded permanently (fail-closed).
package oracle

import (
	"errors"
	"fmt"

	"github.com/veritrail/core/pkg/anchor"
)

// ErrSampleRejected is returned for out-of-tolerance, out-of-range,
// duplicate or over-rate submissions. Never silently dropped.
var ErrSampleRejected = errors.New("oracle: sample rejected")

// SampleKind tags the two sample variants.
type SampleKind string

const (
	KindSensor   SampleKind = "sensor"
	KindLocation SampleKind = "location"
)

// SensorType enumerates supported sensors.
type SensorType string

const (
	SensorTemperature SensorType = "temperature"
	SensorHumidity    SensorType = "humidity"
	SensorPressure    SensorType = "pressure"
	SensorVibration   SensorType = "vibration"
	SensorLight       SensorType = "light"
)

// physicalRange bounds plausible readings per sensor type. Submissions
// outside the range are rejected, not clamped.
var physicalRange = map[SensorType][2]float64{
	SensorTemperature: {-80, 150},   // °C
	SensorHumidity:    {0, 100},     // %RH
	SensorPressure:    {100, 1200},  // hPa
	SensorVibration:   {0, 500},     // m/s²
	SensorLight:       {0, 200_000}, // lux
}

// Sample is one externally reported reading. Sensor samples carry DeviceID,
// SensorType, Value and Unit; location samples carry ShipmentID and
// coordinates. ObservedAt is Unix seconds as reported by the source.
type Sample struct {
	ID   string     `json:"id"`
	Kind SampleKind `json:"kind"`

	DeviceID   string     `json:"device_id,omitempty"`
	SensorType SensorType `json:"sensor_type,omitempty"`
	Value      float64    `json:"value,omitempty"`
	Unit       string     `json:"unit,omitempty"`

	ShipmentID string  `json:"shipment_id,omitempty"`
	Latitude   float64 `json:"latitude,omitempty"`
	Longitude  float64 `json:"longitude,omitempty"`

	ObservedAt int64           `json:"observed_at"`
	Verified   bool            `json:"verified"`
	ProofRef   anchor.ProofRef `json:"proof_ref,omitempty"`
}

// Source returns the reporting key the sample is deduplicated and
// window-bounded by: device id for sensor samples, shipment id otherwise.
func (s Sample) Source() string {
	if s.Kind == KindSensor {
		return s.DeviceID
	}
	return s.ShipmentID
}

// validate checks structural and physical-range constraints.
func (s Sample) validate() error {
	switch s.Kind {
	case KindSensor:
		if s.DeviceID == "" {
			return fmt.Errorf("%w: sensor sample missing device_id", ErrSampleRejected)
		}
		bounds, ok := physicalRange[s.SensorType]
		if !ok {
			return fmt.Errorf("%w: unknown sensor type %q", ErrSampleRejected, s.SensorType)
		}
		if s.Value < bounds[0] || s.Value > bounds[1] {
			return fmt.Errorf("%w: %s value %.2f outside physical range [%.0f, %.0f]",
				ErrSampleRejected, s.SensorType, s.Value, bounds[0], bounds[1])
		}
	case KindLocation:
		if s.ShipmentID == "" {
			return fmt.Errorf("%w: location sample missing shipment_id", ErrSampleRejected)
		}
		if s.Latitude < -90 || s.Latitude > 90 {
			return fmt.Errorf("%w: latitude %.4f out of range", ErrSampleRejected, s.Latitude)
		}
		if s.Longitude < -180 || s.Longitude > 180 {
			return fmt.Errorf("%w: longitude %.4f out of range", ErrSampleRejected, s.Longitude)
		}
	default:
		return fmt.Errorf("%w: unknown sample kind %q", ErrSampleRejected, s.Kind)
	}
	if s.ObservedAt <= 0 {
		return fmt.Errorf("%w: missing observed_at", ErrSampleRejected)
	}
	return nil
}
