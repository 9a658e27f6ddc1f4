package sla_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritrail/core/pkg/oracle"
	"github.com/veritrail/core/pkg/sla"
)

func f64(v float64) *float64 { return &v }

func dur(d time.Duration) *time.Duration { return &d }

func tempSample(device string, value float64, at int64) oracle.Sample {
	return oracle.Sample{
		Kind: oracle.KindSensor, DeviceID: device,
		SensorType: oracle.SensorTemperature, Value: value,
		ObservedAt: at, Verified: true,
	}
}

func TestEvaluate_EmptyWindowIsCompliant(t *testing.T) {
	verdict := sla.Evaluate(sla.Input{
		Conditions: sla.Conditions{MaxTemperature: f64(8)},
		Now:        time.Now(),
	}, sla.NewFixedUnitPolicy(500))

	assert.True(t, verdict.Compliant)
	assert.Empty(t, verdict.Violations)
	assert.Zero(t, verdict.PenaltyAmount)
}

func TestEvaluate_TemperatureAboveMax(t *testing.T) {
	verdict := sla.Evaluate(sla.Input{
		Conditions: sla.Conditions{MaxTemperature: f64(8)},
		Samples:    []oracle.Sample{tempSample("dev-1", 12, 1700000000)},
		Now:        time.Now(),
	}, sla.NewFixedUnitPolicy(500))

	assert.False(t, verdict.Compliant)
	require.Len(t, verdict.Violations, 1)
	// The violation names both the reading and the bound.
	assert.Contains(t, verdict.Violations[0], "12.00")
	assert.Contains(t, verdict.Violations[0], "8.00")
	assert.Contains(t, verdict.Violations[0], "dev-1")
	assert.Equal(t, int64(500), verdict.PenaltyAmount)
}

func TestEvaluate_WithinBoundsIsCompliant(t *testing.T) {
	verdict := sla.Evaluate(sla.Input{
		Conditions: sla.Conditions{MinTemperature: f64(2), MaxTemperature: f64(8)},
		Samples: []oracle.Sample{
			tempSample("dev-1", 5, 1700000000),
			tempSample("dev-1", 7.9, 1700000060),
		},
		Now: time.Now(),
	}, sla.NewFixedUnitPolicy(500))

	assert.True(t, verdict.Compliant)
}

// TestEvaluate_EnumeratesAllViolations verifies evaluation never stops at
// the first breach.
func TestEvaluate_EnumeratesAllViolations(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(72 * time.Hour)

	verdict := sla.Evaluate(sla.Input{
		Conditions: sla.Conditions{
			MinTemperature:  f64(2),
			MaxTemperature:  f64(8),
			MaxDeliveryTime: dur(48 * time.Hour),
			RequiredLocation: &sla.GeoFence{
				Lat: 53.55, Lon: 9.99, RadiusKm: 50, // Hamburg
			},
		},
		Samples: []oracle.Sample{
			tempSample("dev-1", 12, 1700000000), // above max
			tempSample("dev-1", -1, 1700000060), // below min
			{
				Kind: oracle.KindLocation, ShipmentID: "shp-1",
				Latitude: 48.14, Longitude: 11.58, // Munich, ~600km away
				ObservedAt: 1700000120, Verified: true,
			},
		},
		Now:           now,
		UnitCreatedAt: created,
	}, sla.NewFixedUnitPolicy(500))

	assert.False(t, verdict.Compliant)
	assert.Len(t, verdict.Violations, 4)
	assert.Equal(t, int64(4*500), verdict.PenaltyAmount)
}

func TestEvaluate_GeoFenceInside(t *testing.T) {
	verdict := sla.Evaluate(sla.Input{
		Conditions: sla.Conditions{
			RequiredLocation: &sla.GeoFence{Lat: 53.55, Lon: 9.99, RadiusKm: 50},
		},
		Samples: []oracle.Sample{{
			Kind: oracle.KindLocation, ShipmentID: "shp-1",
			Latitude: 53.46, Longitude: 9.97, // Hamburg-Harburg, well inside
			ObservedAt: 1700000000, Verified: true,
		}},
		Now: time.Now(),
	}, nil)

	assert.True(t, verdict.Compliant)
}

func TestEvaluate_DeliveryTimeBreach(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	verdict := sla.Evaluate(sla.Input{
		Conditions:    sla.Conditions{MaxDeliveryTime: dur(24 * time.Hour)},
		Now:           created.Add(30 * time.Hour),
		UnitCreatedAt: created,
	}, sla.NewFixedUnitPolicy(500))

	assert.False(t, verdict.Compliant)
	require.Len(t, verdict.Violations, 1)
	assert.Contains(t, verdict.Violations[0], "delivery time")
}

func TestHaversineKm(t *testing.T) {
	// Hamburg to Munich is roughly 612km.
	d := sla.HaversineKm(53.55, 9.99, 48.14, 11.58)
	assert.InDelta(t, 612, d, 15)

	assert.Zero(t, sla.HaversineKm(50, 8, 50, 8))
}
