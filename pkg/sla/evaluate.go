// Package sla evaluates delivery conditions against verified oracle
// sample windows. Evaluate is a pure function: identical inputs produce
// identical verdicts, with no hidden clock dependency.
package sla

import (
	"fmt"
	"math"
	"time"

	"github.com/veritrail/core/pkg/oracle"
)

// GeoFence is a required-location condition: within RadiusKm of the point.
type GeoFence struct {
	Lat      float64 `json:"lat" yaml:"lat"`
	Lon      float64 `json:"lon" yaml:"lon"`
	RadiusKm float64 `json:"radius_km" yaml:"radius_km"`
}

// Conditions is the SLA attached to an escrow. Any subset may be present;
// absent conditions are never evaluated.
type Conditions struct {
	MinTemperature   *float64       `json:"min_temperature,omitempty" yaml:"min_temperature,omitempty"`
	MaxTemperature   *float64       `json:"max_temperature,omitempty" yaml:"max_temperature,omitempty"`
	MaxDeliveryTime  *time.Duration `json:"max_delivery_time,omitempty" yaml:"max_delivery_time,omitempty"`
	RequiredLocation *GeoFence      `json:"required_location,omitempty" yaml:"required_location,omitempty"`
}

// Verdict is the output of one evaluation. Produced fresh on every call;
// cached only at escrow settlement.
type Verdict struct {
	Compliant     bool     `json:"compliant"`
	Violations    []string `json:"violations"`
	PenaltyAmount int64    `json:"penalty_amount,omitempty"`
}

// Input carries everything Evaluate depends on. The clock is explicit so
// determinism is checkable.
type Input struct {
	Conditions    Conditions
	Samples       []oracle.Sample
	Now           time.Time
	UnitCreatedAt time.Time
}

// Evaluate reconciles a verified sample window against the conditions and
// enumerates every violation; it never stops at the first. An empty window
// yields compliance: absence of evidence of breach is treated as compliant,
// not as unknown.
func Evaluate(in Input, policy PenaltyPolicy) Verdict {
	var violations []string

	for _, s := range in.Samples {
		if s.Kind != oracle.KindSensor || s.SensorType != oracle.SensorTemperature {
			continue
		}
		if in.Conditions.MinTemperature != nil && s.Value < *in.Conditions.MinTemperature {
			violations = append(violations, fmt.Sprintf(
				"temperature %.2f below minimum %.2f (device %s at %d)",
				s.Value, *in.Conditions.MinTemperature, s.DeviceID, s.ObservedAt))
		}
		if in.Conditions.MaxTemperature != nil && s.Value > *in.Conditions.MaxTemperature {
			violations = append(violations, fmt.Sprintf(
				"temperature %.2f above maximum %.2f (device %s at %d)",
				s.Value, *in.Conditions.MaxTemperature, s.DeviceID, s.ObservedAt))
		}
	}

	if fence := in.Conditions.RequiredLocation; fence != nil {
		for _, s := range in.Samples {
			if s.Kind != oracle.KindLocation {
				continue
			}
			dist := HaversineKm(s.Latitude, s.Longitude, fence.Lat, fence.Lon)
			if dist > fence.RadiusKm {
				violations = append(violations, fmt.Sprintf(
					"location %.1fkm from required point, radius %.1fkm (shipment %s at %d)",
					dist, fence.RadiusKm, s.ShipmentID, s.ObservedAt))
			}
		}
	}

	if in.Conditions.MaxDeliveryTime != nil {
		elapsed := in.Now.Sub(in.UnitCreatedAt)
		if elapsed > *in.Conditions.MaxDeliveryTime {
			violations = append(violations, fmt.Sprintf(
				"delivery time %s exceeds maximum %s", elapsed.Truncate(time.Second), *in.Conditions.MaxDeliveryTime))
		}
	}

	verdict := Verdict{
		Compliant:  len(violations) == 0,
		Violations: violations,
	}
	if !verdict.Compliant && policy != nil {
		verdict.PenaltyAmount = policy.Penalty(verdict.Violations, in.Conditions)
	}
	return verdict
}

const earthRadiusKm = 6371.0

// HaversineKm computes the great-circle distance between two coordinates.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	la1 := lat1 * math.Pi / 180
	la2 := lat2 * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(la1)*math.Cos(la2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
