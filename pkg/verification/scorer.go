// Package verification derives a trust score for a provenance record from
// its completeness, age and violation history. Scoring is read-only and
// deterministic given the same record state and clock.
package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/veritrail/core/pkg/provenance"
)

// RecordSource is the slice of the provenance store the scorer reads.
type RecordSource interface {
	Get(ctx context.Context, unitID string) (provenance.Record, error)
}

// EvaluationSource reports historical SLA outcomes per unit. The escrow
// engine implements this.
type EvaluationSource interface {
	NonCompliantCount(unitID string) int
}

// Thresholds tune the deductions.
type Thresholds struct {
	MissingFieldPenalty int // per missing name/sku/manufacturer
	MinHistoryLength    int // below this, opacity penalty applies
	OpacityPenalty      int
	FreshnessWindow     time.Duration // older than this, staleness penalty applies
	StalenessPenalty    int
	ViolationPenalty    int // flat, when any SLA evaluation was non-compliant
}

// DefaultThresholds returns the standard scoring policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MissingFieldPenalty: 15,
		MinHistoryLength:    3,
		OpacityPenalty:      20,
		FreshnessWindow:     90 * 24 * time.Hour,
		StalenessPenalty:    10,
		ViolationPenalty:    25,
	}
}

// Report is the scoring output consumed by the verification surface.
type Report struct {
	Score       int      `json:"score"` // 0..100
	RiskFactors []string `json:"risk_factors"`
}

// Scorer computes trust scores. It holds no mutable state.
type Scorer struct {
	records     RecordSource
	evaluations EvaluationSource
	thresholds  Thresholds
	clock       func() time.Time
}

// NewScorer wires a scorer against its read-only sources.
func NewScorer(records RecordSource, evaluations EvaluationSource, t Thresholds) *Scorer {
	return &Scorer{
		records:     records,
		evaluations: evaluations,
		thresholds:  t,
		clock:       time.Now,
	}
}

// WithClock overrides clock for testing.
func (s *Scorer) WithClock(clock func() time.Time) *Scorer {
	s.clock = clock
	return s
}

// Score starts at 100, subtracts fixed penalties per risk, and clamps to
// [0, 100]. Every deduction adds a named risk factor.
func (s *Scorer) Score(ctx context.Context, unitID string) (Report, error) {
	rec, err := s.records.Get(ctx, unitID)
	if err != nil {
		return Report{}, err
	}

	score := 100
	var risks []string

	deduct := func(points int, risk string) {
		score -= points
		risks = append(risks, risk)
	}

	if rec.Descriptor.Name == "" {
		deduct(s.thresholds.MissingFieldPenalty, "missing product name")
	}
	if rec.Descriptor.SKU == "" {
		deduct(s.thresholds.MissingFieldPenalty, "missing SKU")
	}
	if rec.Descriptor.Manufacturer == "" {
		deduct(s.thresholds.MissingFieldPenalty, "missing manufacturer")
	}

	if len(rec.History) < s.thresholds.MinHistoryLength {
		deduct(s.thresholds.OpacityPenalty, fmt.Sprintf(
			"supply-chain opacity: only %d recorded events", len(rec.History)))
	}

	if age := s.clock().Sub(rec.CreatedAt); age > s.thresholds.FreshnessWindow {
		deduct(s.thresholds.StalenessPenalty, fmt.Sprintf(
			"record is %d days old", int(age.Hours()/24)))
	}

	if s.evaluations != nil {
		if n := s.evaluations.NonCompliantCount(unitID); n > 0 {
			deduct(s.thresholds.ViolationPenalty, fmt.Sprintf(
				"%d non-compliant SLA evaluation(s) on record", n))
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return Report{Score: score, RiskFactors: risks}, nil
}
