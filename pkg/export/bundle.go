package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veritrail/core/pkg/anchor"
	"github.com/veritrail/core/pkg/ledger"
	"github.com/veritrail/core/pkg/provenance"
	"github.com/veritrail/core/pkg/verification"
)

// BundleVersion is the current bundle schema version.
const BundleVersion = "1.0"

// Bundle is an exported, self-verifying snapshot of one unit: its full
// record, trust score and recent activity, sealed by a content hash.
type Bundle struct {
	Version     string              `json:"version"`
	UnitID      string              `json:"unit_id"`
	ExportedAt  time.Time           `json:"exported_at"`
	Record      provenance.Record   `json:"record"`
	Score       verification.Report `json:"score"`
	Activity    []ledger.Entry      `json:"activity,omitempty"`
	ContentHash string              `json:"content_hash"`
}

// RecordSource is the slice of the provenance store the exporter reads.
type RecordSource interface {
	Get(ctx context.Context, unitID string) (provenance.Record, error)
}

// Scorer produces the trust score embedded in the bundle.
type Scorer interface {
	Score(ctx context.Context, unitID string) (verification.Report, error)
}

// Exporter builds and stores bundles.
type Exporter struct {
	records RecordSource
	scorer  Scorer
	mirror  *ledger.Mirror
	store   Store
}

// NewExporter wires an exporter.
func NewExporter(records RecordSource, scorer Scorer, mirror *ledger.Mirror, store Store) *Exporter {
	return &Exporter{records: records, scorer: scorer, mirror: mirror, store: store}
}

// Export builds the bundle for a unit and persists it. Returns the
// content hash, which is also the storage key.
func (e *Exporter) Export(ctx context.Context, unitID string) (string, error) {
	rec, err := e.records.Get(ctx, unitID)
	if err != nil {
		return "", err
	}
	score, err := e.scorer.Score(ctx, unitID)
	if err != nil {
		return "", err
	}

	b := Bundle{
		Version:    BundleVersion,
		UnitID:     unitID,
		ExportedAt: time.Now().UTC(),
		Record:     rec,
		Score:      score,
	}
	if e.mirror != nil {
		b.Activity = e.mirror.Recent(50)
	}

	hash, err := anchor.HashPayload(b)
	if err != nil {
		return "", fmt.Errorf("export: hash bundle: %w", err)
	}
	b.ContentHash = hash

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("export: marshal bundle: %w", err)
	}
	if _, err := e.store.Store(ctx, data); err != nil {
		return "", fmt.Errorf("export: store bundle: %w", err)
	}
	return hash, nil
}

// VerifyReport is the structured output of offline verification. Every
// field is meant for auditor consumption.
type VerifyReport struct {
	UnitID     string        `json:"unit_id"`
	Verified   bool          `json:"verified"`
	Timestamp  time.Time     `json:"timestamp"`
	Checks     []CheckResult `json:"checks"`
	IssueCount int           `json:"issue_count"`
}

// CheckResult represents a single verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

func (r *VerifyReport) addCheck(c CheckResult) {
	r.Checks = append(r.Checks, c)
	if !c.Pass {
		r.Verified = false
		r.IssueCount++
	}
}

// VerifyBundle performs offline verification of a serialized bundle: no
// network, no server, only crypto and the bundle format.
func VerifyBundle(data []byte) (*VerifyReport, error) {
	report := &VerifyReport{Verified: true, Timestamp: time.Now().UTC()}

	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("export: parse bundle: %w", err)
	}
	report.UnitID = b.UnitID

	report.addCheck(checkVersion(b))
	report.addCheck(checkContentHash(b))
	report.addCheck(checkHistoryOrder(b))
	report.addCheck(checkScoreRange(b))
	return report, nil
}

func checkVersion(b Bundle) CheckResult {
	c := CheckResult{Name: "bundle_version", Pass: b.Version == BundleVersion}
	if !c.Pass {
		c.Reason = fmt.Sprintf("unsupported version %q", b.Version)
	}
	return c
}

func checkContentHash(b Bundle) CheckResult {
	claimed := b.ContentHash
	b.ContentHash = ""
	computed, err := anchor.HashPayload(b)
	if err != nil {
		return CheckResult{Name: "content_hash", Pass: false, Reason: err.Error()}
	}
	c := CheckResult{Name: "content_hash", Pass: computed == claimed}
	if !c.Pass {
		c.Reason = fmt.Sprintf("hash mismatch: claimed %s, computed %s", claimed, computed)
	}
	return c
}

func checkHistoryOrder(b Bundle) CheckResult {
	for i := 1; i < len(b.Record.History); i++ {
		if b.Record.History[i].OccurredAt.Before(b.Record.History[i-1].OccurredAt) {
			return CheckResult{
				Name: "history_order", Pass: false,
				Reason: fmt.Sprintf("event %d occurred before its predecessor", i),
			}
		}
	}
	return CheckResult{Name: "history_order", Pass: true}
}

func checkScoreRange(b Bundle) CheckResult {
	c := CheckResult{Name: "score_range", Pass: b.Score.Score >= 0 && b.Score.Score <= 100}
	if !c.Pass {
		c.Reason = fmt.Sprintf("score %d outside [0,100]", b.Score.Score)
	}
	return c
}
