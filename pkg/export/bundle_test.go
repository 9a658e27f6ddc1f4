package export_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritrail/core/pkg/anchor"
	"github.com/veritrail/core/pkg/export"
	"github.com/veritrail/core/pkg/ledger"
	"github.com/veritrail/core/pkg/provenance"
	"github.com/veritrail/core/pkg/verification"
)

func exportedBundle(t *testing.T) (*export.FileStore, string) {
	t.Helper()
	ctx := context.Background()

	mirror := ledger.NewMirror(256)
	units := provenance.NewStore(anchor.NewChainAnchorer(1), mirror)
	unitID, err := units.Mint(ctx, provenance.Descriptor{
		Name: "Vaccine pallet", SKU: "VAX-100", Manufacturer: "acme-pharma",
	}, "")
	require.NoError(t, err)
	_, err = units.AppendEvent(ctx, unitID, provenance.Event{
		Kind: provenance.KindInspected, Actor: "acme-pharma", Description: "QA pass",
	})
	require.NoError(t, err)

	store, err := export.NewFileStore(t.TempDir())
	require.NoError(t, err)

	scorer := verification.NewScorer(units, nil, verification.DefaultThresholds())
	exporter := export.NewExporter(units, scorer, mirror, store)

	hash, err := exporter.Export(ctx, unitID)
	require.NoError(t, err)
	return store, hash
}

func TestExportThenVerify(t *testing.T) {
	store, hash := exportedBundle(t)
	ctx := context.Background()

	data, err := store.Get(ctx, hash)
	require.NoError(t, err)

	report, err := export.VerifyBundle(data)
	require.NoError(t, err)

	assert.True(t, report.Verified)
	assert.Zero(t, report.IssueCount)
	require.Len(t, report.Checks, 4)
	for _, c := range report.Checks {
		assert.True(t, c.Pass, c.Name)
	}
}

func TestVerifyBundle_DetectsTampering(t *testing.T) {
	store, hash := exportedBundle(t)
	data, err := store.Get(context.Background(), hash)
	require.NoError(t, err)

	var b export.Bundle
	require.NoError(t, json.Unmarshal(data, &b))
	b.Record.Descriptor.Manufacturer = "bogus-corp"
	tampered, err := json.Marshal(b)
	require.NoError(t, err)

	report, err := export.VerifyBundle(tampered)
	require.NoError(t, err)

	assert.False(t, report.Verified)
	assert.Equal(t, 1, report.IssueCount)
	for _, c := range report.Checks {
		if c.Name == "content_hash" {
			assert.False(t, c.Pass)
			assert.Contains(t, c.Reason, "hash mismatch")
		}
	}
}

func TestVerifyBundle_RejectsUnknownVersion(t *testing.T) {
	b := export.Bundle{Version: "9.9", UnitID: "unit-1", ExportedAt: time.Now().UTC()}
	hash, err := anchor.HashPayload(b)
	require.NoError(t, err)
	b.ContentHash = hash
	data, err := json.Marshal(b)
	require.NoError(t, err)

	report, err := export.VerifyBundle(data)
	require.NoError(t, err)

	assert.False(t, report.Verified)
	var versionCheck export.CheckResult
	for _, c := range report.Checks {
		if c.Name == "bundle_version" {
			versionCheck = c
		}
	}
	assert.False(t, versionCheck.Pass)
	assert.Contains(t, versionCheck.Reason, "9.9")
}

func TestVerifyBundle_FlagsDisorderedHistory(t *testing.T) {
	now := time.Now().UTC()
	b := export.Bundle{
		Version: export.BundleVersion,
		UnitID:  "unit-1",
		Record: provenance.Record{
			UnitID: "unit-1",
			History: []provenance.Event{
				{Kind: provenance.KindMinted, Actor: "m", OccurredAt: now},
				{Kind: provenance.KindShipped, Actor: "m", OccurredAt: now.Add(-time.Hour)},
			},
		},
	}
	hash, err := anchor.HashPayload(b)
	require.NoError(t, err)
	b.ContentHash = hash
	data, err := json.Marshal(b)
	require.NoError(t, err)

	report, err := export.VerifyBundle(data)
	require.NoError(t, err)

	assert.False(t, report.Verified)
	for _, c := range report.Checks {
		if c.Name == "history_order" {
			assert.False(t, c.Pass)
			assert.Contains(t, c.Reason, "event 1")
		}
	}
}

func TestVerifyBundle_Malformed(t *testing.T) {
	_, err := export.VerifyBundle([]byte("not json"))
	assert.Error(t, err)
}

func TestFileStore(t *testing.T) {
	store, err := export.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte(`{"hello":"world"}`)
	hash, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.Contains(t, hash, "sha256:")

	// Storing the same content is a no-op with the same address.
	again, err := store.Store(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	got, err := store.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "sha256:"+"00e3261a6e0d79c329445acd540fb2b07b1ff50d1c62251ecd2e9b8e57dd2e77")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, "not-a-hash")
	assert.Error(t, err)
}
