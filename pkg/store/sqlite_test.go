package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritrail/core/pkg/anchor"
	"github.com/veritrail/core/pkg/escrow"
	"github.com/veritrail/core/pkg/payments"
	"github.com/veritrail/core/pkg/provenance"
	"github.com/veritrail/core/pkg/sla"
	"github.com/veritrail/core/pkg/store"
)

func openTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveUnitAndEventsRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	minted := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := provenance.Record{
		UnitID: "unit-1",
		Descriptor: provenance.Descriptor{
			Name: "Vaccine pallet", SKU: "VAX-100", BatchID: "B-7",
			Manufacturer: "acme-pharma", Category: "pharma",
		},
		CreatedAt: minted,
		History: []provenance.Event{{
			Kind: provenance.KindMinted, Actor: "acme-pharma",
			Description: "minted", OccurredAt: minted,
			ProofRef: anchor.ProofRef("anchor:abc"),
		}},
	}
	require.NoError(t, s.SaveUnit(ctx, rec))

	shipped := minted.Add(time.Hour)
	require.NoError(t, s.AppendEvent(ctx, "unit-1", 1, provenance.Event{
		Kind: provenance.KindShipped, Actor: "acme-pharma",
		Location: "Hamburg", OccurredAt: shipped,
		Payload: map[string]any{"carrier": "carrier-gmbh"},
	}))

	events, err := s.Events(ctx, "unit-1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, provenance.KindMinted, events[0].Kind)
	assert.Equal(t, anchor.ProofRef("anchor:abc"), events[0].ProofRef)
	assert.True(t, events[0].OccurredAt.Equal(minted))

	assert.Equal(t, provenance.KindShipped, events[1].Kind)
	assert.Equal(t, "Hamburg", events[1].Location)
	assert.Equal(t, "carrier-gmbh", events[1].Payload["carrier"])
	assert.True(t, events[1].OccurredAt.Equal(shipped))
}

func TestAppendEvent_RejectsDuplicateSequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := provenance.Event{
		Kind: provenance.KindStored, Actor: "acme-pharma", OccurredAt: time.Now().UTC(),
	}
	require.NoError(t, s.AppendEvent(ctx, "unit-1", 0, ev))
	assert.Error(t, s.AppendEvent(ctx, "unit-1", 0, ev), "primary key forbids reuse of a sequence slot")
}

func TestEvents_UnknownUnitIsEmpty(t *testing.T) {
	s := openTestStore(t)
	events, err := s.Events(context.Background(), "unit-missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSaveAgreement_UpsertTransitionsState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	maxTemp := 8.0
	a := escrow.Agreement{
		EscrowID: "esc-1", UnitID: "unit-1", Payer: "buyer", Payee: "seller",
		Amount:             payments.NewMoney(10_000, "USD"),
		Conditions:         sla.Conditions{MaxTemperature: &maxTemp},
		CreatedAt:          time.Now().UTC(),
		ExpectedDeliveryBy: time.Now().UTC().Add(time.Hour),
		State:              escrow.StateOpen,
	}
	require.NoError(t, s.SaveAgreement(ctx, a))

	state, err := s.AgreementState(ctx, "esc-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StateOpen, state)

	settledAt := time.Now().UTC()
	a.State = escrow.StateReleased
	a.Verdict = &sla.Verdict{Compliant: true}
	a.SettledAt = &settledAt
	require.NoError(t, s.SaveAgreement(ctx, a))

	state, err = s.AgreementState(ctx, "esc-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReleased, state)
}

func TestAgreementState_Unknown(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AgreementState(context.Background(), "esc-missing")
	assert.Error(t, err)
}
