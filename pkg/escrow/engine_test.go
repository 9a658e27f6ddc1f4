package escrow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritrail/core/pkg/anchor"
	"github.com/veritrail/core/pkg/escrow"
	"github.com/veritrail/core/pkg/ledger"
	"github.com/veritrail/core/pkg/oracle"
	"github.com/veritrail/core/pkg/payments"
	"github.com/veritrail/core/pkg/provenance"
	"github.com/veritrail/core/pkg/sla"
)

type fixture struct {
	units  *provenance.Store
	ingest *oracle.Ingest
	rail   *payments.MemoryRail
	engine *escrow.Engine
	mirror *ledger.Mirror
	unitID string
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mirror := ledger.NewMirror(1000)
	anchorer := anchor.NewChainAnchorer(1)

	units := provenance.NewStore(anchorer, mirror)
	unitID, err := units.Mint(ctx, provenance.Descriptor{
		Name: "Vaccine pallet", SKU: "VAX-100", Manufacturer: "acme-pharma",
	}, "")
	require.NoError(t, err)

	ingest := oracle.NewIngest(anchorer, mirror, oracle.DefaultOptions())
	ingest.Bind(unitID, "dev-1")

	rail := payments.NewMemoryRail()
	rail.Seed("buyer", 100_000)

	engine := escrow.NewEngine(units, ingest, rail, sla.NewFixedUnitPolicy(500), mirror)
	return &fixture{units: units, ingest: ingest, rail: rail, engine: engine, mirror: mirror, unitID: unitID, ctx: ctx}
}

func (f *fixture) addVerifiedSample(t *testing.T, value float64, at int64) {
	t.Helper()
	id, err := f.ingest.Submit(f.ctx, oracle.Sample{
		Kind: oracle.KindSensor, DeviceID: "dev-1",
		SensorType: oracle.SensorTemperature, Value: value,
		Unit: "celsius", ObservedAt: at,
	})
	require.NoError(t, err)
	ok, _, err := f.ingest.Verify(f.ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) create(t *testing.T, conds sla.Conditions, deadline time.Time) string {
	t.Helper()
	id, err := f.engine.Create(f.ctx, f.unitID, "buyer", "seller",
		payments.NewMoney(10_000, "USD"), conds, deadline)
	require.NoError(t, err)
	return id
}

func TestCreate_LocksFunds(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, sla.Conditions{}, time.Now().Add(time.Hour))

	assert.Equal(t, int64(90_000), f.rail.Balance("buyer"))
	assert.Equal(t, int64(10_000), f.rail.Balance("escrow:"+id))

	a, err := f.engine.Status(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateOpen, a.State)
	assert.Len(t, a.TxRefs, 1)
	assert.Nil(t, a.Verdict)
}

func TestCreate_RejectsUnknownUnit(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Create(f.ctx, "unit-missing", "buyer", "seller",
		payments.NewMoney(1, "USD"), sla.Conditions{}, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, provenance.ErrUnknownUnit)
}

func TestCreate_RejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Create(f.ctx, f.unitID, "buyer", "seller",
		payments.NewMoney(0, "USD"), sla.Conditions{}, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, escrow.ErrInvalidAmount)
}

func TestCreate_InsufficientFundsNoAgreement(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Create(f.ctx, f.unitID, "pauper", "seller",
		payments.NewMoney(10_000, "USD"), sla.Conditions{}, time.Now().Add(time.Hour))
	require.ErrorIs(t, err, payments.ErrInsufficientFunds)
	assert.Empty(t, f.engine.OpenNearingDeadline(24*time.Hour))
}

// TestSettle_CompliantReleases covers the clean path: samples within
// bounds release the full amount to the payee.
func TestSettle_CompliantReleases(t *testing.T) {
	f := newFixture(t)
	maxTemp := 8.0
	f.addVerifiedSample(t, 5.0, time.Now().Unix())

	id := f.create(t, sla.Conditions{MaxTemperature: &maxTemp}, time.Now().Add(time.Hour))
	verdict, err := f.engine.EvaluateAndSettle(f.ctx, id)
	require.NoError(t, err)

	assert.True(t, verdict.Compliant)
	assert.Equal(t, int64(10_000), f.rail.Balance("seller"))
	assert.Zero(t, f.rail.Balance("escrow:"+id))

	a, err := f.engine.Status(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateReleased, a.State)
	require.NotNil(t, a.SettledAt)
}

// TestSettle_ViolationPenalizes covers the breach path: an over-limit
// reading settles PENALIZED, payee gets amount minus penalty, payer gets
// the penalty back.
func TestSettle_ViolationPenalizes(t *testing.T) {
	f := newFixture(t)
	maxTemp := 8.0
	f.addVerifiedSample(t, 12.0, time.Now().Unix())

	id := f.create(t, sla.Conditions{MaxTemperature: &maxTemp}, time.Now().Add(time.Hour))
	verdict, err := f.engine.EvaluateAndSettle(f.ctx, id)
	require.NoError(t, err)

	assert.False(t, verdict.Compliant)
	require.Len(t, verdict.Violations, 1)
	assert.Contains(t, verdict.Violations[0], "12.00")
	assert.Contains(t, verdict.Violations[0], "8.00")
	assert.Equal(t, int64(500), verdict.PenaltyAmount)

	assert.Equal(t, int64(9_500), f.rail.Balance("seller"))
	assert.Equal(t, int64(90_500), f.rail.Balance("buyer"))
	assert.Zero(t, f.rail.Balance("escrow:"+id))

	a, err := f.engine.Status(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatePenalized, a.State)
}

func TestSettle_PenaltyFloorsAtZeroPayout(t *testing.T) {
	f := newFixture(t)
	maxTemp := 8.0
	base := time.Now().Unix() - 100
	// 25 breaches at 500 each exceeds the 10_000 escrowed amount.
	for i := int64(0); i < 25; i++ {
		f.addVerifiedSample(t, 20.0, base+i)
	}

	id := f.create(t, sla.Conditions{MaxTemperature: &maxTemp}, time.Now().Add(time.Hour))
	verdict, err := f.engine.EvaluateAndSettle(f.ctx, id)
	require.NoError(t, err)

	assert.Equal(t, int64(25*500), verdict.PenaltyAmount)
	assert.Zero(t, f.rail.Balance("seller"), "payout floors at zero")
	assert.Equal(t, int64(100_000), f.rail.Balance("buyer"), "full amount refunded")
}

// TestSettle_ExpiredRefunds verifies a past delivery deadline settles
// EXPIRED and refunds the payer, even when samples are compliant.
func TestSettle_ExpiredRefunds(t *testing.T) {
	f := newFixture(t)
	maxTemp := 8.0
	f.addVerifiedSample(t, 5.0, time.Now().Unix())

	id := f.create(t, sla.Conditions{MaxTemperature: &maxTemp}, time.Now().Add(-time.Minute))
	_, err := f.engine.EvaluateAndSettle(f.ctx, id)
	require.NoError(t, err)

	a, err := f.engine.Status(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateExpired, a.State)
	assert.Equal(t, int64(100_000), f.rail.Balance("buyer"))
	assert.Zero(t, f.rail.Balance("seller"))
}

// TestSettle_IdempotentReplay verifies settling a terminal escrow returns
// the cached verdict with ErrNotOpen and moves no funds.
func TestSettle_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	f.addVerifiedSample(t, 5.0, time.Now().Unix())

	id := f.create(t, sla.Conditions{}, time.Now().Add(time.Hour))
	first, err := f.engine.EvaluateAndSettle(f.ctx, id)
	require.NoError(t, err)
	sellerAfter := f.rail.Balance("seller")
	transfers := len(f.rail.Transfers())

	// New hostile samples arrive after settlement; the verdict must not move.
	f.addVerifiedSample(t, 40.0, time.Now().Unix()+1)

	again, err := f.engine.EvaluateAndSettle(f.ctx, id)
	require.ErrorIs(t, err, escrow.ErrNotOpen)
	assert.Equal(t, first, again)
	assert.Equal(t, sellerAfter, f.rail.Balance("seller"))
	assert.Equal(t, transfers, len(f.rail.Transfers()), "no further transfers")
}

// failAtRail fails the nth Transfer call and passes everything else
// through to the wrapped rail.
type failAtRail struct {
	*payments.MemoryRail
	calls  int
	failAt int
}

func (r *failAtRail) Transfer(ctx context.Context, from, to string, amount payments.Money) (payments.TxRef, error) {
	r.calls++
	if r.calls == r.failAt {
		return "", payments.ErrRailUnavailable
	}
	return r.MemoryRail.Transfer(ctx, from, to, amount)
}

// TestSettle_RefundLegFailureIsResumable covers a penalized settlement
// whose payout leg completes and refund leg fails: the escrow stays OPEN
// with the completed leg recorded, and the retry pays only the outstanding
// refund instead of repeating the payout.
func TestSettle_RefundLegFailureIsResumable(t *testing.T) {
	ctx := context.Background()
	mirror := ledger.NewMirror(1000)
	anchorer := anchor.NewChainAnchorer(1)

	units := provenance.NewStore(anchorer, mirror)
	unitID, err := units.Mint(ctx, provenance.Descriptor{
		Name: "Vaccine pallet", SKU: "VAX-100", Manufacturer: "acme-pharma",
	}, "")
	require.NoError(t, err)

	ingest := oracle.NewIngest(anchorer, mirror, oracle.DefaultOptions())
	ingest.Bind(unitID, "dev-1")

	sampleID, err := ingest.Submit(ctx, oracle.Sample{
		Kind: oracle.KindSensor, DeviceID: "dev-1",
		SensorType: oracle.SensorTemperature, Value: 12.0,
		Unit: "celsius", ObservedAt: time.Now().Unix(),
	})
	require.NoError(t, err)
	ok, _, err := ingest.Verify(ctx, sampleID)
	require.NoError(t, err)
	require.True(t, ok)

	// Transfer 1 is the create lock, 2 the payout, 3 the refund.
	inner := payments.NewMemoryRail()
	inner.Seed("buyer", 100_000)
	rail := &failAtRail{MemoryRail: inner, failAt: 3}

	engine := escrow.NewEngine(units, ingest, rail, sla.NewFixedUnitPolicy(500), mirror)
	maxTemp := 8.0
	id, err := engine.Create(ctx, unitID, "buyer", "seller",
		payments.NewMoney(10_000, "USD"), sla.Conditions{MaxTemperature: &maxTemp}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = engine.EvaluateAndSettle(ctx, id)
	require.ErrorIs(t, err, payments.ErrRailUnavailable)

	a, err := engine.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateOpen, a.State)
	assert.Equal(t, int64(9_500), inner.Balance("seller"))
	assert.Equal(t, int64(500), inner.Balance("escrow:"+id))
	assert.Contains(t, a.SettledLegs, "seller")

	// A hostile reading lands between the attempts; the retry must resume
	// the decision the payout was made against, not re-evaluate.
	sampleID, err = ingest.Submit(ctx, oracle.Sample{
		Kind: oracle.KindSensor, DeviceID: "dev-1",
		SensorType: oracle.SensorTemperature, Value: 35.0,
		Unit: "celsius", ObservedAt: time.Now().Unix() + 1,
	})
	require.NoError(t, err)
	_, _, err = ingest.Verify(ctx, sampleID)
	require.NoError(t, err)

	verdict, err := engine.EvaluateAndSettle(ctx, id)
	require.NoError(t, err)
	assert.False(t, verdict.Compliant)
	assert.Equal(t, int64(500), verdict.PenaltyAmount)

	assert.Equal(t, int64(9_500), inner.Balance("seller"), "payout leg not repeated")
	assert.Equal(t, int64(90_500), inner.Balance("buyer"))
	assert.Zero(t, inner.Balance("escrow:"+id))

	a, err = engine.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatePenalized, a.State)
}

// TestSettle_RailFailureLeavesOpen verifies a transient rail outage leaves
// the escrow OPEN and retryable.
func TestSettle_RailFailureLeavesOpen(t *testing.T) {
	f := newFixture(t)
	f.addVerifiedSample(t, 5.0, time.Now().Unix())
	id := f.create(t, sla.Conditions{}, time.Now().Add(time.Hour))

	f.rail.FailNext(payments.ErrRailUnavailable)
	_, err := f.engine.EvaluateAndSettle(f.ctx, id)
	require.ErrorIs(t, err, payments.ErrRailUnavailable)

	a, err := f.engine.Status(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, escrow.StateOpen, a.State)

	// Retry succeeds.
	verdict, err := f.engine.EvaluateAndSettle(f.ctx, id)
	require.NoError(t, err)
	assert.True(t, verdict.Compliant)
}

func TestSettle_UnknownEscrow(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.EvaluateAndSettle(f.ctx, "esc-missing")
	assert.ErrorIs(t, err, escrow.ErrUnknownEscrow)

	_, err = f.engine.Status(f.ctx, "esc-missing")
	assert.ErrorIs(t, err, escrow.ErrUnknownEscrow)
}

func TestOpenNearingDeadline(t *testing.T) {
	f := newFixture(t)
	soon := f.create(t, sla.Conditions{}, time.Now().Add(5*time.Minute))
	f.create(t, sla.Conditions{}, time.Now().Add(48*time.Hour))

	due := f.engine.OpenNearingDeadline(15 * time.Minute)
	require.Len(t, due, 1)
	assert.Equal(t, soon, due[0])

	// Settled escrows drop out of the sweep set.
	_, err := f.engine.EvaluateAndSettle(f.ctx, soon)
	require.NoError(t, err)
	assert.Empty(t, f.engine.OpenNearingDeadline(15*time.Minute))
}

func TestNonCompliantCount(t *testing.T) {
	f := newFixture(t)
	maxTemp := 8.0
	f.addVerifiedSample(t, 12.0, time.Now().Unix())

	assert.Zero(t, f.engine.NonCompliantCount(f.unitID))

	id := f.create(t, sla.Conditions{MaxTemperature: &maxTemp}, time.Now().Add(time.Hour))
	_, err := f.engine.EvaluateAndSettle(f.ctx, id)
	require.NoError(t, err)

	assert.Equal(t, 1, f.engine.NonCompliantCount(f.unitID))
	assert.Zero(t, f.engine.NonCompliantCount("unit-other"))
}
