package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/core/pkg/ledger"
	"github.com/veritrail/core/pkg/oracle"
	"github.com/veritrail/core/pkg/payments"
	"github.com/veritrail/core/pkg/provenance"
	"github.com/veritrail/core/pkg/sla"
)

// UnitResolver is the slice of the provenance store the engine needs.
type UnitResolver interface {
	Exists(unitID string) bool
	Get(ctx context.Context, unitID string) (provenance.Record, error)
}

// SampleWindow supplies the verified oracle window for a unit.
type SampleWindow interface {
	WindowForUnit(unitID string) []oracle.Sample
}

// Persister durably records agreement transitions. An error during
// settlement leaves the agreement OPEN.
type Persister interface {
	SaveAgreement(ctx context.Context, a Agreement) error
}

// NopPersister keeps agreements in memory only.
type NopPersister struct{}

func (NopPersister) SaveAgreement(context.Context, Agreement) error { return nil }

// Engine owns all escrow agreements and is the only component mutating
// them. Settlement is serialized per escrow; different escrows settle
// concurrently.
type Engine struct {
	mu         sync.RWMutex
	agreements map[string]*Agreement

	locks   keyMutex
	units   UnitResolver
	windows SampleWindow
	rail    payments.Rail
	policy  sla.PenaltyPolicy
	persist Persister
	mirror  *ledger.Mirror
	clock   func() time.Time
	gauge   func(ctx context.Context, delta int64)
	logger  *slog.Logger
}

// NewEngine wires an engine against its collaborators.
func NewEngine(units UnitResolver, windows SampleWindow, rail payments.Rail, policy sla.PenaltyPolicy, mirror *ledger.Mirror) *Engine {
	return &Engine{
		agreements: make(map[string]*Agreement),
		units:      units,
		windows:    windows,
		rail:       rail,
		policy:     policy,
		persist:    NopPersister{},
		mirror:     mirror,
		clock:      time.Now,
		logger:     slog.Default().With("component", "escrow"),
	}
}

// WithPersister sets the durable backend.
func (e *Engine) WithPersister(p Persister) *Engine {
	e.persist = p
	return e
}

// WithClock overrides clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithOpenGauge registers a callback tracking the OPEN agreement count:
// +1 on create, -1 on settlement.
func (e *Engine) WithOpenGauge(gauge func(ctx context.Context, delta int64)) *Engine {
	e.gauge = gauge
	return e
}

// Create opens an escrow: the amount moves from the payer into the escrow
// hold before the agreement exists, so an OPEN agreement always has its
// funds locked.
func (e *Engine) Create(ctx context.Context, unitID, payer, payee string, amount payments.Money, conds sla.Conditions, expectedDeliveryBy time.Time) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: got %s", ErrInvalidAmount, amount)
	}
	if !e.units.Exists(unitID) {
		return "", fmt.Errorf("%w: %s", provenance.ErrUnknownUnit, unitID)
	}

	a := &Agreement{
		EscrowID:           "esc-" + uuid.New().String(),
		UnitID:             unitID,
		Payer:              payer,
		Payee:              payee,
		Amount:             amount,
		Conditions:         conds,
		CreatedAt:          e.clock().UTC(),
		ExpectedDeliveryBy: expectedDeliveryBy,
		State:              StateOpen,
	}

	ref, err := e.rail.Transfer(ctx, payer, a.escrowAccount(), amount)
	if err != nil {
		return "", fmt.Errorf("escrow: lock funds: %w", err)
	}
	a.TxRefs = append(a.TxRefs, ref)

	if err := e.persist.SaveAgreement(ctx, *a); err != nil {
		return "", fmt.Errorf("escrow: persist agreement: %w", err)
	}

	e.mu.Lock()
	e.agreements[a.EscrowID] = a
	e.mu.Unlock()

	if e.mirror != nil {
		_, _ = e.mirror.Append(ledger.EntryEscrow, payer, map[string]any{
			"escrow_id": a.EscrowID, "unit_id": unitID, "amount": amount.AmountMinor,
		})
	}
	if e.gauge != nil {
		e.gauge(ctx, 1)
	}
	e.logger.Info("escrow created", "escrow_id", a.EscrowID, "unit_id", unitID)
	return a.EscrowID, nil
}

// EvaluateAndSettle reconciles the escrow's verified sample window against
// its conditions and settles. Calling it on a terminal escrow moves no
// funds and returns the verdict cached at settlement time together with
// ErrNotOpen, so callers can tell a replay from a fresh settlement.
// Transient rail or persistence failures leave the escrow OPEN and are
// safe to retry; legs that completed before the failure are recorded and
// skipped on retry.
func (e *Engine) EvaluateAndSettle(ctx context.Context, escrowID string) (sla.Verdict, error) {
	unlock := e.locks.lock(escrowID)
	defer unlock()

	e.mu.RLock()
	a, ok := e.agreements[escrowID]
	e.mu.RUnlock()
	if !ok {
		return sla.Verdict{}, fmt.Errorf("%w: %s", ErrUnknownEscrow, escrowID)
	}

	if a.State.Terminal() {
		return *a.Verdict, fmt.Errorf("%w: %s is %s", ErrNotOpen, escrowID, a.State)
	}

	now := e.clock().UTC()

	var next State
	var verdict sla.Verdict
	if a.PendingState != "" && a.PendingVerdict != nil {
		// A prior attempt already moved money for this decision; resume it.
		next, verdict = a.PendingState, *a.PendingVerdict
	} else {
		rec, err := e.units.Get(ctx, a.UnitID)
		if err != nil {
			return sla.Verdict{}, err
		}
		verdict = sla.Evaluate(sla.Input{
			Conditions:    a.Conditions,
			Samples:       e.windows.WindowForUnit(a.UnitID),
			Now:           now,
			UnitCreatedAt: rec.CreatedAt,
		}, e.policy)

		switch {
		case now.After(a.ExpectedDeliveryBy):
			// Delivery-time breach is terminal on its own, regardless of
			// sample compliance.
			next = StateExpired
		case verdict.Compliant:
			next = StateReleased
		default:
			next = StatePenalized
		}
	}

	if err := e.settle(ctx, a, next, &verdict, now); err != nil {
		return sla.Verdict{}, err
	}
	return verdict, nil
}

// settle moves funds, persists and transitions. Any failure before the
// final in-memory transition leaves the agreement OPEN; transfer legs that
// did complete are recorded on the agreement so a retry skips them instead
// of paying the same recipient again.
func (e *Engine) settle(ctx context.Context, a *Agreement, next State, verdict *sla.Verdict, now time.Time) error {
	var refs []payments.TxRef
	legs := make(map[string]payments.TxRef)

	transfer := func(to string, amountMinor int64) error {
		if amountMinor <= 0 {
			return nil
		}
		if _, done := a.SettledLegs[to]; done {
			// Completed on an earlier attempt whose later leg failed.
			return nil
		}
		ref, err := e.rail.Transfer(ctx, a.escrowAccount(), to, payments.Money{
			AmountMinor: amountMinor, Currency: a.Amount.Currency, Scale: a.Amount.Scale,
		})
		if err != nil {
			return err
		}
		refs = append(refs, ref)
		legs[to] = ref
		return nil
	}

	var entryType ledger.EntryType
	switch next {
	case StateReleased:
		if err := transfer(a.Payee, a.Amount.AmountMinor); err != nil {
			return e.recordLegs(ctx, a, next, verdict, refs, legs, fmt.Errorf("escrow: release transfer: %w", err))
		}
		entryType = ledger.EntrySettled
	case StatePenalized:
		payout := a.Amount.AmountMinor - verdict.PenaltyAmount
		if payout < 0 {
			payout = 0
		}
		if err := transfer(a.Payee, payout); err != nil {
			return e.recordLegs(ctx, a, next, verdict, refs, legs, fmt.Errorf("escrow: penalized payout: %w", err))
		}
		if err := transfer(a.Payer, a.Amount.AmountMinor-payout); err != nil {
			return e.recordLegs(ctx, a, next, verdict, refs, legs, fmt.Errorf("escrow: penalty refund: %w", err))
		}
		entryType = ledger.EntryPenalized
	case StateExpired:
		if err := transfer(a.Payer, a.Amount.AmountMinor); err != nil {
			return e.recordLegs(ctx, a, next, verdict, refs, legs, fmt.Errorf("escrow: expiry refund: %w", err))
		}
		entryType = ledger.EntryExpired
	}

	mergedLegs := a.SettledLegs
	if len(legs) > 0 {
		mergedLegs = make(map[string]payments.TxRef, len(a.SettledLegs)+len(legs))
		for to, ref := range a.SettledLegs {
			mergedLegs[to] = ref
		}
		for to, ref := range legs {
			mergedLegs[to] = ref
		}
	}

	settled := *a
	settled.State = next
	settled.Verdict = verdict
	settled.SettledAt = &now
	settled.TxRefs = append(settled.TxRefs, refs...)
	settled.SettledLegs = mergedLegs
	settled.PendingState = ""
	settled.PendingVerdict = nil

	if err := e.persist.SaveAgreement(ctx, settled); err != nil {
		return e.recordLegs(ctx, a, next, verdict, refs, legs, fmt.Errorf("escrow: persist settlement: %w", err))
	}

	e.mu.Lock()
	a.State = next
	a.Verdict = verdict
	a.SettledAt = &now
	a.TxRefs = append(a.TxRefs, refs...)
	a.SettledLegs = mergedLegs
	a.PendingState = ""
	a.PendingVerdict = nil
	e.mu.Unlock()

	if e.mirror != nil {
		_, _ = e.mirror.Append(entryType, a.Payee, map[string]any{
			"escrow_id": a.EscrowID, "unit_id": a.UnitID,
			"compliant": verdict.Compliant, "penalty": verdict.PenaltyAmount,
		})
	}
	if e.gauge != nil {
		e.gauge(ctx, -1)
	}
	e.logger.Info("escrow settled", "escrow_id", a.EscrowID, "state", next, "compliant", verdict.Compliant)
	return nil
}

// recordLegs notes the transfer legs that completed before a settlement
// attempt failed, and pins the decision those legs were paid against, so
// the next attempt resumes the same settlement instead of repeating or
// re-evaluating it. The agreement stays OPEN; the partial state is
// persisted best effort and always retained in memory.
func (e *Engine) recordLegs(ctx context.Context, a *Agreement, next State, verdict *sla.Verdict, refs []payments.TxRef, legs map[string]payments.TxRef, err error) error {
	if len(legs) == 0 {
		return err
	}

	e.mu.Lock()
	if a.SettledLegs == nil {
		a.SettledLegs = make(map[string]payments.TxRef, len(legs))
	}
	for to, ref := range legs {
		a.SettledLegs[to] = ref
	}
	a.TxRefs = append(a.TxRefs, refs...)
	a.PendingState = next
	a.PendingVerdict = verdict
	snapshot := *a
	e.mu.Unlock()

	if perr := e.persist.SaveAgreement(ctx, snapshot); perr != nil {
		e.logger.Error("persist partial settlement", "escrow_id", a.EscrowID, "err", perr)
	}
	e.logger.Warn("settlement interrupted after partial payout",
		"escrow_id", a.EscrowID, "legs_done", len(a.SettledLegs), "err", err)
	return err
}

// Status returns a copy of the agreement.
func (e *Engine) Status(ctx context.Context, escrowID string) (Agreement, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	a, ok := e.agreements[escrowID]
	if !ok {
		return Agreement{}, fmt.Errorf("%w: %s", ErrUnknownEscrow, escrowID)
	}
	out := *a
	if a.Verdict != nil {
		v := *a.Verdict
		out.Verdict = &v
	}
	if a.PendingVerdict != nil {
		v := *a.PendingVerdict
		out.PendingVerdict = &v
	}
	out.TxRefs = append([]payments.TxRef(nil), a.TxRefs...)
	if len(a.SettledLegs) > 0 {
		out.SettledLegs = make(map[string]payments.TxRef, len(a.SettledLegs))
		for to, ref := range a.SettledLegs {
			out.SettledLegs[to] = ref
		}
	}
	return out, nil
}

// OpenNearingDeadline lists OPEN escrows whose delivery deadline falls
// within the horizon (or has passed). The scheduler sweeps these.
func (e *Engine) OpenNearingDeadline(horizon time.Duration) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cutoff := e.clock().UTC().Add(horizon)
	var ids []string
	for id, a := range e.agreements {
		if a.State == StateOpen && !a.ExpectedDeliveryBy.After(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// NonCompliantCount reports how many settled evaluations for a unit were
// non-compliant. The verification scorer consumes this.
func (e *Engine) NonCompliantCount(unitID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, a := range e.agreements {
		if a.UnitID == unitID && a.Verdict != nil && !a.Verdict.Compliant {
			n++
		}
	}
	return n
}

// keyMutex serializes settlement per escrow id.
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
