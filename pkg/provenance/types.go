// Package provenance implements the provenance record store: one
// append-only event log per physical unit, minted once and never reordered
// or truncated. Custody of a unit follows its most recent shipment event
// and gates who may append.
package provenance

import (
	"errors"
	"time"

	"github.com/veritrail/core/pkg/anchor"
)

// Errors surfaced by the store. Validation errors are terminal for the
// call; ErrLedgerUnavailable from the anchorer passes through unchanged.
var (
	ErrUnknownUnit       = errors.New("provenance: unknown unit")
	ErrStaleActor        = errors.New("provenance: actor lacks custody")
	ErrDuplicateSKUBatch = errors.New("provenance: idempotency key already minted")
)

// EventKind classifies a provenance event.
type EventKind string

const (
	KindMinted         EventKind = "Minted"
	KindShipped        EventKind = "Shipped"
	KindReceived       EventKind = "Received"
	KindInspected      EventKind = "Inspected"
	KindQualityChecked EventKind = "QualityChecked"
	KindStored         EventKind = "Stored"
)

// custodyTransfer reports whether this event kind moves custody to its actor.
func (k EventKind) custodyTransfer() bool {
	return k == KindShipped || k == KindReceived
}

// Descriptor holds the immutable attributes fixed at mint time.
type Descriptor struct {
	Name         string     `json:"name"`
	SKU          string     `json:"sku"`
	BatchID      string     `json:"batch_id"`
	Manufacturer string     `json:"manufacturer"`
	Category     string     `json:"category"`
	ExpiryAt     *time.Time `json:"expiry_at,omitempty"`
}

// Event is one append-only provenance entry. ProofRef anchors the event in
// the external ledger; insertion order is causal order as observed here.
type Event struct {
	Kind        EventKind       `json:"kind"`
	Description string          `json:"description,omitempty"`
	Location    string          `json:"location,omitempty"`
	Payload     map[string]any  `json:"payload,omitempty"`
	Actor       string          `json:"actor"`
	OccurredAt  time.Time       `json:"occurred_at"`
	ProofRef    anchor.ProofRef `json:"proof_ref,omitempty"`
}

// Record is the identity and full history of one physical unit.
type Record struct {
	UnitID     string     `json:"unit_id"`
	Descriptor Descriptor `json:"descriptor"`
	CreatedAt  time.Time  `json:"created_at"`
	History    []Event    `json:"history"`
}

// Custody returns the actor currently authorized to append: the actor of
// the most recent custody-transferring event, or the manufacturer when no
// shipment has happened yet.
func (r *Record) Custody() string {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Kind.custodyTransfer() {
			return r.History[i].Actor
		}
	}
	return r.Descriptor.Manufacturer
}

// InTransit reports whether the latest event is a Shipped, meaning the unit
// has been handed off and awaits a Received from the next party.
func (r *Record) InTransit() bool {
	if len(r.History) == 0 {
		return false
	}
	return r.History[len(r.History)-1].Kind == KindShipped
}

// Snapshot is the last-writer-wins fold of a record's history.
type Snapshot struct {
	Location    string     `json:"location"`
	Value       float64    `json:"value"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
}

// fold derives the snapshot left-to-right; later events override location
// and value.
func (r *Record) fold() Snapshot {
	var snap Snapshot
	for i := range r.History {
		ev := &r.History[i]
		if ev.Location != "" {
			snap.Location = ev.Location
		}
		if v, ok := numericPayload(ev.Payload, "value"); ok {
			snap.Value = v
		}
		t := ev.OccurredAt
		snap.LastEventAt = &t
	}
	return snap
}

func numericPayload(payload map[string]any, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
