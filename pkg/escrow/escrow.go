// Package escrow holds funds against a unit's delivery conditions and
// settles them from SLA verdicts. An agreement leaves OPEN exactly once;
// settlement caches its verdict so funds never move twice and the verdict
// never retroactively changes.
package escrow

import (
	"errors"
	"time"

	"github.com/veritrail/core/pkg/payments"
	"github.com/veritrail/core/pkg/sla"
)

var (
	// ErrUnknownEscrow is returned when an escrow id does not resolve.
	ErrUnknownEscrow = errors.New("escrow: unknown escrow")
	// ErrInvalidAmount is returned for non-positive escrow amounts.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
	// ErrNotOpen is returned, alongside the cached verdict, when a
	// settlement call replays an already terminal escrow.
	ErrNotOpen = errors.New("escrow: not open")
)

// State of an agreement. OPEN is the only non-terminal state.
type State string

const (
	StateOpen      State = "OPEN"
	StateReleased  State = "RELEASED"
	StatePenalized State = "PENALIZED"
	StateExpired   State = "EXPIRED"
)

// Terminal reports whether the state permits no further transition.
func (s State) Terminal() bool {
	return s == StateReleased || s == StatePenalized || s == StateExpired
}

// Agreement is one conditional hold of funds tied to a unit.
type Agreement struct {
	EscrowID           string           `json:"escrow_id"`
	UnitID             string           `json:"unit_id"`
	Payer              string           `json:"payer"`
	Payee              string           `json:"payee"`
	Amount             payments.Money   `json:"amount"`
	Conditions         sla.Conditions   `json:"conditions"`
	CreatedAt          time.Time        `json:"created_at"`
	ExpectedDeliveryBy time.Time        `json:"expected_delivery_by"`
	State              State            `json:"state"`
	Verdict            *sla.Verdict     `json:"verdict,omitempty"` // cached at settlement
	SettledAt          *time.Time       `json:"settled_at,omitempty"`
	TxRefs             []payments.TxRef `json:"tx_refs,omitempty"`

	// SettledLegs records, per recipient account, settlement transfers that
	// completed before a later leg failed. A retry skips recorded legs so a
	// partial settlement never pays the same party twice.
	SettledLegs map[string]payments.TxRef `json:"settled_legs,omitempty"`

	// PendingState and PendingVerdict pin an interrupted settlement's
	// decision once money has moved for it. The retry resumes that
	// settlement; it must not re-evaluate and pay against different legs.
	PendingState   State        `json:"pending_state,omitempty"`
	PendingVerdict *sla.Verdict `json:"pending_verdict,omitempty"`
}

// escrowAccount is the rail account the held amount sits in while OPEN.
func (a *Agreement) escrowAccount() string {
	return "escrow:" + a.EscrowID
}
