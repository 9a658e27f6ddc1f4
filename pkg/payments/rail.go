package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrRailUnavailable signals a transient transfer failure. The caller must
// treat the transfer as not having happened and may retry.
var ErrRailUnavailable = errors.New("payments: rail unavailable")

// ErrInsufficientFunds is returned when the source account cannot cover the
// requested amount.
var ErrInsufficientFunds = errors.New("payments: insufficient funds")

// TxRef identifies a completed transfer on the rail.
type TxRef string

// Rail moves funds between accounts. Implementations wrap whatever payment
// backend the deployment uses; the core only requires all-or-nothing
// semantics per call.
type Rail interface {
	Transfer(ctx context.Context, from, to string, amount Money) (TxRef, error)
}

// Transfer is one recorded movement of funds on the MemoryRail.
type Transfer struct {
	Ref    TxRef
	From   string
	To     string
	Amount Money
}

// MemoryRail is an in-process Rail keeping balances in a map. Accounts are
// created on first credit; debits below zero fail unless the account was
// seeded with AllowOverdraft.
type MemoryRail struct {
	mu             sync.Mutex
	balances       map[string]int64
	transfers      []Transfer
	allowOverdraft bool
	failNext       error
}

// NewMemoryRail creates an empty in-memory rail.
func NewMemoryRail() *MemoryRail {
	return &MemoryRail{balances: make(map[string]int64)}
}

// AllowOverdraft disables balance checks. Escrow settlement uses this mode:
// the escrowed amount was already locked at create time, the rail only
// records the movement.
func (r *MemoryRail) AllowOverdraft() *MemoryRail {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowOverdraft = true
	return r
}

// Seed credits an account for tests and demos.
func (r *MemoryRail) Seed(account string, amountMinor int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[account] += amountMinor
}

// FailNext makes the next Transfer return the given error, then clears.
// Used to exercise settlement retry paths.
func (r *MemoryRail) FailNext(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = err
}

// Transfer moves amount from one account to another atomically.
func (r *MemoryRail) Transfer(ctx context.Context, from, to string, amount Money) (TxRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return "", err
	}
	if amount.IsNegative() {
		return "", fmt.Errorf("payments: negative transfer amount %s", amount)
	}
	if !r.allowOverdraft && r.balances[from] < amount.AmountMinor {
		return "", fmt.Errorf("%w: account %s has %d, needs %d", ErrInsufficientFunds, from, r.balances[from], amount.AmountMinor)
	}

	r.balances[from] -= amount.AmountMinor
	r.balances[to] += amount.AmountMinor

	ref := TxRef("tx-" + uuid.New().String())
	r.transfers = append(r.transfers, Transfer{Ref: ref, From: from, To: to, Amount: amount})
	return ref, nil
}

// Balance returns the current balance of an account in minor units.
func (r *MemoryRail) Balance(account string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[account]
}

// Transfers returns a copy of all recorded transfers, oldest first.
func (r *MemoryRail) Transfers() []Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transfer, len(r.transfers))
	copy(out, r.transfers)
	return out
}
