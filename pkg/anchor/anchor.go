// Package anchor defines the ledger/anchoring boundary: the core never
// treats an event or oracle sample as durable until an Anchorer has
// committed its canonical bytes and returned a proof reference.
//
// ChainAnchorer is the reference implementation: committed payloads are
// batched into Merkle trees and the proof reference carries the batch root
// plus the leaf's inclusion path, so any holder of the root can check
// membership offline.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLedgerUnavailable signals a transient anchoring failure. State on the
// caller's side must be unchanged; the same payload may be re-committed.
var ErrLedgerUnavailable = errors.New("anchor: ledger unavailable")

// ProofRef is an opaque reference proving a payload was committed.
// For ChainAnchorer it is "anchor:<leafhash>"; external anchorers may use
// any scheme, callers only pass it back to Confirm.
type ProofRef string

// Anchorer commits payloads to tamper-evident storage and later confirms
// them. Commit is synchronous; Confirm models the eventually-consistent
// gap between "committed" and "independently verifiable".
type Anchorer interface {
	Commit(ctx context.Context, payload any) (ProofRef, error)
	Confirm(ctx context.Context, ref ProofRef) (bool, error)
}

// ChainAnchorer is an in-process Anchorer. Each committed payload becomes a
// Merkle leaf; batches seal after batchSize commits (or explicitly via
// Seal) and the sealed root becomes confirmable.
type ChainAnchorer struct {
	mu        sync.Mutex
	batchSize int
	pending   []leaf
	sealed    map[string]*Tree    // root -> tree
	refs      map[ProofRef]string // ref -> root ("" while unsealed)
	confirmed map[ProofRef]bool
}

type leaf struct {
	hash  string
	bytes []byte
}

// NewChainAnchorer creates an anchorer sealing batches of batchSize leaves.
// batchSize <= 1 seals every commit immediately.
func NewChainAnchorer(batchSize int) *ChainAnchorer {
	if batchSize < 1 {
		batchSize = 1
	}
	return &ChainAnchorer{
		batchSize: batchSize,
		sealed:    make(map[string]*Tree),
		refs:      make(map[ProofRef]string),
		confirmed: make(map[ProofRef]bool),
	}
}

// Commit canonicalizes the payload, adds it as a pending leaf and returns
// its proof reference. The reference confirms only once its batch seals.
func (a *ChainAnchorer) Commit(ctx context.Context, payload any) (ProofRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	canonical, err := CanonicalBytes(payload)
	if err != nil {
		return "", fmt.Errorf("anchor: canonicalize payload: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	h := leafHash(canonical)
	ref := ProofRef("anchor:" + h)
	a.pending = append(a.pending, leaf{hash: h, bytes: canonical})
	a.refs[ref] = ""

	if len(a.pending) >= a.batchSize {
		a.sealLocked()
	}
	return ref, nil
}

// Seal forces the current pending batch into a sealed tree. No-op when
// nothing is pending.
func (a *ChainAnchorer) Seal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealLocked()
}

func (a *ChainAnchorer) sealLocked() {
	if len(a.pending) == 0 {
		return
	}
	hashes := make([]string, len(a.pending))
	for i, l := range a.pending {
		hashes[i] = l.hash
	}
	tree := BuildTree(hashes)
	a.sealed[tree.Root] = tree
	for _, l := range a.pending {
		ref := ProofRef("anchor:" + l.hash)
		a.refs[ref] = tree.Root
		a.confirmed[ref] = true
	}
	a.pending = nil
}

// Confirm reports whether the referenced payload is part of a sealed batch.
// Unknown references confirm false; unsealed references confirm false until
// their batch seals.
func (a *ChainAnchorer) Confirm(ctx context.Context, ref ProofRef) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.confirmed[ref], nil
}

// Root returns the sealed root for a proof reference, or "" if unsealed.
func (a *ChainAnchorer) Root(ref ProofRef) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refs[ref]
}

// FlakyAnchorer wraps an Anchorer and fails a configurable number of
// Commit/Confirm calls with ErrLedgerUnavailable. Test double for the
// transient-failure paths required by settlement and append semantics.
type FlakyAnchorer struct {
	mu       sync.Mutex
	inner    Anchorer
	failures int
	delay    time.Duration
}

// NewFlakyAnchorer wraps inner, failing the next n calls.
func NewFlakyAnchorer(inner Anchorer, n int) *FlakyAnchorer {
	return &FlakyAnchorer{inner: inner, failures: n}
}

// WithDelay adds latency before each call, for timeout tests.
func (f *FlakyAnchorer) WithDelay(d time.Duration) *FlakyAnchorer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

func (f *FlakyAnchorer) take() (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return f.delay, ErrLedgerUnavailable
	}
	return f.delay, nil
}

func (f *FlakyAnchorer) Commit(ctx context.Context, payload any) (ProofRef, error) {
	delay, err := f.take()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return f.inner.Commit(ctx, payload)
}

func (f *FlakyAnchorer) Confirm(ctx context.Context, ref ProofRef) (bool, error) {
	delay, err := f.take()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if err != nil {
		return false, err
	}
	return f.inner.Confirm(ctx, ref)
}
