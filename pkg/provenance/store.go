package provenance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/core/pkg/anchor"
	"github.com/veritrail/core/pkg/ledger"
)

// Persister durably records units and events below the in-memory store.
// Implementations must be atomic per call: an error means nothing was
// written.
type Persister interface {
	SaveUnit(ctx context.Context, rec Record) error
	AppendEvent(ctx context.Context, unitID string, seq int, ev Event) error
}

// NopPersister keeps everything in memory only.
type NopPersister struct{}

func (NopPersister) SaveUnit(context.Context, Record) error                { return nil }
func (NopPersister) AppendEvent(context.Context, string, int, Event) error { return nil }

// Store owns all provenance records. It is the only component that mutates
// them; appends are serialized per unit, reads never block writers on other
// units.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*Record
	idemKeys map[string]string // idempotency key -> unit id

	units    keyMutex
	anchorer anchor.Anchorer
	persist  Persister
	mirror   *ledger.Mirror
	clock    func() time.Time
	logger   *slog.Logger
}

// NewStore creates a provenance store anchoring through the given anchorer
// and mirroring confirmed operations into the activity ledger.
func NewStore(anchorer anchor.Anchorer, mirror *ledger.Mirror) *Store {
	return &Store{
		records:  make(map[string]*Record),
		idemKeys: make(map[string]string),
		anchorer: anchorer,
		persist:  NopPersister{},
		mirror:   mirror,
		clock:    time.Now,
		logger:   slog.Default().With("component", "provenance"),
	}
}

// WithPersister sets the durable backend.
func (s *Store) WithPersister(p Persister) *Store {
	s.persist = p
	return s
}

// WithClock overrides clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Mint creates a new unit record. idemKey makes retries safe: replaying a
// key returns the originally minted unit id wrapped in ErrDuplicateSKUBatch.
// Identical descriptive fields across distinct physical units are legal.
func (s *Store) Mint(ctx context.Context, desc Descriptor, idemKey string) (string, error) {
	if strings.TrimSpace(desc.Manufacturer) == "" {
		return "", fmt.Errorf("provenance: descriptor missing manufacturer")
	}

	unitID := "unit-" + uuid.New().String()
	now := s.clock().UTC()

	// Reserve the key before any side effect so a racing mint with the same
	// key cannot anchor and persist a second unit. The reservation is rolled
	// back if this mint fails.
	if idemKey != "" {
		s.mu.Lock()
		if existing, seen := s.idemKeys[idemKey]; seen {
			s.mu.Unlock()
			return existing, fmt.Errorf("%w: key %q -> unit %s", ErrDuplicateSKUBatch, idemKey, existing)
		}
		s.idemKeys[idemKey] = unitID
		s.mu.Unlock()
	}
	release := func() {
		if idemKey == "" {
			return
		}
		s.mu.Lock()
		delete(s.idemKeys, idemKey)
		s.mu.Unlock()
	}

	ref, err := s.anchorer.Commit(ctx, map[string]any{
		"op":      "mint",
		"unit_id": unitID,
		"desc":    desc,
		"at":      now.Unix(),
	})
	if err != nil {
		release()
		return "", err
	}

	rec := &Record{
		UnitID:     unitID,
		Descriptor: desc,
		CreatedAt:  now,
		History: []Event{{
			Kind:       KindMinted,
			Actor:      desc.Manufacturer,
			OccurredAt: now,
			ProofRef:   ref,
		}},
	}

	if err := s.persist.SaveUnit(ctx, *rec); err != nil {
		release()
		return "", fmt.Errorf("provenance: persist unit: %w", err)
	}

	s.mu.Lock()
	s.records[unitID] = rec
	s.mu.Unlock()

	if s.mirror != nil {
		_, _ = s.mirror.Append(ledger.EntryMint, desc.Manufacturer, map[string]any{
			"unit_id": unitID, "sku": desc.SKU, "batch_id": desc.BatchID,
		})
	}
	s.logger.Info("unit minted", "unit_id", unitID, "sku", desc.SKU)
	return unitID, nil
}

// AppendEvent appends an event to a unit's history. The event is anchored
// and persisted before it becomes visible to any reader; on failure the
// record is unchanged.
func (s *Store) AppendEvent(ctx context.Context, unitID string, ev Event) (anchor.ProofRef, error) {
	unlock := s.units.lock(unitID)
	defer unlock()

	s.mu.RLock()
	rec, ok := s.records[unitID]
	var custody string
	var inTransit bool
	var seq int
	if ok {
		custody = rec.Custody()
		inTransit = rec.InTransit()
		seq = len(rec.History)
	}
	s.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	// Custody changes hands at the Received end of a handoff: an in-transit
	// unit accepts a Received from the next party; everything else requires
	// the current custodian.
	receiving := ev.Kind == KindReceived && inTransit
	if ev.Actor != custody && !receiving {
		return "", fmt.Errorf("%w: %s holds custody of %s, not %s", ErrStaleActor, custody, unitID, ev.Actor)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.clock().UTC()
	}

	ref, err := s.anchorer.Commit(ctx, map[string]any{
		"op":       "event",
		"unit_id":  unitID,
		"seq":      seq,
		"kind":     string(ev.Kind),
		"actor":    ev.Actor,
		"location": ev.Location,
		"payload":  ev.Payload,
		"at":       ev.OccurredAt.Unix(),
	})
	if err != nil {
		return "", err
	}
	ev.ProofRef = ref

	if err := s.persist.AppendEvent(ctx, unitID, seq, ev); err != nil {
		return "", fmt.Errorf("provenance: persist event: %w", err)
	}

	s.mu.Lock()
	rec.History = append(rec.History, ev)
	s.mu.Unlock()

	if s.mirror != nil {
		_, _ = s.mirror.Append(ledger.EntryEvent, ev.Actor, map[string]any{
			"unit_id": unitID, "kind": string(ev.Kind), "location": ev.Location,
		})
	}
	s.logger.Info("event appended", "unit_id", unitID, "kind", ev.Kind, "actor", ev.Actor)
	return ref, nil
}

// History returns a copy of the unit's event sequence, oldest first. Safe
// to re-read any number of times; never mutates state.
func (s *Store) History(ctx context.Context, unitID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[unitID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	out := make([]Event, len(rec.History))
	copy(out, rec.History)
	return out, nil
}

// Snapshot folds the unit's history into its current location, value and
// last event time.
func (s *Store) Snapshot(ctx context.Context, unitID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[unitID]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	return rec.fold(), nil
}

// Get returns a copy of the full record.
func (s *Store) Get(ctx context.Context, unitID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[unitID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	out := *rec
	out.History = make([]Event, len(rec.History))
	copy(out.History, rec.History)
	return out, nil
}

// Exists reports whether a unit id resolves to a record.
func (s *Store) Exists(unitID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[unitID]
	return ok
}

// keyMutex serializes operations per string key. Locks are created on
// first use and never removed; unit count is bounded by minted units.
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
