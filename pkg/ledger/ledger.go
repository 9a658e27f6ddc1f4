// Package ledger is the local transaction mirror: a hash-chained,
// append-only projection of ledger-confirmed operations (mints, provenance
// events, verified samples, settlements) feeding the activity view.
//
// Entries are chained to their predecessor; no deletions or mutations. The
// feed view is bounded and most-recent-first.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EntryType categorizes a mirrored operation.
type EntryType string

const (
	EntryMint      EntryType = "MINT"
	EntryEvent     EntryType = "EVENT"
	EntrySample    EntryType = "SAMPLE"
	EntryEscrow    EntryType = "ESCROW"
	EntrySettled   EntryType = "SETTLED"
	EntryPenalized EntryType = "PENALIZED"
	EntryExpired   EntryType = "EXPIRED"
)

// Entry is an immutable, hash-chained activity record.
type Entry struct {
	Sequence    uint64         `json:"sequence"`
	EntryType   EntryType      `json:"entry_type"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
	Timestamp   time.Time      `json:"timestamp"`
	Actor       string         `json:"actor,omitempty"`
	Data        map[string]any `json:"data"`
}

// Mirror is an append-only, hash-chained activity log with a bounded
// most-recent-first view.
type Mirror struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	capacity int
	clock    func() time.Time
}

// NewMirror creates a mirror whose Recent view holds at most capacity
// entries. The chain itself is unbounded.
func NewMirror(capacity int) *Mirror {
	if capacity < 1 {
		capacity = 100
	}
	return &Mirror{
		entries:  make([]Entry, 0),
		headHash: "genesis",
		capacity: capacity,
		clock:    time.Now,
	}
}

// WithClock overrides clock for testing.
func (m *Mirror) WithClock(clock func() time.Time) *Mirror {
	m.clock = clock
	return m
}

// Append adds an entry to the mirror. Returns the sequence number.
func (m *Mirror) Append(entryType EntryType, actor string, data map[string]any) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := uint64(len(m.entries)) + 1

	hashInput := struct {
		Seq      uint64         `json:"seq"`
		Type     EntryType      `json:"type"`
		Data     map[string]any `json:"data"`
		PrevHash string         `json:"prev"`
	}{seq, entryType, data, m.headHash}

	raw, err := json.Marshal(hashInput)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal entry: %w", err)
	}
	h := sha256.Sum256(raw)
	contentHash := "sha256:" + hex.EncodeToString(h[:])

	m.entries = append(m.entries, Entry{
		Sequence:    seq,
		EntryType:   entryType,
		ContentHash: contentHash,
		PrevHash:    m.headHash,
		Timestamp:   m.clock(),
		Actor:       actor,
		Data:        data,
	})
	m.headHash = contentHash

	return seq, nil
}

// Recent returns up to n entries, most recent first. n <= 0 or beyond the
// view capacity falls back to the capacity.
func (m *Mirror) Recent(n int) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n <= 0 || n > m.capacity {
		n = m.capacity
	}
	if n > len(m.entries) {
		n = len(m.entries)
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = m.entries[len(m.entries)-1-i]
	}
	return out
}

// Get retrieves an entry by sequence number.
func (m *Mirror) Get(seq uint64) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if seq == 0 || seq > uint64(len(m.entries)) {
		return nil, fmt.Errorf("entry %d not found", seq)
	}
	entry := m.entries[seq-1]
	return &entry, nil
}

// Head returns the current head hash.
func (m *Mirror) Head() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.headHash
}

// Length returns the number of entries.
func (m *Mirror) Length() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Verify checks the integrity of the entire chain.
func (m *Mirror) Verify() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prevHash := "genesis"
	for i, entry := range m.entries {
		if entry.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, entry.PrevHash)
		}

		hashInput := struct {
			Seq      uint64         `json:"seq"`
			Type     EntryType      `json:"type"`
			Data     map[string]any `json:"data"`
			PrevHash string         `json:"prev"`
		}{entry.Sequence, entry.EntryType, entry.Data, entry.PrevHash}

		raw, err := json.Marshal(hashInput)
		if err != nil {
			return false, fmt.Sprintf("failed to marshal entry %d", i+1)
		}
		h := sha256.Sum256(raw)
		computed := "sha256:" + hex.EncodeToString(h[:])

		if computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prevHash = entry.ContentHash
	}

	return true, "chain verified"
}
