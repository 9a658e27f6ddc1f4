// Package store provides durable backends for the provenance store and the
// escrow engine: an embedded SQLite store for single-node deployments and a
// Postgres escrow store for shared ones.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veritrail/core/pkg/anchor"
	"github.com/veritrail/core/pkg/escrow"
	"github.com/veritrail/core/pkg/provenance"
)

// SQLiteStore persists units, provenance events and escrow agreements.
// It implements provenance.Persister and escrow.Persister.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
// Use ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle and migrates it.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS units (
		unit_id TEXT PRIMARY KEY,
		name TEXT,
		sku TEXT,
		batch_id TEXT,
		manufacturer TEXT NOT NULL,
		category TEXT,
		created_at DATETIME NOT NULL,
		expiry_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS unit_events (
		unit_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		description TEXT,
		location TEXT,
		payload JSON,
		actor TEXT NOT NULL,
		occurred_at DATETIME NOT NULL,
		proof_ref TEXT,
		PRIMARY KEY (unit_id, seq)
	);
	CREATE TABLE IF NOT EXISTS escrows (
		escrow_id TEXT PRIMARY KEY,
		unit_id TEXT NOT NULL,
		payer TEXT NOT NULL,
		payee TEXT NOT NULL,
		amount_minor INTEGER NOT NULL,
		currency TEXT NOT NULL,
		conditions JSON,
		created_at DATETIME NOT NULL,
		expected_delivery_by DATETIME NOT NULL,
		state TEXT NOT NULL,
		verdict JSON,
		settled_at DATETIME,
		settled_legs JSON,
		pending_state TEXT,
		pending_verdict JSON
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveUnit inserts the descriptor row for a freshly minted unit, plus its
// initial events in one transaction.
func (s *SQLiteStore) SaveUnit(ctx context.Context, rec provenance.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var expiry any
	if rec.Descriptor.ExpiryAt != nil {
		expiry = rec.Descriptor.ExpiryAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO units (unit_id, name, sku, batch_id, manufacturer, category, created_at, expiry_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UnitID, rec.Descriptor.Name, rec.Descriptor.SKU, rec.Descriptor.BatchID,
		rec.Descriptor.Manufacturer, rec.Descriptor.Category,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano), expiry,
	)
	if err != nil {
		return fmt.Errorf("store: insert unit: %w", err)
	}

	for seq, ev := range rec.History {
		if err := insertEvent(ctx, tx, rec.UnitID, seq, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendEvent durably records one provenance event. The (unit_id, seq)
// primary key rejects out-of-order or duplicate appends.
func (s *SQLiteStore) AppendEvent(ctx context.Context, unitID string, seq int, ev provenance.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEvent(ctx, tx, unitID, seq, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, unitID string, seq int, ev provenance.Event) error {
	payload, _ := json.Marshal(ev.Payload)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO unit_events (unit_id, seq, kind, description, location, payload, actor, occurred_at, proof_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		unitID, seq, string(ev.Kind), ev.Description, ev.Location, string(payload),
		ev.Actor, ev.OccurredAt.UTC().Format(time.RFC3339Nano), string(ev.ProofRef),
	)
	if err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	return nil
}

// Events reads back a unit's persisted events in sequence order.
func (s *SQLiteStore) Events(ctx context.Context, unitID string) ([]provenance.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, description, location, payload, actor, occurred_at, proof_ref
		 FROM unit_events WHERE unit_id = ? ORDER BY seq`, unitID)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []provenance.Event
	for rows.Next() {
		var ev provenance.Event
		var kind, occurredAt, payload, proofRef string
		if err := rows.Scan(&kind, &ev.Description, &ev.Location, &payload, &ev.Actor, &occurredAt, &proofRef); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.Kind = provenance.EventKind(kind)
		ev.ProofRef = anchor.ProofRef(proofRef)
		if payload != "" && payload != "null" {
			_ = json.Unmarshal([]byte(payload), &ev.Payload)
		}
		t, err := time.Parse(time.RFC3339Nano, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("store: parse occurred_at: %w", err)
		}
		ev.OccurredAt = t
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveAgreement upserts an escrow agreement, including its cached verdict
// once settled and any settlement legs completed by an interrupted attempt.
func (s *SQLiteStore) SaveAgreement(ctx context.Context, a escrow.Agreement) error {
	conditions, _ := json.Marshal(a.Conditions)
	var verdict any
	if a.Verdict != nil {
		raw, _ := json.Marshal(a.Verdict)
		verdict = string(raw)
	}
	var settledAt any
	if a.SettledAt != nil {
		settledAt = a.SettledAt.UTC().Format(time.RFC3339Nano)
	}
	var settledLegs any
	if len(a.SettledLegs) > 0 {
		raw, _ := json.Marshal(a.SettledLegs)
		settledLegs = string(raw)
	}
	var pendingVerdict any
	if a.PendingVerdict != nil {
		raw, _ := json.Marshal(a.PendingVerdict)
		pendingVerdict = string(raw)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escrows (escrow_id, unit_id, payer, payee, amount_minor, currency, conditions,
			created_at, expected_delivery_by, state, verdict, settled_at, settled_legs,
			pending_state, pending_verdict)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(escrow_id) DO UPDATE SET state = excluded.state,
			verdict = excluded.verdict, settled_at = excluded.settled_at,
			settled_legs = excluded.settled_legs,
			pending_state = excluded.pending_state,
			pending_verdict = excluded.pending_verdict`,
		a.EscrowID, a.UnitID, a.Payer, a.Payee, a.Amount.AmountMinor, a.Amount.Currency,
		string(conditions), a.CreatedAt.UTC().Format(time.RFC3339Nano),
		a.ExpectedDeliveryBy.UTC().Format(time.RFC3339Nano), string(a.State), verdict, settledAt,
		settledLegs, string(a.PendingState), pendingVerdict,
	)
	if err != nil {
		return fmt.Errorf("store: save agreement: %w", err)
	}
	return nil
}

// AgreementState reads back the persisted state of an escrow.
func (s *SQLiteStore) AgreementState(ctx context.Context, escrowID string) (escrow.State, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM escrows WHERE escrow_id = ?`, escrowID).Scan(&state)
	if err != nil {
		return "", fmt.Errorf("store: agreement state: %w", err)
	}
	return escrow.State(state), nil
}
