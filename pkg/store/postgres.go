package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/veritrail/core/pkg/escrow"
)

// PostgresEscrowStore implements escrow.Persister on PostgreSQL, for
// deployments where several core instances share escrow state.
type PostgresEscrowStore struct {
	db *sql.DB
}

// NewPostgresEscrowStore wraps an existing handle. The schema is expected
// to be provisioned by migration tooling:
//
//	CREATE TABLE escrows (
//		escrow_id TEXT PRIMARY KEY,
//		unit_id TEXT NOT NULL,
//		payer TEXT NOT NULL,
//		payee TEXT NOT NULL,
//		amount_minor BIGINT NOT NULL,
//		currency TEXT NOT NULL,
//		conditions JSONB,
//		created_at TIMESTAMPTZ NOT NULL,
//		expected_delivery_by TIMESTAMPTZ NOT NULL,
//		state TEXT NOT NULL,
//		verdict JSONB,
//		settled_at TIMESTAMPTZ,
//		settled_legs JSONB,
//		pending_state TEXT,
//		pending_verdict JSONB
//	);
func NewPostgresEscrowStore(db *sql.DB) *PostgresEscrowStore {
	return &PostgresEscrowStore{db: db}
}

// SaveAgreement upserts an agreement. The WHERE guard on update keeps
// terminal states immutable even if two instances race a settlement.
func (s *PostgresEscrowStore) SaveAgreement(ctx context.Context, a escrow.Agreement) error {
	conditions, _ := json.Marshal(a.Conditions)
	var verdict any
	if a.Verdict != nil {
		raw, _ := json.Marshal(a.Verdict)
		verdict = string(raw)
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

	query := `
		INSERT INTO escrows (escrow_id, unit_id, payer, payee, amount_minor, currency, conditions,
			created_at, expected_delivery_by, state, verdict, settled_at, settled_legs,
			pending_state, pending_verdict)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (escrow_id) DO UPDATE SET
			state = EXCLUDED.state,
			verdict = EXCLUDED.verdict,
			settled_at = EXCLUDED.settled_at,
			settled_legs = EXCLUDED.settled_legs,
			pending_state = EXCLUDED.pending_state,
			pending_verdict = EXCLUDED.pending_verdict
		WHERE escrows.state = 'OPEN'
	`
	_, err := s.db.ExecContext(ctx, query,
		a.EscrowID, a.UnitID, a.Payer, a.Payee, a.Amount.AmountMinor, a.Amount.Currency,
		string(conditions), a.CreatedAt, a.ExpectedDeliveryBy, string(a.State), verdict, a.SettledAt,
		settledLegs, string(a.PendingState), pendingVerdict,
	)
	if err != nil {
		return fmt.Errorf("store: save agreement: %w", err)
	}
	return nil
}

// AgreementState reads back the persisted state of an escrow.
func (s *PostgresEscrowStore) AgreementState(ctx context.Context, escrowID string) (escrow.State, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM escrows WHERE escrow_id = $1", escrowID).Scan(&state)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", escrow.ErrUnknownEscrow, escrowID)
	}
	if err != nil {
		return "", fmt.Errorf("store: agreement state: %w", err)
	}
	return escrow.State(state), nil
}
