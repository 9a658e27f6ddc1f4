package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritrail/core/pkg/escrow"
	"github.com/veritrail/core/pkg/payments"
	"github.com/veritrail/core/pkg/store"
)

func TestPostgresSaveAgreement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO escrows").
		WithArgs("esc-1", "unit-1", "buyer", "seller", int64(10_000), "USD",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "OPEN",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := store.NewPostgresEscrowStore(db)
	err = s.SaveAgreement(context.Background(), escrow.Agreement{
		EscrowID: "esc-1", UnitID: "unit-1", Payer: "buyer", Payee: "seller",
		Amount:             payments.NewMoney(10_000, "USD"),
		CreatedAt:          time.Now().UTC(),
		ExpectedDeliveryBy: time.Now().UTC().Add(time.Hour),
		State:              escrow.StateOpen,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// The upsert carries a WHERE guard so a terminal row is never rewritten;
// the store call still succeeds when zero rows match.
func TestPostgresSaveAgreement_TerminalRowUntouched(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("WHERE escrows.state = 'OPEN'").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := store.NewPostgresEscrowStore(db)
	err = s.SaveAgreement(context.Background(), escrow.Agreement{
		EscrowID: "esc-1", UnitID: "unit-1", Payer: "buyer", Payee: "seller",
		Amount: payments.NewMoney(10_000, "USD"),
		State:  escrow.StateReleased,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAgreementState(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT state FROM escrows").
		WithArgs("esc-1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("PENALIZED"))

	s := store.NewPostgresEscrowStore(db)
	state, err := s.AgreementState(context.Background(), "esc-1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatePenalized, state)
}

func TestPostgresAgreementState_Unknown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT state FROM escrows").
		WithArgs("esc-missing").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))

	s := store.NewPostgresEscrowStore(db)
	_, err = s.AgreementState(context.Background(), "esc-missing")
	assert.ErrorIs(t, err, escrow.ErrUnknownEscrow)
}
