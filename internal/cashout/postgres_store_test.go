//go:build integration

package cashout

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sphpay/peacelink/internal/idgen"
	"github.com/sphpay/peacelink/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_DecideOnlyOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	createWallet(t, db, "w_co1", "user1", "01012345678")
	store := NewPostgresStore(db)
	ctx := context.Background()

	co := testCashout("w_co1", "user1")
	require.NoError(t, store.Create(ctx, co))

	require.NoError(t, store.UpdateStatus(ctx, co.ID, StatusProcessed, "", time.Now().UTC()))

	err := store.UpdateStatus(ctx, co.ID, StatusRejected, "too slow", time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotPending)

	got, err := store.Get(ctx, co.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, got.Status)
	assert.NotNil(t, got.DecidedAt)

	err = store.UpdateStatus(ctx, "co_missing", StatusRejected, "", time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_Lists(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	createWallet(t, db, "w_co2", "user2", "01087654321")
	store := NewPostgresStore(db)
	ctx := context.Background()

	first := testCashout("w_co2", "user2")
	require.NoError(t, store.Create(ctx, first))
	second := testCashout("w_co2", "user2")
	second.CreatedAt = second.CreatedAt.Add(time.Second)
	require.NoError(t, store.Create(ctx, second))
	require.NoError(t, store.UpdateStatus(ctx, first.ID, StatusCanceled, "", time.Now().UTC()))

	byUser, err := store.ListByUser(ctx, "user2", 10)
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, second.ID, byUser[0].ID, "newest first")

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}

func testCashout(walletID, userID string) *Cashout {
	amount := decimal.NewFromInt(1000)
	return &Cashout{
		ID:              idgen.WithPrefix("co_"),
		UserID:          userID,
		WalletID:        walletID,
		Phone:           "01012345678",
		RequestedAmount: amount,
		FeeAmount:       decimal.NewFromInt(15),
		NetAmount:       amount,
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC().Truncate(time.Millisecond),
	}
}

// createWallet satisfies the cashouts.wallet_id foreign key.
func createWallet(t *testing.T, db *sql.DB, id, userID, number string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO wallets (id, user_id, wallet_number, available, held, updated_at)
		VALUES ($1, $2, $3, 0, 0, NOW())
	`, id, userID, number)
	require.NoError(t, err)
}
