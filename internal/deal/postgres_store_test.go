//go:build integration

package deal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/testutil"
)

func setupTestDB(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func TestPostgresStore_CreateFetch(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Record{
		DealID:       "pg-1",
		BuyerAddress: "0x1111111111111111111111111111111111111111",
		BuyerUserID:  "u-buyer",
		Amount:       "12.5",
		Token:        "USDC",
		Deadline:     1700000000,
		Status:       StatusDraft,
		ChannelID:    "ch-1",
	}))

	got, err := store.Fetch(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, "pg-1", got.DealID)
	assert.Equal(t, "12.500000", got.Amount)
	assert.Equal(t, StatusDraft, got.Status)
	assert.Empty(t, got.SellerAddress)
	assert.Empty(t, got.EscrowAddress)
	assert.Equal(t, "ch-1", got.ChannelID)

	_, err = store.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, ErrDealNotFound)
}

func TestPostgresStore_UpdateStatus(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Record{DealID: "pg-2", Amount: "1", Token: "USDC", Status: StatusDraft}))

	const escrow = "0xAbCdEf0000000000000000000000000000000001"

	require.NoError(t, store.UpdateStatus(ctx, "pg-2", StatusCreated, escrow))
	got, err := store.Fetch(ctx, "pg-2")
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Equal(t, escrow, got.EscrowAddress)

	// Empty address keeps the adopted one
	require.NoError(t, store.UpdateStatus(ctx, "pg-2", StatusFunded, ""))
	got, err = store.Fetch(ctx, "pg-2")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, got.Status)
	assert.Equal(t, escrow, got.EscrowAddress)

	// Same address in another case is accepted
	require.NoError(t, store.UpdateStatus(ctx, "pg-2", StatusReleased, "0xabcdef0000000000000000000000000000000001"))

	err = store.UpdateStatus(ctx, "pg-2", StatusReleased, "0x9999999999999999999999999999999999999999")
	assert.ErrorIs(t, err, ErrEscrowMismatch)

	err = store.UpdateStatus(ctx, "missing", StatusFunded, "")
	assert.ErrorIs(t, err, ErrDealNotFound)

	err = store.UpdateStatus(ctx, "pg-2", Status("bogus"), "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
