//go:build integration

package sale

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintflow/launchpad/internal/testutil"
)

func setupTestStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func pgSale(mint string, total uint64) *Sale {
	return &Sale{
		Mint:          mint,
		Status:        StatusActive,
		TotalUnits:    total,
		PriceLamports: 1000,
		EscrowKeyRef:  "vault://escrow/" + mint,
		EscrowAddress: "Escrow1111111111111111111111111111111111111",
		VaultAddress:  "Vau1t111111111111111111111111111111111111111",
		CreatedAt:     time.Now(),
	}
}

func TestPostgresSaleLifecycle(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.CreateSale(ctx, pgSale("pgMintA", 1000)))
	assert.ErrorIs(t, store.CreateSale(ctx, pgSale("pgMintA", 1000)), ErrAlreadyExists)

	got, err := store.GetSale(ctx, "pgMintA")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, uint64(1000), got.TotalUnits)

	require.NoError(t, store.FinalizeSale(ctx, "pgMintA"))
	assert.ErrorIs(t, store.FinalizeSale(ctx, "pgMintA"), ErrNotActive)
	assert.ErrorIs(t, store.FinalizeSale(ctx, "pgMissing"), ErrNotFound)

	got, err = store.GetSale(ctx, "pgMintA")
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, got.Status)
	require.NotNil(t, got.FinalizedAt)

	require.NoError(t, store.CreateSale(ctx, pgSale("pgMintB", 10)))
	require.NoError(t, store.DeleteSale(ctx, "pgMintB"))
	assert.ErrorIs(t, store.DeleteSale(ctx, "pgMintB"), ErrNotFound)
	_, err = store.GetSale(ctx, "pgMintB")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRecordPurchaseGuards(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.CreateSale(ctx, pgSale("pgMintB", 1000)))

	p := &Purchase{
		SaleMint: "pgMintB", Buyer: "wallet1", LamportsPaid: 700_000,
		Units: 700, UnitsToClaimable: 350, UnitsToVault: 350,
		Signature: "pgSig1", CreatedAt: time.Now(),
	}
	require.NoError(t, store.RecordPurchase(ctx, p))

	// Oversell guard fires inside the UPDATE's WHERE clause.
	err := store.RecordPurchase(ctx, &Purchase{
		SaleMint: "pgMintB", Buyer: "wallet2", Units: 700,
		UnitsToClaimable: 350, UnitsToVault: 350,
		Signature: "pgSig2", CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrExceedsSupply)

	// Rejected write leaves the counter untouched.
	got, err := store.GetSale(ctx, "pgMintB")
	require.NoError(t, err)
	assert.Equal(t, uint64(700), got.UnitsSold)

	// Duplicate signature guard rolls back the counter advance too.
	err = store.RecordPurchase(ctx, &Purchase{
		SaleMint: "pgMintB", Buyer: "wallet2", Units: 100,
		UnitsToClaimable: 50, UnitsToVault: 50,
		Signature: "pgSig1", CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrDuplicateSignature)

	got, err = store.GetSale(ctx, "pgMintB")
	require.NoError(t, err)
	assert.Equal(t, uint64(700), got.UnitsSold)

	err = store.RecordPurchase(ctx, &Purchase{
		SaleMint: "pgMissing", Buyer: "wallet1", Units: 1,
		Signature: "pgSig3", CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRecordClaimBounds(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.CreateSale(ctx, pgSale("pgMintC", 1000)))
	require.NoError(t, store.RecordPurchase(ctx, &Purchase{
		SaleMint: "pgMintC", Buyer: "wallet1", Units: 400,
		UnitsToClaimable: 200, UnitsToVault: 200,
		Signature: "pgSigC1", CreatedAt: time.Now(),
	}))

	require.NoError(t, store.RecordClaim(ctx, "pgMintC", "wallet1", 150, "pgClaim1"))
	assert.ErrorIs(t, store.RecordClaim(ctx, "pgMintC", "wallet1", 51, "pgClaim2"), ErrExceedsClaimable)
	require.NoError(t, store.RecordClaim(ctx, "pgMintC", "wallet1", 50, "pgClaim3"))

	claim, err := store.GetClaim(ctx, "pgMintC", "wallet1")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), claim.CumulativeUnits)
	assert.Equal(t, "pgClaim3", claim.LastSignature)

	got, err := store.GetSale(ctx, "pgMintC")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), got.UnitsClaimed)
}

func TestPostgresPendingSignatures(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.CreateSale(ctx, pgSale("pgMintD", 1000)))

	ps := &PendingSignature{
		SaleMint: "pgMintD", Buyer: "wallet1", Mode: "purchase",
		Units: 100, Signature: "pgSlowSig", CreatedAt: time.Now(),
	}
	require.NoError(t, store.AddPendingSignature(ctx, ps))
	// Parking the same signature twice is a no-op.
	require.NoError(t, store.AddPendingSignature(ctx, ps))

	pending, err := store.ListPendingSignatures(ctx, "pgMintD")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "pgSlowSig", pending[0].Signature)
}
