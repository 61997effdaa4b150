package txbuild

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintflow/launchpad/internal/chain"
	"github.com/mintflow/launchpad/internal/sale"
)

type fakeChain struct {
	blockhash     solana.Hash
	accountExists bool
	existsErr     error
}

func (f *fakeChain) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return f.blockhash, nil
}

func (f *fakeChain) AccountExists(ctx context.Context, addr solana.PublicKey) (bool, error) {
	return f.accountExists, f.existsErr
}

func (f *fakeChain) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	return solana.Signature{}, nil
}

func (f *fakeChain) AwaitConfirmation(ctx context.Context, sig solana.Signature, timeout time.Duration) (*chain.Confirmation, error) {
	return &chain.Confirmation{Signature: sig}, nil
}

func testSale(t *testing.T) *sale.Sale {
	t.Helper()
	return &sale.Sale{
		Mint:          solana.NewWallet().PublicKey().String(),
		Status:        sale.StatusActive,
		TotalUnits:    1000,
		PriceLamports: 5,
		EscrowAddress: solana.NewWallet().PublicKey().String(),
		VaultAddress:  solana.NewWallet().PublicKey().String(),
	}
}

func newTestBuilder(t *testing.T, store sale.Store) (*Builder, *fakeChain) {
	t.Helper()
	fc := &fakeChain{blockhash: solana.Hash{1, 2, 3}}
	return New(sale.NewLedger(store), fc), fc
}

func TestComputePurchase(t *testing.T) {
	s := testSale(t)

	t.Run("zero units rejected", func(t *testing.T) {
		_, err := ComputePurchase(s, 0)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("full amount within supply", func(t *testing.T) {
		a, err := ComputePurchase(s, 400)
		require.NoError(t, err)
		assert.Equal(t, uint64(400), a.Units)
		assert.Equal(t, uint64(2000), a.LamportsDue)
		assert.Equal(t, uint64(200), a.UnitsToVault)
		assert.Equal(t, uint64(200), a.UnitsToClaimable)
		assert.False(t, a.Clamped)
	})

	t.Run("odd units round in favor of claimable", func(t *testing.T) {
		a, err := ComputePurchase(s, 7)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), a.UnitsToVault)
		assert.Equal(t, uint64(4), a.UnitsToClaimable)
		assert.Equal(t, a.Units, a.UnitsToVault+a.UnitsToClaimable)
	})

	t.Run("clamped to remaining supply", func(t *testing.T) {
		partial := testSale(t)
		partial.UnitsSold = 700
		a, err := ComputePurchase(partial, 700)
		require.NoError(t, err)
		assert.Equal(t, uint64(300), a.Units)
		assert.Equal(t, uint64(1500), a.LamportsDue)
		assert.True(t, a.Clamped)
	})

	t.Run("sold out", func(t *testing.T) {
		done := testSale(t)
		done.UnitsSold = done.TotalUnits
		_, err := ComputePurchase(done, 1)
		assert.ErrorIs(t, err, sale.ErrExceedsSupply)
	})

	t.Run("payment overflow rejected", func(t *testing.T) {
		pricey := testSale(t)
		pricey.TotalUnits = math.MaxUint64
		pricey.PriceLamports = math.MaxUint64 / 2
		_, err := ComputePurchase(pricey, 3)
		assert.ErrorIs(t, err, ErrAmountTooBig)
	})
}

func TestPurchaseInstructions(t *testing.T) {
	s := testSale(t)
	keys, err := SaleKeys(s)
	require.NoError(t, err)
	buyer := solana.NewWallet().PublicKey()

	a, err := ComputePurchase(s, 100)
	require.NoError(t, err)
	insts := PurchaseInstructions(keys, buyer, a)
	require.Len(t, insts, 2)

	assert.Equal(t, solana.SystemProgramID, insts[0].ProgramID())
	assert.Equal(t, solana.TokenProgramID, insts[1].ProgramID())

	// Payment flows from the buyer to the escrow account.
	payAccts := insts[0].Accounts()
	require.Len(t, payAccts, 2)
	assert.Equal(t, buyer, payAccts[0].PublicKey)
	assert.Equal(t, keys.Escrow, payAccts[1].PublicKey)

	// Vault transfer moves tokens out of the escrow token account.
	tokAccts := insts[1].Accounts()
	require.GreaterOrEqual(t, len(tokAccts), 3)
	assert.Equal(t, keys.EscrowATA, tokAccts[0].PublicKey)
	assert.Equal(t, keys.Vault, tokAccts[1].PublicKey)
	assert.Equal(t, keys.Escrow, tokAccts[2].PublicKey)
}

func TestBuildPurchase(t *testing.T) {
	ctx := context.Background()
	buyer := solana.NewWallet().PublicKey()

	t.Run("assembles unsigned transaction with buyer as fee payer", func(t *testing.T) {
		b, fc := newTestBuilder(t, sale.NewMemoryStore())
		s := testSale(t)

		res, err := b.BuildPurchase(ctx, s, buyer, 250)
		require.NoError(t, err)
		require.NotNil(t, res.Tx)

		assert.Equal(t, uint64(250), res.Amounts.Units)
		assert.Equal(t, fc.blockhash, res.Tx.Message.RecentBlockhash)
		require.NotEmpty(t, res.Tx.Message.AccountKeys)
		assert.Equal(t, buyer, res.Tx.Message.AccountKeys[0])
		assert.Len(t, res.Tx.Message.Instructions, 2)

		// Unsigned: signature slots exist but hold no signatures yet.
		for _, sig := range res.Tx.Signatures {
			assert.True(t, sig.IsZero())
		}
	})

	t.Run("rejects non-active sale", func(t *testing.T) {
		b, _ := newTestBuilder(t, sale.NewMemoryStore())
		s := testSale(t)
		s.Status = sale.StatusFinalized

		_, err := b.BuildPurchase(ctx, s, buyer, 10)
		assert.ErrorIs(t, err, sale.ErrNotActive)
	})

	t.Run("rejects malformed sale addresses", func(t *testing.T) {
		b, _ := newTestBuilder(t, sale.NewMemoryStore())
		s := testSale(t)
		s.VaultAddress = "not-an-address"

		_, err := b.BuildPurchase(ctx, s, buyer, 10)
		assert.ErrorIs(t, err, ErrBadAddress)
	})
}

func TestBuildClaim(t *testing.T) {
	ctx := context.Background()
	buyer := solana.NewWallet().PublicKey()

	// Seed a finalized sale with a confirmed purchase so the buyer holds a
	// claimable balance.
	seed := func(t *testing.T, store sale.Store) *sale.Sale {
		t.Helper()
		ledger := sale.NewLedger(store)
		s := testSale(t)
		require.NoError(t, ledger.Create(ctx, s))
		require.NoError(t, ledger.RecordPurchase(ctx, &sale.Purchase{
			SaleMint:         s.Mint,
			Buyer:            buyer.String(),
			Units:            100,
			UnitsToVault:     50,
			UnitsToClaimable: 50,
			LamportsPaid:     500,
			Signature:        solana.NewWallet().PublicKey().String(),
		}))
		require.NoError(t, ledger.Finalize(ctx, s.Mint))
		got, err := ledger.Get(ctx, s.Mint)
		require.NoError(t, err)
		return got
	}

	t.Run("rejects active sale", func(t *testing.T) {
		b, _ := newTestBuilder(t, sale.NewMemoryStore())
		s := testSale(t)

		_, err := b.BuildClaim(ctx, s, buyer)
		assert.ErrorIs(t, err, sale.ErrNotFinalized)
	})

	t.Run("rejects wallet with nothing to claim", func(t *testing.T) {
		store := sale.NewMemoryStore()
		b, _ := newTestBuilder(t, store)
		s := seed(t, store)

		stranger := solana.NewWallet().PublicKey()
		_, err := b.BuildClaim(ctx, s, stranger)
		assert.ErrorIs(t, err, sale.ErrExceedsClaimable)
	})

	t.Run("transfers full claimable balance to existing account", func(t *testing.T) {
		store := sale.NewMemoryStore()
		b, fc := newTestBuilder(t, store)
		fc.accountExists = true
		s := seed(t, store)

		res, err := b.BuildClaim(ctx, s, buyer)
		require.NoError(t, err)
		assert.Equal(t, uint64(50), res.Amounts.Units)
		assert.False(t, res.Amounts.CreatesAccount)
		require.Len(t, res.Instructions, 1)
		assert.Equal(t, solana.TokenProgramID, res.Instructions[0].ProgramID())
		assert.Equal(t, buyer, res.Tx.Message.AccountKeys[0])
	})

	t.Run("prepends account creation when destination is absent", func(t *testing.T) {
		store := sale.NewMemoryStore()
		b, fc := newTestBuilder(t, store)
		fc.accountExists = false
		s := seed(t, store)

		res, err := b.BuildClaim(ctx, s, buyer)
		require.NoError(t, err)
		assert.True(t, res.Amounts.CreatesAccount)
		require.Len(t, res.Instructions, 2)
		assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, res.Instructions[0].ProgramID())
		assert.Equal(t, solana.TokenProgramID, res.Instructions[1].ProgramID())
	})

	t.Run("partially claimed wallet claims only the remainder", func(t *testing.T) {
		store := sale.NewMemoryStore()
		b, fc := newTestBuilder(t, store)
		fc.accountExists = true
		s := seed(t, store)

		ledger := sale.NewLedger(store)
		require.NoError(t, ledger.RecordClaim(ctx, s.Mint, buyer.String(), 30, solana.NewWallet().PublicKey().String()))

		res, err := b.BuildClaim(ctx, s, buyer)
		require.NoError(t, err)
		assert.Equal(t, uint64(20), res.Amounts.Units)
	})
}
