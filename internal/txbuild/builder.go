// Package txbuild constructs the unsigned instruction set for a purchase
// or claim from current ledger state. It is a pure read+compute step: no
// counter is ever decremented here, because the client may never return a
// signed transaction.
//
// The validator re-derives the same instruction set later, so the amount
// arithmetic lives in exported helpers shared by both packages.
package txbuild

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"
	atok "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/mintflow/launchpad/internal/chain"
	"github.com/mintflow/launchpad/internal/sale"
)

var (
	ErrInvalidAmount = errors.New("txbuild: requested amount must be positive")
	ErrAmountTooBig  = errors.New("txbuild: payment amount overflows")
	ErrBadAddress    = errors.New("txbuild: malformed address in sale record")
)

// Mode selects which instruction set a transaction settles.
type Mode string

const (
	ModePurchase Mode = "purchase"
	ModeClaim    Mode = "claim"
)

// Amounts are the exact figures a settlement moves, computed once here and
// re-derived byte-identically by the validator.
type Amounts struct {
	Units            uint64 `json:"units"`                  // units purchased or claimed
	LamportsDue      uint64 `json:"lamportsDue"`            // purchase payment, 0 for claims
	UnitsToVault     uint64 `json:"unitsToVault"`           // vault-bound half of a purchase
	UnitsToClaimable uint64 `json:"unitsToClaimable"`       // escrow-held half of a purchase
	Clamped          bool   `json:"clamped,omitempty"`      // requested amount exceeded remaining supply
	CreatesAccount   bool   `json:"createsAccount,omitempty"` // claim includes a destination create
}

// Result is an unsigned transaction plus everything the caller needs to
// echo back on confirm.
type Result struct {
	Tx           *solana.Transaction
	Instructions []solana.Instruction
	Amounts      Amounts
}

// Keys are the parsed on-chain addresses of a sale.
type Keys struct {
	Mint      solana.PublicKey
	Escrow    solana.PublicKey // escrow system account, token authority
	EscrowATA solana.PublicKey // escrow's associated token account for the mint
	Vault     solana.PublicKey // destination token account for vault-bound units
}

// SaleKeys parses and derives a sale's addresses.
func SaleKeys(s *sale.Sale) (Keys, error) {
	mint, err := solana.PublicKeyFromBase58(s.Mint)
	if err != nil {
		return Keys{}, fmt.Errorf("%w: mint %q", ErrBadAddress, s.Mint)
	}
	escrow, err := solana.PublicKeyFromBase58(s.EscrowAddress)
	if err != nil {
		return Keys{}, fmt.Errorf("%w: escrow %q", ErrBadAddress, s.EscrowAddress)
	}
	vault, err := solana.PublicKeyFromBase58(s.VaultAddress)
	if err != nil {
		return Keys{}, fmt.Errorf("%w: vault %q", ErrBadAddress, s.VaultAddress)
	}
	escrowATA, _, err := solana.FindAssociatedTokenAddress(escrow, mint)
	if err != nil {
		return Keys{}, fmt.Errorf("%w: derive escrow token account: %v", ErrBadAddress, err)
	}
	return Keys{Mint: mint, Escrow: escrow, EscrowATA: escrowATA, Vault: vault}, nil
}

// PurchaseSplit derives the payment and the vault/claimable split for a
// unit count taken as given. This is the single source of the purchase
// arithmetic: the builder quotes with it and the validator recomputes it
// against the sale record, so no client-supplied figure is ever trusted.
// Integer division sends the rounding remainder to the claimable pool.
func PurchaseSplit(s *sale.Sale, units uint64) (Amounts, error) {
	if units == 0 {
		return Amounts{}, ErrInvalidAmount
	}
	if s.PriceLamports != 0 && units > math.MaxUint64/s.PriceLamports {
		return Amounts{}, ErrAmountTooBig
	}
	vaultUnits := units / 2
	return Amounts{
		Units:            units,
		LamportsDue:      units * s.PriceLamports,
		UnitsToVault:     vaultUnits,
		UnitsToClaimable: units - vaultUnits,
	}, nil
}

// ComputePurchase clamps the requested units to remaining supply and
// derives the settlement figures for the clamped count.
func ComputePurchase(s *sale.Sale, requestedUnits uint64) (Amounts, error) {
	if requestedUnits == 0 {
		return Amounts{}, ErrInvalidAmount
	}
	remaining := s.Remaining()
	if remaining == 0 {
		return Amounts{}, sale.ErrExceedsSupply
	}

	units := requestedUnits
	clamped := false
	if units > remaining {
		units = remaining
		clamped = true
	}

	a, err := PurchaseSplit(s, units)
	if err != nil {
		return Amounts{}, err
	}
	a.Clamped = clamped
	return a, nil
}

// PurchaseInstructions derives the exact two-instruction set a correct
// purchase transaction must contain:
//  1. lamport transfer buyer -> escrow for the payment
//  2. token transfer escrow -> vault for the vault-bound units
func PurchaseInstructions(keys Keys, buyer solana.PublicKey, a Amounts) []solana.Instruction {
	return []solana.Instruction{
		system.NewTransferInstruction(a.LamportsDue, buyer, keys.Escrow).Build(),
		token.NewTransferInstruction(a.UnitsToVault, keys.EscrowATA, keys.Vault, keys.Escrow, nil).Build(),
	}
}

// ClaimInstructions derives the claim instruction set: an optional
// create-destination-account followed by the token transfer escrow -> buyer
// for the full claimable balance. The buyer pays for its own account.
func ClaimInstructions(keys Keys, buyer solana.PublicKey, units uint64, createDest bool) ([]solana.Instruction, error) {
	buyerATA, _, err := solana.FindAssociatedTokenAddress(buyer, keys.Mint)
	if err != nil {
		return nil, fmt.Errorf("%w: derive buyer token account: %v", ErrBadAddress, err)
	}

	var insts []solana.Instruction
	if createDest {
		insts = append(insts, atok.NewCreateInstruction(buyer, buyer, keys.Mint).Build())
	}
	insts = append(insts, token.NewTransferInstruction(units, keys.EscrowATA, buyerATA, keys.Escrow, nil).Build())
	return insts, nil
}

// Builder assembles unsigned settlement transactions.
type Builder struct {
	ledger *sale.Ledger
	chain  chain.Client
}

// New creates a transaction builder.
func New(ledger *sale.Ledger, chainClient chain.Client) *Builder {
	return &Builder{ledger: ledger, chain: chainClient}
}

// BuildPurchase produces the unsigned purchase transaction for a sale.
// The sale must be active.
func (b *Builder) BuildPurchase(ctx context.Context, s *sale.Sale, buyer solana.PublicKey, requestedUnits uint64) (*Result, error) {
	if s.Status != sale.StatusActive {
		return nil, sale.ErrNotActive
	}

	amounts, err := ComputePurchase(s, requestedUnits)
	if err != nil {
		return nil, err
	}

	keys, err := SaleKeys(s)
	if err != nil {
		return nil, err
	}

	insts := PurchaseInstructions(keys, buyer, amounts)
	tx, err := b.assemble(ctx, insts, buyer)
	if err != nil {
		return nil, err
	}
	return &Result{Tx: tx, Instructions: insts, Amounts: amounts}, nil
}

// BuildClaim produces the unsigned claim transaction for the buyer's full
// claimable balance. The sale must be finalized.
func (b *Builder) BuildClaim(ctx context.Context, s *sale.Sale, buyer solana.PublicKey) (*Result, error) {
	if s.Status != sale.StatusFinalized {
		return nil, sale.ErrNotFinalized
	}

	claimable, err := b.ledger.ClaimableBalance(ctx, s.Mint, buyer.String())
	if err != nil {
		return nil, err
	}
	if claimable == 0 {
		return nil, sale.ErrExceedsClaimable
	}

	keys, err := SaleKeys(s)
	if err != nil {
		return nil, err
	}

	buyerATA, _, err := solana.FindAssociatedTokenAddress(buyer, keys.Mint)
	if err != nil {
		return nil, fmt.Errorf("%w: derive buyer token account: %v", ErrBadAddress, err)
	}
	exists, err := b.chain.AccountExists(ctx, buyerATA)
	if err != nil {
		return nil, err
	}

	insts, err := ClaimInstructions(keys, buyer, claimable, !exists)
	if err != nil {
		return nil, err
	}

	tx, err := b.assemble(ctx, insts, buyer)
	if err != nil {
		return nil, err
	}
	return &Result{
		Tx:           tx,
		Instructions: insts,
		Amounts:      Amounts{Units: claimable, UnitsToClaimable: claimable, CreatesAccount: !exists},
	}, nil
}

// assemble wraps instructions in an unsigned transaction with a fresh
// blockhash and the buyer as fee payer.
func (b *Builder) assemble(ctx context.Context, insts []solana.Instruction, buyer solana.PublicKey) (*solana.Transaction, error) {
	blockhash, err := b.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := solana.NewTransaction(insts, blockhash, solana.TransactionPayer(buyer))
	if err != nil {
		return nil, fmt.Errorf("txbuild: assemble transaction: %w", err)
	}
	return tx, nil
}
