// Package sale is the durable ledger for token sales: static terms,
// progress counters, and per-wallet purchase/claim history.
//
// The ledger is the single source of truth for "is this oversold". Counter
// mutation happens only through RecordPurchase and RecordClaim, and only
// the settlement engine calls those, inside its per-sale lease.
package sale

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("sale: not found")
	ErrAlreadyExists      = errors.New("sale: already exists")
	ErrNotActive          = errors.New("sale: not active")
	ErrNotFinalized       = errors.New("sale: not finalized")
	ErrExceedsSupply      = errors.New("sale: purchase exceeds remaining supply")
	ErrExceedsClaimable   = errors.New("sale: claim exceeds claimable balance")
	ErrDuplicateSignature = errors.New("sale: signature already recorded")
)

// Status represents the lifecycle phase of a sale.
type Status string

const (
	StatusActive    Status = "active"
	StatusFinalized Status = "finalized"
)

// Sale holds a sale's static terms and mutable progress counters.
// The mint address doubles as the sale identifier.
type Sale struct {
	Mint          string     `json:"mint"`
	Status        Status     `json:"status"`
	TotalUnits    uint64     `json:"totalUnits"`
	UnitsSold     uint64     `json:"unitsSold"`
	UnitsClaimed  uint64     `json:"unitsClaimed"`
	PriceLamports uint64     `json:"priceLamports"` // price per unit
	EscrowKeyRef  string     `json:"-"`             // opaque reference into the key vault, never serialized
	EscrowAddress string     `json:"escrowAddress"`
	VaultAddress  string     `json:"vaultAddress"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	FinalizedAt   *time.Time `json:"finalizedAt,omitempty"`
}

// Remaining returns the units still available for purchase.
func (s *Sale) Remaining() uint64 {
	if s.UnitsSold >= s.TotalUnits {
		return 0
	}
	return s.TotalUnits - s.UnitsSold
}

// Purchase is an append-only record of one confirmed purchase.
// Rows exist only for transactions that confirmed on chain.
type Purchase struct {
	ID               string    `json:"id"`
	SaleMint         string    `json:"saleMint"`
	Buyer            string    `json:"buyer"`
	LamportsPaid     uint64    `json:"lamportsPaid"`
	Units            uint64    `json:"units"`
	UnitsToClaimable uint64    `json:"unitsToClaimable"`
	UnitsToVault     uint64    `json:"unitsToVault"`
	Signature        string    `json:"signature"` // unique
	CreatedAt        time.Time `json:"createdAt"`
}

// Claim tracks a wallet's cumulative claimed units for a sale.
// CumulativeUnits is monotonic non-decreasing and bounded by the wallet's
// claimable allocation computed from its purchase rows.
type Claim struct {
	SaleMint        string    `json:"saleMint"`
	Wallet          string    `json:"wallet"`
	CumulativeUnits uint64    `json:"cumulativeUnits"`
	LastSignature   string    `json:"lastSignature"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// PendingSignature parks a transaction whose confirmation timed out so an
// out-of-band reconciliation job can settle its fate. Counters are never
// advanced from these rows by this service.
type PendingSignature struct {
	ID        string    `json:"id"`
	SaleMint  string    `json:"saleMint"`
	Buyer     string    `json:"buyer"`
	Mode      string    `json:"mode"` // "purchase" or "claim"
	Units     uint64    `json:"units"`
	Signature string    `json:"signature"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists sale data.
//
// RecordPurchase and RecordClaim are the only counter writers and must be
// atomic: the capacity check, counter advance, and row insert happen in a
// single transaction (or under the memory store's lock) so a concurrent
// writer cannot interleave between check and write.
type Store interface {
	CreateSale(ctx context.Context, s *Sale) error
	GetSale(ctx context.Context, mint string) (*Sale, error)
	ListSales(ctx context.Context, limit int) ([]*Sale, error)

	// FinalizeSale flips active to finalized. Finalizing an already
	// finalized sale returns ErrNotActive; the transition never reverses.
	FinalizeSale(ctx context.Context, mint string) error

	// DeleteSale removes a sale row. Only used to unwind a create whose
	// escrow key could not be sealed; a sale with recorded settlements is
	// never deleted.
	DeleteSale(ctx context.Context, mint string) error

	// RecordPurchase appends the purchase row and advances units_sold.
	// Returns ErrExceedsSupply if the purchase would oversell and
	// ErrDuplicateSignature if the signature was already recorded.
	RecordPurchase(ctx context.Context, p *Purchase) error

	// RecordClaim adds units to the wallet's cumulative claimed total and
	// advances units_claimed, bounded by the wallet's allocation.
	RecordClaim(ctx context.Context, mint, wallet string, units uint64, signature string) error

	GetClaim(ctx context.Context, mint, wallet string) (*Claim, error)
	ListPurchasesByBuyer(ctx context.Context, mint, buyer string) ([]*Purchase, error)

	// AddPendingSignature parks a confirmation-timeout transaction for
	// out-of-band reconciliation.
	AddPendingSignature(ctx context.Context, ps *PendingSignature) error
	ListPendingSignatures(ctx context.Context, mint string) ([]*PendingSignature, error)
}

// Ledger layers domain rules over a Store.
type Ledger struct {
	store Store
}

// NewLedger creates a ledger backed by the given store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Store exposes the underlying store for direct reads.
func (l *Ledger) Store() Store { return l.store }

// Create registers a new sale in active status with zeroed counters.
func (l *Ledger) Create(ctx context.Context, s *Sale) error {
	now := time.Now()
	s.Status = StatusActive
	s.UnitsSold = 0
	s.UnitsClaimed = 0
	s.CreatedAt = now
	s.UpdatedAt = now
	return l.store.CreateSale(ctx, s)
}

// Get fetches a sale by mint address.
func (l *Ledger) Get(ctx context.Context, mint string) (*Sale, error) {
	return l.store.GetSale(ctx, mint)
}

// Finalize transitions a sale from active to finalized.
func (l *Ledger) Finalize(ctx context.Context, mint string) error {
	return l.store.FinalizeSale(ctx, mint)
}

// ClaimableBalance computes the units a wallet can still claim: the sum of
// its purchases' claimable-pool allocations minus what it has already
// claimed.
func (l *Ledger) ClaimableBalance(ctx context.Context, mint, wallet string) (uint64, error) {
	purchases, err := l.store.ListPurchasesByBuyer(ctx, mint, wallet)
	if err != nil {
		return 0, err
	}

	var allocation uint64
	for _, p := range purchases {
		allocation += p.UnitsToClaimable
	}

	claim, err := l.store.GetClaim(ctx, mint, wallet)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return allocation, nil
		}
		return 0, err
	}

	if claim.CumulativeUnits >= allocation {
		return 0, nil
	}
	return allocation - claim.CumulativeUnits, nil
}

// RecordPurchase appends a confirmed purchase and advances the sold counter.
func (l *Ledger) RecordPurchase(ctx context.Context, p *Purchase) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	return l.store.RecordPurchase(ctx, p)
}

// RecordClaim advances a wallet's cumulative claimed units.
func (l *Ledger) RecordClaim(ctx context.Context, mint, wallet string, units uint64, signature string) error {
	return l.store.RecordClaim(ctx, mint, wallet, units, signature)
}

// ParkSignature records a confirmation-timeout transaction for reconciliation.
func (l *Ledger) ParkSignature(ctx context.Context, ps *PendingSignature) error {
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = time.Now()
	}
	return l.store.AddPendingSignature(ctx, ps)
}
