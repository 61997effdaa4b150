package sale

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mintflow/launchpad/internal/idgen"
)

// MemoryStore is an in-memory sale store for demo/development mode.
type MemoryStore struct {
	mu         sync.RWMutex
	sales      map[string]*Sale
	purchases  map[string][]*Purchase      // mint -> rows, append order
	claims     map[string]map[string]*Claim // mint -> wallet -> row
	pending    map[string][]*PendingSignature
	signatures map[string]struct{} // purchase signature uniqueness
}

// NewMemoryStore creates a new in-memory sale store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sales:      make(map[string]*Sale),
		purchases:  make(map[string][]*Purchase),
		claims:     make(map[string]map[string]*Claim),
		pending:    make(map[string][]*PendingSignature),
		signatures: make(map[string]struct{}),
	}
}

func (m *MemoryStore) CreateSale(ctx context.Context, s *Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sales[s.Mint]; ok {
		return ErrAlreadyExists
	}
	cp := *s
	m.sales[s.Mint] = &cp
	return nil
}

func (m *MemoryStore) DeleteSale(ctx context.Context, mint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sales[mint]; !ok {
		return ErrNotFound
	}
	delete(m.sales, mint)
	return nil
}

func (m *MemoryStore) GetSale(ctx context.Context, mint string) (*Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sales[mint]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSales(ctx context.Context, limit int) ([]*Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Sale, 0, len(m.sales))
	for _, s := range m.sales {
		cp := *s
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) FinalizeSale(ctx context.Context, mint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sales[mint]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusActive {
		return ErrNotActive
	}
	now := time.Now()
	s.Status = StatusFinalized
	s.FinalizedAt = &now
	s.UpdatedAt = now
	return nil
}

func (m *MemoryStore) RecordPurchase(ctx context.Context, p *Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sales[p.SaleMint]
	if !ok {
		return ErrNotFound
	}
	if _, dup := m.signatures[p.Signature]; dup {
		return ErrDuplicateSignature
	}
	if s.UnitsSold+p.Units > s.TotalUnits {
		return ErrExceedsSupply
	}

	if p.ID == "" {
		p.ID = idgen.WithPrefix("pur_")
	}
	cp := *p
	s.UnitsSold += p.Units
	s.UpdatedAt = time.Now()
	m.purchases[p.SaleMint] = append(m.purchases[p.SaleMint], &cp)
	m.signatures[p.Signature] = struct{}{}
	return nil
}

func (m *MemoryStore) RecordClaim(ctx context.Context, mint, wallet string, units uint64, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sales[mint]
	if !ok {
		return ErrNotFound
	}

	// Allocation is the sum of the wallet's claimable-pool purchases.
	var allocation uint64
	for _, p := range m.purchases[mint] {
		if p.Buyer == wallet {
			allocation += p.UnitsToClaimable
		}
	}

	claims, ok := m.claims[mint]
	if !ok {
		claims = make(map[string]*Claim)
		m.claims[mint] = claims
	}

	var claimed uint64
	if c, ok := claims[wallet]; ok {
		claimed = c.CumulativeUnits
	}

	if claimed+units > allocation {
		return ErrExceedsClaimable
	}

	claims[wallet] = &Claim{
		SaleMint:        mint,
		Wallet:          wallet,
		CumulativeUnits: claimed + units,
		LastSignature:   signature,
		UpdatedAt:       time.Now(),
	}
	s.UnitsClaimed += units
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetClaim(ctx context.Context, mint, wallet string) (*Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.claims[mint][wallet]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListPurchasesByBuyer(ctx context.Context, mint, buyer string) ([]*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Purchase
	for _, p := range m.purchases[mint] {
		if p.Buyer == buyer {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) AddPendingSignature(ctx context.Context, ps *PendingSignature) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ps.ID == "" {
		ps.ID = idgen.WithPrefix("pend_")
	}
	cp := *ps
	m.pending[ps.SaleMint] = append(m.pending[ps.SaleMint], &cp)
	return nil
}

func (m *MemoryStore) ListPendingSignatures(ctx context.Context, mint string) ([]*PendingSignature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*PendingSignature, 0, len(m.pending[mint]))
	for _, ps := range m.pending[mint] {
		cp := *ps
		result = append(result, &cp)
	}
	return result, nil
}
