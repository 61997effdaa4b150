package sale

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/mintflow/launchpad/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed sale store.
// Schema is managed by goose migrations (see migrations/).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateSale(ctx context.Context, s *Sale) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sales (mint, status, total_units, units_sold, units_claimed,
			price_lamports, escrow_key_ref, escrow_address, vault_address,
			created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4, $5, $6, $7, $8, $8)
	`, s.Mint, s.Status, s.TotalUnits, s.PriceLamports,
		s.EscrowKeyRef, s.EscrowAddress, s.VaultAddress, s.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create sale: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteSale(ctx context.Context, mint string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sales WHERE mint = $1`, mint)
	if err != nil {
		return fmt.Errorf("delete sale: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete sale: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetSale(ctx context.Context, mint string) (*Sale, error) {
	return scanSale(p.db.QueryRowContext(ctx, `
		SELECT mint, status, total_units, units_sold, units_claimed,
			price_lamports, escrow_key_ref, escrow_address, vault_address,
			created_at, updated_at, finalized_at
		FROM sales WHERE mint = $1
	`, mint))
}

func (p *PostgresStore) ListSales(ctx context.Context, limit int) ([]*Sale, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT mint, status, total_units, units_sold, units_claimed,
			price_lamports, escrow_key_ref, escrow_address, vault_address,
			created_at, updated_at, finalized_at
		FROM sales ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	defer rows.Close()

	var sales []*Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, s)
	}
	return sales, rows.Err()
}

func (p *PostgresStore) FinalizeSale(ctx context.Context, mint string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sales SET status = $2, finalized_at = NOW(), updated_at = NOW()
		WHERE mint = $1 AND status = $3
	`, mint, StatusFinalized, StatusActive)
	if err != nil {
		return fmt.Errorf("finalize sale: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either missing or already finalized; disambiguate for the caller.
		if _, err := p.GetSale(ctx, mint); err != nil {
			return err
		}
		return ErrNotActive
	}
	return nil
}

func (p *PostgresStore) RecordPurchase(ctx context.Context, pur *Purchase) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Guarded counter advance: the WHERE clause is the oversell check, so
	// check and write are one statement.
	res, err := tx.ExecContext(ctx, `
		UPDATE sales SET units_sold = units_sold + $2, updated_at = NOW()
		WHERE mint = $1 AND units_sold + $2 <= total_units
	`, pur.SaleMint, pur.Units)
	if err != nil {
		return fmt.Errorf("advance units_sold: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM sales WHERE mint = $1)`, pur.SaleMint,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrExceedsSupply
	}

	if pur.ID == "" {
		pur.ID = idgen.WithPrefix("pur_")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sale_purchases (id, sale_mint, buyer, lamports_paid, units,
			units_to_claimable, units_to_vault, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, pur.ID, pur.SaleMint, pur.Buyer, pur.LamportsPaid, pur.Units,
		pur.UnitsToClaimable, pur.UnitsToVault, pur.Signature, pur.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateSignature
		}
		return fmt.Errorf("insert purchase: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) RecordClaim(ctx context.Context, mint, wallet string, units uint64, signature string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sales WHERE mint = $1)`, mint,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	var allocation uint64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(units_to_claimable), 0)
		FROM sale_purchases WHERE sale_mint = $1 AND buyer = $2
	`, mint, wallet).Scan(&allocation); err != nil {
		return fmt.Errorf("sum allocation: %w", err)
	}

	var claimed uint64
	err = tx.QueryRowContext(ctx, `
		SELECT cumulative_units FROM sale_claims
		WHERE sale_mint = $1 AND wallet = $2 FOR UPDATE
	`, mint, wallet).Scan(&claimed)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read claim: %w", err)
	}

	if claimed+units > allocation {
		return ErrExceedsClaimable
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sale_claims (sale_mint, wallet, cumulative_units, last_signature, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (sale_mint, wallet) DO UPDATE SET
			cumulative_units = sale_claims.cumulative_units + $5,
			last_signature   = $4,
			updated_at       = NOW()
	`, mint, wallet, units, signature, units)
	if err != nil {
		return fmt.Errorf("upsert claim: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales SET units_claimed = units_claimed + $2, updated_at = NOW()
		WHERE mint = $1
	`, mint, units)
	if err != nil {
		return fmt.Errorf("advance units_claimed: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) GetClaim(ctx context.Context, mint, wallet string) (*Claim, error) {
	c := &Claim{}
	err := p.db.QueryRowContext(ctx, `
		SELECT sale_mint, wallet, cumulative_units, last_signature, updated_at
		FROM sale_claims WHERE sale_mint = $1 AND wallet = $2
	`, mint, wallet).Scan(&c.SaleMint, &c.Wallet, &c.CumulativeUnits, &c.LastSignature, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) ListPurchasesByBuyer(ctx context.Context, mint, buyer string) ([]*Purchase, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, sale_mint, buyer, lamports_paid, units,
			units_to_claimable, units_to_vault, signature, created_at
		FROM sale_purchases WHERE sale_mint = $1 AND buyer = $2
		ORDER BY created_at
	`, mint, buyer)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var purchases []*Purchase
	for rows.Next() {
		pur := &Purchase{}
		if err := rows.Scan(&pur.ID, &pur.SaleMint, &pur.Buyer, &pur.LamportsPaid,
			&pur.Units, &pur.UnitsToClaimable, &pur.UnitsToVault,
			&pur.Signature, &pur.CreatedAt); err != nil {
			return nil, err
		}
		purchases = append(purchases, pur)
	}
	return purchases, rows.Err()
}

func (p *PostgresStore) AddPendingSignature(ctx context.Context, ps *PendingSignature) error {
	if ps.ID == "" {
		ps.ID = idgen.WithPrefix("pend_")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sale_pending_signatures (id, sale_mint, buyer, mode, units, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (signature) DO NOTHING
	`, ps.ID, ps.SaleMint, ps.Buyer, ps.Mode, ps.Units, ps.Signature, ps.CreatedAt)
	if err != nil {
		return fmt.Errorf("add pending signature: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListPendingSignatures(ctx context.Context, mint string) ([]*PendingSignature, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, sale_mint, buyer, mode, units, signature, created_at
		FROM sale_pending_signatures WHERE sale_mint = $1 ORDER BY created_at
	`, mint)
	if err != nil {
		return nil, fmt.Errorf("list pending signatures: %w", err)
	}
	defer rows.Close()

	var pending []*PendingSignature
	for rows.Next() {
		ps := &PendingSignature{}
		if err := rows.Scan(&ps.ID, &ps.SaleMint, &ps.Buyer, &ps.Mode,
			&ps.Units, &ps.Signature, &ps.CreatedAt); err != nil {
			return nil, err
		}
		pending = append(pending, ps)
	}
	return pending, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for scanSale.
type scanner interface {
	Scan(dest ...any) error
}

func scanSale(row scanner) (*Sale, error) {
	s := &Sale{}
	var finalizedAt sql.NullTime
	err := row.Scan(&s.Mint, &s.Status, &s.TotalUnits, &s.UnitsSold, &s.UnitsClaimed,
		&s.PriceLamports, &s.EscrowKeyRef, &s.EscrowAddress, &s.VaultAddress,
		&s.CreatedAt, &s.UpdatedAt, &finalizedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sale: %w", err)
	}
	if finalizedAt.Valid {
		s.FinalizedAt = &finalizedAt.Time
	}
	return s, nil
}
