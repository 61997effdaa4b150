package keyvault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresBlobStore persists sealed key blobs in the escrow_keys table.
// Blobs are ciphertext; the table never sees key material.
type PostgresBlobStore struct {
	db *sql.DB
}

// NewPostgresBlobStore creates a Postgres-backed blob store.
func NewPostgresBlobStore(db *sql.DB) *PostgresBlobStore {
	return &PostgresBlobStore{db: db}
}

func (s *PostgresBlobStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM escrow_keys WHERE ref = $1`, ref).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("keyvault: load blob: %w", err)
	}
	return blob, nil
}

func (s *PostgresBlobStore) PutBlob(ctx context.Context, ref string, blob []byte) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_keys (ref, blob) VALUES ($1, $2)
		ON CONFLICT (ref) DO NOTHING`, ref, blob)
	if err != nil {
		return fmt.Errorf("keyvault: store blob: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("keyvault: store blob: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRefExists, ref)
	}
	return nil
}
