// Package keyvault produces escrow signing keys from opaque encrypted
// references. Key material is decrypted on demand, handed to a callback,
// and zeroed before the call returns; nothing outside the callback ever
// sees plaintext key bytes.
package keyvault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrNotFound    = errors.New("keyvault: key reference not found")
	ErrRefExists   = errors.New("keyvault: key reference already sealed")
	ErrBadBlob     = errors.New("keyvault: blob decryption failed")
	ErrBadKeySize  = errors.New("keyvault: master key must be 32 bytes")
	ErrBadPlainKey = errors.New("keyvault: decrypted payload is not a valid signing key")
)

// BlobStore holds encrypted key blobs keyed by opaque reference. Refs are
// write-once: overwriting a sealed blob would orphan whatever funds the old
// key controls, so PutBlob must return ErrRefExists for a taken ref.
type BlobStore interface {
	GetBlob(ctx context.Context, ref string) ([]byte, error)
	PutBlob(ctx context.Context, ref string, blob []byte) error
}

// MemoryBlobStore is an in-memory blob store for demo/development mode.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates a new in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, nil
}

func (m *MemoryBlobStore) PutBlob(ctx context.Context, ref string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[ref]; ok {
		return ErrRefExists
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.blobs[ref] = cp
	return nil
}

// Vault decrypts escrow key blobs with a master key.
type Vault struct {
	aead  cipher.AEAD
	store BlobStore
}

// New creates a vault. masterKey must be 32 bytes (AES-256).
func New(masterKey []byte, store BlobStore) (*Vault, error) {
	if len(masterKey) != 32 {
		return nil, ErrBadKeySize
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("keyvault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keyvault: init gcm: %w", err)
	}
	return &Vault{aead: aead, store: store}, nil
}

// Seal encrypts a signing key and stores it under ref. Used when a sale is
// provisioned; the settlement path only ever reads.
func (v *Vault) Seal(ctx context.Context, ref string, key solana.PrivateKey) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("keyvault: nonce: %w", err)
	}
	blob := v.aead.Seal(nonce, nonce, key, []byte(ref))
	return v.store.PutBlob(ctx, ref, blob)
}

// WithSigner decrypts the key behind ref, invokes fn with it, and zeroes
// the plaintext before returning. fn must not retain the key.
func (v *Vault) WithSigner(ctx context.Context, ref string, fn func(key solana.PrivateKey) error) error {
	blob, err := v.store.GetBlob(ctx, ref)
	if err != nil {
		return err
	}

	nonceSize := v.aead.NonceSize()
	if len(blob) < nonceSize {
		return ErrBadBlob
	}
	plain, err := v.aead.Open(nil, blob[:nonceSize], blob[nonceSize:], []byte(ref))
	if err != nil {
		return ErrBadBlob
	}
	defer zero(plain)

	if len(plain) != 64 { // ed25519 private key length
		return ErrBadPlainKey
	}

	return fn(solana.PrivateKey(plain))
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
