package kvstore

import (
	"context"
	"fmt"
)

// Sealer encrypts values before they reach the backing store.
// keyexec.KMSProvider satisfies it.
type Sealer interface {
	Encrypt(ctx context.Context, data []byte) ([]byte, error)
	Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error)
}

// SealedStore encrypts every value at rest; keys stay in clear so prefix
// scans keep working.
type SealedStore struct {
	inner  Store
	sealer Sealer
}

// NewSealedStore wraps inner with sealer
func NewSealedStore(inner Store, sealer Sealer) *SealedStore {
	return &SealedStore{inner: inner, sealer: sealer}
}

// Get decrypts the value at key
func (s *SealedStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	value, err := s.sealer.Decrypt(ctx, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal %q: %w", key, err)
	}
	return value, nil
}

// Set encrypts value and stores it at key
func (s *SealedStore) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := s.sealer.Encrypt(ctx, value)
	if err != nil {
		return fmt.Errorf("failed to seal %q: %w", key, err)
	}
	return s.inner.Set(ctx, key, sealed)
}

// Delete removes key
func (s *SealedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// Scan decrypts every entry under prefix
func (s *SealedStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	sealed, err := s.inner.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]byte, len(sealed))
	for key, value := range sealed {
		plain, err := s.sealer.Decrypt(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal %q: %w", key, err)
		}
		result[key] = plain
	}
	return result, nil
}

// Close closes the backing store
func (s *SealedStore) Close() error {
	return s.inner.Close()
}

var _ Store = (*SealedStore)(nil)
