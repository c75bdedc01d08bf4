package keyring

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/better-wallet/keybroker/internal/keyexec"
	"github.com/better-wallet/keybroker/internal/kvstore"
	apperrors "github.com/better-wallet/keybroker/pkg/errors"
	"github.com/better-wallet/keybroker/pkg/types"
)

const accountPrefix = "account:"

type storedAccount struct {
	Name      string          `json:"name"`
	CreatedAt time.Time       `json:"createdAt"`
	Keystore  json.RawMessage `json:"keystore"`
}

type unlocked struct {
	key       *ecdsa.PrivateKey
	expiresAt time.Time
}

// Keyring manages accounts and the unlock cache
type Keyring struct {
	kv     kvstore.Store
	scrypt ScryptParams

	mu    sync.Mutex
	cache map[common.Address]*unlocked
	now   func() time.Time
}

// New creates a keyring over kv
func New(kv kvstore.Store, scrypt ScryptParams) *Keyring {
	return &Keyring{
		kv:     kv,
		scrypt: scrypt,
		cache:  make(map[common.Address]*unlocked),
		now:    time.Now,
	}
}

// ParseAddress validates and checksums a hex address
func ParseAddress(address string) (common.Address, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, apperrors.BadRequest(fmt.Sprintf("invalid address %q", address))
	}
	return common.HexToAddress(address), nil
}

// Create generates a new account protected by password
func (k *Keyring) Create(ctx context.Context, name, password string) (*types.Account, error) {
	if password == "" {
		return nil, apperrors.BadRequest("password is required")
	}

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	defer keyexec.ZeroKey(key)

	return k.Import(ctx, name, key, password)
}

// Import stores an existing key under password
func (k *Keyring) Import(ctx context.Context, name string, key *ecdsa.PrivateKey, password string) (*types.Account, error) {
	encrypted, err := EncryptKey(key, password, k.scrypt)
	if err != nil {
		return nil, err
	}

	address := ethcrypto.PubkeyToAddress(key.PublicKey)
	record := storedAccount{
		Name:      name,
		CreatedAt: k.now().UTC(),
		Keystore:  encrypted,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := k.kv.Set(ctx, accountKey(address), raw); err != nil {
		return nil, fmt.Errorf("failed to store account: %w", err)
	}

	return &types.Account{Address: address.Hex(), Name: name, CreatedAt: record.CreatedAt}, nil
}

// Get returns the public view of one account
func (k *Keyring) Get(ctx context.Context, address string) (*types.Account, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	record, err := k.load(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &types.Account{Address: addr.Hex(), Name: record.Name, CreatedAt: record.CreatedAt}, nil
}

// List returns all accounts, oldest first
func (k *Keyring) List(ctx context.Context) ([]types.Account, error) {
	entries, err := k.kv.Scan(ctx, accountPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts := make([]types.Account, 0, len(entries))
	for key, raw := range entries {
		var record storedAccount
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("failed to decode account %s: %w", key, err)
		}
		accounts = append(accounts, types.Account{
			Address:   common.HexToAddress(strings.TrimPrefix(key, accountPrefix)).Hex(),
			Name:      record.Name,
			CreatedAt: record.CreatedAt,
		})
	}

	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].Address < accounts[j].Address
		}
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts, nil
}

// Forget deletes the account and drops any cached unlock
func (k *Keyring) Forget(ctx context.Context, address string) error {
	addr, err := ParseAddress(address)
	if err != nil {
		return err
	}
	k.Lock(addr.Hex())
	if err := k.kv.Delete(ctx, accountKey(addr)); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// Unlock decrypts the account key with password. The caller owns the
// returned key and must zero it.
func (k *Keyring) Unlock(ctx context.Context, address, password string) (*ecdsa.PrivateKey, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	record, err := k.load(ctx, addr)
	if err != nil {
		return nil, err
	}
	return DecryptKey(record.Keystore, password)
}

// Cached returns a copy of the cached key if the account is unlocked and
// the cache window has not passed. Expired entries are zeroed here.
func (k *Keyring) Cached(address string) (*ecdsa.PrivateKey, bool) {
	if !common.IsHexAddress(address) {
		return nil, false
	}
	addr := common.HexToAddress(address)

	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.cache[addr]
	if !ok {
		return nil, false
	}
	if !k.now().Before(entry.expiresAt) {
		keyexec.ZeroKey(entry.key)
		delete(k.cache, addr)
		return nil, false
	}
	return copyKey(entry.key), true
}

// Remember caches a copy of key for ttl
func (k *Keyring) Remember(address string, key *ecdsa.PrivateKey, ttl time.Duration) {
	if ttl <= 0 || !common.IsHexAddress(address) {
		return
	}
	addr := common.HexToAddress(address)
	dup := copyKey(key)
	if dup == nil {
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if prev, ok := k.cache[addr]; ok {
		keyexec.ZeroKey(prev.key)
	}
	k.cache[addr] = &unlocked{key: dup, expiresAt: k.now().Add(ttl)}
}

// IsLocked reports whether signing for address needs a password
func (k *Keyring) IsLocked(address string) bool {
	key, ok := k.Cached(address)
	keyexec.ZeroKey(key)
	return !ok
}

// Lock drops a cached unlock
func (k *Keyring) Lock(address string) {
	if !common.IsHexAddress(address) {
		return
	}
	addr := common.HexToAddress(address)

	k.mu.Lock()
	defer k.mu.Unlock()

	if entry, ok := k.cache[addr]; ok {
		keyexec.ZeroKey(entry.key)
		delete(k.cache, addr)
	}
}

func (k *Keyring) load(ctx context.Context, addr common.Address) (*storedAccount, error) {
	raw, err := k.kv.Get(ctx, accountKey(addr))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, apperrors.NotFound("Account", addr.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	var record storedAccount
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}
	return &record, nil
}

func accountKey(addr common.Address) string {
	return accountPrefix + strings.ToLower(addr.Hex())
}
