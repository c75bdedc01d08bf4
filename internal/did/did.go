// Package did manages locally generated identities that are registered on
// chain. Each DID has its own password-encrypted secp256k1 key; registry
// transactions are paid for by a wallet account.
package did

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"

	"github.com/better-wallet/keybroker/internal/keyexec"
	"github.com/better-wallet/keybroker/internal/keyring"
	"github.com/better-wallet/keybroker/internal/kvstore"
	"github.com/better-wallet/keybroker/internal/logger"
	apperrors "github.com/better-wallet/keybroker/pkg/errors"
	"github.com/better-wallet/keybroker/pkg/types"
)

const (
	// Method is the DID method prefix
	Method = "did:kb:"

	keyPrefix  = "did:key:"
	metaPrefix = "did:meta:"

	createPrefix     = "did:create"
	deactivatePrefix = "did:deactivate"
)

// Ledger is the on-chain DID registry
type Ledger interface {
	Genesis(ctx context.Context) (string, error)
	Create(ctx context.Context, signer *ecdsa.PrivateKey, did string, publicKey []byte) (string, error)
	Deactivate(ctx context.Context, signer *ecdsa.PrivateKey, did string, signature []byte) (string, error)
	IsDeactivated(ctx context.Context, did string) (bool, error)
}

// Accounts unlocks the wallet account that pays for registry transactions
type Accounts interface {
	Unlock(ctx context.Context, address, password string) (*ecdsa.PrivateKey, error)
	Lock(address string)
}

// CreateRequest is the input of dids.create
type CreateRequest struct {
	SigningAccount  string `json:"signingAccount"`
	AccountPassword string `json:"accountPassword"`
	DidPassword     string `json:"didPassword"`
	Name            string `json:"name"`
}

// DeactivateRequest is the input of dids.deactivate
type DeactivateRequest struct {
	Did             string `json:"did"`
	SigningAccount  string `json:"signingAccount"`
	AccountPassword string `json:"accountPassword"`
	DidPassword     string `json:"didPassword"`
}

// Service runs the DID flows
type Service struct {
	kv       kvstore.Store
	accounts Accounts
	ledger   Ledger
	signer   keyexec.Signer
	scrypt   keyring.ScryptParams
	now      func() time.Time
}

// NewService creates a DID service. ledger may be nil when no registry is
// configured; chain-backed flows then fail with OnChainError.
func NewService(kv kvstore.Store, accounts Accounts, ledger Ledger, signer keyexec.Signer, scrypt keyring.ScryptParams) *Service {
	return &Service{
		kv:       kv,
		accounts: accounts,
		ledger:   ledger,
		signer:   signer,
		scrypt:   scrypt,
		now:      time.Now,
	}
}

// DeriveID returns did:kb:<base58(blake3("did:create" | genesis | publicKey))>
func DeriveID(genesis string, publicKey []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte(createPrefix))
	_, _ = h.Write(common.FromHex(genesis))
	_, _ = h.Write(publicKey)
	return Method + base58.Encode(h.Sum(nil))
}

// DeactivationPayload is the message a DID key signs to retire itself
func DeactivationPayload(genesis, did string) []byte {
	payload := []byte(deactivatePrefix)
	payload = append(payload, common.FromHex(genesis)...)
	return append(payload, did...)
}

// Create registers a new DID on chain and stores its key under DidPassword.
// Nothing is stored when the registry rejects the transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.DidRecord, error) {
	if req.DidPassword == "" {
		return nil, apperrors.BadRequest("didPassword is required")
	}
	ledger, err := s.requireLedger()
	if err != nil {
		return nil, err
	}

	accountKey, err := s.accounts.Unlock(ctx, req.SigningAccount, req.AccountPassword)
	if err != nil {
		return nil, err
	}
	defer func() {
		keyexec.ZeroKey(accountKey)
		s.accounts.Lock(req.SigningAccount)
	}()

	genesis, err := ledger.Genesis(ctx)
	if err != nil {
		return nil, err
	}

	didKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate DID key: %w", err)
	}
	defer keyexec.ZeroKey(didKey)

	publicKey := ethcrypto.CompressPubkey(&didKey.PublicKey)
	id := DeriveID(genesis, publicKey)

	// submission runs to completion even if the caller goes away
	txHash, err := ledger.Create(context.WithoutCancel(ctx), accountKey, id, publicKey)
	if err != nil {
		logger.Warn(ctx, "DID creation failed", "did", id, "error", err)
		return nil, err
	}

	encrypted, err := keyring.EncryptKey(didKey, req.DidPassword, s.scrypt)
	if err != nil {
		return nil, err
	}
	record := &types.DidRecord{
		DID:            id,
		Name:           req.Name,
		PublicKey:      common.Bytes2Hex(publicKey),
		SigningAccount: common.HexToAddress(req.SigningAccount).Hex(),
		TxHash:         txHash,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.kv.Set(ctx, keyPrefix+id, encrypted); err != nil {
		return nil, fmt.Errorf("failed to store DID key: %w", err)
	}
	if err := s.saveRecord(ctx, record); err != nil {
		return nil, err
	}

	logger.Info(ctx, "DID created", "did", id, "tx_hash", txHash)
	return record, nil
}

// Deactivate proves control of the DID, then submits the deactivation
// paid for by the signing account
func (s *Service) Deactivate(ctx context.Context, req DeactivateRequest) (bool, error) {
	ledger, err := s.requireLedger()
	if err != nil {
		return false, err
	}

	didKey, err := s.unlockDid(ctx, req.Did, req.DidPassword)
	if err != nil {
		return false, err
	}
	defer keyexec.ZeroKey(didKey)

	record, err := s.loadRecord(ctx, req.Did)
	if err != nil {
		return false, err
	}

	genesis, err := ledger.Genesis(ctx)
	if err != nil {
		return false, err
	}

	payload := DeactivationPayload(genesis, req.Did)
	signature, err := s.signer.SignBytes(ctx, didKey, payload)
	if err != nil {
		return false, err
	}
	if !keyexec.VerifyBytes(common.FromHex(record.PublicKey), payload, signature) {
		return false, apperrors.InvalidSignature("deactivation signature does not match the DID public key")
	}

	accountKey, err := s.accounts.Unlock(ctx, req.SigningAccount, req.AccountPassword)
	if err != nil {
		return false, err
	}
	defer func() {
		keyexec.ZeroKey(accountKey)
		s.accounts.Lock(req.SigningAccount)
	}()

	txHash, err := ledger.Deactivate(context.WithoutCancel(ctx), accountKey, req.Did, signature)
	if err != nil {
		logger.Warn(ctx, "DID deactivation failed", "did", req.Did, "error", err)
		return false, err
	}

	deactivated := true
	record.Deactivated = &deactivated
	if err := s.saveRecord(ctx, record); err != nil {
		return false, err
	}

	logger.Info(ctx, "DID deactivated", "did", req.Did, "tx_hash", txHash)
	return true, nil
}

// List returns the stored DIDs, oldest first, with their on-chain status
// when the chain can be reached. A chain failure yields the local records
// as stored.
func (s *Service) List(ctx context.Context) ([]types.DidRecord, error) {
	entries, err := s.kv.Scan(ctx, metaPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list DIDs: %w", err)
	}

	records := make([]types.DidRecord, 0, len(entries))
	for key, raw := range entries {
		var r types.DidRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", key, err)
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].DID < records[j].DID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	if s.ledger == nil || len(records) == 0 {
		return records, nil
	}

	augmented := make([]types.DidRecord, len(records))
	for i, r := range records {
		deactivated, err := s.ledger.IsDeactivated(ctx, r.DID)
		if err != nil {
			logger.Warn(ctx, "DID status unavailable, returning local records", "error", err)
			return records, nil
		}
		// a lagging node must not undo a deactivation recorded here
		if r.Deactivated == nil || !*r.Deactivated {
			r.Deactivated = &deactivated
		}
		augmented[i] = r
	}
	return augmented, nil
}

// Get returns one stored DID record
func (s *Service) Get(ctx context.Context, did string) (*types.DidRecord, error) {
	return s.loadRecord(ctx, did)
}

// Sign signs data with the DID key. The key lookup happens before any
// cryptographic work.
func (s *Service) Sign(ctx context.Context, did, password string, data []byte) ([]byte, error) {
	key, err := s.unlockDid(ctx, did, password)
	if err != nil {
		return nil, err
	}
	defer keyexec.ZeroKey(key)
	return s.signer.SignBytes(ctx, key, data)
}

// Export returns the encrypted key blob after checking password
func (s *Service) Export(ctx context.Context, did, password string) (json.RawMessage, error) {
	blob, err := s.loadKey(ctx, did)
	if err != nil {
		return nil, err
	}
	key, err := keyring.DecryptKey(blob, password)
	if err != nil {
		return nil, err
	}
	keyexec.ZeroKey(key)
	return blob, nil
}

// Remove deletes the DID key and record
func (s *Service) Remove(ctx context.Context, did string) (bool, error) {
	if _, err := s.kv.Get(ctx, metaPrefix+did); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return false, apperrors.NotFound("DID", did)
		}
		return false, fmt.Errorf("failed to load DID: %w", err)
	}
	if err := s.kv.Delete(ctx, keyPrefix+did); err != nil {
		return false, fmt.Errorf("failed to delete DID key: %w", err)
	}
	if err := s.kv.Delete(ctx, metaPrefix+did); err != nil {
		return false, fmt.Errorf("failed to delete DID record: %w", err)
	}
	logger.Info(ctx, "DID removed", "did", did)
	return true, nil
}

func (s *Service) requireLedger() (Ledger, error) {
	if s.ledger == nil {
		return nil, apperrors.OnChainError("no DID registry configured")
	}
	return s.ledger, nil
}

func (s *Service) unlockDid(ctx context.Context, did, password string) (*ecdsa.PrivateKey, error) {
	blob, err := s.loadKey(ctx, did)
	if err != nil {
		return nil, err
	}
	return keyring.DecryptKey(blob, password)
}

func (s *Service) loadKey(ctx context.Context, did string) ([]byte, error) {
	if !strings.HasPrefix(did, Method) {
		return nil, apperrors.DidNotFound(did)
	}
	blob, err := s.kv.Get(ctx, keyPrefix+did)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, apperrors.DidNotFound(did)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load DID key: %w", err)
	}
	return blob, nil
}

func (s *Service) loadRecord(ctx context.Context, did string) (*types.DidRecord, error) {
	raw, err := s.kv.Get(ctx, metaPrefix+did)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, apperrors.DidNotFound(did)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load DID record: %w", err)
	}
	var record types.DidRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode DID record: %w", err)
	}
	return &record, nil
}

func (s *Service) saveRecord(ctx context.Context, record *types.DidRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode DID record: %w", err)
	}
	if err := s.kv.Set(ctx, metaPrefix+record.DID, raw); err != nil {
		return fmt.Errorf("failed to store DID record: %w", err)
	}
	return nil
}
