package app

import (
	"context"
	"encoding/json"

	"github.com/better-wallet/keybroker/internal/did"
	"github.com/better-wallet/keybroker/internal/logger"
	"github.com/better-wallet/keybroker/pkg/types"
)

// CreateAccount generates a new password-protected account
func (b *Broker) CreateAccount(ctx context.Context, name, password string) (*types.Account, error) {
	account, err := b.keys.Create(ctx, name, password)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "account created", "address", account.Address)
	return account, nil
}

// Accounts lists every account in the wallet
func (b *Broker) Accounts(ctx context.Context) ([]types.Account, error) {
	return b.keys.List(ctx)
}

// ForgetAccount deletes the account and scrubs it from every authorization
// and from the default selection. Forgetting twice is not an error.
func (b *Broker) ForgetAccount(ctx context.Context, address string) (bool, error) {
	if err := b.keys.Forget(ctx, address); err != nil {
		return false, err
	}
	if err := b.auth.ForgetAccount(ctx, address); err != nil {
		return false, err
	}
	logger.Info(ctx, "account forgotten", "address", address)
	return true, nil
}

// CreateDid registers a new DID
func (b *Broker) CreateDid(ctx context.Context, req did.CreateRequest) (*types.DidRecord, error) {
	return b.dids.Create(ctx, req)
}

// DeactivateDid retires a DID on chain
func (b *Broker) DeactivateDid(ctx context.Context, req did.DeactivateRequest) (bool, error) {
	return b.dids.Deactivate(ctx, req)
}

// ListDids returns the stored DIDs with best-effort chain status
func (b *Broker) ListDids(ctx context.Context) ([]types.DidRecord, error) {
	return b.dids.List(ctx)
}

// ExportDid returns a DID's encrypted key after checking password
func (b *Broker) ExportDid(ctx context.Context, id, password string) (json.RawMessage, error) {
	return b.dids.Export(ctx, id, password)
}

// RemoveDid deletes a DID from the wallet
func (b *Broker) RemoveDid(ctx context.Context, id string) (bool, error) {
	return b.dids.Remove(ctx, id)
}
