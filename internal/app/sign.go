package app

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/better-wallet/keybroker/internal/keyexec"
	"github.com/better-wallet/keybroker/internal/keyring"
	"github.com/better-wallet/keybroker/internal/logger"
	"github.com/better-wallet/keybroker/internal/metrics"
	"github.com/better-wallet/keybroker/internal/pending"
	apperrors "github.com/better-wallet/keybroker/pkg/errors"
	"github.com/better-wallet/keybroker/pkg/types"
)

// Sign queues a signature with one of the accounts url's origin was granted
func (b *Broker) Sign(ctx context.Context, url string, req types.SignRequest) (*pending.Future[types.SignResult], error) {
	if err := validateSignRequest(req); err != nil {
		return nil, err
	}
	entry, err := b.EnsureURLAuthorized(ctx, url)
	if err != nil {
		return nil, err
	}
	if !entry.AllowsAccount(req.Address) {
		return nil, apperrors.UnauthorizedOrigin(entry.ID, "account "+req.Address+" is not authorized")
	}
	account, err := b.keys.Get(ctx, req.Address)
	if err != nil {
		return nil, err
	}
	req.Address = account.Address

	id, future := b.signRequests.Enqueue(url, req)
	logger.Info(ctx, "signature requested", "id", id, "origin", entry.ID, "type", req.Type)
	return future, nil
}

func validateSignRequest(req types.SignRequest) error {
	if _, err := keyring.ParseAddress(req.Address); err != nil {
		return err
	}
	if len(req.Data) == 0 {
		return apperrors.BadRequest("data is required")
	}
	switch req.Type {
	case types.SignTypeBytes:
	case types.SignTypeTransaction:
		if req.ChainID <= 0 {
			return apperrors.BadRequest("chainId is required to sign a transaction")
		}
	default:
		return apperrors.BadRequest(fmt.Sprintf("unsupported sign type %q", req.Type))
	}
	return nil
}

// ApproveSign signs the pending payload. An empty password is accepted
// while the account is still in its unlock window. Any failure rejects the
// pending request with the same error.
func (b *Broker) ApproveSign(ctx context.Context, id, password string, savePass bool) error {
	claim, err := b.signRequests.Take(id)
	if err != nil {
		return err
	}
	req := claim.Request

	key, err := b.unlockForSigning(ctx, req.Payload.Address, password)
	if err != nil {
		return failClaim(claim, b.metrics, err)
	}
	defer keyexec.ZeroKey(key)

	// signing runs to completion once started
	signCtx := context.WithoutCancel(ctx)
	var signature []byte
	switch req.Payload.Type {
	case types.SignTypeTransaction:
		signature, err = b.signer.SignTransaction(signCtx, key, req.Payload.Data, req.Payload.ChainID)
	default:
		signature, err = b.signer.SignBytes(signCtx, key, req.Payload.Data)
	}
	if err != nil {
		return failClaim(claim, b.metrics, apperrors.BadRequest(err.Error()))
	}

	if savePass {
		b.keys.Remember(req.Payload.Address, key, b.unlockTTL)
	}

	claim.Resolve(types.SignResult{ID: id, Signature: signature})
	b.metrics.ObserveResolution(types.KindSign, metrics.OutcomeApproved)
	logger.Info(ctx, "signature approved", "id", id, "address", req.Payload.Address)
	return nil
}

func (b *Broker) unlockForSigning(ctx context.Context, address, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		if key, ok := b.keys.Cached(address); ok {
			return key, nil
		}
		return nil, apperrors.ErrWrongPassword
	}
	return b.keys.Unlock(ctx, address, password)
}

// CancelSign rejects the pending signature with Cancelled
func (b *Broker) CancelSign(ctx context.Context, id string) error {
	if err := b.signRequests.Reject(id, apperrors.ErrCancelled); err != nil {
		return err
	}
	b.metrics.ObserveResolution(types.KindSign, metrics.OutcomeCancelled)
	return nil
}

// IsSignLocked reports whether approving id needs a password
func (b *Broker) IsSignLocked(id string) (bool, error) {
	req, ok := b.signRequests.Peek(id)
	if !ok {
		return false, apperrors.NotFound("Request", id)
	}
	return b.keys.IsLocked(req.Payload.Address), nil
}

// DidSign queues a signature with a DID url's origin may use
func (b *Broker) DidSign(ctx context.Context, url string, req types.DidSignRequest) (*pending.Future[types.SignResult], error) {
	if req.Did == "" {
		return nil, apperrors.BadRequest("did is required")
	}
	if len(req.Data) == 0 {
		return nil, apperrors.BadRequest("data is required")
	}
	entry, err := b.EnsureURLAuthorized(ctx, url)
	if err != nil {
		return nil, err
	}
	if !entry.AllowsDid(req.Did) {
		return nil, apperrors.UnauthorizedOrigin(entry.ID, "DID "+req.Did+" is not authorized")
	}

	id, future := b.didSignRequests.Enqueue(url, req)
	logger.Info(ctx, "DID signature requested", "id", id, "origin", entry.ID, "did", req.Did)
	return future, nil
}

// ApproveDidSign signs with the DID key unlocked by password
func (b *Broker) ApproveDidSign(ctx context.Context, id, password string) error {
	claim, err := b.didSignRequests.Take(id)
	if err != nil {
		return err
	}
	req := claim.Request

	signature, err := b.dids.Sign(context.WithoutCancel(ctx), req.Payload.Did, password, req.Payload.Data)
	if err != nil {
		return failClaim(claim, b.metrics, err)
	}

	claim.Resolve(types.SignResult{ID: id, Signature: signature})
	b.metrics.ObserveResolution(types.KindDidSign, metrics.OutcomeApproved)
	logger.Info(ctx, "DID signature approved", "id", id, "did", req.Payload.Did)
	return nil
}

// CancelDidSign rejects the pending DID signature with Cancelled
func (b *Broker) CancelDidSign(ctx context.Context, id string) error {
	if err := b.didSignRequests.Reject(id, apperrors.ErrCancelled); err != nil {
		return err
	}
	b.metrics.ObserveResolution(types.KindDidSign, metrics.OutcomeCancelled)
	return nil
}
