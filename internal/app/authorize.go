package app

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/better-wallet/keybroker/internal/authstore"
	"github.com/better-wallet/keybroker/internal/logger"
	"github.com/better-wallet/keybroker/internal/metrics"
	"github.com/better-wallet/keybroker/internal/pending"
	apperrors "github.com/better-wallet/keybroker/pkg/errors"
	"github.com/better-wallet/keybroker/pkg/types"
)

// AuthorizeURL asks the user to let url's origin see the wallet. An origin
// with a stored decision is not asked again; a second request while one is
// pending fails with DuplicateRequest.
func (b *Broker) AuthorizeURL(ctx context.Context, url string, req types.AuthorizeRequest) (*pending.Future[types.AuthorizeResponse], error) {
	origin, err := authstore.NormalizeURL(url)
	if err != nil {
		return nil, err
	}
	if req.Origin == "" {
		req.Origin = origin
	}

	// Decisions are claimed in the queue before they reach the store, so
	// checking both under the queue lock sees either the entry or its outcome.
	id, future, err := b.authRequests.EnqueueIf(url, req, func(queued []pending.Request[types.AuthorizeRequest]) error {
		for _, r := range queued {
			if o, err := authstore.NormalizeURL(r.URL); err == nil && o == origin {
				return apperrors.DuplicateRequest(origin)
			}
		}
		if _, ok := b.auth.Get(origin); ok {
			return errKnownOrigin
		}
		return nil
	})
	switch {
	case errors.Is(err, errKnownOrigin):
		return pending.Resolved(types.AuthorizeResponse{
			AuthorizedAccounts: []string{},
			AuthorizedDids:     []string{},
			Result:             false,
		}), nil
	case err != nil:
		return nil, err
	}

	logger.Info(ctx, "authorization requested", "id", id, "origin", origin)
	return future, nil
}

var errKnownOrigin = errors.New("origin already decided")

// ApproveAuthorize stores the user's grant and answers the page
func (b *Broker) ApproveAuthorize(ctx context.Context, id string, accounts []string, dids *[]string) error {
	claim, err := b.authRequests.Take(id)
	if err != nil {
		return err
	}
	req := claim.Request
	origin, err := authstore.NormalizeURL(req.URL)
	if err != nil {
		return failClaim(claim, b.metrics, err)
	}
	if accounts == nil {
		accounts = []string{}
	}

	entry := &types.AuthorizationEntry{
		ID:                 origin,
		Origin:             req.Payload.Origin,
		URL:                req.URL,
		AuthorizedAccounts: accounts,
		AuthorizedDids:     dids,
		CreationID:         uuid.New(),
		IsAllowed:          true,
		CreatedAt:          b.now().UTC(),
	}
	if err := b.auth.Upsert(ctx, entry); err != nil {
		return failClaim(claim, b.metrics, err)
	}
	if err := b.auth.SetDefaultAccounts(ctx, accounts); err != nil {
		logger.Warn(ctx, "failed to store default accounts", "error", err)
	}

	granted := []string{}
	if dids != nil {
		granted = append(granted, (*dids)...)
	}
	claim.Resolve(types.AuthorizeResponse{
		AuthorizedAccounts: append([]string{}, accounts...),
		AuthorizedDids:     granted,
		Result:             true,
	})

	b.metrics.ObserveResolution(types.KindAuthorize, metrics.OutcomeApproved)
	logger.Info(ctx, "authorization approved", "id", id, "origin", origin, "accounts", len(accounts))
	return nil
}

// RejectAuthorize records an empty grant so the origin is not asked again,
// then rejects the page's request
func (b *Broker) RejectAuthorize(ctx context.Context, id string) error {
	claim, err := b.authRequests.Take(id)
	if err != nil {
		return err
	}
	req := claim.Request
	origin, err := authstore.NormalizeURL(req.URL)
	if err != nil {
		return failClaim(claim, b.metrics, err)
	}

	noDids := []string{}
	entry := &types.AuthorizationEntry{
		ID:                 origin,
		Origin:             req.Payload.Origin,
		URL:                req.URL,
		AuthorizedAccounts: []string{},
		AuthorizedDids:     &noDids,
		CreationID:         uuid.New(),
		IsAllowed:          false,
		CreatedAt:          b.now().UTC(),
	}
	if err := b.auth.Upsert(ctx, entry); err != nil {
		return failClaim(claim, b.metrics, err)
	}

	claim.Reject(apperrors.ErrRejected)
	b.metrics.ObserveResolution(types.KindAuthorize, metrics.OutcomeRejected)
	logger.Info(ctx, "authorization rejected", "id", id, "origin", origin)
	return nil
}

// IgnoreAuthorize drops the request without storing a decision; the
// origin may ask again later
func (b *Broker) IgnoreAuthorize(ctx context.Context, id string) error {
	if err := b.authRequests.Reject(id, apperrors.ErrCancelled); err != nil {
		return err
	}
	b.metrics.ObserveResolution(types.KindAuthorize, metrics.OutcomeCancelled)
	return nil
}

// EnsureURLAuthorized fails unless url's origin was granted access, and
// counts the use
func (b *Broker) EnsureURLAuthorized(ctx context.Context, url string) (*types.AuthorizationEntry, error) {
	origin, err := authstore.NormalizeURL(url)
	if err != nil {
		return nil, err
	}
	return b.auth.Touch(ctx, origin)
}

// AuthorizedAccountsFor returns the accounts url's origin may see
func (b *Broker) AuthorizedAccountsFor(ctx context.Context, url string) ([]types.Account, error) {
	entry, err := b.EnsureURLAuthorized(ctx, url)
	if err != nil {
		return nil, err
	}
	all, err := b.keys.List(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]types.Account, 0, len(entry.AuthorizedAccounts))
	for _, a := range all {
		if entry.AllowsAccount(a.Address) {
			visible = append(visible, a)
		}
	}
	return visible, nil
}

// ListAuthorizations returns every stored decision keyed by origin
func (b *Broker) ListAuthorizations() map[string]types.AuthorizationEntry {
	return b.auth.List()
}

// RemoveAuthorization forgets an origin's decision
func (b *Broker) RemoveAuthorization(ctx context.Context, origin string) (map[string]types.AuthorizationEntry, error) {
	return b.auth.Remove(ctx, origin)
}

// UpdateAuthorization replaces the accounts, and optionally the DIDs, an
// origin may see
func (b *Broker) UpdateAuthorization(ctx context.Context, origin string, accounts []string, dids *[]string) error {
	if accounts == nil {
		accounts = []string{}
	}
	return b.auth.ApplyAccountDiff(ctx, []authstore.AccountDiff{{Origin: origin, Accounts: accounts, Dids: dids}})
}

// DefaultAccounts returns the accounts preselected for new authorizations
func (b *Broker) DefaultAccounts() []string {
	return b.auth.DefaultAccounts()
}
