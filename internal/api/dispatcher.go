package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/better-wallet/keybroker/internal/authstore"
	"github.com/better-wallet/keybroker/internal/did"
	"github.com/better-wallet/keybroker/internal/logger"
	"github.com/better-wallet/keybroker/internal/metrics"
	"github.com/better-wallet/keybroker/internal/middleware"
	"github.com/better-wallet/keybroker/internal/pending"
	apperrors "github.com/better-wallet/keybroker/pkg/errors"
	"github.com/better-wallet/keybroker/pkg/types"
)

const pagePrefix = "pub("

// subscriptions maps the messages that subscribe to a pending view
var subscriptions = map[string]types.RequestKind{
	"authorize.requests": types.KindAuthorize,
	"signing.requests":   types.KindSign,
	"metadata.requests":  types.KindMetadata,
	"dids.sign.requests": types.KindDidSign,
}

// Caller describes who sent a message. URL is the page URL for page
// messages; UI is set once the UI token verified.
type Caller struct {
	UI  bool
	URL string
}

type handlerFunc func(ctx context.Context, c Caller, req json.RawMessage) (any, error)

// Dispatcher routes message envelopes to the broker. Page messages carry
// the pub( prefix and are rate limited per origin; every other message
// needs the UI privilege.
type Dispatcher struct {
	broker  Broker
	limiter *middleware.RateLimiter
	metrics *metrics.Metrics
	routes  map[string]handlerFunc
}

// NewDispatcher creates a dispatcher. limiter and m may be nil.
func NewDispatcher(broker Broker, limiter *middleware.RateLimiter, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{broker: broker, limiter: limiter, metrics: m}
	d.routes = map[string]handlerFunc{
		"authorize.approve":  d.authorizeApprove,
		"authorize.reject":   d.authorizeReject,
		"authorize.ignore":   d.authorizeIgnore,
		"authorize.list":     d.authorizeList,
		"authorize.remove":   d.authorizeRemove,
		"authorize.update":   d.authorizeUpdate,
		"authorize.defaults": d.authorizeDefaults,

		"accounts.create": d.accountsCreate,
		"accounts.list":   d.accountsList,
		"accounts.forget": d.accountsForget,

		"signing.approve.password": d.signingApprove,
		"signing.cancel":           d.signingCancel,
		"signing.isLocked":         d.signingIsLocked,

		"metadata.approve": d.metadataApprove,
		"metadata.reject":  d.metadataReject,
		"metadata.list":    d.metadataList,

		"dids.create":       d.didsCreate,
		"dids.deactivate":   d.didsDeactivate,
		"dids.sign.approve": d.didsSignApprove,
		"dids.sign.cancel":  d.didsSignCancel,
		"dids.list":         d.didsList,
		"dids.export":       d.didsExport,
		"dids.remove":       d.didsRemove,

		"pub(authorize.tab)":    d.pageAuthorize,
		"pub(accounts.list)":    d.pageAccounts,
		"pub(bytes.sign)":       d.pageBytesSign,
		"pub(extrinsic.sign)":   d.pageExtrinsicSign,
		"pub(did.sign)":         d.pageDidSign,
		"pub(metadata.provide)": d.pageMetadataProvide,
		"pub(metadata.list)":    d.pageMetadataList,
	}
	for message, kind := range subscriptions {
		d.routes[message] = d.view(kind)
	}
	return d
}

// IsPageMessage reports whether message comes from page context
func IsPageMessage(message string) bool {
	return strings.HasPrefix(message, pagePrefix)
}

// SubscriptionKind returns the pending view a message subscribes to
func SubscriptionKind(message string) (types.RequestKind, bool) {
	kind, ok := subscriptions[message]
	return kind, ok
}

// Dispatch answers one envelope. Page messages may block until the user
// settles the request they queued, or until ctx ends.
func (d *Dispatcher) Dispatch(ctx context.Context, c Caller, env Envelope) Reply {
	start := time.Now()

	response, err := d.dispatch(ctx, c, env)

	reply := Reply{ID: env.ID}
	code := "ok"
	if err != nil {
		appErr := apperrors.Wrap(err)
		reply.Error = appErr
		code = appErr.Code
		d.logFailure(ctx, env, err, appErr)
	} else {
		reply.Response = response
	}

	label := env.Message
	if _, ok := d.routes[label]; !ok {
		label = "unknown"
	}
	d.metrics.ObserveMessage(label, code, time.Since(start))
	return reply
}

func (d *Dispatcher) dispatch(ctx context.Context, c Caller, env Envelope) (any, error) {
	handler, ok := d.routes[env.Message]
	if !ok {
		return nil, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, "Unsupported message", "message: "+env.Message, http.StatusBadRequest)
	}

	if IsPageMessage(env.Message) {
		if c.URL == "" {
			return nil, apperrors.BadRequest("page messages need an origin")
		}
		key := c.URL
		if origin, err := authstore.NormalizeURL(c.URL); err == nil {
			key = origin
		}
		if d.limiter != nil && !d.limiter.Allow(key) {
			return nil, apperrors.ErrRateLimited
		}
		ctx = logger.WithOrigin(ctx, key)
	} else if !c.UI {
		return nil, apperrors.ErrUnauthorized
	}

	return handler(ctx, c, env.Request)
}

func (d *Dispatcher) logFailure(ctx context.Context, env Envelope, err error, appErr *apperrors.AppError) {
	args := []any{"message", env.Message, "id", env.ID, "code", appErr.Code}
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		logger.Debug(ctx, "caller went away before the request settled", args...)
	case appErr.StatusCode >= http.StatusInternalServerError && appErr.Code != apperrors.ErrCodeOnChainError:
		logger.Error(ctx, "message failed", append(args, "error", err)...)
	default:
		logger.Warn(ctx, "message rejected", append(args, "detail", appErr.Detail)...)
	}
}

// decode unmarshals a request body; an absent body decodes to the zero value
func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, "Invalid request body", err.Error(), http.StatusBadRequest)
	}
	return v, nil
}

// settle waits for the user's decision on a queued page request
func settle[R any](ctx context.Context, future *pending.Future[R], err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return future.Wait(ctx)
}

func (d *Dispatcher) view(kind types.RequestKind) handlerFunc {
	return func(ctx context.Context, c Caller, _ json.RawMessage) (any, error) {
		return d.broker.View(kind)
	}
}

// UI messages

func (d *Dispatcher) authorizeApprove(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[approveAuthorizeRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := d.broker.ApproveAuthorize(ctx, req.ID, req.AuthorizedAccounts, req.AuthorizedDids); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Dispatcher) authorizeReject(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[idRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := d.broker.RejectAuthorize(ctx, req.ID); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Dispatcher) authorizeIgnore(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[idRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := d.broker.IgnoreAuthorize(ctx, req.ID); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Dispatcher) authorizeList(ctx context.Context, _ Caller, _ json.RawMessage) (any, error) {
	return d.broker.ListAuthorizations(), nil
}

func (d *Dispatcher) authorizeRemove(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[originRequest](raw)
	if err != nil {
		return nil, err
	}
	return d.broker.RemoveAuthorization(ctx, req.Origin)
}

func (d *Dispatcher) authorizeUpdate(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[updateAuthorizeRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := d.broker.UpdateAuthorization(ctx, req.Origin, req.Accounts, req.Dids); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Dispatcher) authorizeDefaults(ctx context.Context, _ Caller, _ json.RawMessage) (any, error) {
	return d.broker.DefaultAccounts(), nil
}

func (d *Dispatcher) accountsCreate(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[createAccountRequest](raw)
	if err != nil {
		return nil, err
	}
	return d.broker.CreateAccount(ctx, req.Name, req.Password)
}

func (d *Dispatcher) accountsList(ctx context.Context, _ Caller, _ json.RawMessage) (any, error) {
	return d.broker.Accounts(ctx)
}

func (d *Dispatcher) accountsForget(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[addressRequest](raw)
	if err != nil {
		return nil, err
	}
	return d.broker.ForgetAccount(ctx, req.Address)
}

func (d *Dispatcher) signingApprove(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[approveSignRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := d.broker.ApproveSign(ctx, req.ID, req.Password, req.SavePass); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Dispatcher) signingCancel(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[idRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := d.broker.CancelSign(ctx, req.ID); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Dispatcher) signingIsLocked(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[idRequest](raw)
	if err != nil {
		return nil, err
	}
	locked, err := d.broker.IsSignLocked(req.ID)
	if err != nil {
		return nil, err
	}
	return lockedResponse{IsLocked: locked}, nil
}

func (d *Dispatcher) metadataApprove(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[idRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := d.broker.ApproveMetadata(ctx, req.ID); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Dispatcher) metadataReject(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[idRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := d.broker.RejectMetadata(ctx, req.ID); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Dispatcher) metadataList(ctx context.Context, _ Caller, _ json.RawMessage) (any, error) {
	return d.broker.KnownMetadata(), nil
}

func (d *Dispatcher) didsCreate(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[did.CreateRequest](raw)
	if err != nil {
		return nil, err
	}
	return d.broker.CreateDid(ctx, req)
}

func (d *Dispatcher) didsDeactivate(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[did.DeactivateRequest](raw)
	if err != nil {
		return nil, err
	}
	return d.broker.DeactivateDid(ctx, req)
}

func (d *Dispatcher) didsSignApprove(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[approveDidSignRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := d.broker.ApproveDidSign(ctx, req.ID, req.Password); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Dispatcher) didsSignCancel(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[idRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := d.broker.CancelDidSign(ctx, req.ID); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Dispatcher) didsList(ctx context.Context, _ Caller, _ json.RawMessage) (any, error) {
	return d.broker.ListDids(ctx)
}

func (d *Dispatcher) didsExport(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[didRequest](raw)
	if err != nil {
		return nil, err
	}
	return d.broker.ExportDid(ctx, req.Did, req.Password)
}

func (d *Dispatcher) didsRemove(ctx context.Context, _ Caller, raw json.RawMessage) (any, error) {
	req, err := decode[didRequest](raw)
	if err != nil {
		return nil, err
	}
	return d.broker.RemoveDid(ctx, req.Did)
}

// Page messages

func (d *Dispatcher) pageAuthorize(ctx context.Context, c Caller, raw json.RawMessage) (any, error) {
	req, err := decode[types.AuthorizeRequest](raw)
	if err != nil {
		return nil, err
	}
	future, err := d.broker.AuthorizeURL(ctx, c.URL, req)
	return settle(ctx, future, err)
}

func (d *Dispatcher) pageAccounts(ctx context.Context, c Caller, _ json.RawMessage) (any, error) {
	return d.broker.AuthorizedAccountsFor(ctx, c.URL)
}

func (d *Dispatcher) pageBytesSign(ctx context.Context, c Caller, raw json.RawMessage) (any, error) {
	req, err := decode[bytesSignRequest](raw)
	if err != nil {
		return nil, err
	}
	future, err := d.broker.Sign(ctx, c.URL, types.SignRequest{
		Type:    types.SignTypeBytes,
		Address: req.Address,
		Data:    req.Data,
	})
	return settle(ctx, future, err)
}

func (d *Dispatcher) pageExtrinsicSign(ctx context.Context, c Caller, raw json.RawMessage) (any, error) {
	req, err := decode[extrinsicSignRequest](raw)
	if err != nil {
		return nil, err
	}
	future, err := d.broker.Sign(ctx, c.URL, types.SignRequest{
		Type:    types.SignTypeTransaction,
		Address: req.Address,
		Data:    req.Tx,
		ChainID: req.ChainID,
	})
	return settle(ctx, future, err)
}

func (d *Dispatcher) pageDidSign(ctx context.Context, c Caller, raw json.RawMessage) (any, error) {
	req, err := decode[types.DidSignRequest](raw)
	if err != nil {
		return nil, err
	}
	future, err := d.broker.DidSign(ctx, c.URL, req)
	return settle(ctx, future, err)
}

func (d *Dispatcher) pageMetadataProvide(ctx context.Context, c Caller, raw json.RawMessage) (any, error) {
	def, err := decode[types.MetadataDef](raw)
	if err != nil {
		return nil, err
	}
	future, err := d.broker.InjectMetadata(ctx, c.URL, def)
	return settle(ctx, future, err)
}

func (d *Dispatcher) pageMetadataList(ctx context.Context, c Caller, _ json.RawMessage) (any, error) {
	if _, err := d.broker.EnsureURLAuthorized(ctx, c.URL); err != nil {
		return nil, err
	}
	return d.broker.KnownMetadata(), nil
}
