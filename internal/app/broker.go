package app

import (
	"context"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"github.com/better-wallet/keybroker/internal/authstore"
	"github.com/better-wallet/keybroker/internal/did"
	"github.com/better-wallet/keybroker/internal/keyexec"
	"github.com/better-wallet/keybroker/internal/keyring"
	"github.com/better-wallet/keybroker/internal/metadata"
	"github.com/better-wallet/keybroker/internal/metrics"
	"github.com/better-wallet/keybroker/internal/notify"
	"github.com/better-wallet/keybroker/internal/pending"
	apperrors "github.com/better-wallet/keybroker/pkg/errors"
	"github.com/better-wallet/keybroker/pkg/types"
)

// DefaultUnlockTTL is how long a saved password keeps an account unlocked
const DefaultUnlockTTL = 15 * time.Minute

type (
	AuthorizeTable = pending.Table[types.AuthorizeRequest, types.AuthorizeResponse]
	SignTable      = pending.Table[types.SignRequest, types.SignResult]
	DidSignTable   = pending.Table[types.DidSignRequest, types.SignResult]
	MetadataTable  = pending.Table[types.MetadataDef, bool]
)

// Deps are the collaborators the broker is built from
type Deps struct {
	Auth      *authstore.Store
	Keyring   *keyring.Keyring
	Dids      *did.Service
	Metadata  *metadata.Store
	Signer    keyexec.Signer
	Bus       evbus.Bus
	Surface   notify.Surface
	Metrics   *metrics.Metrics
	UnlockTTL time.Duration
}

// Broker is the request state machine. Every pending request moves from
// pending to resolved or rejected exactly once; durable decisions go
// through the authorization store.
type Broker struct {
	auth      *authstore.Store
	keys      *keyring.Keyring
	dids      *did.Service
	meta      *metadata.Store
	signer    keyexec.Signer
	bus       evbus.Bus
	metrics   *metrics.Metrics
	unlockTTL time.Duration
	now       func() time.Time

	authRequests    *AuthorizeTable
	signRequests    *SignTable
	didSignRequests *DidSignTable
	metaRequests    *MetadataTable

	trigger *notify.Trigger

	// serializes view publication so subscribers never see a stale view last
	viewMu sync.Mutex
}

// NewBroker wires the four pending tables to the notification trigger
// and the event bus
func NewBroker(deps Deps) *Broker {
	ids := pending.NewIDSource()

	bus := deps.Bus
	if bus == nil {
		bus = evbus.New()
	}
	surface := deps.Surface
	if surface == nil {
		surface = notify.NewEventSurface(bus)
	}
	signer := deps.Signer
	if signer == nil {
		signer = keyexec.NewEthSigner()
	}
	ttl := deps.UnlockTTL
	if ttl == 0 {
		ttl = DefaultUnlockTTL
	}

	b := &Broker{
		auth:      deps.Auth,
		keys:      deps.Keyring,
		dids:      deps.Dids,
		meta:      deps.Metadata,
		signer:    signer,
		bus:       bus,
		metrics:   deps.Metrics,
		unlockTTL: ttl,
		now:       time.Now,

		authRequests:    pending.NewTable[types.AuthorizeRequest, types.AuthorizeResponse](types.KindAuthorize, ids),
		signRequests:    pending.NewTable[types.SignRequest, types.SignResult](types.KindSign, ids),
		didSignRequests: pending.NewTable[types.DidSignRequest, types.SignResult](types.KindDidSign, ids),
		metaRequests:    pending.NewTable[types.MetadataDef, bool](types.KindMetadata, ids),
	}
	b.trigger = notify.NewTrigger(surface, b.authRequests, b.metaRequests, b.signRequests, b.didSignRequests)

	b.authRequests.OnChange(b.changed)
	b.signRequests.OnChange(b.changed)
	b.didSignRequests.OnChange(b.changed)
	b.metaRequests.OnChange(b.changed)
	return b
}

// Bus returns the event bus pending views and surface events go out on
func (b *Broker) Bus() evbus.Bus {
	return b.bus
}

func (b *Broker) changed(kind types.RequestKind) {
	ctx := context.Background()

	b.viewMu.Lock()
	defer b.viewMu.Unlock()

	view, n := b.view(kind)

	b.metrics.SetPending(kind, n)
	b.trigger.Refresh(ctx, kind)
	b.metrics.SetSurfaceOpen(b.trigger.IsOpen())
	b.bus.Publish(notify.PendingTopic(kind), view)
}

// View returns the current ordered pending requests of kind. It must not
// be called from a bus handler.
func (b *Broker) View(kind types.RequestKind) (any, error) {
	switch kind {
	case types.KindAuthorize, types.KindSign, types.KindDidSign, types.KindMetadata:
		// ordered against publication so a subscriber's first view is never
		// older than a push it already received
		b.viewMu.Lock()
		defer b.viewMu.Unlock()
		v, _ := b.view(kind)
		return v, nil
	default:
		return nil, apperrors.BadRequest("unknown request kind " + string(kind))
	}
}

func (b *Broker) view(kind types.RequestKind) (any, int) {
	switch kind {
	case types.KindAuthorize:
		v := b.authRequests.All()
		return v, len(v)
	case types.KindSign:
		v := b.signRequests.All()
		return v, len(v)
	case types.KindDidSign:
		v := b.didSignRequests.All()
		return v, len(v)
	case types.KindMetadata:
		v := b.metaRequests.All()
		return v, len(v)
	}
	return nil, 0
}

// AuthorizeRequests returns the pending authorizations in arrival order
func (b *Broker) AuthorizeRequests() []pending.Request[types.AuthorizeRequest] {
	return b.authRequests.All()
}

// SignRequests returns the pending account signatures in arrival order
func (b *Broker) SignRequests() []pending.Request[types.SignRequest] {
	return b.signRequests.All()
}

// DidSignRequests returns the pending DID signatures in arrival order
func (b *Broker) DidSignRequests() []pending.Request[types.DidSignRequest] {
	return b.didSignRequests.All()
}

// MetadataRequests returns the pending metadata definitions in arrival order
func (b *Broker) MetadataRequests() []pending.Request[types.MetadataDef] {
	return b.metaRequests.All()
}

// failClaim reports a failed approval. The claimed entry is rejected with
// err so the page is never left waiting.
func failClaim[P, R any](claim *pending.Claim[P, R], m *metrics.Metrics, err error) error {
	claim.Reject(err)
	m.ObserveResolution(claim.Kind(), metrics.OutcomeFailed)
	return err
}
