package api

import (
	"context"
	"encoding/json"

	evbus "github.com/asaskevich/EventBus"

	"github.com/better-wallet/keybroker/internal/did"
	"github.com/better-wallet/keybroker/internal/pending"
	"github.com/better-wallet/keybroker/pkg/types"
)

// Broker is the subset of app.Broker the dispatcher drives. It is an
// interface so the transport can be tested without a store.
type Broker interface {
	AuthorizeURL(ctx context.Context, url string, req types.AuthorizeRequest) (*pending.Future[types.AuthorizeResponse], error)
	ApproveAuthorize(ctx context.Context, id string, accounts []string, dids *[]string) error
	RejectAuthorize(ctx context.Context, id string) error
	IgnoreAuthorize(ctx context.Context, id string) error
	AuthorizedAccountsFor(ctx context.Context, url string) ([]types.Account, error)
	EnsureURLAuthorized(ctx context.Context, url string) (*types.AuthorizationEntry, error)
	ListAuthorizations() map[string]types.AuthorizationEntry
	RemoveAuthorization(ctx context.Context, origin string) (map[string]types.AuthorizationEntry, error)
	UpdateAuthorization(ctx context.Context, origin string, accounts []string, dids *[]string) error
	DefaultAccounts() []string

	CreateAccount(ctx context.Context, name, password string) (*types.Account, error)
	Accounts(ctx context.Context) ([]types.Account, error)
	ForgetAccount(ctx context.Context, address string) (bool, error)

	Sign(ctx context.Context, url string, req types.SignRequest) (*pending.Future[types.SignResult], error)
	ApproveSign(ctx context.Context, id, password string, savePass bool) error
	CancelSign(ctx context.Context, id string) error
	IsSignLocked(id string) (bool, error)

	DidSign(ctx context.Context, url string, req types.DidSignRequest) (*pending.Future[types.SignResult], error)
	ApproveDidSign(ctx context.Context, id, password string) error
	CancelDidSign(ctx context.Context, id string) error

	InjectMetadata(ctx context.Context, url string, def types.MetadataDef) (*pending.Future[bool], error)
	ApproveMetadata(ctx context.Context, id string) error
	RejectMetadata(ctx context.Context, id string) error
	KnownMetadata() []types.MetadataDef

	CreateDid(ctx context.Context, req did.CreateRequest) (*types.DidRecord, error)
	DeactivateDid(ctx context.Context, req did.DeactivateRequest) (bool, error)
	ListDids(ctx context.Context) ([]types.DidRecord, error)
	ExportDid(ctx context.Context, id, password string) (json.RawMessage, error)
	RemoveDid(ctx context.Context, id string) (bool, error)

	View(kind types.RequestKind) (any, error)
	Bus() evbus.Bus
}
