package api

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/hexutil"

	apperrors "github.com/better-wallet/keybroker/pkg/errors"
)

// Envelope is one inbound message. The page origin never comes from the
// envelope, only from the transport.
type Envelope struct {
	ID      string          `json:"id"`
	Message string          `json:"message"`
	Request json.RawMessage `json:"request,omitempty"`
}

// Reply answers an Envelope. Subscription carries later pushes of a
// subscribed view under the id of the message that subscribed.
type Reply struct {
	ID           string              `json:"id"`
	Response     any                 `json:"response,omitempty"`
	Error        *apperrors.AppError `json:"error,omitempty"`
	Subscription any                 `json:"subscription,omitempty"`
}

type idRequest struct {
	ID string `json:"id"`
}

type approveAuthorizeRequest struct {
	ID                 string    `json:"id"`
	AuthorizedAccounts []string  `json:"authorizedAccounts"`
	AuthorizedDids     *[]string `json:"authorizedDids"`
}

type originRequest struct {
	Origin string `json:"origin"`
}

type updateAuthorizeRequest struct {
	Origin   string    `json:"origin"`
	Accounts []string  `json:"accounts"`
	Dids     *[]string `json:"dids,omitempty"`
}

type createAccountRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type approveSignRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
	SavePass bool   `json:"savePass"`
}

type approveDidSignRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

type didRequest struct {
	Did      string `json:"did"`
	Password string `json:"password,omitempty"`
}

type bytesSignRequest struct {
	Address string        `json:"address"`
	Data    hexutil.Bytes `json:"data"`
}

type extrinsicSignRequest struct {
	Address string        `json:"address"`
	Tx      hexutil.Bytes `json:"tx"`
	ChainID int64         `json:"chainId"`
}

type lockedResponse struct {
	IsLocked bool `json:"isLocked"`
}
