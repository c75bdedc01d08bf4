package types

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// RequestKind names one of the four pending request queues
type RequestKind string

const (
	KindAuthorize RequestKind = "authorize"
	KindSign      RequestKind = "signing"
	KindDidSign   RequestKind = "did_signing"
	KindMetadata  RequestKind = "metadata"
)

// AllKinds lists the pending request kinds in badge priority order
var AllKinds = []RequestKind{KindAuthorize, KindMetadata, KindSign, KindDidSign}

// AuthorizationEntry is the durable record of what an origin may access.
// AuthorizedDids nil means every DID is implicitly authorized.
type AuthorizationEntry struct {
	ID                 string    `json:"id"`
	Origin             string    `json:"origin"`
	URL                string    `json:"url"`
	AuthorizedAccounts []string  `json:"authorizedAccounts"`
	AuthorizedDids     *[]string `json:"authorizedDids,omitempty"`
	Count              uint64    `json:"count"`
	CreationID         uuid.UUID `json:"creationId"`
	IsAllowed          bool      `json:"isAllowed"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Clone returns a deep copy so callers never share slices with the store
func (e *AuthorizationEntry) Clone() *AuthorizationEntry {
	if e == nil {
		return nil
	}
	out := *e
	out.AuthorizedAccounts = append([]string{}, e.AuthorizedAccounts...)
	if e.AuthorizedDids != nil {
		dids := append([]string{}, (*e.AuthorizedDids)...)
		out.AuthorizedDids = &dids
	}
	return &out
}

// AllowsDid reports whether the entry grants access to did
func (e *AuthorizationEntry) AllowsDid(did string) bool {
	if e.AuthorizedDids == nil {
		return true
	}
	for _, d := range *e.AuthorizedDids {
		if d == did {
			return true
		}
	}
	return false
}

// AllowsAccount reports whether the entry grants access to address
func (e *AuthorizationEntry) AllowsAccount(address string) bool {
	for _, a := range e.AuthorizedAccounts {
		if EqualAddress(a, address) {
			return true
		}
	}
	return false
}

// AuthorizeRequest is the payload a page sends when asking for access
type AuthorizeRequest struct {
	Origin string `json:"origin"`
}

// AuthorizeResponse is what the page receives once its request is settled
type AuthorizeResponse struct {
	AuthorizedAccounts []string `json:"authorizedAccounts"`
	AuthorizedDids     []string `json:"authorizedDids"`
	Result             bool     `json:"result"`
}

// SignType distinguishes raw byte signing from transaction signing
type SignType string

const (
	SignTypeBytes       SignType = "bytes"
	SignTypeTransaction SignType = "transaction"
)

// SignRequest is the payload of a pending account signature
type SignRequest struct {
	Type    SignType      `json:"type"`
	Address string        `json:"address"`
	Data    hexutil.Bytes `json:"data"`
	ChainID int64         `json:"chainId,omitempty"`
}

// SignResult carries the signature back to the requesting page.
// For transactions Signature holds the signed RLP encoding.
type SignResult struct {
	ID        string        `json:"id"`
	Signature hexutil.Bytes `json:"signature"`
}

// DidSignRequest is the payload of a pending DID signature
type DidSignRequest struct {
	Did  string        `json:"did"`
	Data hexutil.Bytes `json:"data"`
}

// Account is the public view of a stored account
type Account struct {
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// EqualAddress compares two hex account addresses ignoring checksum case
func EqualAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "0x"), strings.TrimPrefix(b, "0x"))
}
