package types

import "time"

// DidRecord is the locally stored metadata of a DID. Deactivated stays nil
// until the registry reported a status or the wallet deactivated the DID.
type DidRecord struct {
	DID            string    `json:"did"`
	Name           string    `json:"name"`
	PublicKey      string    `json:"publicKey"`
	SigningAccount string    `json:"signingAccount"`
	TxHash         string    `json:"txHash,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Deactivated    *bool     `json:"deactivated,omitempty"`
}
