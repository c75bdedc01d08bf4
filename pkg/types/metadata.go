package types

import "encoding/json"

// MetadataDef describes a chain the wallet can decode and sign for
type MetadataDef struct {
	GenesisHash   string          `json:"genesisHash"`
	Chain         string          `json:"chain"`
	SpecVersion   uint32          `json:"specVersion"`
	TokenSymbol   string          `json:"tokenSymbol"`
	TokenDecimals uint8           `json:"tokenDecimals"`
	SS58Format    uint16          `json:"ss58Format"`
	Icon          string          `json:"icon,omitempty"`
	Types         json.RawMessage `json:"types,omitempty"`
}

// ChainFamily groups the genesis hashes one chain has been known under.
// Index 0 is the canonical hash.
type ChainFamily struct {
	Name          string   `json:"name"`
	GenesisHashes []string `json:"genesisHashes"`
}
