// Package metadata keeps the chain definitions pages have provided and
// the user has approved, both durably and in a runtime registry.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/better-wallet/keybroker/internal/kvstore"
	"github.com/better-wallet/keybroker/internal/logger"
	apperrors "github.com/better-wallet/keybroker/pkg/errors"
	"github.com/better-wallet/keybroker/pkg/types"
)

const keyPrefix = "metadata:"

// Store persists definitions under metadata:<genesis> and mirrors them
// in memory
type Store struct {
	kv kvstore.Store

	mu       sync.RWMutex
	registry map[string]types.MetadataDef
}

// New loads every persisted definition
func New(ctx context.Context, kv kvstore.Store) (*Store, error) {
	entries, err := kv.Scan(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	registry := make(map[string]types.MetadataDef, len(entries))
	for key, raw := range entries {
		var def types.MetadataDef
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", key, err)
		}
		registry[normalizeGenesis(def.GenesisHash)] = def
	}

	return &Store{kv: kv, registry: registry}, nil
}

// Validate checks the fields every definition must carry
func Validate(def types.MetadataDef) error {
	if normalizeGenesis(def.GenesisHash) == "" {
		return apperrors.BadRequest("genesisHash is required")
	}
	if strings.TrimSpace(def.Chain) == "" {
		return apperrors.BadRequest("chain is required")
	}
	if len(def.Types) > 0 && !json.Valid(def.Types) {
		return apperrors.BadRequest("types must be valid JSON")
	}
	return nil
}

// Get returns the registered definition for a genesis hash
func (s *Store) Get(genesis string) (types.MetadataDef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.registry[normalizeGenesis(genesis)]
	return def, ok
}

// Knows reports whether def is already registered at the same or a newer
// spec version
func (s *Store) Knows(def types.MetadataDef) bool {
	known, ok := s.Get(def.GenesisHash)
	return ok && known.SpecVersion >= def.SpecVersion
}

// List returns every definition ordered by chain name
func (s *Store) List() []types.MetadataDef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.MetadataDef, 0, len(s.registry))
	for _, def := range s.registry {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain == out[j].Chain {
			return out[i].GenesisHash < out[j].GenesisHash
		}
		return out[i].Chain < out[j].Chain
	})
	return out
}

// Save persists def and registers it
func (s *Store) Save(ctx context.Context, def types.MetadataDef) error {
	if err := Validate(def); err != nil {
		return err
	}
	genesis := normalizeGenesis(def.GenesisHash)
	def.GenesisHash = genesis

	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := s.kv.Set(ctx, keyPrefix+genesis, raw); err != nil {
		return fmt.Errorf("failed to persist metadata: %w", err)
	}

	s.mu.Lock()
	s.registry[genesis] = def
	s.mu.Unlock()
	return nil
}

// Reconcile keeps, per family, only the definition stored under the most
// canonical genesis hash (lowest index) and removes the rest. It is safe
// to run repeatedly.
func (s *Store) Reconcile(ctx context.Context, families []types.ChainFamily) ([]string, error) {
	var removed []string
	for _, family := range families {
		kept := false
		for _, genesis := range family.GenesisHashes {
			genesis = normalizeGenesis(genesis)
			if _, ok := s.Get(genesis); !ok {
				continue
			}
			if !kept {
				kept = true
				continue
			}
			if err := s.kv.Delete(ctx, keyPrefix+genesis); err != nil {
				return removed, fmt.Errorf("failed to remove superseded metadata %s: %w", genesis, err)
			}
			s.mu.Lock()
			delete(s.registry, genesis)
			s.mu.Unlock()
			removed = append(removed, genesis)
			logger.Info(ctx, "removed superseded metadata", "family", family.Name, "genesis", genesis)
		}
	}
	return removed, nil
}

// LoadFamilies decodes a JSON list of chain families
func LoadFamilies(raw []byte) ([]types.ChainFamily, error) {
	var families []types.ChainFamily
	if err := json.Unmarshal(raw, &families); err != nil {
		return nil, fmt.Errorf("failed to decode chain families: %w", err)
	}
	return families, nil
}

func normalizeGenesis(genesis string) string {
	return strings.ToLower(strings.TrimSpace(genesis))
}
