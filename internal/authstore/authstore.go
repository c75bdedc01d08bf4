// Package authstore is the durable record of which origins may talk to
// the wallet and which accounts and DIDs each of them can see.
//
// The whole table lives under one key and is rewritten on every change;
// the default account selection lives under a second key.
package authstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/better-wallet/keybroker/internal/kvstore"
	apperrors "github.com/better-wallet/keybroker/pkg/errors"
	"github.com/better-wallet/keybroker/pkg/types"
)

const (
	authURLsKey        = "authUrls"
	defaultAccountsKey = "defaultAuthAccounts"
)

// AccountDiff replaces the account list of one origin. A nil Dids keeps
// the origin's DID list as it is.
type AccountDiff struct {
	Origin   string    `json:"origin"`
	Accounts []string  `json:"accounts"`
	Dids     *[]string `json:"dids,omitempty"`
}

// Store caches the authorization table in memory and writes it through
type Store struct {
	kv kvstore.Store

	mu       sync.Mutex
	entries  map[string]*types.AuthorizationEntry
	defaults []string
}

// New loads both persisted keys from kv
func New(ctx context.Context, kv kvstore.Store) (*Store, error) {
	s := &Store{
		kv:      kv,
		entries: make(map[string]*types.AuthorizationEntry),
	}

	if err := s.load(ctx, authURLsKey, &s.entries); err != nil {
		return nil, err
	}
	if err := s.load(ctx, defaultAccountsKey, &s.defaults); err != nil {
		return nil, err
	}
	if s.entries == nil {
		s.entries = make(map[string]*types.AuthorizationEntry)
	}
	return s, nil
}

func (s *Store) load(ctx context.Context, key string, into any) error {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// NormalizeURL reduces raw to its host[:port] authority. Only http, https,
// ipfs and ipns urls are accepted. ipfs and ipns authorities keep their case:
// base58 CIDs are case-sensitive.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", apperrors.InvalidURL(raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return strings.ToLower(u.Host), nil
	case "ipfs", "ipns":
		return u.Host, nil
	default:
		return "", apperrors.InvalidURL(raw)
	}
}

// Get returns a copy of the entry for a normalized origin
func (s *Store) Get(origin string) (*types.AuthorizationEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[origin]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// List returns a copy of the whole table
func (s *Store) List() map[string]types.AuthorizationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() map[string]types.AuthorizationEntry {
	out := make(map[string]types.AuthorizationEntry, len(s.entries))
	for k, e := range s.entries {
		out[k] = *e.Clone()
	}
	return out
}

// Upsert stores entry under entry.ID; last write wins
func (s *Store) Upsert(ctx context.Context, entry *types.AuthorizationEntry) error {
	if entry == nil || entry.ID == "" {
		return apperrors.BadRequest("authorization entry id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(ctx, func(next map[string]*types.AuthorizationEntry) error {
		next[entry.ID] = entry.Clone()
		return nil
	})
}

// Remove deletes an origin and returns the remaining table
func (s *Store) Remove(ctx context.Context, origin string) (map[string]types.AuthorizationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.commitLocked(ctx, func(next map[string]*types.AuthorizationEntry) error {
		if _, ok := next[origin]; !ok {
			return apperrors.NotFound("Origin", origin)
		}
		delete(next, origin)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.snapshotLocked(), nil
}

// ApplyAccountDiff updates several entries in a single durable write.
// An unknown origin fails the whole batch.
func (s *Store) ApplyAccountDiff(ctx context.Context, diffs []AccountDiff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(ctx, func(next map[string]*types.AuthorizationEntry) error {
		for _, d := range diffs {
			e, ok := next[d.Origin]
			if !ok {
				return apperrors.NotFound("Origin", d.Origin)
			}
			e.AuthorizedAccounts = append([]string{}, d.Accounts...)
			if d.Dids != nil {
				dids := append([]string{}, (*d.Dids)...)
				e.AuthorizedDids = &dids
			}
		}
		return nil
	})
}

// Touch bumps the usage counter of an allowed origin
func (s *Store) Touch(ctx context.Context, origin string) (*types.AuthorizationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var touched *types.AuthorizationEntry
	err := s.commitLocked(ctx, func(next map[string]*types.AuthorizationEntry) error {
		e, ok := next[origin]
		if !ok || !e.IsAllowed {
			return apperrors.UnauthorizedOrigin(origin, "origin has not been authorized")
		}
		e.Count++
		touched = e.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}

// DefaultAccounts returns the accounts preselected for new requests
func (s *Store) DefaultAccounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.defaults...)
}

// SetDefaultAccounts replaces the default account selection
func (s *Store) SetDefaultAccounts(ctx context.Context, accounts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDefaultsLocked(ctx, append([]string{}, accounts...))
}

// ForgetAccount removes address from every entry and from the defaults.
// Calling it again is a no-op.
func (s *Store) ForgetAccount(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.commitLocked(ctx, func(next map[string]*types.AuthorizationEntry) error {
		for _, e := range next {
			e.AuthorizedAccounts = without(e.AuthorizedAccounts, address)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.writeDefaultsLocked(ctx, without(s.defaults, address))
}

// commitLocked applies mutate to a copy of the table, persists the copy
// and only then swaps it in. A failed write leaves the cache untouched.
func (s *Store) commitLocked(ctx context.Context, mutate func(map[string]*types.AuthorizationEntry) error) error {
	next := make(map[string]*types.AuthorizationEntry, len(s.entries))
	for k, e := range s.entries {
		next[k] = e.Clone()
	}
	if err := mutate(next); err != nil {
		return err
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode authorizations: %w", err)
	}
	if err := s.kv.Set(ctx, authURLsKey, raw); err != nil {
		return fmt.Errorf("failed to persist authorizations: %w", err)
	}
	s.entries = next
	return nil
}

func (s *Store) writeDefaultsLocked(ctx context.Context, accounts []string) error {
	raw, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("failed to encode default accounts: %w", err)
	}
	if err := s.kv.Set(ctx, defaultAccountsKey, raw); err != nil {
		return fmt.Errorf("failed to persist default accounts: %w", err)
	}
	s.defaults = accounts
	return nil
}

func without(list []string, address string) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if !types.EqualAddress(a, address) {
			out = append(out, a)
		}
	}
	return out
}
