package authstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/keybroker/internal/kvstore"
	apperrors "github.com/better-wallet/keybroker/pkg/errors"
	"github.com/better-wallet/keybroker/pkg/types"
)

const (
	accountA = "0x1111111111111111111111111111111111111111"
	accountB = "0x2222222222222222222222222222222222222222"
)

func newKV(t *testing.T) kvstore.Store {
	t.Helper()
	kv, err := kvstore.NewBadgerStore(kvstore.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func newStore(t *testing.T, kv kvstore.Store) *Store {
	t.Helper()
	s, err := New(context.Background(), kv)
	require.NoError(t, err)
	return s
}

func entry(origin string, accounts ...string) *types.AuthorizationEntry {
	return &types.AuthorizationEntry{
		ID:                 origin,
		Origin:             "Site " + origin,
		URL:                "https://" + origin + "/",
		AuthorizedAccounts: accounts,
		CreationID:         uuid.New(),
		IsAllowed:          true,
		CreatedAt:          time.Now().UTC(),
	}
}

// failingKV fails every write once armed
type failingKV struct {
	kvstore.Store
	fail bool
}

func (f *failingKV) Set(ctx context.Context, key string, value []byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.Set(ctx, key, value)
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "https://app.example.com/path?q=1", want: "app.example.com"},
		{raw: "http://localhost:3000/", want: "localhost:3000"},
		{raw: "HTTPS://App.Example.COM", want: "app.example.com"},
		{raw: "ipfs://bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi/index.html", want: "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"},
		{raw: "ipns://docs.example.eth", want: "docs.example.eth"},
		{raw: "ipfs://QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG/", want: "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"},
		{raw: "IPFS://QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG", want: "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"},
		{raw: "chrome-extension://abcdef/popup.html", wantErr: true},
		{raw: "file:///etc/passwd", wantErr: true},
		{raw: "javascript:alert(1)", wantErr: true},
		{raw: "app.example.com", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeURL(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidURL))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeURL_ContentRootsStayDistinct(t *testing.T) {
	upper, err := NormalizeURL("ipfs://QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG")
	require.NoError(t, err)
	lower, err := NormalizeURL("ipfs://qmywapjzv5czsna625s3xf2nemtygpphdwez79ojwnpbdg")
	require.NoError(t, err)
	assert.NotEqual(t, upper, lower)
}

func TestStore_UpsertGetRemove(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newKV(t))

	_, ok := s.Get("app.example.com")
	assert.False(t, ok)

	require.NoError(t, s.Upsert(ctx, entry("app.example.com", accountA)))
	got, ok := s.Get("app.example.com")
	require.True(t, ok)
	assert.Equal(t, []string{accountA}, got.AuthorizedAccounts)

	t.Run("returned entries are copies", func(t *testing.T) {
		got.AuthorizedAccounts[0] = accountB
		again, _ := s.Get("app.example.com")
		assert.Equal(t, []string{accountA}, again.AuthorizedAccounts)
	})

	t.Run("last write wins", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, entry("app.example.com", accountB)))
		again, _ := s.Get("app.example.com")
		assert.Equal(t, []string{accountB}, again.AuthorizedAccounts)
		assert.Len(t, s.List(), 1)
	})

	t.Run("remove returns the remaining table", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, entry("other.org", accountA)))
		remaining, err := s.Remove(ctx, "app.example.com")
		require.NoError(t, err)
		assert.Len(t, remaining, 1)
		assert.Contains(t, remaining, "other.org")
	})

	t.Run("remove unknown origin", func(t *testing.T) {
		_, err := s.Remove(ctx, "app.example.com")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("entry without id", func(t *testing.T) {
		err := s.Upsert(ctx, &types.AuthorizationEntry{})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBadRequest))
	})
}

func TestStore_PersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	kv := newKV(t)

	s := newStore(t, kv)
	dids := []string{"did:kb:abc"}
	e := entry("app.example.com", accountA)
	e.AuthorizedDids = &dids
	require.NoError(t, s.Upsert(ctx, e))
	require.NoError(t, s.SetDefaultAccounts(ctx, []string{accountA, accountB}))

	reloaded := newStore(t, kv)
	got, ok := reloaded.Get("app.example.com")
	require.True(t, ok)
	assert.Equal(t, e.CreationID, got.CreationID)
	require.NotNil(t, got.AuthorizedDids)
	assert.Equal(t, dids, *got.AuthorizedDids)
	assert.Equal(t, []string{accountA, accountB}, reloaded.DefaultAccounts())
}

func TestStore_ApplyAccountDiff(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newKV(t))

	require.NoError(t, s.Upsert(ctx, entry("a.example", accountA)))
	require.NoError(t, s.Upsert(ctx, entry("b.example", accountA, accountB)))

	dids := []string{"did:kb:one"}
	err := s.ApplyAccountDiff(ctx, []AccountDiff{
		{Origin: "a.example", Accounts: []string{accountB}, Dids: &dids},
		{Origin: "b.example", Accounts: nil},
	})
	require.NoError(t, err)

	list := s.List()
	assert.Equal(t, []string{accountB}, list["a.example"].AuthorizedAccounts)
	assert.Equal(t, dids, *list["a.example"].AuthorizedDids)
	assert.Empty(t, list["b.example"].AuthorizedAccounts)
	assert.Nil(t, list["b.example"].AuthorizedDids)

	t.Run("unknown origin fails the whole batch", func(t *testing.T) {
		err := s.ApplyAccountDiff(ctx, []AccountDiff{
			{Origin: "a.example", Accounts: []string{accountA}},
			{Origin: "missing.example", Accounts: []string{accountA}},
		})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
		assert.Equal(t, []string{accountB}, s.List()["a.example"].AuthorizedAccounts)
	})
}

func TestStore_ForgetAccount(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newKV(t))

	require.NoError(t, s.Upsert(ctx, entry("a.example", accountA, accountB)))
	require.NoError(t, s.Upsert(ctx, entry("b.example", accountA)))
	require.NoError(t, s.SetDefaultAccounts(ctx, []string{accountA, accountB}))

	for i := 0; i < 2; i++ {
		// checksum case must not matter
		require.NoError(t, s.ForgetAccount(ctx, "0x1111111111111111111111111111111111111111"))

		list := s.List()
		assert.Equal(t, []string{accountB}, list["a.example"].AuthorizedAccounts)
		assert.Empty(t, list["b.example"].AuthorizedAccounts)
		assert.Equal(t, []string{accountB}, s.DefaultAccounts())
	}
}

func TestStore_Touch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, newKV(t))

	require.NoError(t, s.Upsert(ctx, entry("a.example", accountA)))
	denied := entry("denied.example")
	denied.IsAllowed = false
	require.NoError(t, s.Upsert(ctx, denied))

	for want := uint64(1); want <= 3; want++ {
		e, err := s.Touch(ctx, "a.example")
		require.NoError(t, err)
		assert.Equal(t, want, e.Count)
	}

	_, err := s.Touch(ctx, "denied.example")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnauthorizedOrigin))

	_, err = s.Touch(ctx, "never.example")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnauthorizedOrigin))
}

func TestStore_FailedWriteKeepsCache(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{Store: newKV(t)}
	s := newStore(t, kv)

	require.NoError(t, s.Upsert(ctx, entry("a.example", accountA)))

	kv.fail = true
	require.Error(t, s.Upsert(ctx, entry("b.example", accountA)))
	_, err := s.Remove(ctx, "a.example")
	require.Error(t, err)

	_, ok := s.Get("b.example")
	assert.False(t, ok)
	_, ok = s.Get("a.example")
	assert.True(t, ok)
}
