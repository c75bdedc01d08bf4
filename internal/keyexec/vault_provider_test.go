package keyexec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransit mimics the transit engine: ciphertext is the base64 plaintext
// prefixed with the key version, and the context must match on decrypt
func fakeTransit(t *testing.T) *httptest.Server {
	t.Helper()

	write := func(w http.ResponseWriter, data map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"request_id": "r", "data": data})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Plaintext  string `json:"plaintext"`
			Ciphertext string `json:"ciphertext"`
			Context    string `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		wantContext := base64.StdEncoding.EncodeToString([]byte(sealContext))

		switch {
		case r.URL.Path == "/v1/transit/encrypt/keybroker":
			write(w, map[string]any{"ciphertext": "vault:v1:" + body.Context + ":" + body.Plaintext})
		case r.URL.Path == "/v1/transit/decrypt/keybroker":
			rest := strings.TrimPrefix(body.Ciphertext, "vault:v1:")
			ctxPart, plaintext, ok := strings.Cut(rest, ":")
			if !ok || ctxPart != wantContext || body.Context != wantContext {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"errors":["invalid context"]}`))
				return
			}
			write(w, map[string]any{"plaintext": plaintext})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultProvider_RoundTrip(t *testing.T) {
	srv := fakeTransit(t)
	provider, err := NewVaultProvider(srv.URL, "s.token", "keybroker")
	require.NoError(t, err)

	ctx := context.Background()
	value := []byte(`{"address":"0xabc","crypto":{}}`)

	sealed, err := provider.Encrypt(ctx, value)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(sealed), "vault:v1:"))

	opened, err := provider.Decrypt(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, value, opened)
}

func TestVaultProvider_Errors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errors":["boom"]}`))
	}))
	defer failing.Close()

	provider, err := NewVaultProvider(failing.URL, "s.token", "keybroker")
	require.NoError(t, err)

	tests := []struct {
		name    string
		call    func() error
		wantMsg string
	}{
		{
			name: "encrypt",
			call: func() error {
				_, err := provider.Encrypt(context.Background(), []byte("v"))
				return err
			},
			wantMsg: "Vault Transit encrypt failed",
		},
		{
			name: "decrypt",
			call: func() error {
				_, err := provider.Decrypt(context.Background(), []byte("vault:v1:abcd"))
				return err
			},
			wantMsg: "Vault Transit decrypt failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	t.Run("foreign ciphertext is refused", func(t *testing.T) {
		srv := fakeTransit(t)
		p, err := NewVaultProvider(srv.URL, "s.token", "keybroker")
		require.NoError(t, err)

		other := base64.StdEncoding.EncodeToString([]byte("other-service"))
		_, err = p.Decrypt(context.Background(), []byte("vault:v1:"+other+":dg=="))
		assert.Error(t, err)
	})
}

func TestNewVaultProvider_Validation(t *testing.T) {
	tests := []struct {
		name                string
		addr, token, keyArg string
		wantMsg             string
	}{
		{name: "address", token: "t", keyArg: "k", wantMsg: "Vault address is required"},
		{name: "token", addr: "http://127.0.0.1:8200", keyArg: "k", wantMsg: "Vault token is required"},
		{name: "transit key", addr: "http://127.0.0.1:8200", token: "t", wantMsg: "Vault transit key name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVaultProvider(tt.addr, tt.token, tt.keyArg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}
