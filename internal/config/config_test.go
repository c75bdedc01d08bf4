package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:               8080,
		StoreBackend:       StoreBackendBadger,
		BadgerDir:          "/tmp/keybroker",
		SealProvider:       "none",
		UITokenHash:        "$2a$10$abcdefghijklmnopqrstuv",
		PageRateLimitRPS:   5,
		PageRateLimitBurst: 10,
		UnlockCacheTTL:     15 * time.Minute,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid badger config",
			mutate: func(c *Config) {},
		},
		{
			name: "valid in-memory badger without dir",
			mutate: func(c *Config) {
				c.BadgerDir = ""
				c.BadgerInMemory = true
			},
		},
		{
			name: "valid postgres config",
			mutate: func(c *Config) {
				c.StoreBackend = StoreBackendPostgres
				c.PostgresDSN = "postgres://localhost:5432/keybroker"
			},
		},
		{
			name: "valid vault seal",
			mutate: func(c *Config) {
				c.SealProvider = "vault"
				c.SealVaultAddress = "http://localhost:8200"
				c.SealVaultToken = "s.token"
				c.SealVaultTransitKey = "keybroker"
			},
		},
		{
			name: "postgres without dsn",
			mutate: func(c *Config) {
				c.StoreBackend = StoreBackendPostgres
			},
			wantErr: true,
			errMsg:  "POSTGRES_DSN is required",
		},
		{
			name: "unknown backend",
			mutate: func(c *Config) {
				c.StoreBackend = "sqlite"
			},
			wantErr: true,
			errMsg:  "STORE_BACKEND must be",
		},
		{
			name: "badger without dir",
			mutate: func(c *Config) {
				c.BadgerDir = ""
			},
			wantErr: true,
			errMsg:  "BADGER_DIR is required",
		},
		{
			name: "local seal without key",
			mutate: func(c *Config) {
				c.SealProvider = "local"
			},
			wantErr: true,
			errMsg:  "SEAL_LOCAL_MASTER_KEY is required",
		},
		{
			name: "aws seal without region",
			mutate: func(c *Config) {
				c.SealProvider = "aws-kms"
				c.SealAWSKMSKeyID = "alias/keybroker"
			},
			wantErr: true,
			errMsg:  "SEAL_AWS_REGION",
		},
		{
			name: "unknown seal provider",
			mutate: func(c *Config) {
				c.SealProvider = "gcp-kms"
			},
			wantErr: true,
			errMsg:  "SEAL_PROVIDER must be",
		},
		{
			name: "missing ui token hash",
			mutate: func(c *Config) {
				c.UITokenHash = ""
			},
			wantErr: true,
			errMsg:  "UI_TOKEN_HASH is required",
		},
		{
			name: "bad port",
			mutate: func(c *Config) {
				c.Port = 0
			},
			wantErr: true,
			errMsg:  "PORT must be",
		},
		{
			name: "registry without rpc",
			mutate: func(c *Config) {
				c.DidRegistryAddress = "0x00000000000000000000000000000000000000aa"
			},
			wantErr: true,
			errMsg:  "CHAIN_RPC_URL is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("reads environment", func(t *testing.T) {
		t.Setenv("PORT", "9090")
		t.Setenv("STORE_BACKEND", "badger")
		t.Setenv("BADGER_IN_MEMORY", "true")
		t.Setenv("UI_TOKEN_HASH", "$2a$10$hash")
		t.Setenv("UNLOCK_CACHE_TTL", "5m")
		t.Setenv("KEYSTORE_LIGHT_SCRYPT", "yes")
		t.Setenv("METADATA_FAMILIES_FILE", "/etc/keybroker/families.json")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 9090, cfg.Port)
		assert.True(t, cfg.BadgerInMemory)
		assert.Equal(t, 5*time.Minute, cfg.UnlockCacheTTL)
		assert.True(t, cfg.KeystoreLightScrypt)
		assert.Equal(t, "none", cfg.SealProvider)
		assert.Equal(t, "/etc/keybroker/families.json", cfg.MetadataFamiliesFile)
	})

	t.Run("invalid environment", func(t *testing.T) {
		t.Setenv("UI_TOKEN_HASH", "")
		t.Setenv("STORE_BACKEND", "badger")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("unparseable values fall back to defaults", func(t *testing.T) {
		t.Setenv("UI_TOKEN_HASH", "$2a$10$hash")
		t.Setenv("PORT", "not-a-number")
		t.Setenv("UNLOCK_CACHE_TTL", "soon")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, 15*time.Minute, cfg.UnlockCacheTTL)
	})
}
