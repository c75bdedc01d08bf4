package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends
const (
	StoreBackendBadger   = "badger"
	StoreBackendPostgres = "postgres"
)

// Config holds the background service configuration
type Config struct {
	// Server
	Port int

	// Logging
	LogFormat string
	LogLevel  string

	// Durable key-value store
	StoreBackend   string // badger or postgres
	BadgerDir      string
	BadgerInMemory bool
	PostgresDSN    string

	// At-rest sealing of stored values
	SealProvider        string // none, local, aws-kms or vault
	SealLocalMasterKey  string
	SealAWSKMSKeyID     string
	SealAWSRegion       string
	SealVaultAddress    string
	SealVaultToken      string
	SealVaultTransitKey string

	// UI context authentication (bcrypt hash of the popup token)
	UITokenHash string

	// Page context rate limit, per origin
	PageRateLimitRPS   int
	PageRateLimitBurst int

	// Signing
	UnlockCacheTTL      time.Duration
	KeystoreLightScrypt bool

	// DID ledger
	ChainRPCURL        string
	DidRegistryAddress string

	// JSON list of chain families, see metadata.LoadFamilies
	MetadataFamiliesFile string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnvInt("PORT", 8080),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		LogLevel:            getEnv("LOG_LEVEL", "INFO"),
		StoreBackend:        getEnv("STORE_BACKEND", StoreBackendBadger),
		BadgerDir:           getEnv("BADGER_DIR", "./data/badger"),
		BadgerInMemory:      getEnvBool("BADGER_IN_MEMORY", false),
		PostgresDSN:         getEnv("POSTGRES_DSN", ""),
		SealProvider:        getEnv("SEAL_PROVIDER", "none"),
		SealLocalMasterKey:  getEnv("SEAL_LOCAL_MASTER_KEY", ""),
		SealAWSKMSKeyID:     getEnv("SEAL_AWS_KMS_KEY_ID", ""),
		SealAWSRegion:       getEnv("SEAL_AWS_REGION", ""),
		SealVaultAddress:    getEnv("SEAL_VAULT_ADDRESS", ""),
		SealVaultToken:      getEnv("SEAL_VAULT_TOKEN", ""),
		SealVaultTransitKey: getEnv("SEAL_VAULT_TRANSIT_KEY", ""),
		UITokenHash:         getEnv("UI_TOKEN_HASH", ""),
		PageRateLimitRPS:    getEnvInt("PAGE_RATE_LIMIT_RPS", 5),
		PageRateLimitBurst:  getEnvInt("PAGE_RATE_LIMIT_BURST", 10),
		UnlockCacheTTL:      getEnvDuration("UNLOCK_CACHE_TTL", 15*time.Minute),
		KeystoreLightScrypt: getEnvBool("KEYSTORE_LIGHT_SCRYPT", false),
		ChainRPCURL:         getEnv("CHAIN_RPC_URL", ""),
		DidRegistryAddress:  getEnv("DID_REGISTRY_ADDRESS", ""),

		MetadataFamiliesFile: getEnv("METADATA_FAMILIES_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got: %d", c.Port)
	}

	switch c.StoreBackend {
	case StoreBackendBadger:
		if !c.BadgerInMemory && c.BadgerDir == "" {
			return fmt.Errorf("BADGER_DIR is required unless BADGER_IN_MEMORY is set")
		}
	case StoreBackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND is 'postgres'")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be 'badger' or 'postgres', got: %s", c.StoreBackend)
	}

	switch c.SealProvider {
	case "none", "":
	case "local":
		if c.SealLocalMasterKey == "" {
			return fmt.Errorf("SEAL_LOCAL_MASTER_KEY is required when SEAL_PROVIDER is 'local'")
		}
	case "aws-kms":
		if c.SealAWSKMSKeyID == "" || c.SealAWSRegion == "" {
			return fmt.Errorf("SEAL_AWS_KMS_KEY_ID and SEAL_AWS_REGION are required when SEAL_PROVIDER is 'aws-kms'")
		}
	case "vault":
		if c.SealVaultAddress == "" || c.SealVaultToken == "" || c.SealVaultTransitKey == "" {
			return fmt.Errorf("SEAL_VAULT_ADDRESS, SEAL_VAULT_TOKEN and SEAL_VAULT_TRANSIT_KEY are required when SEAL_PROVIDER is 'vault'")
		}
	default:
		return fmt.Errorf("SEAL_PROVIDER must be 'none', 'local', 'aws-kms' or 'vault', got: %s", c.SealProvider)
	}

	if c.UITokenHash == "" {
		return fmt.Errorf("UI_TOKEN_HASH is required")
	}

	if c.PageRateLimitRPS <= 0 || c.PageRateLimitBurst <= 0 {
		return fmt.Errorf("PAGE_RATE_LIMIT_RPS and PAGE_RATE_LIMIT_BURST must be positive")
	}

	if c.UnlockCacheTTL < 0 {
		return fmt.Errorf("UNLOCK_CACHE_TTL must not be negative")
	}

	if c.DidRegistryAddress != "" && c.ChainRPCURL == "" {
		return fmt.Errorf("CHAIN_RPC_URL is required when DID_REGISTRY_ADDRESS is set")
	}

	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	valueStr = strings.ToLower(valueStr)
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

// getEnvDuration parses a Go duration string, e.g. "15m"
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
