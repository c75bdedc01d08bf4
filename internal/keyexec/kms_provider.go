package keyexec

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	vault "github.com/hashicorp/vault/api"
)

// KMSProvider seals values before they are written to the durable store.
// Implementations: local AES-GCM, AWS KMS, HashiCorp Vault Transit.
type KMSProvider interface {
	// Encrypt encrypts data using the KMS
	Encrypt(ctx context.Context, data []byte) ([]byte, error)

	// Decrypt decrypts data using the KMS
	Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error)

	// Provider returns the provider name (e.g., "local", "aws-kms", "vault")
	Provider() string
}

// KMSProviderType represents supported KMS providers
type KMSProviderType string

const (
	// KMSProviderNone disables sealing
	KMSProviderNone KMSProviderType = "none"

	// KMSProviderLocal uses a local master key with AES-256-GCM
	KMSProviderLocal KMSProviderType = "local"

	// KMSProviderAWSKMS uses AWS KMS for encryption
	KMSProviderAWSKMS KMSProviderType = "aws-kms"

	// KMSProviderVault uses HashiCorp Vault Transit engine
	KMSProviderVault KMSProviderType = "vault"
)

// sealContext is bound into every ciphertext so sealed values cannot be
// replayed into another service sharing the same key.
const sealContext = "keybroker/kvstore"

// KMSConfig contains configuration for KMS providers
type KMSConfig struct {
	// Provider specifies which KMS provider to use
	Provider string

	// Local provider config: 64 hex chars, or any passphrase (hashed to 32 bytes)
	LocalMasterKey string

	// AWS KMS config
	AWSKMSKeyID  string
	AWSKMSRegion string

	// Vault config
	VaultAddress    string
	VaultToken      string
	VaultTransitKey string
}

// LocalKMSProvider implements KMSProvider using a local master key with AES-GCM
type LocalKMSProvider struct {
	aead cipher.AEAD
}

// NewLocalKMSProvider creates a new local KMS provider
func NewLocalKMSProvider(masterKey string) (*LocalKMSProvider, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key is required for local KMS provider")
	}

	key, err := hex.DecodeString(masterKey)
	if err != nil || len(key) != 32 {
		sum := sha256.Sum256([]byte(masterKey))
		key = sum[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &LocalKMSProvider{aead: aead}, nil
}

// Encrypt encrypts data using AES-GCM with the local master key
func (p *LocalKMSProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return p.aead.Seal(nonce, nonce, data, []byte(sealContext)), nil
}

// Decrypt decrypts data using AES-GCM with the local master key
func (p *LocalKMSProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	nonceSize := p.aead.NonceSize()
	if len(encryptedData) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := encryptedData[:nonceSize], encryptedData[nonceSize:]
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, []byte(sealContext))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// Provider returns the provider name
func (p *LocalKMSProvider) Provider() string {
	return string(KMSProviderLocal)
}

// AWSKMSProvider implements KMSProvider using AWS KMS
type AWSKMSProvider struct {
	keyID  string
	client *kms.Client
}

// NewAWSKMSProvider creates a new AWS KMS provider
func NewAWSKMSProvider(keyID, region string) (*AWSKMSProvider, error) {
	if keyID == "" {
		return nil, fmt.Errorf("AWS KMS key ID is required")
	}
	if region == "" {
		return nil, fmt.Errorf("AWS region is required")
	}

	// Default credential chain: env vars, shared config, IAM role
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSKMSProvider{
		keyID:  keyID,
		client: kms.NewFromConfig(cfg),
	}, nil
}

// Encrypt encrypts data using AWS KMS
func (p *AWSKMSProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	output, err := p.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(p.keyID),
		Plaintext:         data,
		EncryptionContext: map[string]string{"purpose": sealContext},
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS encrypt failed: %w", err)
	}
	return output.CiphertextBlob, nil
}

// Decrypt decrypts data using AWS KMS
func (p *AWSKMSProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	output, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:             aws.String(p.keyID),
		CiphertextBlob:    encryptedData,
		EncryptionContext: map[string]string{"purpose": sealContext},
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS decrypt failed: %w", err)
	}
	return output.Plaintext, nil
}

// Provider returns the provider name
func (p *AWSKMSProvider) Provider() string {
	return string(KMSProviderAWSKMS)
}

// VaultProvider implements KMSProvider using HashiCorp Vault Transit engine
type VaultProvider struct {
	transitKey string
	client     *vault.Client
}

// NewVaultProvider creates a new Vault provider
func NewVaultProvider(address, token, transitKey string) (*VaultProvider, error) {
	if address == "" {
		return nil, fmt.Errorf("Vault address is required")
	}
	if token == "" {
		return nil, fmt.Errorf("Vault token is required")
	}
	if transitKey == "" {
		return nil, fmt.Errorf("Vault transit key name is required")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultProvider{
		transitKey: transitKey,
		client:     client,
	}, nil
}

// Encrypt encrypts data using Vault Transit engine
func (p *VaultProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	secret, err := p.client.Logical().WriteWithContext(ctx, "transit/encrypt/"+p.transitKey, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(data),
		"context":   base64.StdEncoding.EncodeToString([]byte(sealContext)),
	})
	if err != nil {
		return nil, fmt.Errorf("Vault Transit encrypt failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("Vault Transit encrypt returned empty response")
	}

	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("Vault Transit encrypt: ciphertext not found in response")
	}

	// vault:v1:... is stored as-is
	return []byte(ciphertext), nil
}

// Decrypt decrypts data using Vault Transit engine
func (p *VaultProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	secret, err := p.client.Logical().WriteWithContext(ctx, "transit/decrypt/"+p.transitKey, map[string]interface{}{
		"ciphertext": string(encryptedData),
		"context":    base64.StdEncoding.EncodeToString([]byte(sealContext)),
	})
	if err != nil {
		return nil, fmt.Errorf("Vault Transit decrypt failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("Vault Transit decrypt returned empty response")
	}

	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("Vault Transit decrypt: plaintext not found in response")
	}

	plaintext, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return nil, fmt.Errorf("Vault Transit decrypt: failed to decode plaintext: %w", err)
	}
	return plaintext, nil
}

// Provider returns the provider name
func (p *VaultProvider) Provider() string {
	return string(KMSProviderVault)
}

// NewKMSProvider creates a KMSProvider based on the configuration.
// It returns nil, nil for the "none" provider.
func NewKMSProvider(cfg *KMSConfig) (KMSProvider, error) {
	switch KMSProviderType(cfg.Provider) {
	case KMSProviderNone, "":
		return nil, nil

	case KMSProviderLocal:
		return NewLocalKMSProvider(cfg.LocalMasterKey)

	case KMSProviderAWSKMS:
		return NewAWSKMSProvider(cfg.AWSKMSKeyID, cfg.AWSKMSRegion)

	case KMSProviderVault:
		return NewVaultProvider(cfg.VaultAddress, cfg.VaultToken, cfg.VaultTransitKey)

	default:
		return nil, fmt.Errorf("unsupported KMS provider: %s (supported: %s, %s, %s, %s)",
			cfg.Provider, KMSProviderNone, KMSProviderLocal, KMSProviderAWSKMS, KMSProviderVault)
	}
}

// Ensure providers implement KMSProvider
var (
	_ KMSProvider = (*LocalKMSProvider)(nil)
	_ KMSProvider = (*AWSKMSProvider)(nil)
	_ KMSProvider = (*VaultProvider)(nil)
)
