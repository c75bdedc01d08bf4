// Package keyring stores password-encrypted secp256k1 keys and keeps a
// short-lived cache of unlocked keys so repeated signatures within the
// cache window do not ask for the password again.
package keyring

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	apperrors "github.com/better-wallet/keybroker/pkg/errors"
)

// ScryptParams selects the keystore key-derivation cost
type ScryptParams struct {
	N int
	P int
}

var (
	// StandardScrypt is the production cost
	StandardScrypt = ScryptParams{N: keystore.StandardScryptN, P: keystore.StandardScryptP}
	// LightScrypt is for tests and low-power devices
	LightScrypt = ScryptParams{N: keystore.LightScryptN, P: keystore.LightScryptP}
)

// EncryptKey serializes key as keystore v3 JSON protected by password
func EncryptKey(key *ecdsa.PrivateKey, password string, params ScryptParams) ([]byte, error) {
	k := &keystore.Key{
		Id:         uuid.New(),
		Address:    ethcrypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}
	encrypted, err := keystore.EncryptKey(k, password, params.N, params.P)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key: %w", err)
	}
	return encrypted, nil
}

// DecryptKey opens keystore JSON; a bad password yields ErrWrongPassword
func DecryptKey(keyJSON []byte, password string) (*ecdsa.PrivateKey, error) {
	k, err := keystore.DecryptKey(keyJSON, password)
	if errors.Is(err, keystore.ErrDecrypt) {
		return nil, apperrors.ErrWrongPassword
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}
	return k.PrivateKey, nil
}

// copyKey returns an independent copy so zeroing one does not affect the other
func copyKey(key *ecdsa.PrivateKey) *ecdsa.PrivateKey {
	raw := ethcrypto.FromECDSA(key)
	defer clear(raw)
	dup, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil
	}
	return dup
}
