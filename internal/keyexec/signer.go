package keyexec

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer is the signing capability the broker treats as opaque: it gets an
// unlocked key and a payload and returns signature bytes.
type Signer interface {
	// SignBytes signs an arbitrary message and returns a 65-byte [R||S||V]
	// signature with V in {27, 28}
	SignBytes(ctx context.Context, key *ecdsa.PrivateKey, message []byte) ([]byte, error)

	// SignTransaction signs an unsigned binary-encoded transaction and returns
	// the signed binary encoding
	SignTransaction(ctx context.Context, key *ecdsa.PrivateKey, rawTx []byte, chainID int64) ([]byte, error)
}

// EthSigner implements Signer with secp256k1 over EIP-191 message hashes
type EthSigner struct{}

// NewEthSigner returns the default signer
func NewEthSigner() *EthSigner {
	return &EthSigner{}
}

// SignBytes signs accounts.TextHash(message)
func (s *EthSigner) SignBytes(ctx context.Context, key *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key is locked")
	}

	signature, err := ethcrypto.Sign(accounts.TextHash(message), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	// crypto.Sign yields V in {0, 1}; wallets exchange {27, 28}
	signature[ethcrypto.RecoveryIDOffset] += 27
	return signature, nil
}

// SignTransaction signs rawTx with the latest signer for chainID
func (s *EthSigner) SignTransaction(ctx context.Context, key *ecdsa.PrivateKey, rawTx []byte, chainID int64) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key is locked")
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("chain id is required to sign a transaction")
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(chainID)), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	encoded, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed transaction: %w", err)
	}
	return encoded, nil
}

// RecoverBytesSigner returns the address that produced signature over message
func RecoverBytesSigner(message, signature []byte) (common.Address, error) {
	if len(signature) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", ethcrypto.SignatureLength, len(signature))
	}

	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}

	pub, err := ethcrypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyBytes checks signature over message against an uncompressed or
// compressed secp256k1 public key
func VerifyBytes(publicKey, message, signature []byte) bool {
	if len(signature) < 64 {
		return false
	}

	pub := publicKey
	if len(publicKey) == 33 {
		decompressed, err := ethcrypto.DecompressPubkey(publicKey)
		if err != nil {
			return false
		}
		pub = ethcrypto.FromECDSAPub(decompressed)
	}

	return ethcrypto.VerifySignature(pub, accounts.TextHash(message), signature[:64])
}

// ZeroKey clears a private key's scalar
func ZeroKey(key *ecdsa.PrivateKey) {
	if key != nil && key.D != nil {
		key.D.SetInt64(0)
	}
}

var _ Signer = (*EthSigner)(nil)
