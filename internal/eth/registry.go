package eth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/better-wallet/keybroker/internal/logger"
	apperrors "github.com/better-wallet/keybroker/pkg/errors"
)

// RegistryABI is the interface of the on-chain DID registry
const RegistryABI = `[
	{"type":"function","name":"create","stateMutability":"nonpayable",
	 "inputs":[{"name":"did","type":"string"},{"name":"publicKey","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"deactivate","stateMutability":"nonpayable",
	 "inputs":[{"name":"did","type":"string"},{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"isDeactivated","stateMutability":"view",
	 "inputs":[{"name":"did","type":"string"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Registry submits DID transactions to the registry contract
type Registry struct {
	client  *Client
	address common.Address
	abi     abi.ABI
}

// NewRegistry binds the registry contract at address
func NewRegistry(client *Client, address string) (*Registry, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid registry address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}
	return &Registry{client: client, address: common.HexToAddress(address), abi: parsed}, nil
}

// Genesis returns the chain's genesis hash as 0x hex
func (r *Registry) Genesis(ctx context.Context) (string, error) {
	h, err := r.client.Genesis(ctx)
	if err != nil {
		return "", apperrors.OnChainError(err.Error())
	}
	return h.Hex(), nil
}

// Create registers did with its public key, paid for by signer
func (r *Registry) Create(ctx context.Context, signer *ecdsa.PrivateKey, did string, publicKey []byte) (string, error) {
	return r.submit(ctx, signer, "create", did, publicKey)
}

// Deactivate retires did; signature proves control of the DID key
func (r *Registry) Deactivate(ctx context.Context, signer *ecdsa.PrivateKey, did string, signature []byte) (string, error) {
	return r.submit(ctx, signer, "deactivate", did, signature)
}

// IsDeactivated reads the registry's status for did
func (r *Registry) IsDeactivated(ctx context.Context, did string) (bool, error) {
	data, err := r.abi.Pack("isDeactivated", did)
	if err != nil {
		return false, fmt.Errorf("failed to pack isDeactivated: %w", err)
	}
	out, err := r.client.Call(ctx, ethereum.CallMsg{To: &r.address, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("isDeactivated call failed: %w", err)
	}
	values, err := r.abi.Unpack("isDeactivated", out)
	if err != nil {
		return false, fmt.Errorf("failed to unpack isDeactivated: %w", err)
	}
	deactivated, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected isDeactivated result %T", values[0])
	}
	return deactivated, nil
}

func (r *Registry) submit(ctx context.Context, signer *ecdsa.PrivateKey, method string, args ...any) (string, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack %s: %w", method, err)
	}
	from := ethcrypto.PubkeyToAddress(signer.PublicKey)

	tx, err := r.client.BuildTx(ctx, from, r.address, data)
	if err != nil {
		return "", apperrors.OnChainError(revertReason(err))
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(tx.ChainId()), signer)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s transaction: %w", method, err)
	}

	hash, err := r.client.SendTransaction(ctx, signed)
	if err != nil {
		return "", apperrors.OnChainError(err.Error())
	}
	logger.Info(ctx, "registry transaction sent", "method", method, "tx_hash", hash.Hex())

	receipt, err := r.client.WaitMined(ctx, hash)
	if err != nil {
		return "", apperrors.OnChainError(err.Error())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// replay at the failing block to learn the revert reason
		_, callErr := r.client.Call(ctx, ethereum.CallMsg{From: from, To: &r.address, Data: data}, receipt.BlockNumber)
		reason := "transaction reverted"
		if callErr != nil {
			reason = revertReason(callErr)
		}
		logger.Warn(ctx, "registry transaction failed", "method", method, "tx_hash", hash.Hex(), "reason", reason)
		return "", apperrors.OnChainError(reason)
	}

	return hash.Hex(), nil
}

// revertReason decodes an Error(string) revert carried by an RPC error,
// falling back to the raw error text
func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(hexData); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}
