package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of ethclient.Client the wallet needs
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client wraps an Ethereum RPC backend. The chain id and genesis hash are
// fetched on first use so the service starts while the node is down.
type Client struct {
	backend Backend
	closer  func()

	mu      sync.Mutex
	chainID *big.Int
	genesis common.Hash

	pollInterval time.Duration
}

// Dial creates a client for rpcURL
func Dial(rpcURL string) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	c := NewClient(client)
	c.closer = client.Close
	return c, nil
}

// NewClient wraps an existing backend
func NewClient(backend Backend) *Client {
	return &Client{backend: backend, pollInterval: 2 * time.Second}
}

// SetPollInterval changes how often receipts are polled
func (c *Client) SetPollInterval(d time.Duration) {
	c.pollInterval = d
}

// ChainID returns the chain ID
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	c.chainID = id
	return new(big.Int).Set(id), nil
}

// Genesis returns the hash of block 0
func (c *Client) Genesis(ctx context.Context) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.genesis != (common.Hash{}) {
		return c.genesis, nil
	}
	header, err := c.backend.HeaderByNumber(ctx, big.NewInt(0))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get genesis header: %w", err)
	}
	c.genesis = header.Hash()
	return c.genesis, nil
}

// BuildTx assembles an unsigned EIP-1559 call from -> to with data
func (c *Client) BuildTx(ctx context.Context, from, to common.Address, data []byte) (*types.Transaction, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	tipCap, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip cap: %w", err)
	}

	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tipCap)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		// 20% buffer over the estimate
		Gas:  gas * 120 / 100,
		To:   &to,
		Data: data,
	}), nil
}

// SendTransaction broadcasts a signed transaction to the network
func (c *Client) SendTransaction(ctx context.Context, signedTx *types.Transaction) (common.Hash, error) {
	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash(), nil
}

// WaitMined polls for the receipt of hash until it appears or ctx is done
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Call runs a read-only contract call against the latest block, or the
// given block when number is non-nil
func (c *Client) Call(ctx context.Context, msg ethereum.CallMsg, number *big.Int) ([]byte, error) {
	return c.backend.CallContract(ctx, msg, number)
}

// Close closes the client connection
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}
