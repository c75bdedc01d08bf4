package eth

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/better-wallet/keybroker/pkg/errors"
)

const registryAddress = "0x00000000000000000000000000000000000d1d00"

type revertError struct {
	data string
}

func (e *revertError) Error() string          { return "execution reverted" }
func (e *revertError) ErrorData() interface{} { return e.data }

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	selector := ethcrypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

// fakeBackend answers like a node with one registry contract
type fakeBackend struct {
	mu sync.Mutex

	chainErr      error
	status        uint64
	revert        error
	estimateErr   error
	receiptMisses int
	deactivated   bool

	sent  []*types.Transaction
	calls int
}

func (b *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	if b.chainErr != nil {
		return nil, b.chainErr
	}
	return big.NewInt(1337), nil
}

func (b *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if b.chainErr != nil {
		return nil, b.chainErr
	}
	n := big.NewInt(100)
	if number != nil {
		n = number
	}
	return &types.Header{Number: n, BaseFee: big.NewInt(1_000_000_000), Difficulty: big.NewInt(0)}, nil
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (b *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return 100_000, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.receiptMisses > 0 {
		b.receiptMisses--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: b.status, TxHash: txHash, BlockNumber: big.NewInt(101)}, nil
}

func (b *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.calls++
	if b.chainErr != nil {
		return nil, b.chainErr
	}
	if b.revert != nil {
		return nil, b.revert
	}
	boolType, _ := abi.NewType("bool", "", nil)
	return abi.Arguments{{Type: boolType}}.Pack(b.deactivated)
}

func newRegistry(t *testing.T, backend *fakeBackend) *Registry {
	t.Helper()
	client := NewClient(backend)
	client.SetPollInterval(time.Millisecond)
	r, err := NewRegistry(client, registryAddress)
	require.NoError(t, err)
	return r
}

func TestNewRegistry(t *testing.T) {
	_, err := NewRegistry(NewClient(&fakeBackend{}), "not-an-address")
	assert.Error(t, err)

	_, err = Dial("")
	assert.Error(t, err)
}

func TestRegistry_Create(t *testing.T) {
	ctx := context.Background()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		backend := &fakeBackend{status: types.ReceiptStatusSuccessful, receiptMisses: 2}
		r := newRegistry(t, backend)

		hash, err := r.Create(ctx, key, "did:kb:abc", []byte{0x02, 0x01})
		require.NoError(t, err)
		require.Len(t, backend.sent, 1)

		tx := backend.sent[0]
		assert.Equal(t, hash, tx.Hash().Hex())
		assert.Equal(t, uint64(7), tx.Nonce())
		assert.Equal(t, uint64(120_000), tx.Gas())
		assert.Equal(t, big.NewInt(4_000_000_000), tx.GasFeeCap())
		assert.Equal(t, common.HexToAddress(registryAddress), *tx.To())

		sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
		require.NoError(t, err)
		assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), sender)

		method, err := r.abi.MethodById(tx.Data()[:4])
		require.NoError(t, err)
		assert.Equal(t, "create", method.Name)
	})

	t.Run("reverted receipt is decoded", func(t *testing.T) {
		backend := &fakeBackend{
			status: types.ReceiptStatusFailed,
			revert: &revertError{data: encodeRevert(t, "DidRegistry: already exists")},
		}
		r := newRegistry(t, backend)

		_, err := r.Create(ctx, key, "did:kb:abc", []byte{0x02})
		require.Error(t, err)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.ErrCodeOnChainError, appErr.Code)
		assert.Equal(t, "DidRegistry: already exists", appErr.Detail)
	})

	t.Run("revert during estimation", func(t *testing.T) {
		backend := &fakeBackend{estimateErr: &revertError{data: encodeRevert(t, "DidRegistry: unknown did")}}
		r := newRegistry(t, backend)

		_, err := r.Deactivate(ctx, key, "did:kb:abc", []byte{0x01})
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		assert.Equal(t, "DidRegistry: unknown did", appErr.Detail)
		assert.Empty(t, backend.sent)
	})

	t.Run("provider unreachable", func(t *testing.T) {
		backend := &fakeBackend{chainErr: errors.New("dial tcp: connection refused")}
		r := newRegistry(t, backend)

		_, err := r.Create(ctx, key, "did:kb:abc", []byte{0x02})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeOnChainError))
	})

	t.Run("receipt wait honours context", func(t *testing.T) {
		backend := &fakeBackend{receiptMisses: 1 << 30}
		r := newRegistry(t, backend)

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := r.Create(waitCtx, key, "did:kb:abc", []byte{0x02})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeOnChainError))
	})
}

func TestRegistry_IsDeactivated(t *testing.T) {
	ctx := context.Background()

	backend := &fakeBackend{deactivated: true}
	r := newRegistry(t, backend)
	got, err := r.IsDeactivated(ctx, "did:kb:abc")
	require.NoError(t, err)
	assert.True(t, got)

	backend.chainErr = errors.New("connection refused")
	_, err = r.IsDeactivated(ctx, "did:kb:abc")
	assert.Error(t, err)
}

func TestRegistry_GenesisIsCached(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	r := newRegistry(t, backend)

	first, err := r.Genesis(ctx)
	require.NoError(t, err)

	backend.chainErr = errors.New("down")
	second, err := r.Genesis(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRevertReason(t *testing.T) {
	assert.Equal(t, "plain failure", revertReason(errors.New("plain failure")))
	assert.Equal(t, "execution reverted", revertReason(&revertError{data: "0xzz"}))
	assert.Equal(t, "boom", revertReason(&revertError{data: encodeRevert(t, "boom")}))
}
