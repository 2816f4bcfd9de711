package chain

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/retry"
)

const (
	testKey      = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	testContract = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
)

// fakeBackend scripts an Ethereum node.
type fakeBackend struct {
	mu sync.Mutex

	callFn    func(msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	receipt   *types.Receipt
	receiptIn int // receipt appears after this many polls
	head      uint64
	chainID   int64
	sent      []*types.Transaction
	polls     int
	calls     int
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }
func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error)              { return big.NewInt(1e9), nil }
func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error)  { return 100_000, nil }

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.receipt == nil || f.polls <= f.receiptIn {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	fn := f.callFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(msg, block)
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(f.chainID), nil }
func (f *fakeBackend) Close()                                    {}

func (f *fakeBackend) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// revertData is the node's rpc.DataError for a Solidity require failure.
type revertData struct{ data string }

func (e revertData) Error() string          { return "execution reverted" }
func (e revertData) ErrorData() interface{} { return e.data }

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	strType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: strType}}.Pack(reason)
	require.NoError(t, err)
	selector := []byte{0x08, 0xc3, 0x79, 0xa0}
	return hexutil.Encode(append(selector, packed...))
}

func mustABI(t *testing.T) ContractABI {
	t.Helper()
	a := LoadABI("")
	require.NoError(t, a.Err())
	return a
}

func newLive(t *testing.T, b *fakeBackend, opts ...LiveOption) *LiveTransactor {
	t.Helper()
	opts = append([]LiveOption{WithPollInterval(time.Millisecond)}, opts...)
	tx, err := NewLiveTransactor(b, testKey, 11155111, opts...)
	require.NoError(t, err)
	return tx
}

func fastReads() Option {
	return WithReadPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})
}

// -----------------------------------------------------------------------------
// ABI
// -----------------------------------------------------------------------------

func TestLoadABI(t *testing.T) {
	a := LoadABI("")
	require.NoError(t, a.Err())
	assert.Equal(t, "embedded", a.Source())

	missing := LoadABI("/nonexistent/escrow.json")
	assert.ErrorIs(t, missing.Err(), ErrABIUnavailable)

	partial := ParseABI("partial", []byte(`[{"type":"function","name":"getBalance","inputs":[],"outputs":[{"name":"","type":"uint256"}]}]`))
	assert.ErrorIs(t, partial.Err(), ErrABIUnavailable)
	assert.Contains(t, partial.Err().Error(), MethodRelease)

	var zero ContractABI
	assert.ErrorIs(t, zero.Err(), ErrABIUnavailable)
}

func TestClient_UnavailableABIFailsFast(t *testing.T) {
	bad := ParseABI("broken", []byte("not json"))
	c := NewClient("sepolia", bad, &fakeBackend{}, NewMockTransactor("sepolia"))

	_, err := c.Release(context.Background(), testContract, "deal_1")
	require.Error(t, err)
	assert.True(t, IsInitialization(err))
	assert.ErrorIs(t, err, ErrABIUnavailable)

	_, err = c.ContractState(context.Background(), testContract)
	assert.True(t, IsInitialization(err))
}

// -----------------------------------------------------------------------------
// Error classes
// -----------------------------------------------------------------------------

func TestClient_SetupErrors(t *testing.T) {
	c := NewClient("sepolia", mustABI(t), nil, NewMockTransactor("sepolia"))
	ctx := context.Background()

	_, err := c.Release(ctx, "not-an-address", "deal_1")
	assert.True(t, IsSetup(err))
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = c.ConfirmCrossChainRelease(ctx, testContract, "deal_1", "")
	assert.True(t, IsSetup(err))

	_, err = c.ReceiveCrossChainDeposit(ctx, testContract, "deal_1", Deposit{
		BridgeID: "b1", SourceChain: "polygon", Sender: "cosmos1xyz", Amount: big.NewInt(5), Token: testContract,
	})
	assert.True(t, IsSetup(err))

	_, err = c.ReceiveCrossChainDeposit(ctx, testContract, "deal_1", Deposit{
		BridgeID: "b1", SourceChain: "polygon", Sender: testContract, Amount: big.NewInt(0), Token: testContract,
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.NoError(t, ValidateContractAddress(testContract))
	err = ValidateContractAddress("0x1234")
	assert.True(t, IsSetup(err))
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestClient_NoSigner(t *testing.T) {
	c := NewClient("sepolia", mustABI(t), &fakeBackend{}, nil)

	_, err := c.Cancel(context.Background(), testContract, "deal_1")
	require.Error(t, err)
	assert.True(t, IsInitialization(err))
	assert.ErrorIs(t, err, ErrNoSigner)
}

func TestClient_NoReader(t *testing.T) {
	c := NewClient("sepolia", mustABI(t), nil, NewMockTransactor("sepolia"))

	_, err := c.ContractState(context.Background(), testContract)
	assert.ErrorIs(t, err, ErrNoReader)
	assert.True(t, IsInitialization(err))
}

func TestClient_Ping(t *testing.T) {
	c := NewClient("sepolia", mustABI(t), &fakeBackend{head: 4242}, nil)
	n, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), n)

	_, err = NewClient("sepolia", mustABI(t), nil, nil).Ping(context.Background())
	assert.ErrorIs(t, err, ErrNoReader)
}

// -----------------------------------------------------------------------------
// Mock transactor
// -----------------------------------------------------------------------------

func TestMockTransactor_Deterministic(t *testing.T) {
	m := NewMockTransactor("sepolia")
	c := NewClient("sepolia", mustABI(t), nil, m, WithLogger(logging.Discard()))
	ctx := context.Background()

	r1, err := c.Release(ctx, testContract, "deal_1")
	require.NoError(t, err)
	r2, err := c.Release(ctx, testContract, "deal_1")
	require.NoError(t, err)
	r3, err := c.Cancel(ctx, testContract, "deal_1")
	require.NoError(t, err)

	assert.True(t, r1.IsMock)
	assert.True(t, c.IsMock())
	assert.Equal(t, r1.TxHash, r2.TxHash)
	assert.NotEqual(t, r1.TxHash, r3.TxHash)
	assert.Len(t, r1.TxHash, 66)

	calls := m.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, MethodCancel, calls[2].Method)
	assert.NotEqual(t, NewMockTransactor("polygon").From(), m.From())
}

// -----------------------------------------------------------------------------
// Live transactor
// -----------------------------------------------------------------------------

func TestLiveTransactor_Success(t *testing.T) {
	b := &fakeBackend{
		receipt:   &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100), GasUsed: 42_000},
		receiptIn: 2,
		head:      102,
	}
	c := NewClient("sepolia", mustABI(t), b, newLive(t, b, WithConfirmations(3)), WithLogger(logging.Discard()))

	res, err := c.Release(context.Background(), testContract, "deal_1")
	require.NoError(t, err)
	assert.False(t, res.IsMock)
	assert.Equal(t, uint64(100), res.BlockNumber)
	assert.Equal(t, uint64(42_000), res.GasUsed)
	assert.Equal(t, uint64(3), res.Confirmations)

	require.Equal(t, 1, b.sentCount())
	sent := b.sent[0]
	assert.Equal(t, uint64(120_000), sent.Gas(), "gas estimate carries a 20% buffer")
	assert.Equal(t, uint64(7), sent.Nonce())
	assert.Equal(t, res.TxHash, sent.Hash().Hex())
}

func TestLiveTransactor_PreflightRevert(t *testing.T) {
	b := &fakeBackend{
		callFn: func(ethereum.CallMsg, *big.Int) ([]byte, error) {
			return nil, errors.New("execution reverted: Not all conditions are met.")
		},
	}
	c := NewClient("sepolia", mustABI(t), b, newLive(t, b), WithLogger(logging.Discard()))

	_, err := c.Release(context.Background(), testContract, "deal_1")
	require.Error(t, err)
	var re *RevertError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "Not all conditions are met.", re.Reason)
	assert.Empty(t, re.TxHash)
	assert.ErrorIs(t, err, ErrReverted)
	assert.Equal(t, 0, b.sentCount(), "nothing is sent when simulation fails")
}

func TestLiveTransactor_MinedRevertReplaysReason(t *testing.T) {
	reason := "Deadline not reached"
	data := encodeRevert(t, reason)
	b := &fakeBackend{
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(55)},
		head:    55,
	}
	b.callFn = func(_ ethereum.CallMsg, block *big.Int) ([]byte, error) {
		if block == nil {
			return nil, nil
		}
		return nil, revertData{data: data}
	}
	c := NewClient("sepolia", mustABI(t), b, newLive(t, b), WithLogger(logging.Discard()))

	_, err := c.Cancel(context.Background(), testContract, "deal_1")
	var re *RevertError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, reason, re.Reason)
	assert.NotEmpty(t, re.TxHash)
	assert.Equal(t, MethodCancel, re.Method)
}

func TestLiveTransactor_ConfirmationTimeout(t *testing.T) {
	b := &fakeBackend{}
	c := NewClient("sepolia", mustABI(t), b, newLive(t, b),
		WithCallTimeout(30*time.Millisecond), WithLogger(logging.Discard()))

	_, err := c.Release(context.Background(), testContract, "deal_1")
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
	assert.ErrorIs(t, err, ErrTimeout)

	var ne *NetworkError
	require.True(t, errors.As(err, &ne))
	assert.NotEmpty(t, ne.TxHash, "the submitted hash is reported for reconciliation")
}

func TestNewLiveTransactor_Validation(t *testing.T) {
	_, err := NewLiveTransactor(nil, testKey, 1)
	assert.ErrorIs(t, err, ErrRPCConnection)

	_, err = NewLiveTransactor(&fakeBackend{}, "abcd", 1)
	assert.ErrorIs(t, err, ErrInvalidKey)

	tx, err := NewLiveTransactor(&fakeBackend{}, "0x"+testKey, 1)
	require.NoError(t, err)
	assert.False(t, tx.IsMock())
	assert.NotEqual(t, common.Address{}, tx.From())
}

func TestRevertReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   string
		wantOK bool
	}{
		{"inline message", errors.New("execution reverted: Only buyer"), "Only buyer", true},
		{"bare revert", errors.New("execution reverted"), noRevertReason, true},
		{"encoded data", revertData{data: ""}, noRevertReason, true},
		{"network error", errors.New("connection refused"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := revertReason(tt.err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	got, ok := revertReason(revertData{data: encodeRevert(t, "Escrow not funded")})
	assert.True(t, ok)
	assert.Equal(t, "Escrow not funded", got)
}

// -----------------------------------------------------------------------------
// Views
// -----------------------------------------------------------------------------

func TestClient_Views(t *testing.T) {
	a := mustABI(t)
	b := &fakeBackend{}
	b.callFn = func(msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
		switch {
		case string(msg.Data[:4]) == string(a.parsed.Methods[MethodGetContractState].ID):
			return a.parsed.Methods[MethodGetContractState].Outputs.Pack(uint8(StateReadyForCrossChainRelease))
		case string(msg.Data[:4]) == string(a.parsed.Methods[MethodGetBalance].ID):
			return a.parsed.Methods[MethodGetBalance].Outputs.Pack(big.NewInt(2_500_000))
		default:
			var id [32]byte
			id[31] = 1
			return a.parsed.Methods[MethodGetCrossChainInfo].Outputs.Pack(true, "polygon", "noble", id)
		}
	}
	c := NewClient("sepolia", a, b, nil, fastReads())
	ctx := context.Background()

	state, err := c.ContractState(ctx, testContract)
	require.NoError(t, err)
	assert.Equal(t, StateReadyForCrossChainRelease, state)
	assert.Equal(t, "READY_FOR_CROSS_CHAIN_RELEASE", state.String())

	bal, err := c.Balance(ctx, testContract)
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000), bal.Int64())

	info, err := c.CrossChainInfo(ctx, testContract)
	require.NoError(t, err)
	assert.True(t, info.IsCrossChain)
	assert.Equal(t, "noble", info.TargetChain)
	assert.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000000001", info.BridgeID)
}

func TestClient_ViewRetriesNetworkErrors(t *testing.T) {
	b := &fakeBackend{
		callFn: func(ethereum.CallMsg, *big.Int) ([]byte, error) {
			return nil, errors.New("503 service unavailable")
		},
	}
	c := NewClient("sepolia", mustABI(t), b, nil, fastReads())

	_, err := c.ContractState(context.Background(), testContract)
	assert.True(t, IsNetwork(err))
	assert.Equal(t, 2, b.calls)
}

func TestContractState_String(t *testing.T) {
	assert.Equal(t, "AWAITING_CONDITION_SETUP", StateAwaitingConditionSetup.String())
	assert.Equal(t, "CANCELLED", StateCancelled.String())
	assert.Equal(t, "UNKNOWN(42)", ContractState(42).String())
	assert.True(t, StateCompleted.Terminal())
	assert.False(t, StateInDispute.Terminal())
}

func TestBridgeID(t *testing.T) {
	hexID := "0x00000000000000000000000000000000000000000000000000000000000000ff"
	got := BridgeID(hexID)
	assert.Equal(t, byte(0xff), got[31])

	a := BridgeID("lifi-tx-123")
	assert.Equal(t, a, BridgeID("lifi-tx-123"))
	assert.NotEqual(t, a, BridgeID("lifi-tx-124"))
}

// -----------------------------------------------------------------------------
// Open / Registry
// -----------------------------------------------------------------------------

func TestOpen_SignerSelection(t *testing.T) {
	ctx := context.Background()
	abiVal := mustABI(t)
	dial := func(context.Context, string) (Backend, error) { return &fakeBackend{chainID: 11155111}, nil }
	log := logging.Discard()

	live := Open(ctx, Settings{Network: "sepolia", RPCURL: "http://node", PrivateKey: testKey, ChainID: 11155111}, abiVal, dial, log)
	require.NoError(t, live.Ready())
	assert.False(t, live.IsMock())

	mock := Open(ctx, Settings{Network: "sepolia", AllowMock: true}, abiVal, dial, log)
	require.NoError(t, mock.Ready())
	assert.True(t, mock.IsMock())
	assert.ErrorIs(t, mock.CanRead(), ErrNoReader)

	none := Open(ctx, Settings{Network: "sepolia", RPCURL: "http://node"}, abiVal, dial, log)
	assert.ErrorIs(t, none.Ready(), ErrNoSigner)
	assert.NoError(t, none.CanRead())

	mismatch := Open(ctx, Settings{Network: "sepolia", RPCURL: "http://node", PrivateKey: testKey, ChainID: 1}, abiVal, dial, log)
	assert.ErrorIs(t, mismatch.Ready(), ErrChainIDMismatch)

	failing := func(context.Context, string) (Backend, error) { return nil, errors.New("dial tcp: refused") }
	down := Open(ctx, Settings{Network: "sepolia", RPCURL: "http://node", PrivateKey: testKey, ChainID: 11155111}, abiVal, failing, log)
	assert.ErrorIs(t, down.Ready(), ErrRPCConnection)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Add(NewClient("Sepolia", mustABI(t), nil, nil))
	r.Add(NewClient("polygon", mustABI(t), nil, nil))

	c, err := r.Client("sepolia")
	require.NoError(t, err)
	assert.Equal(t, "Sepolia", c.Network())

	_, err = r.Client("solana")
	assert.True(t, IsInitialization(err))
	assert.ErrorIs(t, err, ErrUnknownNetwork)
	assert.Equal(t, []string{"polygon", "sepolia"}, r.Networks())
}
