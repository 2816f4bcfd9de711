package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// Backend abstracts the go-ethereum client for testing.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// Transactor submits state-changing contract calls. Exactly one
// implementation is chosen per network at startup.
type Transactor interface {
	Transact(ctx context.Context, to common.Address, method string, data []byte) (*Result, error)
	From() common.Address
	IsMock() bool
}

// Result describes a mined (or simulated) contract call.
type Result struct {
	TxHash        string `json:"txHash"`
	BlockNumber   uint64 `json:"blockNumber,omitempty"`
	GasUsed       uint64 `json:"gasUsed,omitempty"`
	Confirmations uint64 `json:"confirmations,omitempty"`
	IsMock        bool   `json:"isMock"`
}

const (
	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second

	// GasBufferPercent is added on top of the node's gas estimate
	GasBufferPercent = 20

	noRevertReason = "transaction reverted without a reason"
)

// -----------------------------------------------------------------------------
// Live
// -----------------------------------------------------------------------------

// LiveTransactor signs with a private key and submits through a Backend.
type LiveTransactor struct {
	backend       Backend
	key           *ecdsa.PrivateKey
	from          common.Address
	chainID       *big.Int
	confirmations uint64
	pollInterval  time.Duration
}

// LiveOption configures a LiveTransactor.
type LiveOption func(*LiveTransactor)

// WithConfirmations sets how many blocks must be built on top of the
// receipt before a call counts as final. Values below 1 are treated as 1.
func WithConfirmations(n uint64) LiveOption {
	return func(t *LiveTransactor) {
		if n < 1 {
			n = 1
		}
		t.confirmations = n
	}
}

// WithPollInterval overrides ConfirmationPollInterval (useful for testing).
func WithPollInterval(d time.Duration) LiveOption {
	return func(t *LiveTransactor) { t.pollInterval = d }
}

// NewLiveTransactor derives the signer from privateKeyHex (with or without 0x).
func NewLiveTransactor(backend Backend, privateKeyHex string, chainID int64, opts ...LiveOption) (*LiveTransactor, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: signing requires an RPC endpoint", ErrRPCConnection)
	}
	key := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidKey)
	}
	pk, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("%w: chain id required", ErrInvalidKey)
	}

	t := &LiveTransactor{
		backend:       backend,
		key:           pk,
		from:          crypto.PubkeyToAddress(pk.PublicKey),
		chainID:       big.NewInt(chainID),
		confirmations: 1,
		pollInterval:  ConfirmationPollInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *LiveTransactor) From() common.Address { return t.from }
func (t *LiveTransactor) IsMock() bool         { return false }

// Transact simulates the call, signs and sends it, then blocks until the
// receipt has the configured number of confirmations or ctx expires.
func (t *LiveTransactor) Transact(ctx context.Context, to common.Address, method string, data []byte) (*Result, error) {
	msg := ethereum.CallMsg{From: t.from, To: &to, Value: big.NewInt(0), Data: data}

	// Pre-flight: a failing precondition surfaces here with its reason and
	// costs no gas.
	if _, err := t.backend.CallContract(ctx, msg, nil); err != nil {
		return nil, t.classify(ctx, "preflight", method, to, "", err)
	}

	nonce, err := t.backend.PendingNonceAt(ctx, t.from)
	if err != nil {
		return nil, t.classify(ctx, "nonce", method, to, "", err)
	}
	gasPrice, err := t.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, t.classify(ctx, "gas_price", method, to, "", err)
	}
	gasLimit, err := t.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, t.classify(ctx, "estimate_gas", method, to, "", err)
	}
	gasLimit += gasLimit * GasBufferPercent / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return nil, &SetupError{Op: "sign", Err: err}
	}
	txHash := signed.Hash().Hex()

	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		return nil, t.classify(ctx, "send", method, to, txHash, err)
	}

	receipt, err := t.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return nil, &RevertError{
			Method:   method,
			Contract: to.Hex(),
			TxHash:   txHash,
			Reason:   t.replayReason(ctx, msg, receipt.BlockNumber),
		}
	}

	confs, err := t.waitConfirmations(ctx, signed.Hash(), receipt.BlockNumber.Uint64())
	if err != nil {
		return nil, err
	}

	return &Result{
		TxHash:        txHash,
		BlockNumber:   receipt.BlockNumber.Uint64(),
		GasUsed:       receipt.GasUsed,
		Confirmations: confs,
	}, nil
}

func (t *LiveTransactor) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			cause := fmt.Errorf("%w: waiting for receipt", ErrTimeout)
			if lastErr != nil {
				cause = fmt.Errorf("%w: waiting for receipt (last error: %v)", ErrTimeout, lastErr)
			}
			return nil, &NetworkError{Op: "confirm", TxHash: hash.Hex(), Err: cause}
		case <-ticker.C:
		}
	}
}

func (t *LiveTransactor) waitConfirmations(ctx context.Context, hash common.Hash, minedAt uint64) (uint64, error) {
	if t.confirmations <= 1 {
		return 1, nil
	}
	target := minedAt + t.confirmations - 1

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		head, err := t.backend.BlockNumber(ctx)
		if err == nil && head >= target {
			return head - minedAt + 1, nil
		}
		select {
		case <-ctx.Done():
			return 0, &NetworkError{
				Op:     "confirm",
				TxHash: hash.Hex(),
				Err:    fmt.Errorf("%w: waiting for %d confirmations", ErrTimeout, t.confirmations),
			}
		case <-ticker.C:
		}
	}
}

// replayReason re-runs a failed call at the block it was mined in to recover
// the revert string.
func (t *LiveTransactor) replayReason(ctx context.Context, msg ethereum.CallMsg, block *big.Int) string {
	_, err := t.backend.CallContract(ctx, msg, block)
	if err == nil {
		return noRevertReason
	}
	if reason, ok := revertReason(err); ok {
		return reason
	}
	return noRevertReason
}

func (t *LiveTransactor) classify(ctx context.Context, op, method string, to common.Address, txHash string, err error) error {
	if reason, ok := revertReason(err); ok {
		return &RevertError{Method: method, Contract: to.Hex(), TxHash: txHash, Reason: reason}
	}
	if ctx.Err() != nil {
		return &NetworkError{Op: op, TxHash: txHash, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return &NetworkError{Op: op, TxHash: txHash, Err: err}
}

// revertReason extracts the contract's revert string from a node error.
// Nodes report it either as ABI-encoded Error(string) data or inline in
// the message after "execution reverted".
func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
	}

	msg := err.Error()
	idx := strings.Index(msg, "execution reverted")
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(msg[idx+len("execution reverted"):])
	rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
	if rest == "" {
		return noRevertReason, true
	}
	return rest, true
}

// -----------------------------------------------------------------------------
// Mock
// -----------------------------------------------------------------------------

// MockTransactor fabricates deterministic transaction hashes without touching
// a chain. It is only selected when mock signing is allowed.
type MockTransactor struct {
	network string
	from    common.Address

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records one simulated submission.
type MockCall struct {
	To     common.Address
	Method string
	Data   []byte
	TxHash string
}

// NewMockTransactor creates a mock signer for network.
func NewMockTransactor(network string) *MockTransactor {
	seed := crypto.Keccak256([]byte("mock-signer:" + network))
	return &MockTransactor{
		network: network,
		from:    common.BytesToAddress(seed[12:]),
	}
}

func (m *MockTransactor) From() common.Address { return m.from }
func (m *MockTransactor) IsMock() bool         { return true }

// Transact returns a hash derived from the network, contract, method and
// calldata, so repeating a call yields the same hash.
func (m *MockTransactor) Transact(ctx context.Context, to common.Address, method string, data []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Op: "mock", Err: err}
	}
	hash := MockTxHash(m.network, to, method, data)

	m.mu.Lock()
	m.calls = append(m.calls, MockCall{To: to, Method: method, Data: append([]byte(nil), data...), TxHash: hash})
	m.mu.Unlock()

	return &Result{TxHash: hash, IsMock: true}, nil
}

// Calls returns a copy of every recorded submission.
func (m *MockTransactor) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// MockTxHash is the hash a MockTransactor reports for a call.
func MockTxHash(network string, to common.Address, method string, data []byte) string {
	payload := fmt.Sprintf("mock:%s:%s:%s:", network, strings.ToLower(to.Hex()), method)
	return crypto.Keccak256Hash([]byte(payload), data).Hex()
}

// Compile-time interface checks
var (
	_ Transactor = (*LiveTransactor)(nil)
	_ Transactor = (*MockTransactor)(nil)
)
