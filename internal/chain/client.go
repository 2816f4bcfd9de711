// Package chain is the escrow contract client: it encodes calls against the
// escrow ABI, submits them through a Transactor and classifies failures into
// setup, initialization, revert and network errors.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/traces"
)

// DefaultCallTimeout bounds one contract call including confirmation.
const DefaultCallTimeout = 2 * time.Minute

// Client talks to escrow contracts deployed on one network.
type Client struct {
	network     string
	abi         ContractABI
	backend     Backend    // nil when no RPC endpoint is configured
	tx          Transactor // nil when no signer could be built
	initErr     error
	callTimeout time.Duration
	readPolicy  retry.Policy
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithReadPolicy sets the retry policy for view calls.
func WithReadPolicy(p retry.Policy) Option {
	return func(c *Client) { c.readPolicy = p }
}

// WithInitError marks the client unusable; every call fails fast with an
// InitializationError wrapping err.
func WithInitError(err error) Option {
	return func(c *Client) { c.initErr = err }
}

// NewClient builds a client. backend may be nil (no reads); tx may be nil
// (no writes).
func NewClient(network string, contractABI ContractABI, backend Backend, tx Transactor, opts ...Option) *Client {
	c := &Client{
		network:     network,
		abi:         contractABI,
		backend:     backend,
		tx:          tx,
		callTimeout: DefaultCallTimeout,
		readPolicy:  retry.DefaultPolicy,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Network returns the network this client is bound to.
func (c *Client) Network() string { return c.network }

// IsMock reports whether writes are simulated.
func (c *Client) IsMock() bool { return c.tx != nil && c.tx.IsMock() }

// From returns the signer address, or the zero address without a signer.
func (c *Client) From() common.Address {
	if c.tx == nil {
		return common.Address{}
	}
	return c.tx.From()
}

// Ready reports whether state-changing calls can be made.
func (c *Client) Ready() error {
	if err := c.abi.Err(); err != nil {
		return &InitializationError{Network: c.network, Err: err}
	}
	if c.initErr != nil {
		return &InitializationError{Network: c.network, Err: c.initErr}
	}
	if c.tx == nil {
		return &InitializationError{Network: c.network, Err: ErrNoSigner}
	}
	return nil
}

// CanRead reports whether view calls can be made.
func (c *Client) CanRead() error {
	if err := c.abi.Err(); err != nil {
		return &InitializationError{Network: c.network, Err: err}
	}
	if c.backend == nil {
		if c.initErr != nil {
			return &InitializationError{Network: c.network, Err: c.initErr}
		}
		return &InitializationError{Network: c.network, Err: ErrNoReader}
	}
	return nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c.backend != nil {
		c.backend.Close()
	}
}

// -----------------------------------------------------------------------------
// State-changing calls
// -----------------------------------------------------------------------------

// Release pays the seller once the approval period has elapsed.
func (c *Client) Release(ctx context.Context, contract, dealID string) (*Result, error) {
	return c.transact(ctx, MethodRelease, contract, dealID)
}

// Cancel refunds the buyer after the deal deadline has passed.
func (c *Client) Cancel(ctx context.Context, contract, dealID string) (*Result, error) {
	return c.transact(ctx, MethodCancel, contract, dealID)
}

// Deposit describes bridged funds that arrived at an escrow contract.
type Deposit struct {
	BridgeID    string
	SourceChain string
	Sender      string
	Amount      *big.Int
	Token       string
}

// ReceiveCrossChainDeposit registers bridged funds with the escrow contract.
func (c *Client) ReceiveCrossChainDeposit(ctx context.Context, contract, dealID string, d Deposit) (*Result, error) {
	if d.SourceChain == "" {
		return nil, &SetupError{Op: MethodReceiveCrossChainDeposit, Err: fmt.Errorf("%w: source chain required", ErrInvalidArgument)}
	}
	if d.Amount == nil || d.Amount.Sign() <= 0 {
		return nil, &SetupError{Op: MethodReceiveCrossChainDeposit, Err: fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)}
	}
	sender, err := parseAddress("sender", d.Sender)
	if err != nil {
		return nil, &SetupError{Op: MethodReceiveCrossChainDeposit, Err: err}
	}
	token, err := parseAddress("token", d.Token)
	if err != nil {
		return nil, &SetupError{Op: MethodReceiveCrossChainDeposit, Err: err}
	}
	return c.transact(ctx, MethodReceiveCrossChainDeposit, contract, dealID,
		BridgeID(d.BridgeID), d.SourceChain, sender, d.Amount, token)
}

// InitiateCrossChainRelease moves the contract into the awaiting cross-chain
// release state so funds can be bridged out.
func (c *Client) InitiateCrossChainRelease(ctx context.Context, contract, dealID string) (*Result, error) {
	return c.transact(ctx, MethodInitiateCrossChain, contract, dealID)
}

// ConfirmCrossChainRelease finalizes a cross-chain release once the bridge
// transfer identified by bridgeID has landed.
func (c *Client) ConfirmCrossChainRelease(ctx context.Context, contract, dealID, bridgeID string) (*Result, error) {
	if bridgeID == "" {
		return nil, &SetupError{Op: MethodConfirmCrossChain, Err: fmt.Errorf("%w: bridge id required", ErrInvalidArgument)}
	}
	return c.transact(ctx, MethodConfirmCrossChain, contract, dealID, BridgeID(bridgeID))
}

func (c *Client) transact(ctx context.Context, method, contract, dealID string, args ...interface{}) (*Result, error) {
	to, err := parseAddress("contract", contract)
	if err != nil {
		return nil, &SetupError{Op: method, Err: err}
	}
	if err := c.Ready(); err != nil {
		return nil, err
	}
	data, err := c.abi.pack(method, args...)
	if err != nil {
		return nil, &SetupError{Op: method, Err: fmt.Errorf("%w: %v", ErrInvalidArgument, err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "chain."+method,
		traces.Network(c.network), traces.Contract(to.Hex()), traces.Method(method), traces.DealID(dealID))

	start := time.Now()
	res, err := c.tx.Transact(ctx, to, method, data)
	metrics.ChainCallDuration.WithLabelValues(c.network, method).Observe(time.Since(start).Seconds())
	metrics.ChainCallsTotal.WithLabelValues(c.network, method, callResult(err)).Inc()
	traces.End(span, err)

	if err != nil {
		c.logger.Warn("contract call failed",
			"network", c.network, "contract", to.Hex(), "method", method, "deal_id", dealID, "error", err)
		return nil, err
	}
	c.logger.Info("contract call confirmed",
		"network", c.network, "contract", to.Hex(), "method", method, "deal_id", dealID,
		"tx_hash", res.TxHash, "block", res.BlockNumber, "mock", res.IsMock)
	return res, nil
}

// -----------------------------------------------------------------------------
// Views
// -----------------------------------------------------------------------------

// CrossChainInfo is the contract's record of a cross-chain deal.
type CrossChainInfo struct {
	IsCrossChain bool   `json:"isCrossChain"`
	SourceChain  string `json:"sourceChain"`
	TargetChain  string `json:"targetChain"`
	BridgeID     string `json:"bridgeId"`
}

// ContractState reads the escrow state enum.
func (c *Client) ContractState(ctx context.Context, contract string) (ContractState, error) {
	out, err := c.view(ctx, MethodGetContractState, contract)
	if err != nil {
		return 0, err
	}
	v, ok := out[0].(uint8)
	if !ok {
		return 0, &NetworkError{Op: MethodGetContractState, Err: fmt.Errorf("%w: %T", ErrUnexpectedOutput, out[0])}
	}
	return ContractState(v), nil
}

// CrossChainInfo reads the contract's cross-chain configuration.
func (c *Client) CrossChainInfo(ctx context.Context, contract string) (*CrossChainInfo, error) {
	out, err := c.view(ctx, MethodGetCrossChainInfo, contract)
	if err != nil {
		return nil, err
	}
	if len(out) != 4 {
		return nil, &NetworkError{Op: MethodGetCrossChainInfo, Err: fmt.Errorf("%w: %d values", ErrUnexpectedOutput, len(out))}
	}
	isCC, ok1 := out[0].(bool)
	src, ok2 := out[1].(string)
	dst, ok3 := out[2].(string)
	id, ok4 := out[3].([32]byte)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, &NetworkError{Op: MethodGetCrossChainInfo, Err: ErrUnexpectedOutput}
	}
	return &CrossChainInfo{
		IsCrossChain: isCC,
		SourceChain:  src,
		TargetChain:  dst,
		BridgeID:     hexutil.Encode(id[:]),
	}, nil
}

// Balance reads the amount of tokens held by the contract.
func (c *Client) Balance(ctx context.Context, contract string) (*big.Int, error) {
	out, err := c.view(ctx, MethodGetBalance, contract)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, &NetworkError{Op: MethodGetBalance, Err: fmt.Errorf("%w: %T", ErrUnexpectedOutput, out[0])}
	}
	return v, nil
}

// Ping returns the latest block number seen by the network's node.
func (c *Client) Ping(ctx context.Context) (uint64, error) {
	if c.backend == nil {
		return 0, c.CanRead()
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, &NetworkError{Op: "blockNumber", Err: err}
	}
	return n, nil
}

func (c *Client) view(ctx context.Context, method, contract string) ([]interface{}, error) {
	to, err := parseAddress("contract", contract)
	if err != nil {
		return nil, &SetupError{Op: method, Err: err}
	}
	if err := c.CanRead(); err != nil {
		return nil, err
	}
	data, err := c.abi.pack(method)
	if err != nil {
		return nil, &SetupError{Op: method, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "chain."+method,
		traces.Network(c.network), traces.Contract(to.Hex()), traces.Method(method))

	var raw []byte
	err = c.readPolicy.Do(ctx, func() error {
		var callErr error
		raw, callErr = c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		if callErr != nil {
			if reason, ok := revertReason(callErr); ok {
				return retry.Permanent(&RevertError{Method: method, Contract: to.Hex(), Reason: reason})
			}
			return &NetworkError{Op: method, Err: callErr}
		}
		return nil
	})
	if err != nil && !IsRevert(err) && !IsNetwork(err) {
		err = &NetworkError{Op: method, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	metrics.ChainCallsTotal.WithLabelValues(c.network, method, callResult(err)).Inc()
	traces.End(span, err)
	if err != nil {
		return nil, err
	}

	out, err := c.abi.unpack(method, raw)
	if err != nil {
		return nil, &NetworkError{Op: method, Err: fmt.Errorf("%w: %v", ErrUnexpectedOutput, err)}
	}
	if len(out) == 0 {
		return nil, &NetworkError{Op: method, Err: ErrUnexpectedOutput}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// BridgeID maps a bridge transfer identifier onto the contract's bytes32.
// 32-byte hex values are used as-is; anything else is hashed.
func BridgeID(id string) [32]byte {
	var out [32]byte
	if strings.HasPrefix(id, "0x") && len(id) == 66 {
		if raw, err := hexutil.Decode(id); err == nil {
			copy(out[:], raw)
			return out
		}
	}
	return crypto.Keccak256Hash([]byte(id))
}

// ValidateContractAddress returns a SetupError for a malformed contract
// address, without touching the network.
func ValidateContractAddress(addr string) error {
	if _, err := parseAddress("contract", addr); err != nil {
		return &SetupError{Op: "validate", Err: err}
	}
	return nil
}

func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q", ErrInvalidAddress, field, s)
	}
	return common.HexToAddress(s), nil
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsRevert(err):
		return "revert"
	case IsInitialization(err), IsSetup(err):
		return "setup"
	default:
		return "error"
	}
}
