package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/escrowd/internal/networks"
)

// Settings describe how to reach one network.
type Settings struct {
	Network       string
	RPCURL        string
	PrivateKey    string
	ChainID       int64
	AllowMock     bool
	CallTimeout   time.Duration
	Confirmations uint64
}

// Dialer opens a Backend for an RPC URL. Tests substitute their own.
type Dialer func(ctx context.Context, rpcURL string) (Backend, error)

// DialEthclient is the production Dialer.
func DialEthclient(ctx context.Context, rpcURL string) (Backend, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

// Open builds a Client for s. It never fails: problems are recorded on the
// client and reported by Ready and CanRead, so the process can start and
// surface them through health checks.
//
// The signer is chosen once here: a configured private key yields a
// LiveTransactor; otherwise a MockTransactor if mock signing is allowed.
func Open(ctx context.Context, s Settings, contractABI ContractABI, dial Dialer, logger *slog.Logger) *Client {
	if dial == nil {
		dial = DialEthclient
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("network", s.Network)
	opts := []Option{WithCallTimeout(s.CallTimeout), WithLogger(logger)}

	var backend Backend
	if s.RPCURL != "" {
		b, err := dial(ctx, s.RPCURL)
		if err != nil {
			logger.Error("rpc dial failed", "error", err)
			return NewClient(s.Network, contractABI, nil, nil,
				append(opts, WithInitError(fmt.Errorf("%w: %v", ErrRPCConnection, err)))...)
		}
		if s.ChainID > 0 {
			if id, err := b.ChainID(ctx); err == nil && id.Int64() != s.ChainID {
				b.Close()
				return NewClient(s.Network, contractABI, nil, nil,
					append(opts, WithInitError(fmt.Errorf("%w: node reports %d, configured %d", ErrChainIDMismatch, id.Int64(), s.ChainID)))...)
			}
		}
		backend = b
	}

	switch {
	case s.PrivateKey != "":
		tx, err := NewLiveTransactor(backend, s.PrivateKey, s.ChainID, WithConfirmations(s.Confirmations))
		if err != nil {
			logger.Error("signer init failed", "error", err)
			return NewClient(s.Network, contractABI, backend, nil, append(opts, WithInitError(err))...)
		}
		logger.Info("live signer ready", "from", tx.From().Hex(), "confirmations", s.Confirmations)
		return NewClient(s.Network, contractABI, backend, tx, opts...)
	case s.AllowMock:
		tx := NewMockTransactor(s.Network)
		logger.Warn("mock signing enabled; contract calls will not reach the chain", "from", tx.From().Hex())
		return NewClient(s.Network, contractABI, backend, tx, opts...)
	default:
		logger.Warn("no signer configured; contract writes disabled")
		return NewClient(s.Network, contractABI, backend, nil, opts...)
	}
}

// Registry holds one Client per network.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Add registers c under its network name.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[networks.Normalize(c.Network())] = c
}

// Client returns the client for network, or an InitializationError.
func (r *Registry) Client(network string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[networks.Normalize(network)]
	if !ok {
		return nil, &InitializationError{Network: network, Err: ErrUnknownNetwork}
	}
	return c, nil
}

// Networks lists registered networks, sorted.
func (r *Registry) Networks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for n := range r.clients {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Close closes every client.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Close()
	}
}
