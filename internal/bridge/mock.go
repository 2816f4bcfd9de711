package bridge

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/idgen"
)

// MockAggregator returns deterministic routes and executions that complete
// immediately. It is only selected when mock signing is allowed.
type MockAggregator struct{}

// NewMockAggregator creates a mock aggregator.
func NewMockAggregator() *MockAggregator {
	return &MockAggregator{}
}

func (m *MockAggregator) Name() string { return "mock" }
func (m *MockAggregator) IsMock() bool { return true }

func (m *MockAggregator) Routes(_ context.Context, req RouteRequest) ([]Route, error) {
	id := "mock-" + idgen.Deterministic(req.SourceNetwork, req.TargetNetwork, req.Amount, req.TokenAddress, req.FromAddress, req.ToAddress)
	return []Route{{
		ID:              id,
		Provider:        m.Name(),
		Tools:           []string{"mock-bridge"},
		SourceNetwork:   req.SourceNetwork,
		TargetNetwork:   req.TargetNetwork,
		FromAmount:      req.Amount,
		ToAmount:        req.Amount,
		TokenAddress:    req.TokenAddress,
		FromAddress:     req.FromAddress,
		ToAddress:       req.ToAddress,
		DurationSeconds: 60,
		FeeUSD:          decimal.Zero,
		Hops:            1,
		IsMock:          true,
	}}, nil
}

func (m *MockAggregator) Execute(_ context.Context, route Route, dealID string) (*Execution, error) {
	execID := "mockexec-" + idgen.Deterministic(route.ID, dealID)
	return &Execution{
		ExecutionID:     execID,
		TransactionHash: crypto.Keccak256Hash([]byte("mock-bridge:" + execID)).Hex(),
		Status:          StatusPending,
		Provider:        m.Name(),
		SubmittedAt:     time.Now(),
		IsMock:          true,
	}, nil
}

func (m *MockAggregator) Status(_ context.Context, executionID string) (*StatusReport, error) {
	return &StatusReport{
		ExecutionID:     executionID,
		Status:          StatusDone,
		RawStatus:       "DONE",
		ReceivingTxHash: crypto.Keccak256Hash([]byte("mock-receive:" + executionID)).Hex(),
		IsMock:          true,
	}, nil
}

var _ Aggregator = (*MockAggregator)(nil)
