// Package bridge coordinates cross-chain transfers through a bridge
// aggregator: it ranks candidate routes, submits the chosen one and
// normalizes the aggregator's status vocabulary.
package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the normalized lifecycle of a bridge execution.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
	StatusNotStarted Status = "NOT_STARTED"
	StatusUnknown    Status = "UNKNOWN"
)

// Terminal reports whether no further status change is expected.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// NormalizeStatus maps an aggregator's status and substatus onto Status.
func NormalizeStatus(status, substatus string) Status {
	status = strings.ToUpper(strings.TrimSpace(status))
	substatus = strings.ToUpper(strings.TrimSpace(substatus))

	switch status {
	case "DONE", "COMPLETED", "SUCCESS", "SUCCEEDED":
		switch substatus {
		case "REFUNDED", "PARTIAL":
			return StatusFailed
		}
		return StatusDone
	case "FAILED", "FAILURE", "INVALID", "REVERTED", "CANCELLED":
		return StatusFailed
	case "PENDING":
		switch substatus {
		case "WAIT_DESTINATION_TRANSACTION", "BRIDGE_NOT_AVAILABLE", "WAIT_SOURCE_CONFIRMATIONS":
			return StatusInProgress
		}
		return StatusPending
	case "IN_PROGRESS", "PROCESSING", "STARTED", "SUBMITTED":
		return StatusInProgress
	case "NOT_FOUND", "NOT_STARTED", "CREATED", "QUEUED":
		return StatusNotStarted
	default:
		return StatusUnknown
	}
}

// RouteRequest asks for ways to move Amount (base units) of TokenAddress
// from SourceNetwork to TargetNetwork.
type RouteRequest struct {
	SourceNetwork  string `json:"sourceNetwork"`
	TargetNetwork  string `json:"targetNetwork"`
	Amount         string `json:"amount"`
	TokenAddress   string `json:"tokenAddress"`
	ToTokenAddress string `json:"toTokenAddress,omitempty"`
	FromAddress    string `json:"fromAddress"`
	ToAddress      string `json:"toAddress"`
	DealID         string `json:"dealId,omitempty"`
}

// Route is one candidate path offered by an aggregator.
type Route struct {
	ID              string          `json:"id"`
	Provider        string          `json:"provider"`
	Tools           []string        `json:"tools,omitempty"`
	SourceNetwork   string          `json:"sourceNetwork"`
	TargetNetwork   string          `json:"targetNetwork"`
	FromAmount      string          `json:"fromAmount"`
	ToAmount        string          `json:"toAmount"`
	TokenAddress    string          `json:"tokenAddress"`
	FromAddress     string          `json:"fromAddress"`
	ToAddress       string          `json:"toAddress"`
	DurationSeconds int64           `json:"durationSeconds"`
	FeeUSD          decimal.Decimal `json:"feeUsd"`
	Hops            int             `json:"hops"`
	Insured         bool            `json:"insured"`
	Score           decimal.Decimal `json:"score"`
	IsMock          bool            `json:"isMock,omitempty"`
}

// Execution is the immediate result of submitting a route.
type Execution struct {
	ExecutionID     string    `json:"executionId"`
	TransactionHash string    `json:"transactionHash"`
	Status          Status    `json:"status"`
	Provider        string    `json:"provider"`
	SubmittedAt     time.Time `json:"submittedAt"`
	IsMock          bool      `json:"isMock,omitempty"`
}

// StatusReport is one status poll result.
type StatusReport struct {
	ExecutionID     string `json:"executionId"`
	Status          Status `json:"status"`
	RawStatus       string `json:"rawStatus,omitempty"`
	Substatus       string `json:"substatus,omitempty"`
	ReceivingTxHash string `json:"receivingTxHash,omitempty"`
	IsMock          bool   `json:"isMock,omitempty"`
}

// Aggregator is a bridge aggregation service.
type Aggregator interface {
	Name() string
	IsMock() bool
	Routes(ctx context.Context, req RouteRequest) ([]Route, error)
	Execute(ctx context.Context, route Route, dealID string) (*Execution, error)
	Status(ctx context.Context, executionID string) (*StatusReport, error)
}

// EventSink receives asynchronous execution updates.
type EventSink interface {
	OnStatusUpdate(dealID string, report StatusReport)
	OnError(dealID string, err error)
}
