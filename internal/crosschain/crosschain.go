// Package crosschain tracks bridged fund movements as an ordered list of
// steps and advances them from bridge status polls.
package crosschain

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/escrowd/internal/bridge"
)

var (
	ErrTransactionNotFound = errors.New("crosschain: transaction not found")
	ErrInvalidInput        = errors.New("crosschain: invalid input")
	ErrInvalidStatus       = errors.New("crosschain: invalid status for operation")
	ErrNotAuthorized       = errors.New("crosschain: transfer not authorized on-chain")
	ErrNoRoute             = errors.New("crosschain: transaction has no bridge route")
)

// Status of a cross-chain transaction.
type Status string

const (
	StatusPrepared   Status = "prepared"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusStuck      Status = "stuck"
)

// Terminal reports whether the machine will not advance the transaction
// any further on its own.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStuck
}

// Purpose says which side of a deal the transfer serves.
type Purpose string

const (
	PurposeDeposit Purpose = "deposit"
	PurposeRelease Purpose = "release"
	PurposeRefund  Purpose = "refund"
)

// Action is what a step does.
type Action string

const (
	ActionInitiateBridge Action = "initiate_bridge"
	ActionMonitorBridge  Action = "monitor_bridge"
	ActionConfirmReceipt Action = "confirm_receipt"
	ActionDirectTransfer Action = "direct_transfer"
)

// StepStatus of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step is one stage of a transfer.
type Step struct {
	StepNumber  int        `json:"stepNumber"`
	Action      Action     `json:"action"`
	Status      StepStatus `json:"status"`
	Description string     `json:"description"`
	TxHash      string     `json:"txHash,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Transaction is a cross-chain fund movement tied to a deal.
type Transaction struct {
	ID                         string        `json:"id"`
	DealID                     string        `json:"dealId"`
	Purpose                    Purpose       `json:"purpose"`
	Status                     Status        `json:"status"`
	SourceChain                string        `json:"sourceChain"`
	TargetChain                string        `json:"targetChain"`
	FromAddress                string        `json:"fromAddress"`
	ToAddress                  string        `json:"toAddress"`
	Amount                     string        `json:"amount"`
	TokenAddress               string        `json:"tokenAddress"`
	BridgeProvider             string        `json:"bridgeProvider,omitempty"`
	BridgeTransactionID        string        `json:"bridgeTransactionId,omitempty"`
	Route                      *bridge.Route `json:"route,omitempty"`
	AuthorizedAt               *time.Time    `json:"authorizedAt,omitempty"`
	AuthorizationTxHash        string        `json:"authorizationTxHash,omitempty"`
	ErrorMessage               string        `json:"errorMessage,omitempty"`
	ManualInterventionRequired bool          `json:"manualInterventionRequired"`
	IsMock                     bool          `json:"isMock"`
	CreatedAt                  time.Time     `json:"createdAt"`
	LastUpdated                time.Time     `json:"lastUpdated"`
	Steps                      []Step        `json:"steps"`
}

// AllStepsCompleted reports whether every step is completed.
func (t *Transaction) AllStepsCompleted() bool {
	if len(t.Steps) == 0 {
		return false
	}
	for _, s := range t.Steps {
		if s.Status != StepCompleted {
			return false
		}
	}
	return true
}

// Progress is the completed share of steps, 0-100.
func (t *Transaction) Progress() int {
	if len(t.Steps) == 0 {
		return 0
	}
	done := 0
	for _, s := range t.Steps {
		if s.Status == StepCompleted {
			done++
		}
	}
	return done * 100 / len(t.Steps)
}

// NextStep describes the first step still pending.
func (t *Transaction) NextStep() string {
	if t.AllStepsCompleted() {
		return "Transaction completed"
	}
	for _, s := range t.Steps {
		if s.Status == StepPending {
			return s.Description
		}
	}
	return "No pending steps"
}

// Step returns the step with the given number, or nil.
func (t *Transaction) Step(n int) *Step {
	for i := range t.Steps {
		if t.Steps[i].StepNumber == n {
			return &t.Steps[i]
		}
	}
	return nil
}

// StepFor returns the first step performing action, or nil.
func (t *Transaction) StepFor(a Action) *Step {
	for i := range t.Steps {
		if t.Steps[i].Action == a {
			return &t.Steps[i]
		}
	}
	return nil
}

// ready reports whether step n may run: it exists, is pending and every
// lower-numbered step is completed.
func (t *Transaction) ready(n int) bool {
	s := t.Step(n)
	if s == nil || s.Status != StepPending {
		return false
	}
	for _, other := range t.Steps {
		if other.StepNumber < n && other.Status != StepCompleted {
			return false
		}
	}
	return true
}

// AwaitingReceipt reports whether the bridge leg has landed and only the
// receipt confirmation remains.
func (t *Transaction) AwaitingReceipt() bool {
	confirm := t.StepFor(ActionConfirmReceipt)
	return t.Status == StatusInProgress && confirm != nil && t.ready(confirm.StepNumber)
}

// Store persists cross-chain transactions and their steps.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	// Update writes the transaction row and every step.
	Update(ctx context.Context, tx *Transaction) error
	ListByDeal(ctx context.Context, dealID string) ([]*Transaction, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)
	// ListStale returns non-terminal transactions last updated before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error)
}
