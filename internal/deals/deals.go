// Package deals drives escrow deals past their deadlines.
//
// Flow:
//  1. Deadline sweep lists deals whose approval or dispute window expired
//  2. Direct deals call releaseFundsAfterApprovalPeriod / cancelEscrowAndRefundBuyer
//  3. Cross-chain deals initiate the release on-chain and hand the transfer
//     to the cross-chain transaction machine
//  4. Cross-chain sweep polls bridges and confirms receipt on-chain
//
// Deals are created elsewhere; this package only reads trigger fields and
// writes outcome fields.
package deals

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDealNotFound  = errors.New("deals: deal not found")
	ErrStateMismatch = errors.New("deals: contract state does not allow the action")
	ErrNotDue        = errors.New("deals: deal is not due for automation")
)

// Status is the persisted deal status. Values owned by other flows are
// stored verbatim.
type Status string

const (
	StatusAwaitingConditionSetup Status = "AWAITING_CONDITION_SETUP"
	StatusAwaitingDeposit        Status = "AWAITING_DEPOSIT"
	StatusAwaitingFulfillment    Status = "AWAITING_FULFILLMENT"
	StatusReadyForFinalApproval  Status = "READY_FOR_FINAL_APPROVAL"
	StatusInFinalApproval        Status = "IN_FINAL_APPROVAL"
	StatusInDispute              Status = "IN_DISPUTE"
	StatusCompleted              Status = "COMPLETED"
	StatusCancelled              Status = "CANCELLED"

	StatusFundsReleased                 Status = "FundsReleased"
	StatusCancelledAfterDisputeDeadline Status = "CancelledAfterDisputeDeadline"
	StatusAutoReleaseFailed             Status = "AutoReleaseFailed"
	StatusAutoCancellationFailed        Status = "AutoCancellationFailed"
)

// Action is what the engine does to a due deal.
type Action string

const (
	ActionRelease Action = "release"
	ActionCancel  Action = "cancel"
)

// ActionFor maps a trigger status to its action.
func ActionFor(s Status) (Action, bool) {
	switch s {
	case StatusInFinalApproval:
		return ActionRelease, true
	case StatusInDispute:
		return ActionCancel, true
	}
	return "", false
}

// Deal is the slice of an escrow deal the engine works with.
type Deal struct {
	ID                          string     `json:"id"`
	Status                      Status     `json:"status"`
	SmartContractAddress        string     `json:"smartContractAddress,omitempty"`
	ContractNetwork             string     `json:"contractNetwork"`
	IsCrossChain                bool       `json:"isCrossChain"`
	Amount                      string     `json:"amount"`
	TokenAddress                string     `json:"tokenAddress,omitempty"`
	TokenDecimals               int32      `json:"tokenDecimals"`
	BuyerWalletAddress          string     `json:"buyerWalletAddress,omitempty"`
	SellerWalletAddress         string     `json:"sellerWalletAddress,omitempty"`
	BuyerSourceChain            string     `json:"buyerSourceChain,omitempty"`
	SellerTargetChain           string     `json:"sellerTargetChain,omitempty"`
	FinalApprovalDeadline       *time.Time `json:"finalApprovalDeadline,omitempty"`
	DisputeResolutionDeadline   *time.Time `json:"disputeResolutionDeadline,omitempty"`
	CrossChainTransactionID     string     `json:"crossChainTransactionId,omitempty"`
	LastAutomaticProcessAttempt *time.Time `json:"lastAutomaticProcessAttempt,omitempty"`
	ProcessingError             string     `json:"processingError,omitempty"`
	AutoReleaseTxHash           string     `json:"autoReleaseTxHash,omitempty"`
	AutoCancelTxHash            string     `json:"autoCancelTxHash,omitempty"`
	CreatedAt                   time.Time  `json:"createdAt"`
	UpdatedAt                   time.Time  `json:"updatedAt"`
}

// Deadline returns the deadline that gates action, or nil.
func (d *Deal) Deadline(a Action) *time.Time {
	if a == ActionCancel {
		return d.DisputeResolutionDeadline
	}
	return d.FinalApprovalDeadline
}

// Due reports whether the deal sits in a trigger status with its deadline
// passed at now.
func (d *Deal) Due(now time.Time) bool {
	a, ok := ActionFor(d.Status)
	if !ok {
		return false
	}
	dl := d.Deadline(a)
	return dl != nil && dl.Before(now)
}

// DueQuery selects one page of one of the four sweep sets. Deals without a
// contract address are never listed.
type DueQuery struct {
	Status     Status
	CrossChain bool
	Before     time.Time
	Limit      int
	// After resumes the listing past the last deal of the previous page.
	After *DueCursor
}

// DueCursor is a deal's position in a due listing: its gating deadline,
// then its id.
type DueCursor struct {
	Deadline time.Time
	ID       string
}

// CursorOf returns d's position in a listing for action.
func CursorOf(d *Deal, a Action) *DueCursor {
	dl := d.Deadline(a)
	if dl == nil {
		return nil
	}
	return &DueCursor{Deadline: *dl, ID: d.ID}
}

// before reports whether a deal at (deadline, id) sorts before c.
func (c *DueCursor) before(deadline time.Time, id string) bool {
	if !deadline.Equal(c.Deadline) {
		return deadline.Before(c.Deadline)
	}
	return id < c.ID
}

// Store persists deals. The engine writes only through UpdateOutcome.
type Store interface {
	Create(ctx context.Context, d *Deal) error
	Get(ctx context.Context, id string) (*Deal, error)
	// ListDue returns deployed deals in q.Status whose matching deadline is
	// before q.Before, ordered by (deadline, id) and starting after q.After.
	ListDue(ctx context.Context, q DueQuery) ([]*Deal, error)
	// UpdateOutcome writes status, transaction hashes, crossChainTransactionId,
	// processingError and lastAutomaticProcessAttempt.
	UpdateOutcome(ctx context.Context, d *Deal) error
}
