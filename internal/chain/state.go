package chain

import "fmt"

// ContractState mirrors the escrow contract's uint8 state enum.
type ContractState uint8

const (
	StateAwaitingConditionSetup ContractState = iota
	StateAwaitingDeposit
	StateAwaitingFulfillment
	StateReadyForFinalApproval
	StateInFinalApproval
	StateInDispute
	StateCompleted
	StateCancelled
	StateAwaitingCrossChainDeposit
	StateReadyForCrossChainRelease
	StateAwaitingCrossChainRelease
)

var stateNames = [...]string{
	"AWAITING_CONDITION_SETUP",
	"AWAITING_DEPOSIT",
	"AWAITING_FULFILLMENT",
	"READY_FOR_FINAL_APPROVAL",
	"IN_FINAL_APPROVAL",
	"IN_DISPUTE",
	"COMPLETED",
	"CANCELLED",
	"AWAITING_CROSS_CHAIN_DEPOSIT",
	"READY_FOR_CROSS_CHAIN_RELEASE",
	"AWAITING_CROSS_CHAIN_RELEASE",
}

func (s ContractState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
}

// Terminal reports whether the contract has settled.
func (s ContractState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// MarshalText renders the state by name in JSON responses.
func (s ContractState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
