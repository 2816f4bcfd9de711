package deals

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/bridge"
	"github.com/mbd888/escrowd/internal/chain"
	"github.com/mbd888/escrowd/internal/crosschain"
	"github.com/mbd888/escrowd/internal/networks"
	"github.com/mbd888/escrowd/internal/tokenamount"
)

// StateError reports a contract whose state forbids the requested action.
type StateError struct {
	Action Action
	State  chain.ContractState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("deals: contract in state %s cannot %s", e.State, e.Action)
}
func (e *StateError) Unwrap() error { return ErrStateMismatch }

// releaseCrossChain moves the contract into cross-chain release and bridges
// the funds to the seller's target chain.
func (e *Engine) releaseCrossChain(ctx context.Context, c Chain, d *Deal) (actionResult, error) {
	var res actionResult
	contract := d.SmartContractAddress

	state, err := c.ContractState(ctx, contract)
	if err != nil {
		return res, err
	}
	switch state {
	case chain.StateInFinalApproval, chain.StateReadyForCrossChainRelease, chain.StateAwaitingCrossChainRelease:
	default:
		return res, &StateError{Action: ActionRelease, State: state}
	}

	info, err := c.CrossChainInfo(ctx, contract)
	if err != nil {
		return res, err
	}
	if !info.IsCrossChain || !networks.Same(info.TargetChain, d.SellerTargetChain) {
		return res, fmt.Errorf("%w: contract targets %q, deal targets %q",
			ErrStateMismatch, info.TargetChain, d.SellerTargetChain)
	}

	tx, priorAuth, err := e.transferFor(ctx, d, crosschain.PurposeRelease, crosschain.PrepareRequest{
		FromAddress:   contract,
		ToAddress:     d.SellerWalletAddress,
		SourceNetwork: d.ContractNetwork,
		TargetNetwork: d.SellerTargetChain,
	})
	if err != nil {
		return res, err
	}
	res.xctID = tx.ID

	if state == chain.StateAwaitingCrossChainRelease {
		// The contract already initiated; a replacement transfer reuses that
		// authorization.
		res.txHash = tx.AuthorizationTxHash
		if res.txHash == "" {
			res.txHash = priorAuth
		}
	} else {
		r, err := c.InitiateCrossChainRelease(ctx, contract, d.ID)
		if err != nil {
			if classify(err) == classTerminal {
				e.abandon(ctx, tx, err)
			}
			return res, err
		}
		res.txHash = r.TxHash
	}

	e.startTransfer(ctx, tx, res.txHash)
	return res, nil
}

// cancelCrossChain refunds the buyer, bridging back to the buyer's source
// chain when it differs from the contract network.
func (e *Engine) cancelCrossChain(ctx context.Context, c Chain, d *Deal) (actionResult, error) {
	var res actionResult
	var tx *crosschain.Transaction

	if d.BuyerSourceChain != "" && !networks.Same(d.BuyerSourceChain, d.ContractNetwork) {
		var err error
		tx, _, err = e.transferFor(ctx, d, crosschain.PurposeRefund, crosschain.PrepareRequest{
			FromAddress:   d.SmartContractAddress,
			ToAddress:     d.BuyerWalletAddress,
			SourceNetwork: d.ContractNetwork,
			TargetNetwork: d.BuyerSourceChain,
		})
		if err != nil {
			return res, err
		}
		res.xctID = tx.ID
	}

	r, err := c.Cancel(ctx, d.SmartContractAddress, d.ID)
	if err != nil {
		if tx != nil && classify(err) == classTerminal {
			e.abandon(ctx, tx, err)
		}
		return res, err
	}
	res.txHash = r.TxHash

	if tx != nil {
		e.startTransfer(ctx, tx, r.TxHash)
	}
	return res, nil
}

// transferFor returns the deal's live transaction for purpose, preparing
// one if none exists. req supplies addresses and networks. Transactions the
// machine no longer advances are never reused; priorAuth is the newest
// authorization hash recorded on one of them.
func (e *Engine) transferFor(ctx context.Context, d *Deal, purpose crosschain.Purpose, req crosschain.PrepareRequest) (tx *crosschain.Transaction, priorAuth string, err error) {
	existing, err := e.xct.ListByDeal(ctx, d.ID)
	if err != nil {
		return nil, "", retryableError{err: err}
	}
	for i := len(existing) - 1; i >= 0; i-- {
		t := existing[i]
		if t.Purpose != purpose {
			continue
		}
		if !t.Status.Terminal() {
			return t, "", nil
		}
		if priorAuth == "" {
			priorAuth = t.AuthorizationTxHash
		}
	}

	req.DealID = d.ID
	req.Purpose = purpose
	req.Amount = d.Amount
	req.TokenAddress = d.TokenAddress
	tx, err = e.xct.Prepare(ctx, req)
	if err != nil {
		if errors.Is(err, crosschain.ErrInvalidInput) || bridge.IsBridgeError(err) {
			return nil, "", err
		}
		return nil, "", retryableError{err: err}
	}
	return tx, priorAuth, nil
}

// startTransfer authorizes and submits a prepared transfer. Submission
// failures are left to the cross-chain sweep, which retries authorized
// transfers.
func (e *Engine) startTransfer(ctx context.Context, tx *crosschain.Transaction, authHash string) {
	if tx.Status != crosschain.StatusPrepared {
		return
	}
	if _, err := e.xct.Authorize(ctx, tx.ID, authHash); err != nil {
		e.log(ctx).Warn("failed to authorize cross-chain transfer", "xct_id", tx.ID, "deal_id", tx.DealID, "error", err)
		return
	}
	if _, err := e.xct.StartTransfer(ctx, tx.ID); err != nil {
		e.log(ctx).Warn("bridge submission deferred to cross-chain sweep",
			"xct_id", tx.ID, "deal_id", tx.DealID, "error", err)
	}
}

func (e *Engine) abandon(ctx context.Context, tx *crosschain.Transaction, cause error) {
	if tx.Status != crosschain.StatusPrepared {
		return
	}
	if _, err := e.xct.Abandon(ctx, tx.ID, cause.Error()); err != nil {
		e.log(ctx).Warn("failed to abandon cross-chain transaction", "xct_id", tx.ID, "error", err)
	}
}

// -----------------------------------------------------------------------------
// Cross-chain sweep
// -----------------------------------------------------------------------------

// RunCrossChainSweep advances cross-chain transactions: it submits
// authorized transfers, polls bridges, confirms landed transfers on-chain
// and flags transactions that stopped progressing.
func (e *Engine) RunCrossChainSweep(ctx context.Context) (*Report, error) {
	report := &Report{}
	var errs []error

	prepared, err := e.xct.ListByStatus(ctx, crosschain.StatusPrepared, e.batchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list prepared: %w", err))
	}
	for _, tx := range prepared {
		if tx.AuthorizedAt == nil {
			continue
		}
		if _, err := e.xct.StartTransfer(ctx, tx.ID); err != nil {
			report.Errors++
			e.log(ctx).Warn("bridge submission failed", "xct_id", tx.ID, "deal_id", tx.DealID, "error", err)
			continue
		}
		report.Started++
	}

	active, err := e.xct.ListByStatus(ctx, crosschain.StatusInProgress, e.batchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list in progress: %w", err))
	}
	for _, tx := range active {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !tx.AwaitingReceipt() {
			report.Polled++
			check, err := e.xct.CheckPendingTransactionStatus(ctx, tx.ID)
			if err != nil {
				report.Errors++
				e.log(ctx).Warn("bridge status check failed", "xct_id", tx.ID, "deal_id", tx.DealID, "error", err)
				continue
			}
			if !check.Updated || check.Status != crosschain.StatusInProgress {
				continue
			}
			if tx, err = e.xct.Get(ctx, tx.ID); err != nil || !tx.AwaitingReceipt() {
				continue
			}
		}
		done, err := e.finalize(ctx, tx)
		if err != nil {
			report.Errors++
			continue
		}
		if done {
			report.Finalized++
		}
	}

	stale, err := e.xct.ListStale(ctx, e.batchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list stale: %w", err))
	}
	for _, tx := range stale {
		res, err := e.xct.HandleStuckCrossChainTransaction(ctx, tx.ID)
		if err != nil {
			report.Errors++
			continue
		}
		if res.Updated {
			report.Stuck++
		}
	}

	e.log(ctx).Info("cross-chain sweep finished",
		"started", report.Started, "polled", report.Polled, "finalized", report.Finalized,
		"stuck", report.Stuck, "errors", report.Errors)
	return report, errors.Join(errs...)
}

// finalize confirms a landed transfer with the escrow contract and
// completes the receipt step. done is false when the deal was busy.
func (e *Engine) finalize(ctx context.Context, tx *crosschain.Transaction) (bool, error) {
	confirm := tx.StepFor(crosschain.ActionConfirmReceipt)
	if confirm == nil {
		return false, nil
	}
	unlock, ok := e.locks.TryLock(tx.DealID)
	if !ok {
		return false, nil
	}
	defer unlock()

	var hash string
	if tx.Purpose != crosschain.PurposeRefund {
		r, err := e.confirmOnChain(ctx, tx)
		if err != nil {
			if chain.IsRevert(err) {
				// A revert repeats on every attempt; park the transfer for an operator.
				e.log(ctx).Error("CRITICAL: bridged funds landed but the escrow contract rejected the confirmation",
					"xct_id", tx.ID, "deal_id", tx.DealID, "purpose", tx.Purpose, "error", err)
				if _, serr := e.xct.MarkStuck(ctx, tx.ID, "receipt confirmation reverted: "+err.Error()); serr != nil {
					e.log(ctx).Warn("failed to mark cross-chain transaction stuck", "xct_id", tx.ID, "error", serr)
				}
			} else {
				e.log(ctx).Warn("receipt confirmation failed", "xct_id", tx.ID, "deal_id", tx.DealID, "error", err)
			}
			return false, err
		}
		hash = r.TxHash
	}

	res, err := e.xct.ExecuteStep(ctx, tx.ID, confirm.StepNumber, hash)
	if err != nil {
		return false, err
	}
	if !res.Success {
		return false, fmt.Errorf("confirm step of %s: %s", tx.ID, res.Error)
	}
	e.log(ctx).Info("cross-chain transfer finalized", "xct_id", tx.ID, "deal_id", tx.DealID, "purpose", tx.Purpose)
	return true, nil
}

func (e *Engine) confirmOnChain(ctx context.Context, tx *crosschain.Transaction) (*chain.Result, error) {
	d, err := e.deals.Get(ctx, tx.DealID)
	if err != nil {
		return nil, err
	}
	c, err := e.chains.Chain(d.ContractNetwork)
	if err != nil {
		return nil, err
	}
	bridgeID := tx.BridgeTransactionID
	if bridgeID == "" {
		bridgeID = tx.ID
	}

	if tx.Purpose == crosschain.PurposeRelease {
		return c.ConfirmCrossChainRelease(ctx, d.SmartContractAddress, d.ID, bridgeID)
	}
	amount, err := tokenamount.ParseBaseUnits(tx.Amount)
	if err != nil {
		return nil, err
	}
	return c.ReceiveCrossChainDeposit(ctx, d.SmartContractAddress, d.ID, chain.Deposit{
		BridgeID:    bridgeID,
		SourceChain: tx.SourceChain,
		Sender:      evmAddress(tx.FromAddress, d.BuyerWalletAddress),
		Amount:      amount,
		Token:       d.TokenAddress,
	})
}

// evmAddress returns the first candidate that is a hex address. Buyers
// bridging from non-EVM chains are identified by their deal wallet.
func evmAddress(candidates ...string) string {
	for _, a := range candidates {
		if common.IsHexAddress(a) {
			return a
		}
	}
	return ""
}
