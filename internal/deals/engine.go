package deals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/escrowd/internal/bridge"
	"github.com/mbd888/escrowd/internal/chain"
	"github.com/mbd888/escrowd/internal/crosschain"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
)

// DefaultBatchSize bounds how many deals or transactions one sweep reads
// per query.
const DefaultBatchSize = 100

// Chain is the escrow contract surface the engine calls. *chain.Client
// satisfies it.
type Chain interface {
	Release(ctx context.Context, contract, dealID string) (*chain.Result, error)
	Cancel(ctx context.Context, contract, dealID string) (*chain.Result, error)
	InitiateCrossChainRelease(ctx context.Context, contract, dealID string) (*chain.Result, error)
	ConfirmCrossChainRelease(ctx context.Context, contract, dealID, bridgeID string) (*chain.Result, error)
	ReceiveCrossChainDeposit(ctx context.Context, contract, dealID string, d chain.Deposit) (*chain.Result, error)
	ContractState(ctx context.Context, contract string) (chain.ContractState, error)
	CrossChainInfo(ctx context.Context, contract string) (*chain.CrossChainInfo, error)
	Balance(ctx context.Context, contract string) (*big.Int, error)
}

// Chains resolves the client for a network.
type Chains interface {
	Chain(network string) (Chain, error)
}

// RegistryChains adapts a chain.Registry to Chains.
func RegistryChains(r *chain.Registry) Chains {
	return registryChains{r: r}
}

type registryChains struct{ r *chain.Registry }

func (rc registryChains) Chain(network string) (Chain, error) {
	c, err := rc.r.Client(network)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CrossChain is the slice of the cross-chain transaction machine the
// engine drives. *crosschain.Service satisfies it.
type CrossChain interface {
	Prepare(ctx context.Context, req crosschain.PrepareRequest) (*crosschain.Transaction, error)
	Authorize(ctx context.Context, id, txHash string) (*crosschain.Transaction, error)
	StartTransfer(ctx context.Context, id string) (*crosschain.Transaction, error)
	Abandon(ctx context.Context, id, reason string) (*crosschain.Transaction, error)
	MarkStuck(ctx context.Context, id, reason string) (*crosschain.Transaction, error)
	ExecuteStep(ctx context.Context, id string, stepNumber int, txHash string) (*crosschain.StepResult, error)
	CheckPendingTransactionStatus(ctx context.Context, id string) (*crosschain.StatusCheck, error)
	HandleStuckCrossChainTransaction(ctx context.Context, id string) (*crosschain.StuckResult, error)
	Get(ctx context.Context, id string) (*crosschain.Transaction, error)
	ListByDeal(ctx context.Context, dealID string) ([]*crosschain.Transaction, error)
	ListByStatus(ctx context.Context, status crosschain.Status, limit int) ([]*crosschain.Transaction, error)
	ListStale(ctx context.Context, limit int) ([]*crosschain.Transaction, error)
}

// Notifier receives processed deal outcomes (realtime stream).
type Notifier interface {
	DealProcessed(ctx context.Context, o Outcome)
}

// Result classifies what happened to one deal.
type Result string

const (
	ResultReleased   Result = "released"
	ResultCancelled  Result = "cancelled"
	ResultReconciled Result = "reconciled"
	ResultFailed     Result = "failed"
	ResultDeferred   Result = "deferred"
	ResultSkipped    Result = "skipped"
	ResultError      Result = "error"
)

// Outcome is the result of processing one deal.
type Outcome struct {
	DealID                  string `json:"dealId"`
	Action                  Action `json:"action,omitempty"`
	Result                  Result `json:"result"`
	Status                  Status `json:"status,omitempty"`
	TxHash                  string `json:"txHash,omitempty"`
	CrossChainTransactionID string `json:"crossChainTransactionId,omitempty"`
	Reason                  string `json:"reason,omitempty"`
}

// Report summarizes one sweep.
type Report struct {
	Released  int `json:"released"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Deferred  int `json:"deferred"`
	Errors    int `json:"errors"`

	// Cross-chain sweep counters.
	Started   int `json:"started,omitempty"`
	Polled    int `json:"polled,omitempty"`
	Finalized int `json:"finalized,omitempty"`
	Stuck     int `json:"stuck,omitempty"`

	Outcomes []Outcome `json:"outcomes,omitempty"`
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Result {
	case ResultReleased:
		r.Released++
	case ResultCancelled:
		r.Cancelled++
	case ResultReconciled:
		if o.Status == StatusFundsReleased {
			r.Released++
		} else {
			r.Cancelled++
		}
	case ResultFailed:
		r.Failed++
	case ResultDeferred:
		r.Deferred++
	case ResultSkipped:
		r.Skipped++
	case ResultError:
		r.Errors++
	}
}

// Engine decides what to do with due deals and records the outcome.
type Engine struct {
	deals     Store
	xct       CrossChain
	chains    Chains
	locks     *syncutil.KeyedLock
	notifier  Notifier
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an automation engine.
func NewEngine(deals Store, xct CrossChain, chains Chains) *Engine {
	return &Engine{
		deals:     deals,
		xct:       xct,
		chains:    chains,
		locks:     syncutil.NewKeyedLock(),
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithLogger sets a structured logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// WithNotifier publishes outcomes to n.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// WithBatchSize overrides DefaultBatchSize.
func (e *Engine) WithBatchSize(n int) *Engine {
	if n > 0 {
		e.batchSize = n
	}
	return e
}

// WithClock replaces time.Now (for tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Busy reports whether a deal is being processed right now.
func (e *Engine) Busy(dealID string) bool {
	return e.locks.Held(dealID)
}

// -----------------------------------------------------------------------------
// Deadline sweep
// -----------------------------------------------------------------------------

// RunDeadlineSweep processes the four due sets: direct and cross-chain
// deals past their final-approval or dispute-resolution deadline. A failure
// on one deal never stops the sweep.
func (e *Engine) RunDeadlineSweep(ctx context.Context) (*Report, error) {
	now := e.now()
	report := &Report{}
	var errs []error

	sets := []DueQuery{
		{Status: StatusInFinalApproval, CrossChain: false},
		{Status: StatusInDispute, CrossChain: false},
		{Status: StatusInFinalApproval, CrossChain: true},
		{Status: StatusInDispute, CrossChain: true},
	}
	for _, q := range sets {
		q.Before = now
		q.Limit = e.batchSize
		action, _ := ActionFor(q.Status)
		// Page through the whole set so deals that stay eligible after a
		// deferral cannot crowd out the rest.
		for {
			due, err := e.deals.ListDue(ctx, q)
			if err != nil {
				e.log(ctx).Warn("failed to list due deals", "status", q.Status, "cross_chain", q.CrossChain, "error", err)
				errs = append(errs, fmt.Errorf("list %s (cross-chain %t): %w", q.Status, q.CrossChain, err))
				break
			}
			for _, d := range due {
				if err := ctx.Err(); err != nil {
					return report, err
				}
				report.add(e.process(ctx, d.ID, now))
			}
			if len(due) < q.Limit {
				break
			}
			q.After = CursorOf(due[len(due)-1], action)
		}
	}

	e.log(ctx).Info("deadline sweep finished",
		"released", report.Released, "cancelled", report.Cancelled, "failed", report.Failed,
		"deferred", report.Deferred, "skipped", report.Skipped, "errors", report.Errors)
	return report, errors.Join(errs...)
}

// ProcessDeal runs the engine for a single deal now.
func (e *Engine) ProcessDeal(ctx context.Context, id string) (Outcome, error) {
	if _, err := e.deals.Get(ctx, id); err != nil {
		return Outcome{}, err
	}
	return e.process(ctx, id, e.now()), nil
}

// actionResult is what a successful contract action produced.
type actionResult struct {
	txHash string
	xctID  string
}

func (e *Engine) process(ctx context.Context, id string, now time.Time) Outcome {
	out := Outcome{DealID: id}

	unlock, ok := e.locks.TryLock(id)
	if !ok {
		out.Result, out.Reason = ResultSkipped, "already being processed"
		e.log(ctx).Info("deal busy, skipping", "deal_id", id)
		return out
	}
	defer unlock()

	// Re-read under the lock so a concurrent change wins.
	d, err := e.deals.Get(ctx, id)
	if err != nil {
		out.Result, out.Reason = ResultError, err.Error()
		e.log(ctx).Warn("failed to load deal", "deal_id", id, "error", err)
		return out
	}
	out.Status = d.Status
	action, ok := ActionFor(d.Status)
	if !ok || !d.Due(now) {
		out.Result, out.Reason = ResultSkipped, "not due"
		return out
	}
	out.Action = action
	if d.SmartContractAddress == "" {
		out.Result, out.Reason = ResultSkipped, "no contract address"
		e.log(ctx).Info("deal has no contract address, skipping", "deal_id", id, "action", action)
		return e.finish(ctx, out)
	}

	ctx, span := traces.StartSpan(ctx, "deals.Process",
		traces.DealID(id), traces.Network(d.ContractNetwork), traces.Contract(d.SmartContractAddress))
	out = e.act(ctx, d, action)
	var spanErr error
	if out.Result == ResultFailed || out.Result == ResultError {
		spanErr = errors.New(out.Reason)
	}
	traces.End(span, spanErr)
	return e.finish(ctx, out)
}

func (e *Engine) act(ctx context.Context, d *Deal, action Action) Outcome {
	if err := chain.ValidateContractAddress(d.SmartContractAddress); err != nil {
		return e.record(ctx, d, action, actionResult{}, err)
	}
	c, err := e.chains.Chain(d.ContractNetwork)
	if err != nil {
		return e.record(ctx, d, action, actionResult{}, err)
	}

	if d.LastAutomaticProcessAttempt != nil {
		if out, done := e.reconcile(ctx, c, d, action); done {
			return out
		}
	}

	// The attempt is on record before anything is submitted, so a crash or a
	// lost write after submission reconciles instead of resubmitting.
	if err := e.markAttempt(ctx, d); err != nil {
		e.log(ctx).Warn("failed to record automation attempt", "deal_id", d.ID, "error", err)
		return Outcome{DealID: d.ID, Action: action, Result: ResultError, Status: d.Status, Reason: err.Error()}
	}

	var res actionResult
	switch {
	case d.IsCrossChain && action == ActionRelease:
		res, err = e.releaseCrossChain(ctx, c, d)
	case d.IsCrossChain:
		res, err = e.cancelCrossChain(ctx, c, d)
	case action == ActionRelease:
		var r *chain.Result
		if r, err = c.Release(ctx, d.SmartContractAddress, d.ID); err == nil {
			res.txHash = r.TxHash
		}
	default:
		var r *chain.Result
		if r, err = c.Cancel(ctx, d.SmartContractAddress, d.ID); err == nil {
			res.txHash = r.TxHash
		}
	}
	return e.record(ctx, d, action, res, err)
}

func (e *Engine) markAttempt(ctx context.Context, d *Deal) error {
	now := e.now()
	d.LastAutomaticProcessAttempt = &now
	d.UpdatedAt = now
	return e.deals.UpdateOutcome(ctx, d)
}

// reconcile settles a deal whose previous attempt may have landed on-chain
// without being recorded. done is false when processing should continue.
func (e *Engine) reconcile(ctx context.Context, c Chain, d *Deal, action Action) (Outcome, bool) {
	state, err := c.ContractState(ctx, d.SmartContractAddress)
	if err != nil {
		if chain.IsSetup(err) || chain.IsInitialization(err) {
			e.log(ctx).Debug("contract state unreadable, not reconciling", "deal_id", d.ID, "error", err)
			return Outcome{}, false
		}
		return e.record(ctx, d, action, actionResult{}, retryableError{err: err}), true
	}

	var status Status
	switch state {
	case chain.StateCompleted:
		status = StatusFundsReleased
	case chain.StateCancelled:
		status = StatusCancelledAfterDisputeDeadline
	default:
		return Outcome{}, false
	}

	now := e.now()
	d.Status = status
	d.ProcessingError = ""
	d.UpdatedAt = now
	out := Outcome{DealID: d.ID, Action: action, Result: ResultReconciled, Status: status}
	if err := e.deals.UpdateOutcome(ctx, d); err != nil {
		e.log(ctx).Warn("failed to record reconciled status", "deal_id", d.ID, "status", status, "error", err)
		out.Result, out.Reason = ResultError, err.Error()
		return out, true
	}
	e.log(ctx).Info("deal reconciled from contract state", "deal_id", d.ID, "contract_state", state, "status", status)
	return out, true
}

// -----------------------------------------------------------------------------
// Outcome recording
// -----------------------------------------------------------------------------

type errorClass int

const (
	classNone errorClass = iota
	// classSetup: misconfiguration; the deal is left untouched.
	classSetup
	// classTransient: recorded on the deal, status stays eligible.
	classTransient
	// classTerminal: the deal moves to its failure status.
	classTerminal
)

// retryableError marks failures of the engine's own collaborators that say
// nothing about the deal itself.
type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func classify(err error) errorClass {
	var re retryableError
	switch {
	case err == nil:
		return classNone
	case chain.IsSetup(err), chain.IsInitialization(err):
		return classSetup
	case chain.IsNetwork(err), bridge.IsBridgeError(err), errors.As(err, &re),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return classTransient
	}
	return classTerminal
}

func successStatus(a Action) Status {
	if a == ActionCancel {
		return StatusCancelledAfterDisputeDeadline
	}
	return StatusFundsReleased
}

func failureStatus(a Action) Status {
	if a == ActionCancel {
		return StatusAutoCancellationFailed
	}
	return StatusAutoReleaseFailed
}

func (e *Engine) record(ctx context.Context, d *Deal, action Action, res actionResult, err error) Outcome {
	out := Outcome{DealID: d.ID, Action: action, Status: d.Status, CrossChainTransactionID: res.xctID}
	now := e.now()

	switch classify(err) {
	case classNone:
		d.Status = successStatus(action)
		if action == ActionCancel {
			d.AutoCancelTxHash = res.txHash
			out.Result = ResultCancelled
		} else {
			d.AutoReleaseTxHash = res.txHash
			out.Result = ResultReleased
		}
		if res.xctID != "" {
			d.CrossChainTransactionID = res.xctID
		}
		d.ProcessingError = ""
		out.TxHash = res.txHash
	case classSetup:
		out.Result, out.Reason = ResultSkipped, err.Error()
		e.log(ctx).Warn("deal not processed: chain client unavailable",
			"deal_id", d.ID, "network", d.ContractNetwork, "action", action, "error", err)
		return out
	case classTransient:
		d.ProcessingError = err.Error()
		out.Result, out.Reason = ResultDeferred, err.Error()
	default:
		d.Status = failureStatus(action)
		d.ProcessingError = err.Error()
		out.Result, out.Reason = ResultFailed, err.Error()
	}

	d.LastAutomaticProcessAttempt = &now
	d.UpdatedAt = now
	out.Status = d.Status
	if uerr := e.deals.UpdateOutcome(ctx, d); uerr != nil {
		if out.Result == ResultReleased || out.Result == ResultCancelled {
			e.log(ctx).Error("CRITICAL: on-chain action succeeded but deal update failed",
				"deal_id", d.ID, "action", action, "tx_hash", res.txHash, "error", uerr)
		} else {
			e.log(ctx).Warn("failed to record deal outcome", "deal_id", d.ID, "error", uerr)
		}
		out.Result, out.Reason = ResultError, uerr.Error()
		return out
	}

	switch out.Result {
	case ResultReleased, ResultCancelled:
		e.log(ctx).Info("deal processed",
			"deal_id", d.ID, "action", action, "status", d.Status, "tx_hash", res.txHash, "xct_id", res.xctID)
	case ResultDeferred:
		e.log(ctx).Warn("deal processing deferred", "deal_id", d.ID, "action", action, "error", err)
	default:
		e.log(ctx).Warn("deal processing failed", "deal_id", d.ID, "action", action, "status", d.Status, "error", err)
	}
	return out
}

func (e *Engine) finish(ctx context.Context, out Outcome) Outcome {
	if out.Action != "" {
		metrics.DealOutcomesTotal.WithLabelValues(string(out.Action), string(out.Result)).Inc()
	}
	if e.notifier != nil && out.Result != ResultSkipped {
		e.notifier.DealProcessed(ctx, out)
	}
	return out
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	l := e.logger
	if task, tick := logging.Tick(ctx); tick != "" {
		l = l.With("task", task, "tick_id", tick)
	}
	if id := logging.RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}

// -----------------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------------

// OnChainView is the live contract state behind a deal.
type OnChainView struct {
	DealID     string                `json:"dealId"`
	Network    string                `json:"network"`
	Contract   string                `json:"contract"`
	State      chain.ContractState   `json:"state"`
	CrossChain *chain.CrossChainInfo `json:"crossChain,omitempty"`
	Balance    string                `json:"balance"`
}

// Inspect reads the contract behind a deal.
func (e *Engine) Inspect(ctx context.Context, id string) (*OnChainView, error) {
	d, err := e.deals.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.SmartContractAddress == "" {
		return nil, fmt.Errorf("%w: deal %s has no contract address", ErrStateMismatch, id)
	}
	c, err := e.chains.Chain(d.ContractNetwork)
	if err != nil {
		return nil, err
	}
	view := &OnChainView{DealID: d.ID, Network: d.ContractNetwork, Contract: d.SmartContractAddress}
	if view.State, err = c.ContractState(ctx, d.SmartContractAddress); err != nil {
		return nil, err
	}
	bal, err := c.Balance(ctx, d.SmartContractAddress)
	if err != nil {
		return nil, err
	}
	view.Balance = bal.String()
	if d.IsCrossChain {
		if view.CrossChain, err = c.CrossChainInfo(ctx, d.SmartContractAddress); err != nil {
			return nil, err
		}
	}
	return view, nil
}
