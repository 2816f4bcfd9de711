package crosschain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowd/internal/bridge"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/networks"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/tokenamount"
	"github.com/mbd888/escrowd/internal/traces"
)

// DefaultStuckThreshold is how long a transaction may go without progress
// before it is flagged for manual intervention.
const DefaultStuckThreshold = 24 * time.Hour

// Bridge is the subset of the bridge coordinator the machine drives.
type Bridge interface {
	FindRoute(ctx context.Context, req bridge.RouteRequest) (*bridge.Route, error)
	Execute(ctx context.Context, route *bridge.Route, dealID string) (*bridge.Execution, error)
	Status(ctx context.Context, executionID, dealID string) (*bridge.StatusReport, error)
	IsMock() bool
}

// Service implements the cross-chain transaction state machine.
type Service struct {
	store          Store
	bridge         Bridge
	locks          *syncutil.KeyedLock
	stuckThreshold time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewService creates a new cross-chain service.
func NewService(store Store, br Bridge) *Service {
	return &Service{
		store:          store,
		bridge:         br,
		locks:          syncutil.NewKeyedLock(),
		stuckThreshold: DefaultStuckThreshold,
		logger:         slog.Default(),
		now:            time.Now,
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithStuckThreshold overrides DefaultStuckThreshold.
func (s *Service) WithStuckThreshold(d time.Duration) *Service {
	if d > 0 {
		s.stuckThreshold = d
	}
	return s
}

// WithClock replaces time.Now (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// StuckThreshold returns the configured threshold.
func (s *Service) StuckThreshold() time.Duration { return s.stuckThreshold }

// PrepareRequest describes a transfer to plan.
type PrepareRequest struct {
	DealID        string  `json:"dealId" binding:"required"`
	Purpose       Purpose `json:"purpose"`
	FromAddress   string  `json:"fromAddress" binding:"required"`
	ToAddress     string  `json:"toAddress" binding:"required"`
	Amount        string  `json:"amount" binding:"required"`
	TokenAddress  string  `json:"tokenAddress" binding:"required"`
	SourceNetwork string  `json:"sourceNetwork" binding:"required"`
	TargetNetwork string  `json:"targetNetwork" binding:"required"`
}

// Prepare validates a transfer, selects a route when the networks differ
// and persists the transaction with all steps pending.
func (s *Service) Prepare(ctx context.Context, req PrepareRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "crosschain.Prepare", traces.DealID(req.DealID))
	tx, err := s.prepare(ctx, req)
	traces.End(span, err)
	return tx, err
}

func (s *Service) prepare(ctx context.Context, req PrepareRequest) (*Transaction, error) {
	if err := validatePrepare(&req); err != nil {
		return nil, err
	}

	now := s.now()
	tx := &Transaction{
		ID:           idgen.WithPrefix("xct_"),
		DealID:       req.DealID,
		Purpose:      req.Purpose,
		Status:       StatusPrepared,
		SourceChain:  req.SourceNetwork,
		TargetChain:  req.TargetNetwork,
		FromAddress:  req.FromAddress,
		ToAddress:    req.ToAddress,
		Amount:       req.Amount,
		TokenAddress: req.TokenAddress,
		CreatedAt:    now,
		LastUpdated:  now,
	}

	if networks.Same(req.SourceNetwork, req.TargetNetwork) {
		tx.Steps = []Step{{
			StepNumber:  1,
			Action:      ActionDirectTransfer,
			Status:      StepPending,
			Description: fmt.Sprintf("Transfer directly on %s", req.SourceNetwork),
		}}
	} else {
		route, err := s.bridge.FindRoute(ctx, bridge.RouteRequest{
			SourceNetwork: req.SourceNetwork,
			TargetNetwork: req.TargetNetwork,
			Amount:        req.Amount,
			TokenAddress:  req.TokenAddress,
			FromAddress:   req.FromAddress,
			ToAddress:     req.ToAddress,
			DealID:        req.DealID,
		})
		if err != nil {
			return nil, err
		}
		if route == nil {
			return nil, &bridge.NoRouteError{SourceNetwork: req.SourceNetwork, TargetNetwork: req.TargetNetwork}
		}
		tx.Route = route
		tx.BridgeProvider = route.Provider
		tx.IsMock = route.IsMock || s.bridge.IsMock()
		tx.Steps = []Step{
			{StepNumber: 1, Action: ActionInitiateBridge, Status: StepPending,
				Description: fmt.Sprintf("Initiate bridge transfer via %s", route.Provider)},
			{StepNumber: 2, Action: ActionMonitorBridge, Status: StepPending,
				Description: fmt.Sprintf("Wait for bridge delivery to %s", req.TargetNetwork)},
			{StepNumber: 3, Action: ActionConfirmReceipt, Status: StepPending,
				Description: fmt.Sprintf("Confirm receipt on %s", req.TargetNetwork)},
		}
	}

	if err := s.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create cross-chain transaction: %w", err)
	}
	metrics.CrossChainTransitionsTotal.WithLabelValues(string(StatusPrepared)).Inc()
	s.logger.Info("cross-chain transaction prepared",
		"xct_id", tx.ID, "deal_id", tx.DealID, "purpose", tx.Purpose,
		"source", tx.SourceChain, "target", tx.TargetChain, "steps", len(tx.Steps), "mock", tx.IsMock)
	return tx, nil
}

func validatePrepare(req *PrepareRequest) error {
	if req.DealID == "" {
		return fmt.Errorf("%w: dealId required", ErrInvalidInput)
	}
	switch req.Purpose {
	case "":
		req.Purpose = PurposeDeposit
	case PurposeDeposit, PurposeRelease, PurposeRefund:
	default:
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidInput, req.Purpose)
	}
	src, err := networks.Lookup(req.SourceNetwork)
	if err != nil {
		return fmt.Errorf("%w: source network: %v", ErrInvalidInput, err)
	}
	dst, err := networks.Lookup(req.TargetNetwork)
	if err != nil {
		return fmt.Errorf("%w: target network: %v", ErrInvalidInput, err)
	}
	req.SourceNetwork, req.TargetNetwork = src.Name, dst.Name

	if err := networks.ValidateWalletAddress(src.Name, req.FromAddress); err != nil {
		return fmt.Errorf("%w: fromAddress: %v", ErrInvalidInput, err)
	}
	if err := networks.ValidateWalletAddress(dst.Name, req.ToAddress); err != nil {
		return fmt.Errorf("%w: toAddress: %v", ErrInvalidInput, err)
	}
	if err := networks.ValidateTokenAddress(src.Name, req.TokenAddress); err != nil {
		return fmt.Errorf("%w: tokenAddress: %v", ErrInvalidInput, err)
	}
	if _, err := tokenamount.ParseBaseUnits(req.Amount); err != nil {
		return fmt.Errorf("%w: amount: %v", ErrInvalidInput, err)
	}
	return nil
}

// StepResult is the outcome of ExecuteStep. Lookup failures are reported
// here with Success false rather than as errors.
type StepResult struct {
	Success           bool       `json:"success"`
	TransactionID     string     `json:"transactionId"`
	StepNumber        int        `json:"stepNumber"`
	Status            StepStatus `json:"status"`
	TxHash            string     `json:"txHash,omitempty"`
	AllStepsCompleted bool       `json:"allStepsCompleted"`
	Progress          int        `json:"progress"`
	NextStep          string     `json:"nextStep,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// ExecuteStep completes step stepNumber. Steps run strictly in order: a
// step that is missing, already completed or preceded by an incomplete
// step is reported as not found. An empty txHash gets a deterministic one.
func (s *Service) ExecuteStep(ctx context.Context, id string, stepNumber int, txHash string) (*StepResult, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrTransactionNotFound) {
		return &StepResult{TransactionID: id, StepNumber: stepNumber, Status: StepFailed, Error: "Transaction not found"}, nil
	}
	if err != nil {
		return nil, err
	}
	if tx.Status == StatusFailed || tx.Status == StatusStuck {
		return &StepResult{
			TransactionID: id, StepNumber: stepNumber, Status: StepFailed,
			Progress: tx.Progress(), Error: fmt.Sprintf("Transaction is %s", tx.Status),
		}, nil
	}
	if !tx.ready(stepNumber) {
		return &StepResult{
			TransactionID: id, StepNumber: stepNumber, Status: StepFailed,
			Progress: tx.Progress(), NextStep: tx.NextStep(), Error: "Step not found",
		}, nil
	}

	if txHash == "" {
		txHash = stepHash(id, stepNumber)
	}
	prev := tx.Status
	s.completeStep(tx, stepNumber, txHash)
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record step: %w", err)
	}
	s.recordTransition(prev, tx)

	s.logger.Info("cross-chain step completed",
		"xct_id", id, "deal_id", tx.DealID, "step", stepNumber, "tx_hash", txHash, "progress", tx.Progress())
	return &StepResult{
		Success:           true,
		TransactionID:     id,
		StepNumber:        stepNumber,
		Status:            StepCompleted,
		TxHash:            txHash,
		AllStepsCompleted: tx.AllStepsCompleted(),
		Progress:          tx.Progress(),
		NextStep:          tx.NextStep(),
	}, nil
}

// completeStep marks step n done and recomputes the transaction status.
func (s *Service) completeStep(tx *Transaction, n int, txHash string) {
	now := s.now()
	step := tx.Step(n)
	step.Status = StepCompleted
	step.TxHash = txHash
	step.CompletedAt = &now

	if tx.AllStepsCompleted() {
		tx.Status = StatusCompleted
	} else {
		tx.Status = StatusInProgress
	}
	tx.LastUpdated = now
}

// StatusCheck is the outcome of CheckPendingTransactionStatus.
type StatusCheck struct {
	TransactionID string        `json:"transactionId"`
	Status        Status        `json:"status"`
	BridgeStatus  bridge.Status `json:"bridgeStatus,omitempty"`
	Updated       bool          `json:"updated"`
	Progress      int           `json:"progress"`
	Message       string        `json:"message,omitempty"`
}

// CheckPendingTransactionStatus polls the bridge for the monitoring step.
// DONE completes it; FAILED fails it and the transaction. Terminal
// transactions and non-terminal bridge states are reported without writes.
func (s *Service) CheckPendingTransactionStatus(ctx context.Context, id string) (*StatusCheck, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &StatusCheck{TransactionID: id, Status: tx.Status, Progress: tx.Progress()}

	if tx.Status.Terminal() {
		res.Message = fmt.Sprintf("Transaction already %s", tx.Status)
		return res, nil
	}
	monitor := tx.StepFor(ActionMonitorBridge)
	if monitor == nil {
		res.Message = "No bridge step to monitor"
		return res, nil
	}
	if !tx.ready(monitor.StepNumber) {
		res.Message = tx.NextStep()
		return res, nil
	}
	if tx.BridgeTransactionID == "" {
		res.Message = "Bridge transfer not started"
		return res, nil
	}

	ctx, span := traces.StartSpan(ctx, "crosschain.CheckStatus", traces.CrossChainTxID(id), traces.DealID(tx.DealID))
	report, err := s.bridge.Status(ctx, tx.BridgeTransactionID, tx.DealID)
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	res.BridgeStatus = report.Status

	prev := tx.Status
	switch report.Status {
	case bridge.StatusDone:
		hash := report.ReceivingTxHash
		if hash == "" {
			hash = stepHash(id, monitor.StepNumber)
		}
		s.completeStep(tx, monitor.StepNumber, hash)
		res.Message = tx.NextStep()
	case bridge.StatusFailed:
		monitor.Status = StepFailed
		tx.Status = StatusFailed
		tx.ErrorMessage = fmt.Sprintf("bridge reported %s", failureDetail(report))
		tx.LastUpdated = s.now()
		res.Message = tx.ErrorMessage
	default:
		res.Message = fmt.Sprintf("Bridge status %s", report.Status)
		return res, nil
	}

	if err := s.store.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record bridge status: %w", err)
	}
	s.recordTransition(prev, tx)
	res.Updated = true
	res.Status = tx.Status
	res.Progress = tx.Progress()

	s.logger.Info("cross-chain status updated",
		"xct_id", id, "deal_id", tx.DealID, "bridge_status", report.Status, "status", tx.Status)
	return res, nil
}

func failureDetail(r *bridge.StatusReport) string {
	if r.Substatus != "" {
		return fmt.Sprintf("%s (%s/%s)", r.Status, r.RawStatus, r.Substatus)
	}
	if r.RawStatus != "" {
		return fmt.Sprintf("%s (%s)", r.Status, r.RawStatus)
	}
	return string(r.Status)
}

// StuckResult is the outcome of HandleStuckCrossChainTransaction.
type StuckResult struct {
	Success                    bool   `json:"success"`
	TransactionID              string `json:"transactionId"`
	Status                     Status `json:"status"`
	Updated                    bool   `json:"updated"`
	ManualInterventionRequired bool   `json:"manualInterventionRequired"`
	Message                    string `json:"message"`
}

const manualInterventionMessage = "Transaction marked as stuck. Manual intervention required."

// HandleStuckCrossChainTransaction flags a non-terminal transaction that has
// not progressed within the stuck threshold. It never advances steps.
func (s *Service) HandleStuckCrossChainTransaction(ctx context.Context, id string) (*StuckResult, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &StuckResult{TransactionID: id, Status: tx.Status, ManualInterventionRequired: tx.ManualInterventionRequired}

	switch tx.Status {
	case StatusStuck:
		res.Success = true
		res.Message = manualInterventionMessage
		return res, nil
	case StatusCompleted, StatusFailed:
		res.Message = fmt.Sprintf("Transaction already %s", tx.Status)
		return res, nil
	}

	idle := s.now().Sub(tx.LastUpdated)
	if idle < s.stuckThreshold {
		res.Message = fmt.Sprintf("Transaction progressed %s ago; threshold is %s", idle.Round(time.Second), s.stuckThreshold)
		return res, nil
	}

	prev := tx.Status
	tx.Status = StatusStuck
	tx.ManualInterventionRequired = true
	tx.ErrorMessage = fmt.Sprintf("no progress for %s while %s", idle.Round(time.Minute), prev)
	tx.LastUpdated = s.now()
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to mark transaction stuck: %w", err)
	}
	s.recordTransition(prev, tx)
	metrics.StuckTransactionsTotal.Inc()

	s.logger.Error("CRITICAL: cross-chain transaction stuck, manual intervention required",
		"xct_id", id, "deal_id", tx.DealID, "previous_status", prev, "idle", idle.String(),
		"bridge_tx", tx.BridgeTransactionID)

	res.Success = true
	res.Updated = true
	res.Status = StatusStuck
	res.ManualInterventionRequired = true
	res.Message = manualInterventionMessage
	return res, nil
}

// MarkStuck flags a non-terminal transaction for manual intervention at
// once, for failures no sweep can resolve.
func (s *Service) MarkStuck(ctx context.Context, id, reason string) (*Transaction, error) {
	var prev Status
	tx, err := s.mutate(ctx, id, func(tx *Transaction) error {
		if tx.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, tx.Status)
		}
		prev = tx.Status
		tx.Status = StatusStuck
		tx.ManualInterventionRequired = true
		tx.ErrorMessage = reason
		tx.LastUpdated = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordTransition(prev, tx)
	metrics.StuckTransactionsTotal.Inc()
	s.logger.Error("CRITICAL: cross-chain transaction stuck, manual intervention required",
		"xct_id", id, "deal_id", tx.DealID, "previous_status", prev, "reason", reason)
	return tx, nil
}

// Authorize records the on-chain transaction that released the funds this
// transfer moves. StartTransfer refuses unauthorized transactions.
func (s *Service) Authorize(ctx context.Context, id, txHash string) (*Transaction, error) {
	return s.mutate(ctx, id, func(tx *Transaction) error {
		if tx.Status != StatusPrepared {
			return fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, tx.Status)
		}
		if tx.AuthorizedAt != nil {
			return nil
		}
		now := s.now()
		tx.AuthorizedAt = &now
		tx.AuthorizationTxHash = txHash
		return nil
	})
}

// StartTransfer submits the persisted route (or completes a direct
// transfer with the authorizing hash) and records the bridge execution.
func (s *Service) StartTransfer(ctx context.Context, id string) (*Transaction, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusPrepared {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, tx.Status)
	}
	if tx.AuthorizedAt == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthorized, id)
	}

	prev := tx.Status
	if direct := tx.StepFor(ActionDirectTransfer); direct != nil {
		hash := tx.AuthorizationTxHash
		if hash == "" {
			hash = stepHash(id, direct.StepNumber)
		}
		s.completeStep(tx, direct.StepNumber, hash)
	} else {
		if tx.Route == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoRoute, id)
		}
		initiate := tx.StepFor(ActionInitiateBridge)
		if initiate == nil || !tx.ready(initiate.StepNumber) {
			return nil, fmt.Errorf("%w: %s has no pending bridge initiation", ErrInvalidStatus, id)
		}

		ctx, span := traces.StartSpan(ctx, "crosschain.StartTransfer", traces.CrossChainTxID(id), traces.DealID(tx.DealID))
		exec, err := s.bridge.Execute(ctx, tx.Route, tx.DealID)
		traces.End(span, err)
		if err != nil {
			tx.ErrorMessage = err.Error()
			if uerr := s.store.Update(ctx, tx); uerr != nil {
				s.logger.Warn("failed to record bridge submission error", "xct_id", id, "error", uerr)
			}
			return nil, err
		}
		tx.BridgeTransactionID = exec.ExecutionID
		if exec.Provider != "" {
			tx.BridgeProvider = exec.Provider
		}
		tx.IsMock = tx.IsMock || exec.IsMock
		tx.ErrorMessage = ""
		hash := exec.TransactionHash
		if hash == "" {
			hash = stepHash(id, initiate.StepNumber)
		}
		s.completeStep(tx, initiate.StepNumber, hash)
	}

	if err := s.store.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record transfer start: %w", err)
	}
	s.recordTransition(prev, tx)
	s.logger.Info("cross-chain transfer started",
		"xct_id", id, "deal_id", tx.DealID, "bridge_tx", tx.BridgeTransactionID, "status", tx.Status)
	return tx, nil
}

// Abandon fails a prepared transaction whose on-chain side never happened.
func (s *Service) Abandon(ctx context.Context, id, reason string) (*Transaction, error) {
	var prev Status
	tx, err := s.mutate(ctx, id, func(tx *Transaction) error {
		if tx.Status != StatusPrepared {
			return fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, tx.Status)
		}
		prev = tx.Status
		for i := range tx.Steps {
			if tx.Steps[i].Status == StepPending {
				tx.Steps[i].Status = StepFailed
				break
			}
		}
		tx.Status = StatusFailed
		tx.ErrorMessage = reason
		tx.LastUpdated = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordTransition(prev, tx)
	s.logger.Warn("cross-chain transaction abandoned", "xct_id", id, "deal_id", tx.DealID, "reason", reason)
	return tx, nil
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByDeal returns every transaction for a deal, oldest first.
func (s *Service) ListByDeal(ctx context.Context, dealID string) ([]*Transaction, error) {
	return s.store.ListByDeal(ctx, dealID)
}

// ListByStatus returns up to limit transactions in status.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	return s.store.ListByStatus(ctx, status, limit)
}

// ListStale returns non-terminal transactions idle past the stuck threshold.
func (s *Service) ListStale(ctx context.Context, limit int) ([]*Transaction, error) {
	return s.store.ListStale(ctx, s.now().Add(-s.stuckThreshold), limit)
}

// Progress returns the completed percentage of a transaction.
func (s *Service) Progress(ctx context.Context, id string) (int, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return tx.Progress(), nil
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*Transaction) error) (*Transaction, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Service) recordTransition(prev Status, tx *Transaction) {
	if prev != tx.Status {
		metrics.CrossChainTransitionsTotal.WithLabelValues(string(tx.Status)).Inc()
	}
}

// stepHash derives a stable placeholder hash for a step completed without
// an explicit transaction hash.
func stepHash(id string, step int) string {
	return crypto.Keccak256Hash([]byte("xct:" + id + ":step:" + strconv.Itoa(step))).Hex()
}
