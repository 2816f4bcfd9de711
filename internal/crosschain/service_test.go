package crosschain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/bridge"
	"github.com/mbd888/escrowd/internal/logging"
)

const (
	buyer  = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	seller = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	usdc   = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
)

// fakeBridge scripts coordinator responses.
type fakeBridge struct {
	mu        sync.Mutex
	routeErr  error
	execErr   error
	status    bridge.Status
	statusErr error
	executed  int
	polled    int
}

func (f *fakeBridge) FindRoute(_ context.Context, req bridge.RouteRequest) (*bridge.Route, error) {
	if f.routeErr != nil {
		return nil, f.routeErr
	}
	return &bridge.Route{
		ID: "route-1", Provider: "lifi", SourceNetwork: req.SourceNetwork, TargetNetwork: req.TargetNetwork,
		FromAmount: req.Amount, FeeUSD: decimal.RequireFromString("0.75"), Hops: 1,
	}, nil
}

func (f *fakeBridge) Execute(context.Context, *bridge.Route, string) (*bridge.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed++
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &bridge.Execution{ExecutionID: "exec-1", TransactionHash: "0xsource", Status: bridge.StatusPending, Provider: "lifi"}, nil
}

func (f *fakeBridge) Status(_ context.Context, id, _ string) (*bridge.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st := f.status
	if st == "" {
		st = bridge.StatusPending
	}
	return &bridge.StatusReport{ExecutionID: id, Status: st, RawStatus: string(st), ReceivingTxHash: "0xdest"}, nil
}

func (f *fakeBridge) IsMock() bool { return false }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(br *fakeBridge) (*Service, *MemoryStore, *clock) {
	store := NewMemoryStore()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(store, br).WithLogger(logging.Discard()).WithClock(clk.Now)
	return svc, store, clk
}

func bridgedRequest() PrepareRequest {
	return PrepareRequest{
		DealID:        "deal_1",
		Purpose:       PurposeRelease,
		FromAddress:   buyer,
		ToAddress:     seller,
		Amount:        "2500000",
		TokenAddress:  usdc,
		SourceNetwork: "sepolia",
		TargetNetwork: "polygon",
	}
}

func TestPrepare_BridgedHasThreeSteps(t *testing.T) {
	svc, _, _ := newTestService(&fakeBridge{})

	tx, err := svc.Prepare(context.Background(), bridgedRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusPrepared, tx.Status)
	assert.Equal(t, "lifi", tx.BridgeProvider)
	require.NotNil(t, tx.Route)
	assert.Equal(t, "route-1", tx.Route.ID)
	require.Len(t, tx.Steps, 3)
	assert.Equal(t, []Action{ActionInitiateBridge, ActionMonitorBridge, ActionConfirmReceipt},
		[]Action{tx.Steps[0].Action, tx.Steps[1].Action, tx.Steps[2].Action})
	for i, s := range tx.Steps {
		assert.Equal(t, i+1, s.StepNumber)
		assert.Equal(t, StepPending, s.Status)
	}
	assert.Equal(t, 0, tx.Progress())
}

func TestPrepare_SameNetworkIsDirect(t *testing.T) {
	svc, _, _ := newTestService(&fakeBridge{routeErr: errors.New("must not be called")})

	req := bridgedRequest()
	req.TargetNetwork = "Sepolia"
	tx, err := svc.Prepare(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, tx.Steps, 1)
	assert.Equal(t, ActionDirectTransfer, tx.Steps[0].Action)
	assert.Nil(t, tx.Route)
}

func TestPrepare_Validation(t *testing.T) {
	svc, _, _ := newTestService(&fakeBridge{})
	ctx := context.Background()

	cases := map[string]func(*PrepareRequest){
		"unknown network":   func(r *PrepareRequest) { r.TargetNetwork = "dogechain" },
		"bad from address":  func(r *PrepareRequest) { r.FromAddress = "0x123" },
		"cosmos to on evm":  func(r *PrepareRequest) { r.ToAddress = "cosmos1qqqq" },
		"bad token":         func(r *PrepareRequest) { r.TokenAddress = "usdc" },
		"fractional amount": func(r *PrepareRequest) { r.Amount = "1.5" },
		"missing deal":      func(r *PrepareRequest) { r.DealID = "" },
		"bad purpose":       func(r *PrepareRequest) { r.Purpose = "gift" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := bridgedRequest()
			mutate(&req)
			_, err := svc.Prepare(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestPrepare_RouteErrorPropagates(t *testing.T) {
	svc, store, _ := newTestService(&fakeBridge{routeErr: &bridge.NoRouteError{SourceNetwork: "sepolia", TargetNetwork: "polygon"}})

	_, err := svc.Prepare(context.Background(), bridgedRequest())
	assert.ErrorIs(t, err, bridge.ErrNoRoute)
	txs, _ := store.ListByDeal(context.Background(), "deal_1")
	assert.Empty(t, txs)
}

func TestExecuteStep_ThreeStepCompletion(t *testing.T) {
	svc, _, _ := newTestService(&fakeBridge{})
	ctx := context.Background()
	tx, err := svc.Prepare(ctx, bridgedRequest())
	require.NoError(t, err)

	r1, err := svc.ExecuteStep(ctx, tx.ID, 1, "0xaaa")
	require.NoError(t, err)
	assert.True(t, r1.Success)
	assert.Equal(t, 33, r1.Progress)
	assert.False(t, r1.AllStepsCompleted)
	assert.Equal(t, "Wait for bridge delivery to polygon", r1.NextStep)

	r2, err := svc.ExecuteStep(ctx, tx.ID, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 66, r2.Progress)
	assert.Len(t, r2.TxHash, 66, "generated hash")

	r3, err := svc.ExecuteStep(ctx, tx.ID, 3, "0xccc")
	require.NoError(t, err)
	assert.True(t, r3.AllStepsCompleted)
	assert.Equal(t, 100, r3.Progress)
	assert.Equal(t, "Transaction completed", r3.NextStep)

	got, err := svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.AllStepsCompleted())
	for _, s := range got.Steps {
		assert.NotNil(t, s.CompletedAt)
	}
	assert.Equal(t, "0xaaa", got.Steps[0].TxHash)

	p, err := svc.Progress(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, p)
}

func TestExecuteStep_GeneratedHashIsDeterministic(t *testing.T) {
	assert.Equal(t, stepHash("xct_1", 2), stepHash("xct_1", 2))
	assert.NotEqual(t, stepHash("xct_1", 2), stepHash("xct_1", 3))
}

func TestExecuteStep_OutOfOrderRejected(t *testing.T) {
	svc, store, _ := newTestService(&fakeBridge{})
	ctx := context.Background()
	tx, err := svc.Prepare(ctx, bridgedRequest())
	require.NoError(t, err)

	res, err := svc.ExecuteStep(ctx, tx.ID, 2, "0xbbb")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StepFailed, res.Status)
	assert.Equal(t, "Step not found", res.Error)

	got, _ := store.Get(ctx, tx.ID)
	assert.Equal(t, StepPending, got.Steps[1].Status, "nothing written")
	assert.Equal(t, StatusPrepared, got.Status)

	_, err = svc.ExecuteStep(ctx, tx.ID, 1, "")
	require.NoError(t, err)
	again, err := svc.ExecuteStep(ctx, tx.ID, 1, "")
	require.NoError(t, err)
	assert.Equal(t, "Step not found", again.Error, "completed steps cannot be re-run")

	missing, err := svc.ExecuteStep(ctx, tx.ID, 9, "")
	require.NoError(t, err)
	assert.Equal(t, "Step not found", missing.Error)
}

func TestExecuteStep_UnknownTransaction(t *testing.T) {
	svc, _, _ := newTestService(&fakeBridge{})
	res, err := svc.ExecuteStep(context.Background(), "xct_missing", 1, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StepFailed, res.Status)
	assert.Equal(t, "Transaction not found", res.Error)
}

func TestStartTransfer_RequiresAuthorization(t *testing.T) {
	br := &fakeBridge{}
	svc, _, _ := newTestService(br)
	ctx := context.Background()
	tx, err := svc.Prepare(ctx, bridgedRequest())
	require.NoError(t, err)

	_, err = svc.StartTransfer(ctx, tx.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, 0, br.executed)

	_, err = svc.Authorize(ctx, tx.ID, "0xinit")
	require.NoError(t, err)
	started, err := svc.StartTransfer(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, started.Status)
	assert.Equal(t, "exec-1", started.BridgeTransactionID)
	assert.Equal(t, StepCompleted, started.Steps[0].Status)
	assert.Equal(t, "0xsource", started.Steps[0].TxHash)
	require.NotNil(t, started.AuthorizedAt)

	_, err = svc.StartTransfer(ctx, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Equal(t, 1, br.executed)
}

func TestStartTransfer_BridgeErrorKeepsPrepared(t *testing.T) {
	br := &fakeBridge{execErr: &bridge.BridgeError{Op: "execute", Provider: "lifi", Err: bridge.ErrAggregatorUnavailable}}
	svc, _, _ := newTestService(br)
	ctx := context.Background()
	tx, _ := svc.Prepare(ctx, bridgedRequest())
	_, _ = svc.Authorize(ctx, tx.ID, "0xinit")

	_, err := svc.StartTransfer(ctx, tx.ID)
	assert.ErrorIs(t, err, bridge.ErrAggregatorUnavailable)

	got, _ := svc.Get(ctx, tx.ID)
	assert.Equal(t, StatusPrepared, got.Status)
	assert.Contains(t, got.ErrorMessage, "aggregator unavailable")
}

func TestStartTransfer_Direct(t *testing.T) {
	svc, _, _ := newTestService(&fakeBridge{})
	ctx := context.Background()
	req := bridgedRequest()
	req.TargetNetwork = "sepolia"
	tx, _ := svc.Prepare(ctx, req)
	_, _ = svc.Authorize(ctx, tx.ID, "0xrelease")

	done, err := svc.StartTransfer(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "0xrelease", done.Steps[0].TxHash)
	assert.Equal(t, 100, done.Progress())
}

func startedTx(t *testing.T, svc *Service) *Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := svc.Prepare(ctx, bridgedRequest())
	require.NoError(t, err)
	_, err = svc.Authorize(ctx, tx.ID, "0xinit")
	require.NoError(t, err)
	tx, err = svc.StartTransfer(ctx, tx.ID)
	require.NoError(t, err)
	return tx
}

func TestCheckPendingTransactionStatus(t *testing.T) {
	t.Run("pending writes nothing", func(t *testing.T) {
		br := &fakeBridge{status: bridge.StatusInProgress}
		svc, store, clk := newTestService(br)
		tx := startedTx(t, svc)
		before, _ := store.Get(context.Background(), tx.ID)
		clk.Advance(time.Hour)

		res, err := svc.CheckPendingTransactionStatus(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.False(t, res.Updated)
		assert.Equal(t, bridge.StatusInProgress, res.BridgeStatus)

		after, _ := store.Get(context.Background(), tx.ID)
		assert.Equal(t, before.LastUpdated, after.LastUpdated)
	})

	t.Run("done completes monitoring", func(t *testing.T) {
		br := &fakeBridge{status: bridge.StatusDone}
		svc, _, _ := newTestService(br)
		tx := startedTx(t, svc)

		res, err := svc.CheckPendingTransactionStatus(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.True(t, res.Updated)
		assert.Equal(t, StatusInProgress, res.Status)
		assert.Equal(t, 66, res.Progress)

		got, _ := svc.Get(context.Background(), tx.ID)
		assert.Equal(t, "0xdest", got.Steps[1].TxHash)
		assert.True(t, got.AwaitingReceipt())
	})

	t.Run("failed fails transaction", func(t *testing.T) {
		br := &fakeBridge{status: bridge.StatusFailed}
		svc, _, _ := newTestService(br)
		tx := startedTx(t, svc)

		res, err := svc.CheckPendingTransactionStatus(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.True(t, res.Updated)
		assert.Equal(t, StatusFailed, res.Status)

		got, _ := svc.Get(context.Background(), tx.ID)
		assert.Equal(t, StepFailed, got.Steps[1].Status)
		assert.Contains(t, got.ErrorMessage, "FAILED")
	})

	t.Run("terminal is idempotent", func(t *testing.T) {
		br := &fakeBridge{status: bridge.StatusFailed}
		svc, store, _ := newTestService(br)
		tx := startedTx(t, svc)
		_, err := svc.CheckPendingTransactionStatus(context.Background(), tx.ID)
		require.NoError(t, err)
		snapshot, _ := store.Get(context.Background(), tx.ID)
		polls := br.polled

		for i := 0; i < 3; i++ {
			res, err := svc.CheckPendingTransactionStatus(context.Background(), tx.ID)
			require.NoError(t, err)
			assert.False(t, res.Updated)
		}
		assert.Equal(t, polls, br.polled, "terminal transactions are not polled")
		got, _ := store.Get(context.Background(), tx.ID)
		assert.Equal(t, snapshot, got)
	})

	t.Run("not started", func(t *testing.T) {
		svc, _, _ := newTestService(&fakeBridge{})
		tx, _ := svc.Prepare(context.Background(), bridgedRequest())
		res, err := svc.CheckPendingTransactionStatus(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.False(t, res.Updated)
	})

	t.Run("bridge error surfaces", func(t *testing.T) {
		br := &fakeBridge{}
		svc, _, _ := newTestService(br)
		tx := startedTx(t, svc)
		br.statusErr = &bridge.BridgeError{Op: "status", Provider: "lifi", Err: bridge.ErrAggregatorUnavailable}
		_, err := svc.CheckPendingTransactionStatus(context.Background(), tx.ID)
		assert.True(t, bridge.IsBridgeError(err))
	})

	t.Run("unknown", func(t *testing.T) {
		svc, _, _ := newTestService(&fakeBridge{})
		_, err := svc.CheckPendingTransactionStatus(context.Background(), "xct_nope")
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})
}

func TestHandleStuck_After25Hours(t *testing.T) {
	svc, _, clk := newTestService(&fakeBridge{})
	tx := startedTx(t, svc)
	ctx := context.Background()

	clk.Advance(25 * time.Hour)
	stale, err := svc.ListStale(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	res, err := svc.HandleStuckCrossChainTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Updated)
	assert.True(t, res.ManualInterventionRequired)
	assert.Equal(t, StatusStuck, res.Status)
	assert.Contains(t, res.Message, "Manual intervention required")

	got, _ := svc.Get(ctx, tx.ID)
	assert.Equal(t, StatusStuck, got.Status)
	assert.True(t, got.ManualInterventionRequired)
	assert.Equal(t, StepPending, got.Steps[1].Status, "no progress is fabricated")

	again, err := svc.HandleStuckCrossChainTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.False(t, again.Updated)
}

func TestHandleStuck_Recent(t *testing.T) {
	svc, _, clk := newTestService(&fakeBridge{})
	tx := startedTx(t, svc)

	clk.Advance(23 * time.Hour)
	res, err := svc.HandleStuckCrossChainTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Updated)

	got, _ := svc.Get(context.Background(), tx.ID)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestHandleStuck_TerminalUntouched(t *testing.T) {
	svc, _, clk := newTestService(&fakeBridge{})
	ctx := context.Background()
	req := bridgedRequest()
	req.TargetNetwork = "sepolia"
	tx, _ := svc.Prepare(ctx, req)
	_, _ = svc.Authorize(ctx, tx.ID, "0xrelease")
	_, _ = svc.StartTransfer(ctx, tx.ID)

	clk.Advance(48 * time.Hour)
	res, err := svc.HandleStuckCrossChainTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestAbandon(t *testing.T) {
	svc, _, _ := newTestService(&fakeBridge{})
	ctx := context.Background()
	tx, _ := svc.Prepare(ctx, bridgedRequest())

	got, err := svc.Abandon(ctx, tx.ID, "initiateCrossChainRelease reverted")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, StepFailed, got.Steps[0].Status)

	_, err = svc.Abandon(ctx, tx.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	res, err := svc.ExecuteStep(ctx, tx.ID, 1, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestMarkStuck(t *testing.T) {
	svc, _, _ := newTestService(&fakeBridge{})
	ctx := context.Background()
	tx := startedTx(t, svc)

	got, err := svc.MarkStuck(ctx, tx.ID, "receipt confirmation reverted")
	require.NoError(t, err)
	assert.Equal(t, StatusStuck, got.Status)
	assert.True(t, got.ManualInterventionRequired)
	assert.Equal(t, "receipt confirmation reverted", got.ErrorMessage)

	_, err = svc.MarkStuck(ctx, tx.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestListByDeal(t *testing.T) {
	svc, _, clk := newTestService(&fakeBridge{})
	ctx := context.Background()
	a, _ := svc.Prepare(ctx, bridgedRequest())
	clk.Advance(time.Minute)
	b, _ := svc.Prepare(ctx, bridgedRequest())
	other := bridgedRequest()
	other.DealID = "deal_2"
	_, _ = svc.Prepare(ctx, other)

	txs, err := svc.ListByDeal(ctx, "deal_1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, a.ID, txs[0].ID)
	assert.Equal(t, b.ID, txs[1].ID)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tx := &Transaction{ID: "xct_1", Status: StatusPrepared, Steps: []Step{{StepNumber: 1, Status: StepPending}}}
	require.NoError(t, store.Create(ctx, tx))

	got, _ := store.Get(ctx, "xct_1")
	got.Steps[0].Status = StepCompleted
	got.Status = StatusCompleted

	fresh, _ := store.Get(ctx, "xct_1")
	assert.Equal(t, StepPending, fresh.Steps[0].Status)
	assert.Equal(t, StatusPrepared, fresh.Status)

	assert.ErrorIs(t, store.Update(ctx, &Transaction{ID: "xct_2"}), ErrTransactionNotFound)
}
