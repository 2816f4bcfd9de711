//go:build integration

package crosschain

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/bridge"
	"github.com/mbd888/escrowd/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tx := &Transaction{
		ID: "xct_pg_1", DealID: "deal_1", Purpose: PurposeRelease, Status: StatusPrepared,
		SourceChain: "sepolia", TargetChain: "polygon",
		FromAddress: buyer, ToAddress: seller, Amount: "2500000", TokenAddress: usdc,
		BridgeProvider: "lifi",
		Route: &bridge.Route{ID: "route-1", Provider: "lifi", Tools: []string{"stargate"},
			FeeUSD: decimal.RequireFromString("0.75"), Hops: 1},
		CreatedAt: now, LastUpdated: now,
		Steps: []Step{
			{StepNumber: 1, Action: ActionInitiateBridge, Status: StepPending, Description: "initiate"},
			{StepNumber: 2, Action: ActionMonitorBridge, Status: StepPending, Description: "monitor"},
			{StepNumber: 3, Action: ActionConfirmReceipt, Status: StepPending, Description: "confirm"},
		},
	}
	require.NoError(t, store.Create(ctx, tx))

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, ActionMonitorBridge, got.Steps[1].Action)
	require.NotNil(t, got.Route)
	assert.Equal(t, []string{"stargate"}, got.Route.Tools)
	assert.True(t, got.Route.FeeUSD.Equal(decimal.RequireFromString("0.75")))

	done := now.Add(time.Minute)
	got.Status = StatusInProgress
	got.BridgeTransactionID = "exec-1"
	got.AuthorizedAt = &now
	got.Steps[0].Status = StepCompleted
	got.Steps[0].TxHash = "0xaaa"
	got.Steps[0].CompletedAt = &done
	got.LastUpdated = done
	require.NoError(t, store.Update(ctx, got))

	again, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, again.Status)
	assert.Equal(t, "exec-1", again.BridgeTransactionID)
	assert.Equal(t, StepCompleted, again.Steps[0].Status)
	assert.Equal(t, "0xaaa", again.Steps[0].TxHash)
	require.NotNil(t, again.AuthorizedAt)

	byDeal, err := store.ListByDeal(ctx, "deal_1")
	require.NoError(t, err)
	require.Len(t, byDeal, 1)
	assert.Len(t, byDeal[0].Steps, 3)

	inProgress, err := store.ListByStatus(ctx, StatusInProgress, 10)
	require.NoError(t, err)
	assert.Len(t, inProgress, 1)

	stale, err := store.ListStale(ctx, done.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
	stale, err = store.ListStale(ctx, done.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	_, err = store.Get(ctx, "xct_missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	assert.ErrorIs(t, store.Update(ctx, &Transaction{ID: "xct_missing"}), ErrTransactionNotFound)
}
