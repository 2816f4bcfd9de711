package deals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ListDue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	seed := []*Deal{
		{ID: "late", Status: StatusInFinalApproval, FinalApprovalDeadline: ago(now, 3*time.Hour)},
		{ID: "later", Status: StatusInFinalApproval, FinalApprovalDeadline: ago(now, time.Hour)},
		{ID: "future", Status: StatusInFinalApproval, FinalApprovalDeadline: ago(now, -time.Hour)},
		{ID: "xc", Status: StatusInFinalApproval, IsCrossChain: true, FinalApprovalDeadline: ago(now, time.Hour)},
		{ID: "dispute", Status: StatusInDispute, FinalApprovalDeadline: ago(now, 9*time.Hour), DisputeResolutionDeadline: ago(now, time.Minute)},
		{ID: "nodeadline", Status: StatusInFinalApproval},
	}
	for _, d := range seed {
		d.SmartContractAddress = contractAddr
		require.NoError(t, store.Create(ctx, d))
	}
	require.NoError(t, store.Create(ctx, &Deal{ID: "undeployed", Status: StatusInFinalApproval, FinalApprovalDeadline: ago(now, 5*time.Hour)}))

	due, err := store.ListDue(ctx, DueQuery{Status: StatusInFinalApproval, Before: now})
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "late", due[0].ID)
	assert.Equal(t, "later", due[1].ID)

	due, err = store.ListDue(ctx, DueQuery{Status: StatusInFinalApproval, CrossChain: true, Before: now})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "xc", due[0].ID)

	due, err = store.ListDue(ctx, DueQuery{Status: StatusInDispute, Before: now})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "dispute", due[0].ID)

	due, err = store.ListDue(ctx, DueQuery{Status: StatusInFinalApproval, Before: now, Limit: 1})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "late", due[0].ID)

	due, err = store.ListDue(ctx, DueQuery{Status: StatusInFinalApproval, Before: now, Limit: 1,
		After: CursorOf(due[0], ActionRelease)})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "later", due[0].ID)

	due, err = store.ListDue(ctx, DueQuery{Status: StatusInFinalApproval, Before: now, Limit: 1,
		After: CursorOf(due[0], ActionRelease)})
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.ListDue(ctx, DueQuery{Status: StatusCompleted, Before: now})
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestMemoryStore_UpdateOutcomeOnlyTouchesOutcomeFields(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Create(ctx, &Deal{
		ID: "d1", Status: StatusInFinalApproval, Amount: "100",
		SmartContractAddress: contractAddr, FinalApprovalDeadline: ago(now, time.Hour),
	}))

	changed := &Deal{
		ID: "d1", Status: StatusFundsReleased, Amount: "999", SmartContractAddress: "0xdead",
		AutoReleaseTxHash: "0xabc", LastAutomaticProcessAttempt: &now, UpdatedAt: now,
	}
	require.NoError(t, store.UpdateOutcome(ctx, changed))

	got, err := store.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusFundsReleased, got.Status)
	assert.Equal(t, "0xabc", got.AutoReleaseTxHash)
	assert.Equal(t, "100", got.Amount, "trigger fields are read-only")
	assert.Equal(t, contractAddr, got.SmartContractAddress)
	require.NotNil(t, got.FinalApprovalDeadline, "deadlines are read-only")

	assert.ErrorIs(t, store.UpdateOutcome(ctx, &Deal{ID: "nope"}), ErrDealNotFound)
	_, err = store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrDealNotFound)
}

func TestDeal_Due(t *testing.T) {
	now := time.Now()
	d := &Deal{Status: StatusInDispute, FinalApprovalDeadline: ago(now, time.Hour)}
	assert.False(t, d.Due(now), "dispute uses its own deadline")
	d.DisputeResolutionDeadline = ago(now, time.Second)
	assert.True(t, d.Due(now))
	d.Status = StatusAutoCancellationFailed
	assert.False(t, d.Due(now))
}
