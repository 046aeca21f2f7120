package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

var testKey = models.SheetKey{Assessment: models.KindSSA1, Subject: "CS3401"}

func TestEditRequestLedger_IsPending(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	ledger := NewEditRequestLedger(func() time.Time { return clock })

	assert.False(t, ledger.IsPending(testKey, models.ScopeMarkEntry))

	ledger.RecordRequest(testKey, &models.EditRequest{
		ID:          "r1",
		Scope:       models.ScopeMarkEntry,
		Status:      models.StatusPending,
		RequestedAt: now,
	})
	assert.True(t, ledger.IsPending(testKey, models.ScopeMarkEntry))
	assert.False(t, ledger.IsPending(testKey, models.ScopeMarkManager))

	clock = now.Add(23 * time.Hour)
	assert.True(t, ledger.IsPending(testKey, models.ScopeMarkEntry))

	clock = now.Add(models.PendingWindow)
	assert.False(t, ledger.IsPending(testKey, models.ScopeMarkEntry))
}

func TestEditRequestLedger_ResolvedIsNotPending(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := NewEditRequestLedger(func() time.Time { return now })

	for _, status := range []models.RequestStatus{models.StatusApproved, models.StatusRejected, models.StatusExpired} {
		ledger.ApplyLatest(testKey, models.ScopeMarkManager, &models.EditRequest{
			Scope:       models.ScopeMarkManager,
			Status:      status,
			RequestedAt: now,
		})
		assert.False(t, ledger.IsPending(testKey, models.ScopeMarkManager), status)
	}
}

func TestEditRequestLedger_NilLatestKeepsLocalRecord(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger := NewEditRequestLedger(func() time.Time { return now })

	ledger.RecordRequest(testKey, &models.EditRequest{Scope: models.ScopeMarkEntry, Status: models.StatusPending, RequestedAt: now})
	ledger.ApplyLatest(testKey, models.ScopeMarkEntry, nil)

	require.NotNil(t, ledger.Latest(testKey, models.ScopeMarkEntry))
	assert.True(t, ledger.IsPending(testKey, models.ScopeMarkEntry))
}

func TestEditRequestLedger_ConsumeStopsFreshness(t *testing.T) {
	until := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	ledger := NewEditRequestLedger(nil)

	ledger.ApplyWindow(testKey, models.ScopeMarkEntry, models.EditWindow{AllowedByApproval: true, ApprovalUntil: &until})
	assert.True(t, ledger.Approval(testKey, models.ScopeMarkEntry).Fresh())

	consumed := ledger.Consume(testKey)
	assert.Equal(t, map[models.Scope]time.Time{models.ScopeMarkEntry: until}, consumed)
	assert.False(t, ledger.Approval(testKey, models.ScopeMarkEntry).Fresh())

	later := until.Add(24 * time.Hour)
	ledger.ApplyWindow(testKey, models.ScopeMarkEntry, models.EditWindow{AllowedByApproval: true, ApprovalUntil: &later})
	assert.True(t, ledger.Approval(testKey, models.ScopeMarkEntry).Fresh())
}

func TestEditRequestLedger_InvalidateWindow(t *testing.T) {
	until := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	ledger := NewEditRequestLedger(nil)

	ledger.ApplyWindow(testKey, models.ScopeMarkManager, models.EditWindow{AllowedByApproval: true, ApprovalUntil: &until})
	ledger.InvalidateWindow(testKey, models.ScopeMarkManager)
	assert.False(t, ledger.Approval(testKey, models.ScopeMarkManager).Fresh())
}

func TestEditRequestLedger_RestoreAndReset(t *testing.T) {
	until := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	ledger := NewEditRequestLedger(nil)

	ledger.RestoreConsumed(testKey, map[models.Scope]time.Time{models.ScopeMarkEntry: until})
	ledger.ApplyWindow(testKey, models.ScopeMarkEntry, models.EditWindow{AllowedByApproval: true, ApprovalUntil: &until})
	assert.False(t, ledger.Approval(testKey, models.ScopeMarkEntry).Fresh())

	ledger.Reset(testKey)
	assert.Equal(t, Approval{}, ledger.Approval(testKey, models.ScopeMarkEntry))
}

func TestMemoryConsumedStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryConsumedStore()
	until := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	rec, err := store.LoadConsumed(ctx, testKey)
	require.NoError(t, err)
	assert.Empty(t, rec)

	require.NoError(t, store.SaveConsumed(ctx, testKey, map[models.Scope]time.Time{models.ScopeMarkManager: until}))
	rec, err = store.LoadConsumed(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, until, rec[models.ScopeMarkManager])

	require.NoError(t, store.ClearConsumed(ctx, testKey))
	rec, err = store.LoadConsumed(ctx, testKey)
	require.NoError(t, err)
	assert.Empty(t, rec)
}
