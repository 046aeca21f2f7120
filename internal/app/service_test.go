package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/shrimpsizemoose/markgate/internal/models"
	"github.com/shrimpsizemoose/markgate/internal/store/sqlite"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) kinds() []NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NotificationKind, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Kind)
	}
	return out
}

type testService struct {
	*Service
	notes *recordingNotifier
	now   time.Time
	key   models.SheetKey
}

func (ts *testService) advance(d time.Duration) {
	ts.now = ts.now.Add(d)
}

func setupService(t *testing.T) (*testService, func()) {
	st, err := sqlite.NewSQLiteStore(":memory:", "../../migrations")
	require.NoError(t, err, "Failed to create store")

	config := &Config{}
	config.Server.Port = ":0"

	notes := &recordingNotifier{}
	service, err := NewServiceWith(config, st, nil, notes)
	require.NoError(t, err)

	ts := &testService{
		Service: service,
		notes:   notes,
		now:     time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		key:     models.SheetKey{Assessment: models.KindSSA1, Subject: "CS3401"},
	}
	service.Now = func() time.Time { return ts.now }

	return ts, func() {
		require.NoError(t, st.Close())
	}
}

func marks(totals ...interface{}) models.Sheet {
	var s models.Sheet
	for i, v := range totals {
		row := models.StudentMarkRow{
			StudentID:  string(rune('a' + i)),
			RegisterNo: string(rune('A' + i)),
			Name:       "student",
		}
		if f, ok := v.(float64); ok {
			row.Total = null.Float64From(f)
		}
		s.Rows = append(s.Rows, row)
	}
	return s
}

func TestPublishClampsAndLocks(t *testing.T) {
	ts, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, ts.Publish(ctx, ts.key, marks(25.0, 12.5, nil), "STF1"))

	published, err := ts.Published(ts.key)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 20, "b": 12.5}, published.Marks)
	assert.Equal(t, "STF1", published.PublishedBy)
	require.NotNil(t, published.PublishedAt)
	assert.True(t, published.PublishedAt.Equal(ts.now))

	lock, err := ts.Lock(ts.key)
	require.NoError(t, err)
	assert.True(t, lock.Exists)
	assert.True(t, lock.IsPublished)
	assert.False(t, lock.EntryOpen)

	err = ts.Publish(ctx, ts.key, marks(10.0), "STF1")
	assert.True(t, errors.Is(err, models.ErrConflict), "republish without approval must conflict, got %v", err)

	err = ts.SaveDraft(ts.key, models.DraftPayload{Sheet: marks(1.0)}, "STF1")
	assert.True(t, errors.Is(err, models.ErrConflict))

	assert.Equal(t, []NotificationKind{NotifyPublished}, ts.notes.kinds())
}

func TestConfirmLockOpensEntryBeforePublish(t *testing.T) {
	ts, cleanup := setupService(t)
	defer cleanup()

	lock, err := ts.Lock(ts.key)
	require.NoError(t, err)
	assert.False(t, lock.Exists)

	max := 18.0
	require.NoError(t, ts.SaveConfigOverride(ts.key, models.ConfigOverride{MaxTotal: &max}, "STF1"))

	lock, err = ts.ConfirmLock(ts.key, "STF1")
	require.NoError(t, err)
	assert.True(t, lock.MarkManagerLocked)
	assert.True(t, lock.EntryOpen)
	assert.False(t, lock.IsPublished)

	err = ts.SaveConfigOverride(ts.key, models.ConfigOverride{MaxTotal: &max}, "STF1")
	assert.True(t, errors.Is(err, models.ErrConflict))

	cfg, _, err := ts.ResolveConfig(ts.key)
	require.NoError(t, err)
	assert.Equal(t, 18.0, cfg.MaxTotal)
}

func TestMarkEntryApprovalReopensPublishedSheet(t *testing.T) {
	ts, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, ts.Publish(ctx, ts.key, marks(10.0), "STF1"))

	in := models.EditRequestInput{Key: ts.key, Scope: models.ScopeMarkEntry, Reason: "typo in row 3"}
	req, err := ts.CreateEditRequest(ctx, in, "STF1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, req.Status)

	_, err = ts.CreateEditRequest(ctx, in, "STF1")
	assert.True(t, errors.Is(err, models.ErrConflict), "second pending request must conflict")

	pending, err := ts.PendingEditRequests()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	reviewed, err := ts.ReviewEditRequest(ctx, req.ID, true, "HOD", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, reviewed.Status)
	assert.True(t, reviewed.IsActive)

	lock, err := ts.Lock(ts.key)
	require.NoError(t, err)
	assert.True(t, lock.EntryOpen)

	window, err := ts.EditWindow(ts.key, models.ScopeMarkEntry)
	require.NoError(t, err)
	assert.True(t, window.AllowedByApproval)
	require.NotNil(t, window.ApprovalUntil)
	assert.True(t, window.ApprovalUntil.Equal(ts.now.Add(time.Hour)))

	require.NoError(t, ts.SaveDraft(ts.key, models.DraftPayload{Sheet: marks(12.0)}, "STF1"))

	ts.advance(time.Minute)
	require.NoError(t, ts.Publish(ctx, ts.key, marks(12.0), "STF1"))

	lock, err = ts.Lock(ts.key)
	require.NoError(t, err)
	assert.False(t, lock.EntryOpen, "publishing consumes the approval")

	window, err = ts.EditWindow(ts.key, models.ScopeMarkEntry)
	require.NoError(t, err)
	assert.False(t, window.AllowedByApproval)

	_, err = ts.ReviewEditRequest(ctx, req.ID, true, "HOD", time.Hour)
	assert.True(t, errors.Is(err, models.ErrConflict), "reviewing twice must conflict")

	assert.Equal(t, []NotificationKind{
		NotifyPublished, NotifyEditRequested, NotifyRequestReviewed, NotifyPublished,
	}, ts.notes.kinds())
}

func TestMarkManagerApprovalExpiry(t *testing.T) {
	ts, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := ts.ConfirmLock(ts.key, "STF1")
	require.NoError(t, err)

	req, err := ts.CreateEditRequest(ctx, models.EditRequestInput{
		Key: ts.key, Scope: models.ScopeMarkManager, Reason: "wrong BTLs",
	}, "STF1")
	require.NoError(t, err)

	_, err = ts.ReviewEditRequest(ctx, req.ID, true, "HOD", 30*time.Minute)
	require.NoError(t, err)

	lock, err := ts.Lock(ts.key)
	require.NoError(t, err)
	assert.False(t, lock.MarkManagerLocked)
	assert.False(t, lock.EntryOpen)

	n, err := ts.ExpireApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ts.advance(31 * time.Minute)
	n, err = ts.ExpireApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lock, err = ts.Lock(ts.key)
	require.NoError(t, err)
	assert.True(t, lock.MarkManagerLocked)
	assert.True(t, lock.EntryOpen)

	latest, err := ts.LatestEditRequest(ts.key, models.ScopeMarkManager, "STF1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, models.StatusExpired, latest.Status)

	assert.Contains(t, ts.notes.kinds(), NotifyApprovalExpired)
}

func TestMarkManagerApprovalAllowsRepublish(t *testing.T) {
	ts, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := ts.ConfirmLock(ts.key, "STF1")
	require.NoError(t, err)
	require.NoError(t, ts.Publish(ctx, ts.key, marks(10.0), "STF1"))

	err = ts.Publish(ctx, ts.key, marks(11.0), "STF1")
	require.True(t, errors.Is(err, models.ErrConflict), "got %v", err)

	req, err := ts.CreateEditRequest(ctx, models.EditRequestInput{
		Key: ts.key, Scope: models.ScopeMarkManager, Reason: "wrong BTLs",
	}, "STF1")
	require.NoError(t, err)
	_, err = ts.ReviewEditRequest(ctx, req.ID, true, "HOD", time.Hour)
	require.NoError(t, err)

	lock, err := ts.Lock(ts.key)
	require.NoError(t, err)
	assert.False(t, lock.MarkManagerLocked)
	assert.True(t, lock.EntryOpen, "a mark-manager approval reopens a published sheet")

	require.NoError(t, ts.SaveDraft(ts.key, models.DraftPayload{Sheet: marks(11.0), SelectedBTLs: []int{3}}, "STF1"))

	ts.advance(time.Minute)
	require.NoError(t, ts.Publish(ctx, ts.key, marks(11.0), "STF1"))

	published, err := ts.Published(ts.key)
	require.NoError(t, err)
	assert.Equal(t, 11.0, published.Marks["a"])

	lock, err = ts.Lock(ts.key)
	require.NoError(t, err)
	assert.False(t, lock.EntryOpen)
	assert.True(t, lock.MarkManagerLocked)

	window, err := ts.EditWindow(ts.key, models.ScopeMarkManager)
	require.NoError(t, err)
	assert.False(t, window.AllowedByApproval, "publishing consumes the approval")

	draft, err := ts.Draft(ts.key)
	require.NoError(t, err)
	require.NotNil(t, draft)
	assert.Equal(t, []int{3}, draft.SelectedBTLs)
	assert.Equal(t, 11.0, draft.Sheet.Rows[0].Total.Float64)
}

func TestMarkManagerApprovalExpiryClosesPublishedEntry(t *testing.T) {
	ts, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	_, err := ts.ConfirmLock(ts.key, "STF1")
	require.NoError(t, err)
	require.NoError(t, ts.Publish(ctx, ts.key, marks(10.0), "STF1"))

	req, err := ts.CreateEditRequest(ctx, models.EditRequestInput{
		Key: ts.key, Scope: models.ScopeMarkManager, Reason: "wrong BTLs",
	}, "STF1")
	require.NoError(t, err)
	_, err = ts.ReviewEditRequest(ctx, req.ID, true, "HOD", 30*time.Minute)
	require.NoError(t, err)

	ts.advance(31 * time.Minute)
	n, err := ts.ExpireApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lock, err := ts.Lock(ts.key)
	require.NoError(t, err)
	assert.False(t, lock.EntryOpen)
	assert.True(t, lock.MarkManagerLocked)

	err = ts.SaveDraft(ts.key, models.DraftPayload{Sheet: marks(12.0)}, "STF1")
	assert.True(t, errors.Is(err, models.ErrConflict), "got %v", err)
}

func TestReviewUnknownRequest(t *testing.T) {
	ts, cleanup := setupService(t)
	defer cleanup()

	_, err := ts.ReviewEditRequest(context.Background(), "missing", true, "HOD", 0)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = ts.ReviewPublishRequest(context.Background(), "missing", false, "HOD", 0)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPublishWindow(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, ts *testService)
		wantErr error
	}{
		{
			name:  "no due date",
			setup: func(t *testing.T, ts *testService) {},
		},
		{
			name: "before due",
			setup: func(t *testing.T, ts *testService) {
				due := ts.now.Add(time.Hour)
				require.NoError(t, ts.SetDueAt(ts.key, &due))
			},
		},
		{
			name: "after due",
			setup: func(t *testing.T, ts *testService) {
				due := ts.now.Add(-time.Hour)
				require.NoError(t, ts.SetDueAt(ts.key, &due))
			},
			wantErr: models.ErrPermission,
		},
		{
			name: "after due with publish approval",
			setup: func(t *testing.T, ts *testService) {
				due := ts.now.Add(-time.Hour)
				require.NoError(t, ts.SetDueAt(ts.key, &due))
				req, err := ts.CreatePublishRequest(context.Background(), models.PublishRequestInput{
					Key: ts.key, Reason: "was on leave",
				}, "STF1")
				require.NoError(t, err)
				_, err = ts.ReviewPublishRequest(context.Background(), req.ID, true, "HOD", time.Hour)
				require.NoError(t, err)
			},
		},
		{
			name: "after due with rejected request",
			setup: func(t *testing.T, ts *testService) {
				due := ts.now.Add(-time.Hour)
				require.NoError(t, ts.SetDueAt(ts.key, &due))
				req, err := ts.CreatePublishRequest(context.Background(), models.PublishRequestInput{
					Key: ts.key, Reason: "was on leave",
				}, "STF1")
				require.NoError(t, err)
				_, err = ts.ReviewPublishRequest(context.Background(), req.ID, false, "HOD", 0)
				require.NoError(t, err)
			},
			wantErr: models.ErrPermission,
		},
		{
			name: "global open beats due date",
			setup: func(t *testing.T, ts *testService) {
				due := ts.now.Add(-time.Hour)
				require.NoError(t, ts.SetDueAt(ts.key, &due))
				require.NoError(t, ts.SetPublishControl(true, true, "admin"))
			},
		},
		{
			name: "global lock beats everything",
			setup: func(t *testing.T, ts *testService) {
				require.NoError(t, ts.SetPublishControl(true, false, "admin"))
			},
			wantErr: models.ErrPermission,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, cleanup := setupService(t)
			defer cleanup()

			tt.setup(t, ts)
			err := ts.Publish(context.Background(), ts.key, marks(5.0), "STF1")
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "expected %v, got %v", tt.wantErr, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPublishApprovalIsSpentByPublish(t *testing.T) {
	ts, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	due := ts.now.Add(-time.Hour)
	require.NoError(t, ts.SetDueAt(ts.key, &due))

	req, err := ts.CreatePublishRequest(ctx, models.PublishRequestInput{Key: ts.key, Reason: "late roster"}, "STF1")
	require.NoError(t, err)

	_, err = ts.CreatePublishRequest(ctx, models.PublishRequestInput{Key: ts.key, Reason: "late roster"}, "STF1")
	assert.True(t, errors.Is(err, models.ErrConflict))

	_, err = ts.ReviewPublishRequest(ctx, req.ID, true, "HOD", 0)
	require.NoError(t, err)

	window, err := ts.PublishWindow(ts.key)
	require.NoError(t, err)
	assert.True(t, window.AllowedByApproval)
	require.NotNil(t, window.ApprovalUntil)
	assert.True(t, window.ApprovalUntil.Equal(ts.now.Add(2*time.Hour)), "default approval TTL")

	require.NoError(t, ts.Publish(ctx, ts.key, marks(5.0), "STF1"))

	window, err = ts.PublishWindow(ts.key)
	require.NoError(t, err)
	assert.False(t, window.AllowedByApproval)
}

func TestReviewSplitsAreValidated(t *testing.T) {
	ts, cleanup := setupService(t)
	defer cleanup()

	key := models.SheetKey{Assessment: models.KindReview1, Subject: "CS3401"}

	sheet := marks(20.0)
	sheet.COSplits = [][]float64{{10, 2}, {15}}
	err := ts.Publish(context.Background(), key, sheet, "STF1")
	assert.True(t, errors.Is(err, models.ErrValidation), "CO1 splits sum to 12 of 15")

	sheet.COSplits = [][]float64{{10, 5}, {15}}
	assert.NoError(t, ts.Publish(context.Background(), key, sheet, "STF1"))
}

func TestPublishedViewUsesDraftSelection(t *testing.T) {
	ts, cleanup := setupService(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, ts.SaveDraft(ts.key, models.DraftPayload{
		Sheet:        marks(20.0),
		SelectedBTLs: []int{3},
	}, "STF1"))
	require.NoError(t, ts.Publish(ctx, ts.key, marks(20.0), "STF1"))

	rows, cfg, variant, err := ts.PublishedView(ts.key)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.KindSSA1, variant.Kind)
	assert.Equal(t, []int{3}, cfg.VisibleBTLs)
	assert.Equal(t, "100", rows[0].Attainment.TotalPct)
}

func TestStats(t *testing.T) {
	ts, cleanup := setupService(t)
	defer cleanup()

	require.NoError(t, ts.Publish(context.Background(), ts.key, marks(10.0, 20.0), "STF1"))

	stats, err := ts.Stats(false)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Students)
	assert.Equal(t, 15.0, stats[0].Average)
	assert.Nil(t, stats[0].HumanLastPublished)
}
