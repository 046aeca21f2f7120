package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

func ptrTime(t time.Time) *time.Time { return &t }

func TestApproval_Fresh(t *testing.T) {
	until := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	other := until.Add(time.Hour)

	tests := []struct {
		name     string
		approval Approval
		expected bool
	}{
		{"not allowed", Approval{Until: ptrTime(until)}, false},
		{"allowed without expiry", Approval{Allowed: true}, false},
		{"allowed never consumed", Approval{Allowed: true, Until: ptrTime(until)}, true},
		{"allowed and consumed", Approval{Allowed: true, Until: ptrTime(until), ConsumedUntil: ptrTime(until)}, false},
		{"new approval after consumption", Approval{Allowed: true, Until: ptrTime(other), ConsumedUntil: ptrTime(until)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.approval.Fresh())
		})
	}
}

func TestResolveLockState_UnknownAlwaysBlocks(t *testing.T) {
	open := &models.MarkTableLock{Exists: true, EntryOpen: true, MarkManagerLocked: true}
	fresh := Approval{Allowed: true, Until: ptrTime(time.Now().Add(time.Hour))}

	inputs := []LockInputs{
		{LockFetch: FetchLoading, MarkLock: open, MarkManagerLocked: true},
		{LockFetch: FetchFailed, MarkLock: open, MarkEntryApproval: fresh, MarkManagerApproval: fresh},
		{LockFetch: FetchReady, MarkLock: nil, MarkManagerLocked: true},
		{LockFetch: FetchReady, MarkLock: nil, JustPublished: true, MarkEntryApproval: fresh},
	}

	for i, in := range inputs {
		st := ResolveLockState(in)
		assert.True(t, st.LockStatusUnknown, "case %d", i)
		assert.True(t, st.TableBlocked, "case %d", i)
		assert.True(t, st.MarksEditDisabled, "case %d", i)
	}
}

func TestResolveLockState(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := Approval{Allowed: true, Until: ptrTime(now.Add(time.Hour))}
	consumed := Approval{Allowed: true, Until: ptrTime(now.Add(time.Hour)), ConsumedUntil: ptrTime(now.Add(time.Hour))}

	tests := []struct {
		name     string
		in       LockInputs
		expected LockState
	}{
		{
			name: "draft sheet with server lock open",
			in: LockInputs{
				LockFetch:         FetchReady,
				MarkLock:          &models.MarkTableLock{Exists: true, EntryOpen: true, MarkManagerLocked: true},
				MarkManagerLocked: true,
			},
			expected: LockState{EntryOpen: true},
		},
		{
			name: "draft sheet before confirmation",
			in: LockInputs{
				LockFetch: FetchReady,
				MarkLock:  &models.MarkTableLock{},
			},
			expected: LockState{EntryOpen: true, TableBlocked: true, MarksEditDisabled: true},
		},
		{
			name: "published and locked",
			in: LockInputs{
				LockFetch: FetchReady,
				MarkLock:  &models.MarkTableLock{Exists: true, IsPublished: true, MarkManagerLocked: true},
			},
			expected: LockState{IsPublished: true, PublishedEditLocked: true, TableBlocked: true, MarksEditDisabled: true},
		},
		{
			name: "published with fresh mark entry approval and server entry open",
			in: LockInputs{
				LockFetch:         FetchReady,
				MarkLock:          &models.MarkTableLock{Exists: true, IsPublished: true, EntryOpen: true},
				MarkEntryApproval: fresh,
			},
			expected: LockState{IsPublished: true, MarkEntryApprovedFresh: true, EntryOpen: true},
		},
		{
			name: "fresh approval but server row still closed",
			in: LockInputs{
				LockFetch:         FetchReady,
				MarkLock:          &models.MarkTableLock{Exists: true, IsPublished: true},
				MarkEntryApproval: fresh,
			},
			expected: LockState{IsPublished: true, MarkEntryApprovedFresh: true, EntryOpen: true, TableBlocked: true, MarksEditDisabled: true},
		},
		{
			name: "consumed approval does not reopen",
			in: LockInputs{
				LockFetch:         FetchReady,
				MarkLock:          &models.MarkTableLock{Exists: true, IsPublished: true},
				MarkEntryApproval: consumed,
			},
			expected: LockState{IsPublished: true, PublishedEditLocked: true, TableBlocked: true, MarksEditDisabled: true},
		},
		{
			name: "just published bridges a stale lock",
			in: LockInputs{
				LockFetch:     FetchReady,
				MarkLock:      &models.MarkTableLock{Exists: true, MarkManagerLocked: true},
				JustPublished: true,
			},
			expected: LockState{IsPublished: true, PublishedEditLocked: true, TableBlocked: true, MarksEditDisabled: true},
		},
		{
			name: "global lock vetoes an open table",
			in: LockInputs{
				GlobalLocked:      true,
				LockFetch:         FetchReady,
				MarkLock:          &models.MarkTableLock{Exists: true, EntryOpen: true, MarkManagerLocked: true},
				MarkManagerLocked: true,
			},
			expected: LockState{EntryOpen: true, TableBlocked: true, MarksEditDisabled: true},
		},
		{
			name: "mark manager approval reopens entry",
			in: LockInputs{
				LockFetch:           FetchReady,
				MarkLock:            &models.MarkTableLock{Exists: true, IsPublished: true, EntryOpen: true},
				MarkManagerApproval: fresh,
			},
			expected: LockState{IsPublished: true, MarkManagerApprovedFresh: true, EntryOpen: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ResolveLockState(tt.in))
		})
	}
}

func TestResolveLockState_ConsumedApprovalAfterPublish(t *testing.T) {
	until := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := LockInputs{
		LockFetch:         FetchReady,
		MarkLock:          &models.MarkTableLock{Exists: true, IsPublished: true},
		MarkEntryApproval: Approval{Allowed: true, Until: ptrTime(until)},
	}
	assert.True(t, ResolveLockState(in).EntryOpen)

	in.MarkEntryApproval.ConsumedUntil = ptrTime(until)
	st := ResolveLockState(in)
	assert.False(t, st.EntryOpen)
	assert.True(t, st.PublishedEditLocked)
}

func TestEntryWatcher(t *testing.T) {
	var w entryWatcher
	steps := []struct {
		open   bool
		reload bool
	}{
		{true, false},
		{true, false},
		{false, false},
		{false, false},
		{true, true},
		{true, false},
		{false, false},
		{true, true},
	}
	for i, step := range steps {
		assert.Equal(t, step.reload, w.observe(step.open), "step %d", i)
	}
}

func TestEntryWatcher_FirstOpenDoesNotReload(t *testing.T) {
	var w entryWatcher
	assert.False(t, w.observe(false))
	assert.False(t, w.observe(true))
	assert.False(t, w.observe(false))
	assert.True(t, w.observe(true))
}
