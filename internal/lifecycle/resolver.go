package lifecycle

import (
	"time"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

type FetchStatus int

const (
	FetchLoading FetchStatus = iota
	FetchReady
	FetchFailed
)

func (s FetchStatus) String() string {
	switch s {
	case FetchLoading:
		return "loading"
	case FetchReady:
		return "ready"
	case FetchFailed:
		return "failed"
	}
	return "unknown"
}

// Approval is one scope's edit window as seen by the client, together with the
// approvalUntil recorded as consumed at the last publish.
type Approval struct {
	Allowed       bool
	Until         *time.Time
	ConsumedUntil *time.Time
}

// Fresh is true for an approval with an expiry that was not already used up by a publish.
func (a Approval) Fresh() bool {
	if !a.Allowed || a.Until == nil {
		return false
	}
	return a.ConsumedUntil == nil || !a.Until.Equal(*a.ConsumedUntil)
}

type LockInputs struct {
	GlobalLocked bool

	LockFetch FetchStatus
	MarkLock  *models.MarkTableLock

	JustPublished     bool
	MarkManagerLocked bool

	MarkEntryApproval   Approval
	MarkManagerApproval Approval
}

// LockState is the only thing consumers may use to decide editability.
type LockState struct {
	LockStatusUnknown        bool `json:"lock_status_unknown"`
	IsPublished              bool `json:"is_published"`
	MarkEntryApprovedFresh   bool `json:"mark_entry_approved_fresh"`
	MarkManagerApprovedFresh bool `json:"mark_manager_approved_fresh"`
	EntryOpen                bool `json:"entry_open"`
	PublishedEditLocked      bool `json:"published_edit_locked"`
	TableBlocked             bool `json:"table_blocked"`
	MarksEditDisabled        bool `json:"marks_edit_disabled"`
}

// ResolveLockState derives the lock booleans from the raw signals. An unknown server
// lock always blocks the table.
func ResolveLockState(in LockInputs) LockState {
	var st LockState

	st.LockStatusUnknown = in.LockFetch != FetchReady || in.MarkLock == nil
	st.IsPublished = in.JustPublished || (in.MarkLock != nil && in.MarkLock.Exists && in.MarkLock.IsPublished)

	st.MarkEntryApprovedFresh = in.MarkEntryApproval.Fresh()
	st.MarkManagerApprovedFresh = in.MarkManagerApproval.Fresh()

	serverEntryOpen := in.MarkLock != nil && in.MarkLock.EntryOpen
	st.EntryOpen = !st.IsPublished || serverEntryOpen || st.MarkEntryApprovedFresh || st.MarkManagerApprovedFresh
	st.PublishedEditLocked = st.IsPublished && !st.EntryOpen

	switch {
	case in.GlobalLocked, st.LockStatusUnknown:
		st.TableBlocked = true
	case in.MarkLock != nil:
		st.TableBlocked = !in.MarkLock.EntryOpen
	case st.IsPublished:
		st.TableBlocked = !st.EntryOpen
	default:
		st.TableBlocked = !in.MarkManagerLocked
	}

	st.MarksEditDisabled = in.GlobalLocked || st.PublishedEditLocked || st.TableBlocked
	return st
}
