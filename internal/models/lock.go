package models

import "time"

type PublishWindow struct {
	DueAt                *time.Time `json:"due_at"`
	GlobalOverrideActive bool       `json:"global_override_active"`
	GlobalIsOpen         bool       `json:"global_is_open"`
	AllowedByApproval    bool       `json:"allowed_by_approval"`
	ApprovalUntil        *time.Time `json:"approval_until"`
}

// GlobalLocked reports the administrative kill-switch. It vetoes everything else.
func (w PublishWindow) GlobalLocked() bool {
	return w.GlobalOverrideActive && !w.GlobalIsOpen
}

func (w PublishWindow) WithinDue(now time.Time) bool {
	return w.DueAt == nil || !now.After(*w.DueAt)
}

func (w PublishWindow) ApprovalActive(now time.Time) bool {
	return w.AllowedByApproval && w.ApprovalUntil != nil && now.Before(*w.ApprovalUntil)
}

// PublishAllowed is true inside the due window or under an active publish approval.
// An active global override decides on its own.
func (w PublishWindow) PublishAllowed(now time.Time) bool {
	if w.GlobalOverrideActive {
		return w.GlobalIsOpen
	}
	return w.WithinDue(now) || w.ApprovalActive(now)
}

// MarkTableLock is the server-authoritative lock row of a sheet.
type MarkTableLock struct {
	Exists            bool      `json:"exists"`
	IsPublished       bool      `json:"is_published"`
	EntryOpen         bool      `json:"entry_open"`
	MarkManagerLocked bool      `json:"mark_manager_locked"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type EditWindow struct {
	AllowedByApproval bool       `json:"allowed_by_approval"`
	ApprovalUntil     *time.Time `json:"approval_until"`
}
