package models

import "time"

// MarkManagerSnapshot is the immutable capture of an AssessmentConfig taken on confirm.
type MarkManagerSnapshot struct {
	ConfigHash              string           `json:"config_hash"`
	LockedAt                time.Time        `json:"locked_at"`
	ApprovalUntilAtLockTime *time.Time       `json:"approval_until_at_lock_time,omitempty"`
	Config                  AssessmentConfig `json:"config"`
}
