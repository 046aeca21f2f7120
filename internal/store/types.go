package store

import (
	"time"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

type DatabaseType string

const (
	DBTypePostgres DatabaseType = "postgres"
	DBTypeSQLite   DatabaseType = "sqlite"
)

// Timestamps are stored as unix seconds.

func unix(t time.Time) int64 { return t.Unix() }

func fromUnix(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}

func fromUnixPtr(sec *int64) *time.Time {
	if sec == nil {
		return nil
	}
	t := fromUnix(*sec)
	return &t
}

type LockRow struct {
	Subject           string `db:"subject"`
	Assessment        string `db:"assessment"`
	IsPublished       bool   `db:"is_published"`
	EntryOpen         bool   `db:"entry_open"`
	MarkManagerLocked bool   `db:"mark_manager_locked"`
	UpdatedAt         int64  `db:"updated_at"`
}

func (r *LockRow) Model() models.MarkTableLock {
	if r == nil {
		return models.MarkTableLock{}
	}
	return models.MarkTableLock{
		Exists:            true,
		IsPublished:       r.IsPublished,
		EntryOpen:         r.EntryOpen,
		MarkManagerLocked: r.MarkManagerLocked,
		UpdatedAt:         fromUnix(r.UpdatedAt),
	}
}

type EditRequestRow struct {
	ID                 string `db:"id"`
	Subject            string `db:"subject"`
	Assessment         string `db:"assessment"`
	Scope              string `db:"scope"`
	Status             string `db:"status"`
	Reason             string `db:"reason"`
	RequestedBy        string `db:"requested_by"`
	TeachingAssignment string `db:"teaching_assignment"`
	RequestedAt        int64  `db:"requested_at"`
	ApprovalUntil      *int64 `db:"approval_until"`
	ReviewedBy         string `db:"reviewed_by"`
	ReviewedAt         *int64 `db:"reviewed_at"`
	ConsumedAt         *int64 `db:"consumed_at"`
}

// Active is an approved, unexpired request that no publish has used yet.
func (r EditRequestRow) Active(now time.Time) bool {
	return r.Status == string(models.StatusApproved) &&
		r.ApprovalUntil != nil && now.Unix() < *r.ApprovalUntil &&
		r.ConsumedAt == nil
}

func (r EditRequestRow) Model(now time.Time) models.EditRequest {
	return models.EditRequest{
		ID:            r.ID,
		Assessment:    r.Assessment,
		Subject:       r.Subject,
		Scope:         models.Scope(r.Scope),
		Status:        models.RequestStatus(r.Status),
		Reason:        r.Reason,
		RequestedBy:   r.RequestedBy,
		RequestedAt:   fromUnix(r.RequestedAt),
		ApprovalUntil: fromUnixPtr(r.ApprovalUntil),
		ReviewedBy:    r.ReviewedBy,
		IsActive:      r.Active(now),
	}
}

type PublishRequestRow struct {
	ID                 string `db:"id"`
	Subject            string `db:"subject"`
	Assessment         string `db:"assessment"`
	Status             string `db:"status"`
	Reason             string `db:"reason"`
	RequestedBy        string `db:"requested_by"`
	TeachingAssignment string `db:"teaching_assignment"`
	RequestedAt        int64  `db:"requested_at"`
	ApprovalUntil      *int64 `db:"approval_until"`
	ReviewedBy         string `db:"reviewed_by"`
	ReviewedAt         *int64 `db:"reviewed_at"`
}

func (r PublishRequestRow) Model() models.PublishRequest {
	return models.PublishRequest{
		ID:            r.ID,
		Assessment:    r.Assessment,
		Subject:       r.Subject,
		Status:        models.RequestStatus(r.Status),
		Reason:        r.Reason,
		RequestedBy:   r.RequestedBy,
		RequestedAt:   fromUnix(r.RequestedAt),
		ApprovalUntil: fromUnixPtr(r.ApprovalUntil),
	}
}

type PublishedMarkRow struct {
	StudentID   string  `db:"student_id"`
	RegisterNo  string  `db:"register_no"`
	Name        string  `db:"name"`
	Total       float64 `db:"total"`
	PublishedAt int64   `db:"published_at"`
	PublishedBy string  `db:"published_by"`
}

type PublishControl struct {
	OverrideActive bool   `db:"override_active"`
	IsOpen         bool   `db:"is_open"`
	UpdatedAt      int64  `db:"updated_at"`
	UpdatedBy      string `db:"updated_by"`
}

type SheetRef struct {
	Subject    string `db:"subject"`
	Assessment string `db:"assessment"`
}

func (r SheetRef) Key() models.SheetKey {
	return models.SheetKey{Assessment: models.AssessmentKind(r.Assessment), Subject: r.Subject}
}

// SheetStat summarises the published totals of one sheet.
type SheetStat struct {
	Subject            string  `db:"subject"`
	Assessment         string  `db:"assessment"`
	Students           int64   `db:"students"`
	Average            float64 `db:"average"`
	Lowest             float64 `db:"lowest"`
	Highest            float64 `db:"highest"`
	LastPublished      int64   `db:"last_published"`
	HumanLastPublished *string `db:"human_last_published"`
}
