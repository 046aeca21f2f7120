package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type Scope string

const (
	ScopeMarkEntry   Scope = "MARK_ENTRY"
	ScopeMarkManager Scope = "MARK_MANAGER"
)

var Scopes = []Scope{ScopeMarkEntry, ScopeMarkManager}

func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeMarkEntry, ScopeMarkManager:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusApproved RequestStatus = "APPROVED"
	StatusRejected RequestStatus = "REJECTED"
	StatusExpired  RequestStatus = "EXPIRED"
)

// PendingWindow is how long a request counts as outstanding on the client,
// whatever the server currently reports.
const PendingWindow = 24 * time.Hour

type EditRequest struct {
	ID            string        `json:"id"`
	Assessment    string        `json:"assessment"`
	Subject       string        `json:"subject"`
	Scope         Scope         `json:"scope"`
	Status        RequestStatus `json:"status"`
	Reason        string        `json:"reason"`
	RequestedBy   string        `json:"requested_by"`
	RequestedAt   time.Time     `json:"requested_at"`
	ApprovalUntil *time.Time    `json:"approval_until,omitempty"`
	ReviewedBy    string        `json:"reviewed_by,omitempty"`
	IsActive      bool          `json:"is_active"`
}

type EditRequestInput struct {
	Key      SheetKey        `json:"key"`
	Scope    Scope           `json:"scope" validate:"required,oneof=MARK_ENTRY MARK_MANAGER"`
	Reason   string          `json:"reason" validate:"required,min=3,max=500"`
	Teaching TeachingContext `json:"teaching"`
}

func (in *EditRequestInput) Validate() error {
	validate := validator.New()
	return validate.Struct(in)
}

type PublishRequest struct {
	ID            string        `json:"id"`
	Assessment    string        `json:"assessment"`
	Subject       string        `json:"subject"`
	Status        RequestStatus `json:"status"`
	Reason        string        `json:"reason"`
	RequestedBy   string        `json:"requested_by"`
	RequestedAt   time.Time     `json:"requested_at"`
	ApprovalUntil *time.Time    `json:"approval_until,omitempty"`
}

type PublishRequestInput struct {
	Key      SheetKey        `json:"key"`
	Reason   string          `json:"reason" validate:"required,min=3,max=500"`
	Teaching TeachingContext `json:"teaching"`
}

func (in *PublishRequestInput) Validate() error {
	validate := validator.New()
	return validate.Struct(in)
}
