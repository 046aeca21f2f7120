package models

import "time"

// ApproverChat is a chat that receives edit and publish requests for a department.
type ApproverChat struct {
	ChatID          int64     `json:"chat_id"`
	Department      string    `json:"department"`
	Name            string    `json:"name"`
	AssociationTime time.Time `json:"association_time"`
	RegisteredBy    int64     `json:"registered_by"`
}
