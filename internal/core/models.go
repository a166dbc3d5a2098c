package core

import (
	"time"
)

type JobStatus string

const (
	StatusScheduled JobStatus = "scheduled"
	StatusSent      JobStatus = "sent"
	StatusCancelled JobStatus = "cancelled"
	StatusFailed    JobStatus = "failed"
)

// Job is a single scheduled outbound message. Status moves one way:
// scheduled -> sent | cancelled | failed.
type Job struct {
	ID             int64     `json:"id"`
	GroupID        string    `json:"group_id"`
	GroupAlias     string    `json:"group_alias"`
	Body           string    `json:"body"`
	RunAt          time.Time `json:"run_at"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	Status         JobStatus `json:"status"`
	LastError      *string   `json:"last_error,omitempty"`
	CorrelationKey string    `json:"correlation_key"`
	TaskRef        *string   `json:"task_ref,omitempty"`
}

// Group maps an owner-chosen alias (stored lowercased) to a WhatsApp
// destination id.
type Group struct {
	ID        int64     `json:"id"`
	Alias     string    `json:"alias"`
	GroupID   string    `json:"group_id"`
	GroupName *string   `json:"group_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingSchedule is the armed half of the two-phase flow: the owner has
// configured alias+time and the content text is still to come. At most one
// row per owner; a new configure command overwrites it.
type PendingSchedule struct {
	OwnerID    string    `json:"owner_id"`
	GroupAlias string    `json:"group_alias"`
	RunAt      time.Time `json:"run_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// MessageCorrelation ties a bot-sent message id back to its Job so group
// replies inside the window can be routed to the owner.
type MessageCorrelation struct {
	ID                int64     `json:"id"`
	BotMessageID      string    `json:"bot_message_id"`
	GroupID           string    `json:"group_id"`
	JobID             int64     `json:"job_id"`
	OriginalMessageID *string   `json:"original_message_id,omitempty"`
	WindowExpiresAt   time.Time `json:"window_expires_at"`
	CreatedAt         time.Time `json:"created_at"`
}
