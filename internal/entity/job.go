package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
)

// Job represents one unit of queued work against a dataset.
type Job struct {
	ID              uuid.UUID           `json:"id"`
	DatasetID       uuid.UUID           `json:"dataset_id"`
	PolicyID        uuid.UUID           `json:"policy_id"`
	Type            constants.JobType   `json:"type"`
	Status          constants.JobStatus `json:"status"`
	Priority        int                 `json:"priority"`
	Progress        int                 `json:"progress"`
	Attempt         int                 `json:"attempt"`
	ErrorMessage    *string             `json:"error_message,omitempty"`
	Partial         bool                `json:"partial"`
	CancelRequested bool                `json:"cancel_requested"`
	CreatedAt       time.Time           `json:"created_at"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	EndedAt         *time.Time          `json:"ended_at,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// JobUpdate lists the mutable fields a status transition may set. Nil fields are left unchanged.
type JobUpdate struct {
	Status          *constants.JobStatus
	Progress        *int
	Attempt         *int
	ErrorMessage    *string
	ClearError      bool
	Partial         *bool
	CancelRequested *bool
	StartedAt       *time.Time
	EndedAt         *time.Time
}
