package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
)

// ErrQueueClosed is returned once a queue stops accepting or handing out work.
var ErrQueueClosed = errors.New("queue closed")

// ErrNoJob is returned by Dequeue when its wait elapsed without work.
var ErrNoJob = errors.New("no job available")

// Job is one queued attempt. Workers load the rest from the job repository.
type Job struct {
	JobID       uuid.UUID         `json:"job_id"`
	DatasetID   uuid.UUID         `json:"dataset_id"`
	PolicyID    uuid.UUID         `json:"policy_id"`
	Type        constants.JobType `json:"type"`
	Attempt     int               `json:"attempt"`
	Priority    int               `json:"priority"`
	SubmittedAt time.Time         `json:"submitted_at"`
	TraceID     string            `json:"trace_id,omitempty"`
}

// Queue hands out jobs highest priority first, oldest first within a priority.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available, the context ends or the queue
	// closes. Implementations may return ErrNoJob after an internal wait.
	Dequeue(ctx context.Context) (Job, error)
	Close() error
}

// priorityBound keeps composed sort scores exact in a float64.
const priorityBound = 100000

func clampPriority(p int) int {
	return max(-priorityBound, min(priorityBound, p))
}
