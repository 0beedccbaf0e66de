// Package queue provides the durable send-job queue and its synchronous
// fallback behind one Submitter interface, so call sites never branch on
// which path is active.
package queue

import (
	"context"
	"time"

	"mailq/internal/domain"
)

type Kind string

const (
	KindSend          Kind = "send"
	KindBulkSend      Kind = "bulk-send"
	KindScheduledSend Kind = "scheduled-send"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

// Job is one unit of queued work: a single send, a bulk send, or a scheduled
// send. Requests holds exactly one element except for bulk jobs.
type Job struct {
	ID       string
	Kind     Kind
	Requests []domain.SendRequest
	Priority int
}

// Status is the observable snapshot of a job.
type Status struct {
	State       State      `json:"state"`
	Progress    int        `json:"progress"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Stats counts jobs per state.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// SubmitResult reports what happened to a submission. Queued is true when the
// job was persisted for a worker; otherwise the send already ran and the
// outcome fields carry its result.
type SubmitResult struct {
	JobID    string
	Queued   bool
	Outcome  *domain.DeliveryOutcome  // inline single sends
	Outcomes []domain.DeliveryOutcome // inline bulk sends
}

// Submitter accepts send work. The durable implementation returns a real job
// ID; the inline fallback performs the send before returning and its job IDs
// are synthetic.
type Submitter interface {
	EnqueueSend(ctx context.Context, req domain.SendRequest) (SubmitResult, error)
	EnqueueBulk(ctx context.Context, reqs []domain.SendRequest) (SubmitResult, error)
	EnqueueScheduled(ctx context.Context, req domain.SendRequest, at time.Time) (SubmitResult, error)
}
