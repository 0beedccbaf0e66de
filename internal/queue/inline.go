package queue

import (
	"context"
	"fmt"
	"time"

	"mailq/internal/delivery"
	"mailq/internal/domain"
	"mailq/internal/observability"
	"mailq/internal/util"
)

// InlineQueue processes sends synchronously in the caller's request. It keeps
// the service usable when redis is unreachable, at the cost of durability and
// scheduling.
type InlineQueue struct {
	Service    *delivery.Service
	Dispatcher *delivery.Dispatcher
}

func NewInlineQueue(svc *delivery.Service, disp *delivery.Dispatcher) *InlineQueue {
	return &InlineQueue{Service: svc, Dispatcher: disp}
}

func (q *InlineQueue) EnqueueSend(ctx context.Context, req domain.SendRequest) (SubmitResult, error) {
	outcome, err := q.Service.SendOne(ctx, req)
	q.count(KindSend, err)
	return SubmitResult{JobID: "inline_" + util.NewJobID(), Outcome: &outcome}, err
}

func (q *InlineQueue) EnqueueBulk(ctx context.Context, reqs []domain.SendRequest) (SubmitResult, error) {
	outcomes := q.Dispatcher.SendMany(ctx, reqs, nil)
	result := "ok"
	for _, o := range outcomes {
		if !o.Sent() {
			result = "error"
			break
		}
	}
	observability.Enqueues.WithLabelValues(string(KindBulkSend), result).Inc()
	return SubmitResult{JobID: "inline_" + util.NewJobID(), Outcomes: outcomes}, nil
}

// EnqueueScheduled cannot hold a job without a durable queue; a future time
// is rejected rather than silently sent early. Past times send immediately.
func (q *InlineQueue) EnqueueScheduled(ctx context.Context, req domain.SendRequest, at time.Time) (SubmitResult, error) {
	if at.After(time.Now()) {
		q.count(KindScheduledSend, domain.ErrQueueUnavailable)
		return SubmitResult{}, fmt.Errorf("scheduling for %s: %w", at.Format(time.RFC3339), domain.ErrQueueUnavailable)
	}
	outcome, err := q.Service.SendOne(ctx, req)
	q.count(KindScheduledSend, err)
	return SubmitResult{JobID: "inline_" + util.NewJobID(), Outcome: &outcome}, err
}

func (q *InlineQueue) count(kind Kind, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.Enqueues.WithLabelValues(string(kind), result).Inc()
}
