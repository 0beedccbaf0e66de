package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"mailq/internal/delivery"
	"mailq/internal/domain"
	"mailq/internal/observability"
)

func newInline(tr *scriptedTransport) *InlineQueue {
	svc := delivery.NewService(tr, nil, nil, nil, 1)
	svc.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return NewInlineQueue(svc, delivery.NewDispatcher(svc, 10, 0))
}

func TestInlineSendRunsSynchronously(t *testing.T) {
	tr := &scriptedTransport{}
	q := newInline(tr)

	res, err := q.EnqueueSend(context.Background(), sendReq("a@example.com", domain.PriorityNormal))
	require.NoError(t, err)
	require.False(t, res.Queued)
	require.True(t, strings.HasPrefix(res.JobID, "inline_"))
	require.NotNil(t, res.Outcome)
	require.True(t, res.Outcome.Sent())
	require.Equal(t, 1, tr.calls)
}

func TestInlineSendSurfacesFailure(t *testing.T) {
	tr := &scriptedTransport{err: rejectErr()}
	q := newInline(tr)

	res, err := q.EnqueueSend(context.Background(), sendReq("a@example.com", domain.PriorityNormal))
	require.Error(t, err)
	require.NotNil(t, res.Outcome)
	require.Equal(t, domain.StatusFailed, res.Outcome.Status)
}

func TestInlineBulkReturnsPerItemOutcomes(t *testing.T) {
	tr := &scriptedTransport{}
	q := newInline(tr)

	res, err := q.EnqueueBulk(context.Background(), []domain.SendRequest{
		sendReq("a@example.com", domain.PriorityNormal),
		sendReq("b@example.com", domain.PriorityNormal),
	})
	require.NoError(t, err)
	require.False(t, res.Queued)
	require.Len(t, res.Outcomes, 2)
	require.Equal(t, 2, tr.calls)
}

func TestInlineBulkCountsItemFailures(t *testing.T) {
	tr := &scriptedTransport{err: rejectErr()}
	q := newInline(tr)

	before := testutil.ToFloat64(observability.Enqueues.WithLabelValues(string(KindBulkSend), "error"))
	res, err := q.EnqueueBulk(context.Background(), []domain.SendRequest{
		sendReq("a@example.com", domain.PriorityNormal),
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	require.Equal(t, domain.StatusFailed, res.Outcomes[0].Status)

	after := testutil.ToFloat64(observability.Enqueues.WithLabelValues(string(KindBulkSend), "error"))
	require.Equal(t, before+1, after)
}

func TestInlineScheduleFutureRejected(t *testing.T) {
	tr := &scriptedTransport{}
	q := newInline(tr)

	_, err := q.EnqueueScheduled(context.Background(), sendReq("a@example.com", domain.PriorityNormal), time.Now().Add(time.Hour))
	require.True(t, errors.Is(err, domain.ErrQueueUnavailable))
	require.Equal(t, 0, tr.calls)
}

func TestInlineSchedulePastSendsNow(t *testing.T) {
	tr := &scriptedTransport{}
	q := newInline(tr)

	res, err := q.EnqueueScheduled(context.Background(), sendReq("a@example.com", domain.PriorityNormal), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, res.Outcome)
	require.True(t, res.Outcome.Sent())
}
