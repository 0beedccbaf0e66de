package delivery

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"mailq/internal/domain"
)

type scriptedSender struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool // recipient -> fail
}

func (s *scriptedSender) SendOne(ctx context.Context, req domain.SendRequest) (domain.DeliveryOutcome, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.To[0])
	s.mu.Unlock()

	if s.fail[req.To[0]] {
		return domain.DeliveryOutcome{
			Status:       domain.StatusFailed,
			Recipients:   req.To,
			ErrorMessage: "rejected",
		}, errors.New("rejected")
	}
	return domain.DeliveryOutcome{
		Status:     domain.StatusSent,
		Recipients: req.To,
		DeliveryID: "d-" + req.To[0],
	}, nil
}

func bulkReqs(n int) []domain.SendRequest {
	reqs := make([]domain.SendRequest, n)
	for i := range reqs {
		reqs[i] = domain.SendRequest{
			To:       []string{"r" + strconv.Itoa(i) + "@example.com"},
			Subject:  "s",
			Body:     "b",
			FormType: "newsletter",
		}
	}
	return reqs
}

func TestSendManyPreservesOrder(t *testing.T) {
	sender := &scriptedSender{}
	d := NewDispatcher(sender, 4, 0)

	reqs := bulkReqs(10)
	outcomes := d.SendMany(context.Background(), reqs, nil)
	if len(outcomes) != 10 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	for i, o := range outcomes {
		if o.DeliveryID != "d-"+reqs[i].To[0] {
			t.Fatalf("outcome %d = %+v", i, o)
		}
	}
}

func TestSendManyFailureIsolatedToItem(t *testing.T) {
	sender := &scriptedSender{fail: map[string]bool{"r3@example.com": true}}
	d := NewDispatcher(sender, 10, 0)

	outcomes := d.SendMany(context.Background(), bulkReqs(10), nil)
	for i, o := range outcomes {
		wantSent := i != 3
		if o.Sent() != wantSent {
			t.Fatalf("outcome %d sent=%v: %+v", i, o.Sent(), o)
		}
	}
}

func TestSendManyDelaysBetweenBatchesOnly(t *testing.T) {
	sender := &scriptedSender{}
	d := NewDispatcher(sender, 10, 50*time.Millisecond)
	var sleeps []time.Duration
	d.Sleep = func(ctx context.Context, dur time.Duration) error {
		sleeps = append(sleeps, dur)
		return nil
	}

	d.SendMany(context.Background(), bulkReqs(25), nil)
	// 3 batches, delay after the first two
	if len(sleeps) != 2 {
		t.Fatalf("sleeps = %v", sleeps)
	}
}

func TestSendManyReportsProgress(t *testing.T) {
	sender := &scriptedSender{}
	d := NewDispatcher(sender, 5, 0)

	var mu sync.Mutex
	var last int
	d.SendMany(context.Background(), bulkReqs(12), func(done, total int) {
		mu.Lock()
		if done > last {
			last = done
		}
		if total != 12 {
			t.Errorf("total = %d", total)
		}
		mu.Unlock()
	})
	if last != 12 {
		t.Fatalf("final progress = %d", last)
	}
}

func TestSendManyCanceledMarksRemainderFailed(t *testing.T) {
	sender := &scriptedSender{}
	d := NewDispatcher(sender, 5, time.Millisecond)
	d.Sleep = func(ctx context.Context, dur time.Duration) error {
		return context.Canceled
	}

	outcomes := d.SendMany(context.Background(), bulkReqs(12), nil)
	for i := 0; i < 5; i++ {
		if !outcomes[i].Sent() {
			t.Fatalf("batch 1 item %d = %+v", i, outcomes[i])
		}
	}
	for i := 5; i < 12; i++ {
		if outcomes[i].Status != domain.StatusFailed {
			t.Fatalf("remainder item %d = %+v", i, outcomes[i])
		}
	}
}
