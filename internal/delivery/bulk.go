package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mailq/internal/domain"
)

// Sender is what the dispatcher needs from the delivery service.
type Sender interface {
	SendOne(ctx context.Context, req domain.SendRequest) (domain.DeliveryOutcome, error)
}

// Dispatcher fans a bulk send out in fixed-size batches. Batches run strictly
// in input order; sends within a batch run concurrently and all settle before
// the next batch starts.
type Dispatcher struct {
	Sender     Sender
	BatchSize  int
	BatchDelay time.Duration

	// overridable in tests
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(sender Sender, batchSize int, batchDelay time.Duration) *Dispatcher {
	if batchSize < 1 {
		batchSize = 10
	}
	return &Dispatcher{
		Sender:     sender,
		BatchSize:  batchSize,
		BatchDelay: batchDelay,
		Sleep:      sleepCtx,
	}
}

// SendMany returns one outcome per request in input order. A failed item
// never aborts its siblings; the inter-batch delay is skipped after the final
// batch. The optional progress callback reports completed items and must be
// safe for concurrent use.
func (d *Dispatcher) SendMany(ctx context.Context, reqs []domain.SendRequest, progress func(done, total int)) []domain.DeliveryOutcome {
	outcomes := make([]domain.DeliveryOutcome, len(reqs))
	total := len(reqs)
	var done atomic.Int64

	for i := 0; i < total; i += d.BatchSize {
		end := i + d.BatchSize
		if end > total {
			end = total
		}

		var wg sync.WaitGroup
		for j := i; j < end; j++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				// the outcome carries any failure; siblings are unaffected
				outcomes[idx], _ = d.Sender.SendOne(ctx, reqs[idx])
				if progress != nil {
					progress(int(done.Add(1)), total)
				}
			}(j)
		}
		wg.Wait()

		if end < total && d.BatchDelay > 0 {
			if err := d.Sleep(ctx, d.BatchDelay); err != nil {
				// context gone: mark the remainder failed and stop
				for j := end; j < total; j++ {
					outcomes[j] = domain.DeliveryOutcome{
						Status:       domain.StatusFailed,
						Recipients:   reqs[j].To,
						ErrorMessage: err.Error(),
						SentAt:       time.Now().UTC(),
					}
				}
				return outcomes
			}
		}
	}
	return outcomes
}
