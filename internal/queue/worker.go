package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mailq/internal/delivery"
	"mailq/internal/domain"
	"mailq/internal/observability"
	"mailq/internal/transport"
)

// Worker drains the redis queue. One goroutine polls and feeds a channel;
// Concurrency goroutines process. MaxAttempts bounds queue-level redrives of
// a whole job, on top of the per-send retry budget inside the delivery
// service.
type Worker struct {
	Queue       *RedisQueue
	Service     *delivery.Service
	Dispatcher  *delivery.Dispatcher
	Concurrency int
	MaxAttempts int
	PollEvery   time.Duration

	// StalledAfter bounds how long a job may sit in the active set before the
	// sweep hands it back to waiting. Zero disables stalled recovery.
	StalledAfter time.Duration

	// overridable in tests
	Backoff func(attempt int) time.Duration
}

func NewWorker(q *RedisQueue, svc *delivery.Service, disp *delivery.Dispatcher, concurrency, maxAttempts int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Worker{
		Queue:       q,
		Service:     svc,
		Dispatcher:  disp,
		Concurrency:  concurrency,
		MaxAttempts:  maxAttempts,
		PollEvery:    time.Second,
		StalledAfter: 5 * time.Minute,
		Backoff:      transport.Backoff,
	}
}

// Run blocks until ctx is canceled. In-flight jobs finish before it returns.
func (w *Worker) Run(ctx context.Context) error {
	jobs := make(chan *Job)

	var wg sync.WaitGroup
	for i := 0; i < w.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				w.process(ctx, job)
			}
		}()
	}

	ticker := time.NewTicker(w.PollEvery)
	defer ticker.Stop()

	lastSweep := time.Now()

poll:
	for {
		if w.StalledAfter > 0 && time.Since(lastSweep) >= w.StalledAfter {
			if n, err := w.Queue.RecoverStalled(ctx, w.StalledAfter); err != nil {
				slog.Error("stalled sweep failed", "err", err)
			} else if n > 0 {
				slog.Warn("recovered stalled jobs", "count", n)
			}
			lastSweep = time.Now()
		}

		job, err := w.Queue.Dequeue(ctx)
		if err != nil {
			slog.Error("dequeue failed", "err", err)
		}
		if job != nil {
			select {
			case jobs <- job:
				continue // drain the backlog without waiting for the tick
			case <-ctx.Done():
				w.release(job)
				break poll
			}
		}

		select {
		case <-ctx.Done():
			break poll
		case <-ticker.C:
		}
	}

	close(jobs)
	wg.Wait()
	return ctx.Err()
}

// release puts a dequeued-but-unprocessed job straight back in the waiting
// set so a restart picks it up.
func (w *Worker) release(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Queue.Release(ctx, job.ID); err != nil {
		slog.Error("release on shutdown failed", "err", err, "job_id", job.ID)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	log := slog.With("job_id", job.ID, "kind", string(job.Kind))

	var err error
	switch job.Kind {
	case KindSend, KindScheduledSend:
		if len(job.Requests) == 0 {
			err = domain.ErrMissingContent
			break
		}
		_, err = w.Service.SendOne(ctx, job.Requests[0])

	case KindBulkSend:
		// item failures land in history per item, the job itself completes
		w.Dispatcher.SendMany(ctx, job.Requests, func(done, total int) {
			if perr := w.Queue.SetProgress(ctx, job.ID, done, total); perr != nil {
				log.Warn("progress update failed", "err", perr)
			}
		})

	default:
		log.Error("unknown job kind, dropping")
		w.fail(ctx, job, "unknown job kind")
		return
	}

	if err == nil {
		if cerr := w.Queue.Complete(ctx, job.ID); cerr != nil {
			log.Error("complete failed", "err", cerr)
		}
		observability.JobsProcessed.WithLabelValues(string(job.Kind), "completed").Inc()
		return
	}

	status, found, serr := w.Queue.JobStatus(ctx, job.ID)
	if serr != nil || !found {
		log.Error("job status lookup failed", "err", serr)
		w.fail(ctx, job, err.Error())
		return
	}

	// attempts counts finished tries; this one has not been recorded yet
	if status.Attempts+1 >= w.MaxAttempts {
		log.Error("job failed permanently", "err", err, "attempts", status.Attempts+1)
		w.fail(ctx, job, err.Error())
		return
	}

	backoff := w.Backoff(status.Attempts + 1)
	log.Warn("job failed, redriving", "err", err, "backoff", backoff)
	if rerr := w.Queue.Requeue(ctx, job.ID, backoff, err.Error()); rerr != nil {
		log.Error("requeue failed", "err", rerr)
	}
	observability.JobsProcessed.WithLabelValues(string(job.Kind), "redriven").Inc()
}

func (w *Worker) fail(ctx context.Context, job *Job, cause string) {
	if err := w.Queue.Fail(ctx, job.ID, cause); err != nil {
		slog.Error("fail mark failed", "err", err, "job_id", job.ID)
	}
	observability.JobsProcessed.WithLabelValues(string(job.Kind), "failed").Inc()
}
