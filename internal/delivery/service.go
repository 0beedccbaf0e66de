// Package delivery orchestrates one logical send: render, augment, transport
// send with bounded retry, outcome recording.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"mailq/internal/domain"
	"mailq/internal/observability"
	"mailq/internal/store"
	"mailq/internal/transport"
	"mailq/internal/util"
)

type Renderer interface {
	Render(ctx context.Context, templateID string, vars map[string]string) (subject, body string, err error)
}

type Augmenter interface {
	Augment(body, recipient, emailID string) string
}

type Store interface {
	InsertDeliveryLog(ctx context.Context, in store.DeliveryLog) error
	InsertHistory(ctx context.Context, in store.HistoryEntry) error
	InsertAnalytics(ctx context.Context, in store.AnalyticsRow) error
}

// Service owns the transport reference and the retry budget. Construct one at
// startup and inject it everywhere; there is no package-level instance.
type Service struct {
	Transport  transport.Transport
	Renderer   Renderer
	Augmenter  Augmenter
	Store      Store
	MaxRetries int

	// optional outbound protection, set by the queue worker
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	// overridable in tests
	Sleep   func(ctx context.Context, d time.Duration) error
	Backoff func(attempt int) time.Duration
	NewID   func() string
}

func NewService(t transport.Transport, r Renderer, a Augmenter, st Store, maxRetries int) *Service {
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Service{
		Transport:  t,
		Renderer:   r,
		Augmenter:  a,
		Store:      st,
		MaxRetries: maxRetries,
		Sleep:      sleepCtx,
		Backoff:    transport.Backoff,
		NewID:      util.NewEmailID,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SendOne performs one logical send. Rendering and augmentation happen once;
// only the transport send is retried, since both are deterministic. The
// returned error is non-nil exactly when the outcome is failed.
func (s *Service) SendOne(ctx context.Context, req domain.SendRequest) (domain.DeliveryOutcome, error) {
	start := time.Now()

	subject, body := req.Subject, req.Body
	if req.TemplateID != "" {
		var err error
		subject, body, err = s.Renderer.Render(ctx, req.TemplateID, req.Variables)
		if err != nil {
			outcome := s.failed(ctx, req, subject, 0, start, err)
			return outcome, err
		}
	}

	emailID := s.NewID()
	if s.Augmenter != nil && len(req.To) > 0 {
		body = s.Augmenter.Augment(body, req.To[0], emailID)
	}

	msg := transport.Message{
		To:          req.To,
		Cc:          req.Cc,
		Bcc:         req.Bcc,
		Subject:     subject,
		HTMLBody:    body,
		Attachments: req.Attachments,
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= s.MaxRetries; attempt++ {
		attempts = attempt
		if s.Limiter != nil {
			if err := s.Limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		res, err := s.send(ctx, msg)
		if err == nil {
			observability.SMTPSend.WithLabelValues("ok").Inc()
			observability.SMTPLatency.Observe(time.Since(start).Seconds())
			outcome := domain.DeliveryOutcome{
				DeliveryID:   res.DeliveryID,
				Status:       domain.StatusSent,
				Recipients:   req.To,
				AttemptCount: attempt,
				ElapsedMs:    time.Since(start).Milliseconds(),
				SentAt:       res.Timestamp,
			}
			s.record(ctx, req, subject, emailID, outcome)
			return outcome, nil
		}

		lastErr = err
		observability.SMTPSend.WithLabelValues("error").Inc()

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// transient provider protection, surface to the queue's redrive
			break
		}
		if !transport.ShouldRetry(err) {
			break
		}
		if attempt == s.MaxRetries {
			break
		}

		observability.Retries.Inc()
		if err := s.Sleep(ctx, s.Backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	outcome := s.failed(ctx, req, subject, attempts, start, lastErr)
	return outcome, lastErr
}

func (s *Service) send(ctx context.Context, msg transport.Message) (transport.Result, error) {
	if s.Breaker == nil {
		return s.Transport.Send(ctx, msg)
	}
	res, err := s.Breaker.Execute(func() (any, error) {
		return s.Transport.Send(ctx, msg)
	})
	if err != nil {
		return transport.Result{}, err
	}
	return res.(transport.Result), nil
}

func (s *Service) failed(ctx context.Context, req domain.SendRequest, subject string, attempts int, start time.Time, cause error) domain.DeliveryOutcome {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	outcome := domain.DeliveryOutcome{
		Status:       domain.StatusFailed,
		Recipients:   req.To,
		AttemptCount: attempts,
		ElapsedMs:    time.Since(start).Milliseconds(),
		ErrorMessage: msg,
		SentAt:       time.Now().UTC(),
	}
	if subject == "" {
		subject = req.Subject
	}
	s.record(context.WithoutCancel(ctx), req, subject, "", outcome)
	return outcome
}

// record appends the outcome to the delivery log, notification history and
// analytics. Recording failures are logged, never surfaced: the send result
// stands on its own.
func (s *Service) record(ctx context.Context, req domain.SendRequest, subject, emailID string, outcome domain.DeliveryOutcome) {
	if s.Store == nil {
		return
	}
	now := util.NowUTC()

	if err := s.Store.InsertDeliveryLog(ctx, store.DeliveryLog{
		DeliveryID:   outcome.DeliveryID,
		Status:       string(outcome.Status),
		Recipients:   outcome.Recipients,
		DeliveryMs:   outcome.ElapsedMs,
		AttemptCount: outcome.AttemptCount,
		ErrorMessage: outcome.ErrorMessage,
		Now:          now,
	}); err != nil {
		slog.Error("insert delivery log failed", "err", err, "delivery_id", outcome.DeliveryID)
	}

	if err := s.Store.InsertHistory(ctx, store.HistoryEntry{
		ID:           s.NewID(),
		FormType:     req.FormType,
		Recipients:   req.To,
		Subject:      subject,
		Status:       string(outcome.Status),
		ErrorMessage: outcome.ErrorMessage,
		SentAt:       outcome.SentAt,
		CreatedAt:    now,
	}); err != nil {
		slog.Error("insert notification history failed", "err", err, "form_type", req.FormType)
	}

	if err := s.Store.InsertAnalytics(ctx, store.AnalyticsRow{
		EmailID:        emailID,
		FormType:       req.FormType,
		Status:         string(outcome.Status),
		DeliveryMs:     outcome.ElapsedMs,
		RecipientCount: len(req.To),
		Now:            now,
	}); err != nil {
		slog.Error("insert analytics failed", "err", err, "form_type", req.FormType)
	}
}
