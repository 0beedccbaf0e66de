package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailq_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailq_enqueue_total", Help: "Queue enqueue results"},
		[]string{"kind", "result"},
	)
	SMTPSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailq_smtp_send_total", Help: "SMTP send outcomes"},
		[]string{"result"},
	)
	SMTPLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "mailq_smtp_send_latency_seconds", Help: "SMTP send latency"},
	)
	Retries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mailq_send_retries_total", Help: "Delivery retry attempts"},
	)
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailq_jobs_processed_total", Help: "Queue jobs by terminal state"},
		[]string{"kind", "state"},
	)
	TrackingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailq_tracking_events_total", Help: "Open/click/unsubscribe events"},
		[]string{"type"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Enqueues, SMTPSend, SMTPLatency, Retries, JobsProcessed, TrackingEvents)
}
