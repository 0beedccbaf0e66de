package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsLabelsByRouteTemplate(t *testing.T) {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_requests_total", Help: "test"},
		[]string{"endpoint", "status"},
	)

	r := mux.NewRouter()
	r.Use(Metrics(counter))
	r.HandleFunc("/api/email/track/click/{emailId}/{linkId}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusFound)
	})

	for _, path := range []string{
		"/api/email/track/click/email_a/link_1",
		"/api/email/track/click/email_b/link_2",
	} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusFound, rr.Code)
	}

	// distinct paths must collapse into the one template series
	got := testutil.ToFloat64(counter.WithLabelValues("/api/email/track/click/{emailId}/{linkId}", "302"))
	require.Equal(t, 2.0, got)
	require.Equal(t, 1, testutil.CollectAndCount(counter))
}

func TestMetricsRecordsHandlerStatus(t *testing.T) {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_status_total", Help: "test"},
		[]string{"endpoint", "status"},
	)

	r := mux.NewRouter()
	r.Use(Metrics(counter))
	r.HandleFunc("/boom", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))

	got := testutil.ToFloat64(counter.WithLabelValues("/boom", "502"))
	require.Equal(t, 1.0, got)
}
