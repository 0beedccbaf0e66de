// Package tracking serves the open pixel, click redirects and unsubscribe
// endpoint referenced from augmented email bodies.
package tracking

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"mailq/internal/augment"
	"mailq/internal/observability"
	"mailq/internal/store"
	"mailq/internal/util"
)

// pixel is a 1x1 transparent GIF. Served on every open request regardless of
// whether recording succeeded; tracking must never break mail rendering.
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type Store interface {
	RecordTrackingEvent(ctx context.Context, in store.TrackingEvent) error
	RecordUnsubscribe(ctx context.Context, email string, now time.Time) error
}

type Handlers struct {
	Store Store
}

func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/api/email/track/open/{emailId}", h.handleOpen).Methods(http.MethodGet)
	r.HandleFunc("/api/email/track/click/{emailId}/{linkId}", h.handleClick).Methods(http.MethodGet)
	r.HandleFunc("/unsubscribe", h.handleUnsubscribe).Methods(http.MethodGet)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handlers) handleOpen(w http.ResponseWriter, r *http.Request) {
	emailID := mux.Vars(r)["emailId"]

	if err := h.Store.RecordTrackingEvent(r.Context(), store.TrackingEvent{
		EmailID:   emailID,
		EventType: "open",
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		Now:       util.NowUTC(),
	}); err != nil {
		slog.Error("record open failed", "err", err, "email_id", emailID)
	} else {
		observability.TrackingEvents.WithLabelValues("open").Inc()
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	_, _ = w.Write(pixel)
}

// handleClick records the click and redirects. A missing url parameter is the
// only hard failure; recording errors still redirect so the link keeps
// working.
func (h *Handlers) handleClick(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	emailID, linkID := vars["emailId"], vars["linkId"]

	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}

	if err := h.Store.RecordTrackingEvent(r.Context(), store.TrackingEvent{
		EmailID:   emailID,
		LinkID:    linkID,
		EventType: "click",
		LinkURL:   target,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		Now:       util.NowUTC(),
	}); err != nil {
		slog.Error("record click failed", "err", err, "email_id", emailID, "link_id", linkID)
	} else {
		observability.TrackingEvents.WithLabelValues("click").Inc()
	}

	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handlers) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}
	email, err := augment.DecodeUnsubscribeToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusBadRequest)
		return
	}

	if err := h.Store.RecordUnsubscribe(r.Context(), util.NormalizeEmail(email), util.NowUTC()); err != nil {
		slog.Error("record unsubscribe failed", "err", err, "email", email)
		http.Error(w, "try again later", http.StatusBadGateway)
		return
	}
	observability.TrackingEvents.WithLabelValues("unsubscribe").Inc()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><h1>Unsubscribed</h1><p>" + email + " will no longer receive these emails.</p></body></html>"))
}
