package tracking

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailq/internal/augment"
	"mailq/internal/httpapi"
	"mailq/internal/store"
)

type fakeTrackingStore struct {
	events       []store.TrackingEvent
	unsubscribes []string
	err          error
}

func (f *fakeTrackingStore) RecordTrackingEvent(ctx context.Context, in store.TrackingEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, in)
	return nil
}

func (f *fakeTrackingStore) RecordUnsubscribe(ctx context.Context, email string, now time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.unsubscribes = append(f.unsubscribes, email)
	return nil
}

func newHandler(st *fakeTrackingStore) http.Handler {
	s := httpapi.New()
	h := &Handlers{Store: st}
	h.Register(s.Mux)
	return s.Mux
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "203.0.113.9:4242"
	req.Header.Set("User-Agent", "test-client")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestOpenServesPixelAndRecords(t *testing.T) {
	st := &fakeTrackingStore{}
	h := newHandler(st)

	rr := get(h, "/api/email/track/open/email_1")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "image/gif", rr.Header().Get("Content-Type"))
	require.True(t, bytes.HasPrefix(rr.Body.Bytes(), []byte("GIF89a")))

	require.Len(t, st.events, 1)
	ev := st.events[0]
	require.Equal(t, "open", ev.EventType)
	require.Equal(t, "email_1", ev.EmailID)
	require.Equal(t, "203.0.113.9", ev.IPAddress)
	require.Equal(t, "test-client", ev.UserAgent)
}

func TestOpenServesPixelEvenWhenStoreFails(t *testing.T) {
	st := &fakeTrackingStore{err: errors.New("db down")}
	h := newHandler(st)

	rr := get(h, "/api/email/track/open/email_1")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotEmpty(t, rr.Body.Bytes())
}

func TestClickRecordsAndRedirects(t *testing.T) {
	st := &fakeTrackingStore{}
	h := newHandler(st)

	target := "https://example.com/page?x=1"
	rr := get(h, "/api/email/track/click/email_2/link_9?url="+url.QueryEscape(target))
	require.Equal(t, http.StatusFound, rr.Code)
	require.Equal(t, target, rr.Header().Get("Location"))

	require.Len(t, st.events, 1)
	ev := st.events[0]
	require.Equal(t, "click", ev.EventType)
	require.Equal(t, "email_2", ev.EmailID)
	require.Equal(t, "link_9", ev.LinkID)
	require.Equal(t, target, ev.LinkURL)
}

func TestClickRedirectsEvenWhenStoreFails(t *testing.T) {
	st := &fakeTrackingStore{err: errors.New("db down")}
	h := newHandler(st)

	rr := get(h, "/api/email/track/click/email_2/link_9?url=https%3A%2F%2Fexample.com")
	require.Equal(t, http.StatusFound, rr.Code)
	require.Equal(t, "https://example.com", rr.Header().Get("Location"))
}

func TestClickMissingURLRejected(t *testing.T) {
	st := &fakeTrackingStore{}
	h := newHandler(st)

	rr := get(h, "/api/email/track/click/email_2/link_9")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, st.events)
}

func TestUnsubscribeDecodesTokenAndNormalizes(t *testing.T) {
	st := &fakeTrackingStore{}
	h := newHandler(st)

	token := augment.EncodeUnsubscribeToken("  Someone@Example.COM ")
	rr := get(h, "/unsubscribe?token="+url.QueryEscape(token))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{"someone@example.com"}, st.unsubscribes)
}

func TestUnsubscribeBadToken(t *testing.T) {
	st := &fakeTrackingStore{}
	h := newHandler(st)

	rr := get(h, "/unsubscribe?token=%21%21not-base64")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, st.unsubscribes)

	rr = get(h, "/unsubscribe")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestClientIPPrefersForwardedHeader(t *testing.T) {
	st := &fakeTrackingStore{}
	h := newHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/api/email/track/open/email_3", nil)
	req.RemoteAddr = "10.0.0.1:1111"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "198.51.100.7", st.events[0].IPAddress)
}
