package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailq/internal/domain"
	"mailq/internal/queue"
	"mailq/internal/store"
)

type fakeSubmitter struct {
	res       queue.SubmitResult
	err       error
	lastReqs  []domain.SendRequest
	lastAt    time.Time
	scheduled bool
}

func (f *fakeSubmitter) EnqueueSend(ctx context.Context, req domain.SendRequest) (queue.SubmitResult, error) {
	f.lastReqs = []domain.SendRequest{req}
	return f.res, f.err
}

func (f *fakeSubmitter) EnqueueBulk(ctx context.Context, reqs []domain.SendRequest) (queue.SubmitResult, error) {
	f.lastReqs = reqs
	return f.res, f.err
}

func (f *fakeSubmitter) EnqueueScheduled(ctx context.Context, req domain.SendRequest, at time.Time) (queue.SubmitResult, error) {
	f.lastReqs = []domain.SendRequest{req}
	f.lastAt = at
	f.scheduled = true
	return f.res, f.err
}

type fakeSender struct {
	outcome domain.DeliveryOutcome
	err     error
}

func (f *fakeSender) SendOne(ctx context.Context, req domain.SendRequest) (domain.DeliveryOutcome, error) {
	return f.outcome, f.err
}

type fakeVerifier struct{ err error }

func (f *fakeVerifier) Verify(ctx context.Context) error { return f.err }

type fakeTemplateStore struct {
	templates map[string]store.Template
	created   *store.TemplateInsert
	updated   *store.TemplateUpdate
	deleted   string
	history   store.HistoryPage
	summary   store.AnalyticsSummary
	err       error
}

func (f *fakeTemplateStore) ListTemplates(ctx context.Context, formType string) ([]store.Template, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []store.Template
	for _, t := range f.templates {
		if formType == "" || t.FormType == formType {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTemplateStore) GetTemplate(ctx context.Context, id string) (store.Template, bool, error) {
	t, ok := f.templates[id]
	return t, ok, f.err
}

func (f *fakeTemplateStore) CreateTemplate(ctx context.Context, in store.TemplateInsert) error {
	f.created = &in
	return f.err
}

func (f *fakeTemplateStore) UpdateTemplate(ctx context.Context, id string, in store.TemplateUpdate) (bool, error) {
	if _, ok := f.templates[id]; !ok {
		return false, f.err
	}
	f.updated = &in
	return true, f.err
}

func (f *fakeTemplateStore) DeleteTemplate(ctx context.Context, id string) (bool, error) {
	if _, ok := f.templates[id]; !ok {
		return false, f.err
	}
	f.deleted = id
	return true, f.err
}

func (f *fakeTemplateStore) GetHistory(ctx context.Context, filt store.HistoryFilter) (store.HistoryPage, error) {
	return f.history, f.err
}

func (f *fakeTemplateStore) GetAnalyticsSummary(ctx context.Context, filt store.AnalyticsFilter) (store.AnalyticsSummary, error) {
	return f.summary, f.err
}

func newTestAPI(sub *fakeSubmitter, st *fakeTemplateStore) (*API, http.Handler) {
	if st == nil {
		st = &fakeTemplateStore{templates: map[string]store.Template{}}
	}
	api := &API{
		Queue:   sub,
		Svc:     &fakeSender{outcome: domain.DeliveryOutcome{DeliveryID: "d-1", Status: domain.StatusSent}},
		Checker: &fakeVerifier{},
		Store:   st,
		IDGen:   func() string { return "tpl-fixed" },
	}
	s := New()
	api.Register(s.Mux)
	return api, s.Mux
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func validSend() map[string]any {
	return map[string]any{
		"to":       []string{"a@example.com"},
		"subject":  "hi",
		"body":     "<p>hi</p>",
		"formType": "contact",
	}
}

func TestSendQueuedReturnsJobID(t *testing.T) {
	sub := &fakeSubmitter{res: queue.SubmitResult{JobID: "job_1", Queued: true}}
	_, h := newTestAPI(sub, nil)

	rr := doJSON(t, h, http.MethodPost, "/api/email/send", validSend())
	require.Equal(t, http.StatusAccepted, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, true, body["success"])
	require.Equal(t, "job_1", body["jobId"])
}

func TestSendInlineReturnsDeliveryResult(t *testing.T) {
	sub := &fakeSubmitter{res: queue.SubmitResult{
		JobID:   "inline_1",
		Outcome: &domain.DeliveryOutcome{DeliveryID: "d-9", Status: domain.StatusSent, ElapsedMs: 42, AttemptCount: 1},
	}}
	_, h := newTestAPI(sub, nil)

	rr := doJSON(t, h, http.MethodPost, "/api/email/send", validSend())
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, "d-9", body["messageId"])
	require.Equal(t, float64(42), body["deliveryTime"])
}

func TestSendValidationErrors(t *testing.T) {
	sub := &fakeSubmitter{}
	_, h := newTestAPI(sub, nil)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"no recipients", map[string]any{"subject": "s", "body": "b", "formType": "f"}},
		{"bad address", map[string]any{"to": []string{"not-an-email"}, "subject": "s", "body": "b", "formType": "f"}},
		{"no content", map[string]any{"to": []string{"a@example.com"}, "formType": "f"}},
		{"no form type", map[string]any{"to": []string{"a@example.com"}, "subject": "s", "body": "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, h, http.MethodPost, "/api/email/send", tc.body)
			require.Equal(t, http.StatusBadRequest, rr.Code)
			require.Nil(t, sub.lastReqs)
		})
	}
}

func TestSendTemplateOnlyRequestPassesValidation(t *testing.T) {
	sub := &fakeSubmitter{res: queue.SubmitResult{JobID: "job_2", Queued: true}}
	_, h := newTestAPI(sub, nil)

	rr := doJSON(t, h, http.MethodPost, "/api/email/send", map[string]any{
		"to":         []string{"a@example.com"},
		"templateId": "tpl-1",
		"variables":  map[string]string{"name": "Ada"},
		"formType":   "contact",
	})
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, "tpl-1", sub.lastReqs[0].TemplateID)
}

func TestSendBulkQueued(t *testing.T) {
	sub := &fakeSubmitter{res: queue.SubmitResult{JobID: "job_3", Queued: true}}
	_, h := newTestAPI(sub, nil)

	rr := doJSON(t, h, http.MethodPost, "/api/email/send-bulk", map[string]any{
		"emails": []map[string]any{validSend(), validSend()},
	})
	require.Equal(t, http.StatusAccepted, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, float64(2), body["total"])
	require.Len(t, sub.lastReqs, 2)
}

func TestSendBulkRejectsInvalidItemWithIndex(t *testing.T) {
	sub := &fakeSubmitter{}
	_, h := newTestAPI(sub, nil)

	rr := doJSON(t, h, http.MethodPost, "/api/email/send-bulk", map[string]any{
		"emails": []map[string]any{
			validSend(),
			{"subject": "s", "body": "b", "formType": "f"},
		},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "email 1")
}

func TestSendBulkEmptyRejected(t *testing.T) {
	sub := &fakeSubmitter{}
	_, h := newTestAPI(sub, nil)
	rr := doJSON(t, h, http.MethodPost, "/api/email/send-bulk", map[string]any{"emails": []any{}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestScheduleRequiresTimestamp(t *testing.T) {
	sub := &fakeSubmitter{}
	_, h := newTestAPI(sub, nil)
	rr := doJSON(t, h, http.MethodPost, "/api/email/schedule", validSend())
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSchedulePassesTimeThrough(t *testing.T) {
	sub := &fakeSubmitter{res: queue.SubmitResult{JobID: "job_4", Queued: true}}
	_, h := newTestAPI(sub, nil)

	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	body := validSend()
	body["scheduledAt"] = at.Format(time.RFC3339)
	rr := doJSON(t, h, http.MethodPost, "/api/email/schedule", body)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.True(t, sub.scheduled)
	require.True(t, sub.lastAt.Equal(at))
}

func TestScheduleInlineUnavailable(t *testing.T) {
	sub := &fakeSubmitter{err: domain.ErrQueueUnavailable}
	_, h := newTestAPI(sub, nil)

	body := validSend()
	body["scheduledAt"] = time.Now().Add(time.Hour).Format(time.RFC3339)
	rr := doJSON(t, h, http.MethodPost, "/api/email/schedule", body)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCreateTemplateDerivesVariables(t *testing.T) {
	st := &fakeTemplateStore{templates: map[string]store.Template{}}
	_, h := newTestAPI(&fakeSubmitter{}, st)

	rr := doJSON(t, h, http.MethodPost, "/api/email/templates", map[string]any{
		"name":            "welcome",
		"formType":        "signup",
		"subjectTemplate": "Welcome {{name}}",
		"bodyTemplate":    "<p>Hi {{name}}, your code is {{code}}.</p>",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	require.NotNil(t, st.created)
	require.Equal(t, "tpl-fixed", st.created.ID)
	require.Equal(t, []string{"name", "code"}, st.created.Variables)
}

func TestCreateTemplateValidatesFields(t *testing.T) {
	_, h := newTestAPI(&fakeSubmitter{}, nil)
	rr := doJSON(t, h, http.MethodPost, "/api/email/templates", map[string]any{"name": "x"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetTemplateNotFound(t *testing.T) {
	_, h := newTestAPI(&fakeSubmitter{}, nil)
	rr := doJSON(t, h, http.MethodGet, "/api/email/templates/nope", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUpdateAndDeleteTemplate(t *testing.T) {
	st := &fakeTemplateStore{templates: map[string]store.Template{
		"tpl-1": {ID: "tpl-1", Name: "old", FormType: "signup"},
	}}
	_, h := newTestAPI(&fakeSubmitter{}, st)

	rr := doJSON(t, h, http.MethodPut, "/api/email/templates/tpl-1", map[string]any{
		"name":            "new",
		"formType":        "signup",
		"subjectTemplate": "S {{a}}",
		"bodyTemplate":    "B",
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "new", st.updated.Name)
	require.Equal(t, []string{"a"}, st.updated.Variables)

	rr = doJSON(t, h, http.MethodDelete, "/api/email/templates/tpl-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "tpl-1", st.deleted)

	rr = doJSON(t, h, http.MethodDelete, "/api/email/templates/missing", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	st := &fakeTemplateStore{
		templates: map[string]store.Template{},
		history: store.HistoryPage{
			Entries: []store.HistoryEntry{{ID: "h1", FormType: "contact", Status: "sent"}},
			Page:    1, Limit: 20, Total: 1, TotalPages: 1,
		},
	}
	_, h := newTestAPI(&fakeSubmitter{}, st)

	rr := doJSON(t, h, http.MethodGet, "/api/email/history?form_type=contact&page=1&limit=20", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"total":1`)
}

func TestAnalyticsEndpointRejectsBadDates(t *testing.T) {
	_, h := newTestAPI(&fakeSubmitter{}, nil)
	rr := doJSON(t, h, http.MethodGet, "/api/email/analytics?startDate=tomorrow", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/api/email/analytics?startDate=2026-08-01&endDate=2026-08-29", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestTestConnection(t *testing.T) {
	api, h := newTestAPI(&fakeSubmitter{}, nil)

	rr := doJSON(t, h, http.MethodPost, "/api/email/test-connection", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	api.Checker = &fakeVerifier{err: errors.New("auth failed")}
	rr = doJSON(t, h, http.MethodPost, "/api/email/test-connection", nil)
	require.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestTestSendBypassesQueue(t *testing.T) {
	sub := &fakeSubmitter{}
	_, h := newTestAPI(sub, nil)

	rr := doJSON(t, h, http.MethodPost, "/api/email/test-send", map[string]any{"to": "op@example.com"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Nil(t, sub.lastReqs)
	require.Contains(t, rr.Body.String(), "d-1")
}

type fakeAdmin struct {
	stats  queue.Stats
	status queue.Status
	found  bool
	paused bool
	swept  time.Duration
}

func (f *fakeAdmin) Stats(ctx context.Context) (queue.Stats, error) { return f.stats, nil }
func (f *fakeAdmin) JobStatus(ctx context.Context, id string) (queue.Status, bool, error) {
	return f.status, f.found, nil
}
func (f *fakeAdmin) Pause(ctx context.Context) error  { f.paused = true; return nil }
func (f *fakeAdmin) Resume(ctx context.Context) error { f.paused = false; return nil }
func (f *fakeAdmin) Clean(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.swept = olderThan
	return 7, nil
}

func TestQueueAdminEndpoints(t *testing.T) {
	api, h := newTestAPI(&fakeSubmitter{}, nil)
	admin := &fakeAdmin{stats: queue.Stats{Waiting: 3}, found: true, status: queue.Status{State: queue.StateWaiting}}
	api.Admin = admin

	rr := doJSON(t, h, http.MethodGet, "/api/email/queue/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"waiting":3`)

	rr = doJSON(t, h, http.MethodGet, "/api/email/queue/jobs/job_1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/api/email/queue/pause", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, admin.paused)

	rr = doJSON(t, h, http.MethodPost, "/api/email/queue/resume", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.False(t, admin.paused)

	rr = doJSON(t, h, http.MethodPost, "/api/email/queue/clean", map[string]any{"olderThanMs": 60000})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, time.Minute, admin.swept)
	require.Contains(t, rr.Body.String(), `"removed":7`)
}

func TestQueueAdminUnavailableWithoutRedis(t *testing.T) {
	_, h := newTestAPI(&fakeSubmitter{}, nil)
	for _, path := range []string{"/api/email/queue/stats", "/api/email/queue/jobs/x"} {
		rr := doJSON(t, h, http.MethodGet, path, nil)
		require.Equal(t, http.StatusServiceUnavailable, rr.Code, path)
		require.True(t, strings.Contains(rr.Body.String(), ErrNoQueue))
	}
}
