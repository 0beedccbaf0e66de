package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"mailq/internal/domain"
	"mailq/internal/queue"
	"mailq/internal/store"
	"mailq/internal/template"
	"mailq/internal/util"
)

type Sender interface {
	SendOne(ctx context.Context, req domain.SendRequest) (domain.DeliveryOutcome, error)
}

type Verifier interface {
	Verify(ctx context.Context) error
}

type TemplateStore interface {
	ListTemplates(ctx context.Context, formType string) ([]store.Template, error)
	GetTemplate(ctx context.Context, id string) (store.Template, bool, error)
	CreateTemplate(ctx context.Context, in store.TemplateInsert) error
	UpdateTemplate(ctx context.Context, id string, in store.TemplateUpdate) (bool, error)
	DeleteTemplate(ctx context.Context, id string) (bool, error)
	GetHistory(ctx context.Context, f store.HistoryFilter) (store.HistoryPage, error)
	GetAnalyticsSummary(ctx context.Context, f store.AnalyticsFilter) (store.AnalyticsSummary, error)
}

// QueueAdmin is the durable queue's management surface. Nil when running on
// the inline fallback; the admin endpoints then answer 503.
type QueueAdmin interface {
	Stats(ctx context.Context) (queue.Stats, error)
	JobStatus(ctx context.Context, id string) (queue.Status, bool, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Clean(ctx context.Context, olderThan time.Duration) (int64, error)
}

type API struct {
	Queue   queue.Submitter
	Admin   QueueAdmin
	Svc     Sender
	Checker Verifier
	Store   TemplateStore
	IDGen   func() string
}

func (a *API) Register(r *mux.Router) {
	s := r.PathPrefix("/api/email").Subrouter()
	s.HandleFunc("/send", a.handleSend).Methods(http.MethodPost)
	s.HandleFunc("/send-bulk", a.handleSendBulk).Methods(http.MethodPost)
	s.HandleFunc("/schedule", a.handleSchedule).Methods(http.MethodPost)
	s.HandleFunc("/templates", a.handleListTemplates).Methods(http.MethodGet)
	s.HandleFunc("/templates", a.handleCreateTemplate).Methods(http.MethodPost)
	s.HandleFunc("/templates/{id}", a.handleGetTemplate).Methods(http.MethodGet)
	s.HandleFunc("/templates/{id}", a.handleUpdateTemplate).Methods(http.MethodPut)
	s.HandleFunc("/templates/{id}", a.handleDeleteTemplate).Methods(http.MethodDelete)
	s.HandleFunc("/history", a.handleHistory).Methods(http.MethodGet)
	s.HandleFunc("/analytics", a.handleAnalytics).Methods(http.MethodGet)
	s.HandleFunc("/test-connection", a.handleTestConnection).Methods(http.MethodPost)
	s.HandleFunc("/test-send", a.handleTestSend).Methods(http.MethodPost)
	s.HandleFunc("/queue/stats", a.handleQueueStats).Methods(http.MethodGet)
	s.HandleFunc("/queue/jobs/{id}", a.handleJobStatus).Methods(http.MethodGet)
	s.HandleFunc("/queue/pause", a.handleQueuePause).Methods(http.MethodPost)
	s.HandleFunc("/queue/resume", a.handleQueueResume).Methods(http.MethodPost)
	s.HandleFunc("/queue/clean", a.handleQueueClean).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req domain.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.Queue.EnqueueSend(r.Context(), req)
	if err != nil {
		slog.Error("send failed", "err", err, "form_type", req.FormType)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if res.Queued {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"queued":  true,
			"jobId":   res.JobID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"queued":       false,
		"messageId":    res.Outcome.DeliveryID,
		"deliveryTime": res.Outcome.ElapsedMs,
		"attempts":     res.Outcome.AttemptCount,
	})
}

func (a *API) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Emails []domain.SendRequest `json:"emails"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	if len(body.Emails) == 0 {
		writeError(w, http.StatusBadRequest, "emails array is required")
		return
	}
	for i, req := range body.Emails {
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "email "+strconv.Itoa(i)+": "+err.Error())
			return
		}
	}

	res, err := a.Queue.EnqueueBulk(r.Context(), body.Emails)
	if err != nil {
		slog.Error("bulk send failed", "err", err, "count", len(body.Emails))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if res.Queued {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success": true,
			"queued":  true,
			"jobId":   res.JobID,
			"total":   len(body.Emails),
		})
		return
	}

	sent := 0
	for _, o := range res.Outcomes {
		if o.Sent() {
			sent++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"queued":  false,
		"total":   len(res.Outcomes),
		"sent":    sent,
		"failed":  len(res.Outcomes) - sent,
		"results": res.Outcomes,
	})
}

func (a *API) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		domain.SendRequest
		ScheduledAt time.Time `json:"scheduledAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	if body.ScheduledAt.IsZero() {
		writeError(w, http.StatusBadRequest, "scheduledAt is required")
		return
	}
	if err := body.SendRequest.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.Queue.EnqueueScheduled(r.Context(), body.SendRequest, body.ScheduledAt)
	if errors.Is(err, domain.ErrQueueUnavailable) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		slog.Error("schedule failed", "err", err, "form_type", body.FormType)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if res.Queued {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success":     true,
			"queued":      true,
			"scheduleId":  res.JobID,
			"scheduledAt": body.ScheduledAt,
		})
		return
	}
	// past schedule on the inline path sends immediately
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"queued":       false,
		"messageId":    res.Outcome.DeliveryID,
		"deliveryTime": res.Outcome.ElapsedMs,
	})
}

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListTemplates(r.Context(), r.URL.Query().Get("form_type"))
	if err != nil {
		slog.Error("list templates failed", "err", err)
		writeError(w, http.StatusBadGateway, ErrDependency)
		return
	}
	if list == nil {
		list = []store.Template{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": list})
}

type templateBody struct {
	Name            string `json:"name"`
	FormType        string `json:"formType"`
	SubjectTemplate string `json:"subjectTemplate"`
	BodyTemplate    string `json:"bodyTemplate"`
}

func (b templateBody) validate() string {
	switch {
	case b.Name == "":
		return "name is required"
	case b.FormType == "":
		return "formType is required"
	case b.SubjectTemplate == "":
		return "subjectTemplate is required"
	case b.BodyTemplate == "":
		return "bodyTemplate is required"
	}
	return ""
}

// variables are derived from the patterns, never accepted from the client
func (b templateBody) variables() []string {
	return template.ExtractVariables(b.SubjectTemplate + " " + b.BodyTemplate)
}

func (a *API) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body templateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	if msg := body.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	id := a.IDGen()
	if err := a.Store.CreateTemplate(r.Context(), store.TemplateInsert{
		ID:              id,
		Name:            body.Name,
		FormType:        body.FormType,
		SubjectTemplate: body.SubjectTemplate,
		BodyTemplate:    body.BodyTemplate,
		Variables:       body.variables(),
		Now:             util.NowUTC(),
	}); err != nil {
		slog.Error("create template failed", "err", err, "name", body.Name)
		writeError(w, http.StatusBadGateway, ErrDependency)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "id": id})
}

func (a *API) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tpl, found, err := a.Store.GetTemplate(r.Context(), id)
	if err != nil {
		slog.Error("get template failed", "err", err, "id", id)
		writeError(w, http.StatusBadGateway, ErrDependency)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": tpl})
}

func (a *API) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body templateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	if msg := body.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	found, err := a.Store.UpdateTemplate(r.Context(), id, store.TemplateUpdate{
		Name:            body.Name,
		FormType:        body.FormType,
		SubjectTemplate: body.SubjectTemplate,
		BodyTemplate:    body.BodyTemplate,
		Variables:       body.variables(),
		Now:             util.NowUTC(),
	})
	if err != nil {
		slog.Error("update template failed", "err", err, "id", id)
		writeError(w, http.StatusBadGateway, ErrDependency)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	found, err := a.Store.DeleteTemplate(r.Context(), id)
	if err != nil {
		slog.Error("delete template failed", "err", err, "id", id)
		writeError(w, http.StatusBadGateway, ErrDependency)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.HistoryFilter{
		FormType: q.Get("form_type"),
		Status:   q.Get("status"),
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))

	page, err := a.Store.GetHistory(r.Context(), f)
	if err != nil {
		slog.Error("get history failed", "err", err)
		writeError(w, http.StatusBadGateway, ErrDependency)
		return
	}
	if page.Entries == nil {
		page.Entries = []store.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": page})
}

// parseDate accepts RFC 3339 or a bare calendar date.
func parseDate(s string) (*time.Time, bool) {
	if s == "" {
		return nil, true
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, true
		}
	}
	return nil, false
}

func (a *API) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, ok := parseDate(q.Get("startDate"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid startDate")
		return
	}
	end, ok := parseDate(q.Get("endDate"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid endDate")
		return
	}

	summary, err := a.Store.GetAnalyticsSummary(r.Context(), store.AnalyticsFilter{
		StartDate: start,
		EndDate:   end,
		FormType:  q.Get("form_type"),
	})
	if err != nil {
		slog.Error("get analytics failed", "err", err)
		writeError(w, http.StatusBadGateway, ErrDependency)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": summary})
}

func (a *API) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	if err := a.Checker.Verify(r.Context()); err != nil {
		slog.Error("smtp verify failed", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "smtp connection verified"})
}

// handleTestSend bypasses the queue so operators get an immediate answer.
func (a *API) handleTestSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidJSON)
		return
	}
	if body.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}

	req := domain.SendRequest{
		To:       []string{body.To},
		Subject:  "Test Email",
		Body:     "<html><body><h1>Test Email</h1><p>Email delivery is configured correctly.</p></body></html>",
		FormType: "test",
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := a.Svc.SendOne(r.Context(), req)
	if err != nil {
		slog.Error("test send failed", "err", err, "to", body.To)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"messageId":    outcome.DeliveryID,
		"deliveryTime": outcome.ElapsedMs,
	})
}

func (a *API) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if a.Admin == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoQueue)
		return
	}
	stats, err := a.Admin.Stats(r.Context())
	if err != nil {
		slog.Error("queue stats failed", "err", err)
		writeError(w, http.StatusBadGateway, ErrDependency)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": stats})
}

func (a *API) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if a.Admin == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoQueue)
		return
	}
	id := mux.Vars(r)["id"]
	status, found, err := a.Admin.JobStatus(r.Context(), id)
	if err != nil {
		slog.Error("job status failed", "err", err, "job_id", id)
		writeError(w, http.StatusBadGateway, ErrDependency)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": status})
}

func (a *API) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	if a.Admin == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoQueue)
		return
	}
	if err := a.Admin.Pause(r.Context()); err != nil {
		slog.Error("queue pause failed", "err", err)
		writeError(w, http.StatusBadGateway, ErrDependency)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "queue paused"})
}

func (a *API) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	if a.Admin == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoQueue)
		return
	}
	if err := a.Admin.Resume(r.Context()); err != nil {
		slog.Error("queue resume failed", "err", err)
		writeError(w, http.StatusBadGateway, ErrDependency)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "queue resumed"})
}

func (a *API) handleQueueClean(w http.ResponseWriter, r *http.Request) {
	if a.Admin == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoQueue)
		return
	}
	var body struct {
		OlderThanMs int64 `json:"olderThanMs"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	olderThan := time.Duration(body.OlderThanMs) * time.Millisecond
	if olderThan <= 0 {
		olderThan = 24 * time.Hour
	}

	removed, err := a.Admin.Clean(r.Context(), olderThan)
	if err != nil {
		slog.Error("queue clean failed", "err", err)
		writeError(w, http.StatusBadGateway, ErrDependency)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}
