package pg

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailq/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// ActiveTemplate returns the patterns for rendering. Inactive templates are
// invisible here.
func (s *Store) ActiveTemplate(ctx context.Context, id string) (string, string, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT subject_template, body_template FROM email_templates
		WHERE id=$1 AND is_active=true
	`, id)
	var subject, body string
	err := row.Scan(&subject, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return subject, body, true, nil
}

func (s *Store) ListTemplates(ctx context.Context, formType string) ([]store.Template, error) {
	q := `
		SELECT id, name, form_type, subject_template, body_template, variables, is_active, created_at, updated_at
		FROM email_templates WHERE is_active=true
	`
	args := []any{}
	if formType != "" {
		q += ` AND form_type=$1`
		args = append(args, formType)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Template
	for rows.Next() {
		var t store.Template
		if err := rows.Scan(&t.ID, &t.Name, &t.FormType, &t.SubjectTemplate, &t.BodyTemplate,
			&t.Variables, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTemplate returns a template regardless of active flag, for direct lookup.
func (s *Store) GetTemplate(ctx context.Context, id string) (store.Template, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, name, form_type, subject_template, body_template, variables, is_active, created_at, updated_at
		FROM email_templates WHERE id=$1
	`, id)
	var t store.Template
	err := row.Scan(&t.ID, &t.Name, &t.FormType, &t.SubjectTemplate, &t.BodyTemplate,
		&t.Variables, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Template{}, false, nil
	}
	if err != nil {
		return store.Template{}, false, err
	}
	return t, true, nil
}

func (s *Store) CreateTemplate(ctx context.Context, in store.TemplateInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO email_templates (id, name, form_type, subject_template, body_template, variables, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,true,$7,$7)
	`, in.ID, in.Name, in.FormType, in.SubjectTemplate, in.BodyTemplate, in.Variables, in.Now)
	return err
}

func (s *Store) UpdateTemplate(ctx context.Context, id string, in store.TemplateUpdate) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE email_templates
		SET name=$2, form_type=$3, subject_template=$4, body_template=$5, variables=$6, updated_at=$7
		WHERE id=$1 AND is_active=true
	`, id, in.Name, in.FormType, in.SubjectTemplate, in.BodyTemplate, in.Variables, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// DeleteTemplate soft-deletes: the row stays for history integrity.
func (s *Store) DeleteTemplate(ctx context.Context, id string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE email_templates SET is_active=false, updated_at=now() WHERE id=$1 AND is_active=true
	`, id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) InsertDeliveryLog(ctx context.Context, in store.DeliveryLog) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO email_delivery_logs (delivery_id, status, recipients, delivery_ms, attempt_count, error_message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, nullIfEmpty(in.DeliveryID), in.Status, in.Recipients, in.DeliveryMs, in.AttemptCount, nullIfEmpty(in.ErrorMessage), in.Now)
	return err
}

func (s *Store) InsertHistory(ctx context.Context, in store.HistoryEntry) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO notification_history (id, form_type, recipients, subject, status, error_message, sent_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, in.ID, in.FormType, in.Recipients, in.Subject, in.Status, nullIfEmpty(in.ErrorMessage), in.SentAt, in.CreatedAt)
	return err
}

func (s *Store) InsertAnalytics(ctx context.Context, in store.AnalyticsRow) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO email_analytics (email_id, form_type, status, delivery_ms, recipient_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, nullIfEmpty(in.EmailID), in.FormType, in.Status, in.DeliveryMs, in.RecipientCount, in.Now)
	return err
}

func (s *Store) GetHistory(ctx context.Context, f store.HistoryFilter) (store.HistoryPage, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 20
	}

	where := ` WHERE 1=1`
	args := []any{}
	if f.FormType != "" {
		args = append(args, f.FormType)
		where += ` AND form_type=$` + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += ` AND status=$` + strconv.Itoa(len(args))
	}

	var total int
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM notification_history`+where, args...).Scan(&total); err != nil {
		return store.HistoryPage{}, err
	}

	q := `
		SELECT id, form_type, recipients, subject, status, COALESCE(error_message,''), sent_at, created_at
		FROM notification_history` + where + `
		ORDER BY created_at DESC
	`
	offset := (f.Page - 1) * f.Limit
	args = append(args, f.Limit)
	q += ` LIMIT $` + strconv.Itoa(len(args))
	args = append(args, offset)
	q += ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return store.HistoryPage{}, err
	}
	defer rows.Close()

	page := store.HistoryPage{Page: f.Page, Limit: f.Limit, Total: total}
	for rows.Next() {
		var e store.HistoryEntry
		if err := rows.Scan(&e.ID, &e.FormType, &e.Recipients, &e.Subject, &e.Status,
			&e.ErrorMessage, &e.SentAt, &e.CreatedAt); err != nil {
			return store.HistoryPage{}, err
		}
		page.Entries = append(page.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return store.HistoryPage{}, err
	}
	page.TotalPages = int(math.Ceil(float64(total) / float64(f.Limit)))
	return page, nil
}

func (s *Store) GetAnalyticsSummary(ctx context.Context, f store.AnalyticsFilter) (store.AnalyticsSummary, error) {
	q := `
		SELECT count(*),
		       count(*) FILTER (WHERE status='sent'),
		       count(*) FILTER (WHERE status='failed'),
		       COALESCE(avg(delivery_ms), 0),
		       COALESCE(sum(recipient_count), 0)
		FROM email_analytics WHERE 1=1
	`
	args := []any{}
	if f.StartDate != nil {
		args = append(args, *f.StartDate)
		q += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	if f.EndDate != nil {
		args = append(args, *f.EndDate)
		q += ` AND created_at <= $` + strconv.Itoa(len(args))
	}
	if f.FormType != "" {
		args = append(args, f.FormType)
		q += ` AND form_type = $` + strconv.Itoa(len(args))
	}

	var out store.AnalyticsSummary
	err := s.DB.QueryRow(ctx, q, args...).Scan(
		&out.TotalEmails, &out.SentEmails, &out.FailedEmails, &out.AvgDeliveryTimeMs, &out.TotalRecipients)
	return out, err
}

func (s *Store) RecordTrackingEvent(ctx context.Context, in store.TrackingEvent) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO email_events (email_id, link_id, event_type, link_url, ip_address, user_agent, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, in.EmailID, nullIfEmpty(in.LinkID), in.EventType, nullIfEmpty(in.LinkURL),
		nullIfEmpty(in.IPAddress), nullIfEmpty(in.UserAgent), in.Now)
	return err
}

func (s *Store) RecordUnsubscribe(ctx context.Context, email string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO email_unsubscribes (email, created_at)
		VALUES ($1,$2)
		ON CONFLICT (email) DO NOTHING
	`, email, now)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
