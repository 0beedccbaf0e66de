package store

import "time"

// Template is an operator-managed subject/body pattern pair. Soft-deleted
// templates stay in place with Active=false so past sends keep a valid
// reference.
type Template struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	FormType        string    `json:"formType"`
	SubjectTemplate string    `json:"subjectTemplate"`
	BodyTemplate    string    `json:"bodyTemplate"`
	Variables       []string  `json:"variables"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type TemplateInsert struct {
	ID              string
	Name            string
	FormType        string
	SubjectTemplate string
	BodyTemplate    string
	Variables       []string
	Now             time.Time
}

type TemplateUpdate struct {
	Name            string
	FormType        string
	SubjectTemplate string
	BodyTemplate    string
	Variables       []string
	Now             time.Time
}

// DeliveryLog is one append-only row per finished SendRequest.
type DeliveryLog struct {
	DeliveryID   string
	Status       string
	Recipients   []string
	DeliveryMs   int64
	AttemptCount int
	ErrorMessage string
	Now          time.Time
}

type HistoryEntry struct {
	ID           string    `json:"id"`
	FormType     string    `json:"formType"`
	Recipients   []string  `json:"recipients"`
	Subject      string    `json:"subject"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	SentAt       time.Time `json:"sentAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

type HistoryFilter struct {
	Page     int
	Limit    int
	FormType string
	Status   string
}

type HistoryPage struct {
	Entries    []HistoryEntry `json:"data"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	Total      int            `json:"total"`
	TotalPages int            `json:"totalPages"`
}

type AnalyticsRow struct {
	EmailID        string
	FormType       string
	Status         string
	DeliveryMs     int64
	RecipientCount int
	Now            time.Time
}

type AnalyticsFilter struct {
	StartDate *time.Time
	EndDate   *time.Time
	FormType  string
}

// AnalyticsSummary aggregates per-send analytics rows over a filter window.
type AnalyticsSummary struct {
	TotalEmails       int     `json:"totalEmails"`
	SentEmails        int     `json:"sentEmails"`
	FailedEmails      int     `json:"failedEmails"`
	AvgDeliveryTimeMs float64 `json:"averageDeliveryTime"`
	TotalRecipients   int     `json:"totalRecipients"`
}

type TrackingEvent struct {
	EmailID   string
	LinkID    string
	EventType string // "open" or "click"
	LinkURL   string
	IPAddress string
	UserAgent string
	Now       time.Time
}
