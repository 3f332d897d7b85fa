package campaign

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Campaign status constants
const (
	StatusDraft     = "draft"
	StatusSending   = "sending"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Send status constants
const (
	SendPending = "pending"
	SendSent    = "sent"
	SendOpened  = "opened"
	SendFailed  = "failed"
	SendBounced = "bounced"
	SendSkipped = "skipped"
)

// Skip reasons recorded in error_message for skipped sends
const (
	SkipUnsubscribed = "unsubscribed"
	SkipDuplicate    = "duplicate"
	SkipInvalid      = "invalid"
)

// MaxAttempts is the hard retry budget per send. A send that reaches it
// stays failed until an explicit resend resets it.
const MaxAttempts = 2

// Campaign represents one outbound email campaign
type Campaign struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Name            string     `json:"name" db:"name"`
	TemplateID      uuid.UUID  `json:"template_id" db:"template_id"`
	Status          string     `json:"status" db:"status"`
	TotalRecipients int        `json:"total_recipients" db:"total_recipients"`
	SentCount       int        `json:"sent_count" db:"sent_count"`
	OpenedCount     int        `json:"opened_count" db:"opened_count"`
	FailedCount     int        `json:"failed_count" db:"failed_count"`
	ScheduledAt     *time.Time `json:"scheduled_at" db:"scheduled_at"`
	StartedAt       *time.Time `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// OpenRate returns opened/sent as a percentage, rounded to 2 decimals.
// Always derived from the counters, never stored.
func (c *Campaign) OpenRate() float64 {
	if c.SentCount == 0 {
		return 0
	}
	rate := float64(c.OpenedCount) / float64(c.SentCount) * 100
	return math.Round(rate*100) / 100
}

// IsDraft reports whether the campaign has not been started yet
func (c *Campaign) IsDraft() bool { return c.Status == StatusDraft }

// IsSending reports whether the campaign is actively dispatching
func (c *Campaign) IsSending() bool { return c.Status == StatusSending }

// IsCompleted reports whether the campaign reached its terminal state
func (c *Campaign) IsCompleted() bool { return c.Status == StatusCompleted }

// Send is one recipient's instance within one campaign: the unit of
// delivery and tracking. TrackingID is assigned once at creation and is the
// only identifier ever exposed in public URLs.
type Send struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	CampaignID      uuid.UUID  `json:"campaign_id" db:"campaign_id"`
	RecipientID     *int64     `json:"recipient_id" db:"recipient_id"`
	Email           string     `json:"email" db:"email"`
	RecipientName   string     `json:"recipient_name" db:"recipient_name"`
	Status          string     `json:"status" db:"status"`
	Attempts        int        `json:"attempts" db:"attempts"`
	TrackingID      uuid.UUID  `json:"-" db:"tracking_id"`
	ScheduledAt     *time.Time `json:"scheduled_at" db:"scheduled_at"`
	SentAt          *time.Time `json:"sent_at" db:"sent_at"`
	OpenedAt        *time.Time `json:"opened_at" db:"opened_at"`
	OpenCount       int        `json:"open_count" db:"open_count"`
	OpenedIP        string     `json:"opened_ip" db:"opened_ip"`
	OpenedUserAgent string     `json:"opened_user_agent" db:"opened_user_agent"`
	ErrorMessage    string     `json:"error_message" db:"error_message"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// IsPending reports whether the send is still awaiting dispatch
func (s *Send) IsPending() bool { return s.Status == SendPending }

// CanRetry reports whether a failed send still has retry budget
func (s *Send) CanRetry() bool {
	return s.Status == SendFailed && s.Attempts < MaxAttempts
}

// Click is one recorded click on a tracked link. Append-only: every click
// is recorded, never merged.
type Click struct {
	ID        uuid.UUID `json:"id" db:"id"`
	SendID    uuid.UUID `json:"send_id" db:"send_id"`
	URL       string    `json:"url" db:"url"`
	IP        string    `json:"ip" db:"ip"`
	UserAgent string    `json:"user_agent" db:"user_agent"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Template is a named subject/body pair rendered by literal {{key}}
// substitution. No conditionals or loops.
type Template struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Subject   string    `json:"subject" db:"subject"`
	BodyHTML  string    `json:"body_html" db:"body_html"`
	BodyText  string    `json:"body_text" db:"body_text"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Rendered is the output of rendering a template for one recipient
type Rendered struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// Render substitutes {{key}} placeholders in subject, html and text.
// When the template carries no plain-text body, a tag-stripped version of
// the HTML is used instead.
func (t *Template) Render(vars map[string]string) Rendered {
	subject := t.Subject
	html := t.BodyHTML
	text := t.BodyText
	if text == "" {
		text = tagRe.ReplaceAllString(t.BodyHTML, "")
	}

	for key, value := range vars {
		placeholder := "{{" + key + "}}"
		subject = strings.ReplaceAll(subject, placeholder, value)
		html = strings.ReplaceAll(html, placeholder, value)
		text = strings.ReplaceAll(text, placeholder, value)
	}

	return Rendered{Subject: subject, HTML: html, Text: text}
}

// Stats provides the aggregate view of a campaign for dashboards
type Stats struct {
	Total    int     `json:"total"`
	Sent     int     `json:"sent"`
	Opened   int     `json:"opened"`
	Failed   int     `json:"failed"`
	Skipped  int     `json:"skipped"`
	Pending  int     `json:"pending"`
	OpenRate float64 `json:"open_rate"`
	Clicks   int     `json:"clicks"`
}
