package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/campaign"
	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/mailer"
	"github.com/ignite/campaign-dispatch/internal/tracking"
)

type captureTransport struct {
	sent    []*mailer.Message
	sendErr error
}

func (t *captureTransport) Name() string     { return "capture" }
func (t *captureTransport) Configured() bool { return true }
func (t *captureTransport) Send(ctx context.Context, msg *mailer.Message) error {
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, msg)
	return nil
}

type stubUnsubChecker struct {
	unsubscribed map[string]bool
}

func (s *stubUnsubChecker) IsUnsubscribed(ctx context.Context, email string) (bool, error) {
	return s.unsubscribed[email], nil
}

func testURLs() *tracking.URLs {
	signer := tracking.NewSigner("test-secret", "acme")
	return tracking.NewURLs("https://track.example.com", signer)
}

func testExecutor(t *testing.T) (*Executor, sqlmock.Sqlmock, *captureTransport, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	transport := &captureTransport{}
	exec := NewExecutor(campaign.NewStore(db), transport, nil, nil, testURLs(),
		config.DispatchConfig{SiteName: "Acme", SiteURL: "https://acme.example.com"}, 5*time.Second)
	return exec, mock, transport, func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	}
}

func campaignRow(id uuid.UUID, templateID uuid.UUID, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "name", "template_id", "status", "total_recipients", "sent_count",
		"opened_count", "failed_count", "scheduled_at", "started_at", "completed_at",
		"created_at", "updated_at",
	}).AddRow(id.String(), "promo", templateID.String(), status, 5, 0, 0, 0, nil, nil, nil, now, now)
}

func statsRows(pending int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"total", "sent", "opened", "failed", "skipped", "pending"}).
		AddRow(5, 1, 0, 0, 0, pending)
}

func existsRows(exists bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"exists"}).AddRow(exists)
}

func TestProcessPausedCampaignLeavesSendPending(t *testing.T) {
	exec, mock, _, cleanup := testExecutor(t)
	defer cleanup()

	campaignID := uuid.New()
	mock.ExpectQuery("FROM email_campaigns WHERE id").
		WithArgs(campaignID).
		WillReturnRows(campaignRow(campaignID, uuid.New(), campaign.StatusPaused))
	// No attempt, no status change: the send stays pending for resume.

	send := campaign.Send{ID: uuid.New(), CampaignID: campaignID, Email: "user@example.com"}
	if err := exec.Process(context.Background(), send); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
}

func TestProcessUnsubscribedSkipsWithoutAttempt(t *testing.T) {
	exec, mock, _, cleanup := testExecutor(t)
	defer cleanup()
	exec.unsubs = &stubUnsubChecker{unsubscribed: map[string]bool{"user@example.com": true}}

	campaignID := uuid.New()
	sendID := uuid.New()
	mock.ExpectQuery("FROM email_campaigns WHERE id").
		WithArgs(campaignID).
		WillReturnRows(campaignRow(campaignID, uuid.New(), campaign.StatusSending))
	mock.ExpectExec("UPDATE email_sends SET status").
		WithArgs(campaign.SendSkipped, campaign.SkipUnsubscribed, sendID, campaign.SendPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\)").
		WithArgs(campaignID).
		WillReturnRows(statsRows(3))
	mock.ExpectExec("UPDATE email_campaigns").
		WithArgs(1, 0, 0, campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	send := campaign.Send{ID: sendID, CampaignID: campaignID, Email: "user@example.com"}
	if err := exec.Process(context.Background(), send); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
}

func TestProcessDeliveredDuplicateSkips(t *testing.T) {
	exec, mock, transport, cleanup := testExecutor(t)
	defer cleanup()

	campaignID := uuid.New()
	sendID := uuid.New()
	mock.ExpectQuery("FROM email_campaigns WHERE id").
		WithArgs(campaignID).
		WillReturnRows(campaignRow(campaignID, uuid.New(), campaign.StatusSending))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(campaignID, "user@example.com", sendID, campaign.SendSent, campaign.SendOpened).
		WillReturnRows(existsRows(true))
	mock.ExpectExec("UPDATE email_sends SET status").
		WithArgs(campaign.SendSkipped, campaign.SkipDuplicate, sendID, campaign.SendPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\)").
		WithArgs(campaignID).
		WillReturnRows(statsRows(3))
	mock.ExpectExec("UPDATE email_campaigns").
		WithArgs(1, 0, 0, campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	send := campaign.Send{ID: sendID, CampaignID: campaignID, Email: "user@example.com"}
	if err := exec.Process(context.Background(), send); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if len(transport.sent) != 0 {
		t.Error("an already-delivered address must not get a second message")
	}
}

func TestProcessDeliversAndMarksSent(t *testing.T) {
	exec, mock, transport, cleanup := testExecutor(t)
	defer cleanup()

	campaignID := uuid.New()
	templateID := uuid.New()
	sendID := uuid.New()
	trackingID := uuid.New()
	now := time.Now()

	mock.ExpectQuery("FROM email_campaigns WHERE id").
		WithArgs(campaignID).
		WillReturnRows(campaignRow(campaignID, templateID, campaign.StatusSending))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(campaignID, "user@example.com", sendID, campaign.SendSent, campaign.SendOpened).
		WillReturnRows(existsRows(false))
	mock.ExpectExec("UPDATE email_sends SET attempts").
		WithArgs(sendID, campaign.SendPending, campaign.MaxAttempts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM email_templates WHERE id").
		WithArgs(templateID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "subject", "body_html", "body_text", "is_active", "created_at", "updated_at"}).
			AddRow(templateID.String(), "welcome", "Hello {{name}}", "<html><body><p>Hi {{name}}</p><a href=\"https://example.com/sale\">Sale</a></body></html>", "Hi {{name}}", true, now, now))
	mock.ExpectExec("UPDATE email_sends SET status").
		WithArgs(campaign.SendSent, sendID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\)").
		WithArgs(campaignID).
		WillReturnRows(statsRows(2))
	mock.ExpectExec("UPDATE email_campaigns").
		WithArgs(1, 0, 0, campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	send := campaign.Send{
		ID: sendID, CampaignID: campaignID, Email: "user@example.com",
		RecipientName: "Ada", TrackingID: trackingID,
	}
	if err := exec.Process(context.Background(), send); err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	if len(transport.sent) != 1 {
		t.Fatalf("messages sent = %d, want 1", len(transport.sent))
	}
	msg := transport.sent[0]
	if msg.Subject != "Hello Ada" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.HTML, "/email/track/"+trackingID.String()) {
		t.Error("HTML is missing the open pixel")
	}
	if !strings.Contains(msg.HTML, "/email/click/"+trackingID.String()) {
		t.Error("HTML link was not rewritten through the click redirect")
	}
	if !strings.HasPrefix(msg.Headers["List-Unsubscribe"], "<https://track.example.com/email/unsubscribe?") {
		t.Errorf("List-Unsubscribe = %q", msg.Headers["List-Unsubscribe"])
	}
	if msg.Headers["List-Unsubscribe-Post"] != "List-Unsubscribe=One-Click" {
		t.Errorf("List-Unsubscribe-Post = %q", msg.Headers["List-Unsubscribe-Post"])
	}
	if msg.Headers["X-Campaign-ID"] != campaignID.String() {
		t.Errorf("X-Campaign-ID = %q", msg.Headers["X-Campaign-ID"])
	}
}

func TestProcessBounceMarksBounced(t *testing.T) {
	exec, mock, transport, cleanup := testExecutor(t)
	defer cleanup()
	transport.sendErr = errors.New("550 5.1.1 user unknown")

	campaignID := uuid.New()
	templateID := uuid.New()
	sendID := uuid.New()
	now := time.Now()

	mock.ExpectQuery("FROM email_campaigns WHERE id").
		WithArgs(campaignID).
		WillReturnRows(campaignRow(campaignID, templateID, campaign.StatusSending))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(campaignID, "gone@example.com", sendID, campaign.SendSent, campaign.SendOpened).
		WillReturnRows(existsRows(false))
	mock.ExpectExec("UPDATE email_sends SET attempts").
		WithArgs(sendID, campaign.SendPending, campaign.MaxAttempts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM email_templates WHERE id").
		WithArgs(templateID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "subject", "body_html", "body_text", "is_active", "created_at", "updated_at"}).
			AddRow(templateID.String(), "welcome", "Hello", "<p>Hi</p>", "Hi", true, now, now))
	mock.ExpectExec("UPDATE email_sends SET status").
		WithArgs(campaign.SendBounced, "550 5.1.1 user unknown", sendID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\)").
		WithArgs(campaignID).
		WillReturnRows(statsRows(2))
	mock.ExpectExec("UPDATE email_campaigns").
		WithArgs(1, 0, 0, campaignID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	send := campaign.Send{ID: sendID, CampaignID: campaignID, Email: "gone@example.com", TrackingID: uuid.New()}
	if err := exec.Process(context.Background(), send); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
}

func TestProcessAttemptRaceLost(t *testing.T) {
	exec, mock, transport, cleanup := testExecutor(t)
	defer cleanup()

	campaignID := uuid.New()
	sendID := uuid.New()
	mock.ExpectQuery("FROM email_campaigns WHERE id").
		WithArgs(campaignID).
		WillReturnRows(campaignRow(campaignID, uuid.New(), campaign.StatusSending))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(campaignID, "user@example.com", sendID, campaign.SendSent, campaign.SendOpened).
		WillReturnRows(existsRows(false))
	mock.ExpectExec("UPDATE email_sends SET attempts").
		WithArgs(sendID, campaign.SendPending, campaign.MaxAttempts).
		WillReturnResult(sqlmock.NewResult(0, 0))

	send := campaign.Send{ID: sendID, CampaignID: campaignID, Email: "user@example.com"}
	if err := exec.Process(context.Background(), send); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if len(transport.sent) != 0 {
		t.Error("a lost attempt race must not deliver")
	}
}

func TestInjectTracking(t *testing.T) {
	exec := &Executor{urls: testURLs()}
	trackingID := uuid.New()

	html := `<html><body><a href="https://example.com/a">A</a>` +
		`<a href='https://example.com/b'>B</a>` +
		`<a href="mailto:help@example.com">Mail</a>` +
		`<a href="https://track.example.com/email/unsubscribe?email=x">Unsub</a>` +
		`</body></html>`
	out := exec.injectTracking(html, trackingID)

	if !strings.Contains(out, `/email/track/`+trackingID.String()) {
		t.Error("pixel not injected")
	}
	if !strings.HasSuffix(out, "</body></html>") {
		t.Errorf("pixel not placed before </body>: %s", out)
	}
	if strings.Contains(out, `href="https://example.com/a"`) || strings.Contains(out, `href='https://example.com/b'`) {
		t.Error("absolute links were not rewritten")
	}
	if !strings.Contains(out, "mailto:help@example.com") {
		t.Error("mailto link should be untouched")
	}
	if !strings.Contains(out, `href="https://track.example.com/email/unsubscribe?email=x"`) {
		t.Error("tracking-host link should not be double-wrapped")
	}
}

func TestInjectTrackingNoBodyTag(t *testing.T) {
	exec := &Executor{urls: testURLs()}
	trackingID := uuid.New()

	out := exec.injectTracking("<p>Hello</p>", trackingID)
	if !strings.Contains(out, "/email/track/"+trackingID.String()) {
		t.Error("pixel not appended when no </body> exists")
	}
	if !strings.HasPrefix(out, "<p>Hello</p>") {
		t.Errorf("content mangled: %s", out)
	}
}
