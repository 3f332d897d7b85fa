package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/recipient"
)

func TestBuildFromText(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	templateID := uuid.New()
	now := time.Now()

	mock.ExpectQuery("FROM email_templates WHERE id").
		WithArgs(templateID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "subject", "body_html", "body_text", "is_active", "created_at", "updated_at"}).
			AddRow(templateID.String(), "welcome", "Hi {{name}}", "<p>Hi</p>", "", true, now, now))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO email_campaigns").
		WithArgs(sqlmock.AnyArg(), "spring promo", templateID, StatusDraft, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := mock.ExpectPrepare("INSERT INTO email_sends")
	// Two accepted and one skipped row.
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), nil, "a@example.com", "", SendPending, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), nil, "jane@example.com", "Jane Doe", SendPending, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), nil, "not-an-email", "", SendSkipped, sqlmock.AnyArg(), SkipInvalid).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewStore(db)
	filter := NewFilter(&stubUnsubs{emails: map[string]bool{}}, &stubHistory{recent: map[string]bool{}}, 72*time.Hour)
	builder := NewBuilder(store, nil, filter)

	text := "a@example.com\nJane Doe <jane@example.com>, not-an-email"
	c, err := builder.BuildFromText(context.Background(), "spring promo", templateID, text)
	if err != nil {
		t.Fatalf("BuildFromText() error: %v", err)
	}
	if c.Status != StatusDraft {
		t.Errorf("status = %q, want draft", c.Status)
	}
	if c.TotalRecipients != 2 {
		t.Errorf("TotalRecipients = %d, want 2 (skips excluded)", c.TotalRecipients)
	}
}

func TestBuildUnknownTemplate(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	templateID := uuid.New()
	mock.ExpectQuery("FROM email_templates WHERE id").
		WithArgs(templateID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "subject", "body_html", "body_text", "is_active", "created_at", "updated_at"}))

	store := NewStore(db)
	filter := NewFilter(&stubUnsubs{emails: map[string]bool{}}, &stubHistory{recent: map[string]bool{}}, 72*time.Hour)
	builder := NewBuilder(store, nil, filter)

	_, err := builder.BuildFromText(context.Background(), "x", templateID, "a@example.com")
	if err == nil {
		t.Fatal("BuildFromText() error = nil, want unknown template error")
	}
}

// streams its recipients in fixed-size batches like the real directory
type batchedDirectory struct {
	batches [][]recipient.Recipient
}

func (d *batchedDirectory) Find(ctx context.Context, id int64) (*recipient.Recipient, error) {
	return nil, nil
}

func (d *batchedDirectory) FindByIDs(ctx context.Context, ids []int64) ([]recipient.Recipient, error) {
	return nil, nil
}

func (d *batchedDirectory) Stream(ctx context.Context, batchSize int, fn func([]recipient.Recipient) error) error {
	for _, batch := range d.batches {
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

func (d *batchedDirectory) MarkInvalid(ctx context.Context, id int64) error { return nil }

func TestBuildFromDirectoryStreamsInBatches(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	templateID := uuid.New()
	now := time.Now()
	id1, id2, id3 := int64(1), int64(2), int64(3)

	mock.ExpectQuery("FROM email_templates WHERE id").
		WithArgs(templateID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "subject", "body_html", "body_text", "is_active", "created_at", "updated_at"}).
			AddRow(templateID.String(), "welcome", "Hi {{name}}", "<p>Hi</p>", "", true, now, now))
	mock.ExpectExec("INSERT INTO email_campaigns").
		WithArgs(sqlmock.AnyArg(), "everyone", templateID, StatusDraft, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// First batch writes before the second batch is read.
	mock.ExpectBegin()
	prep1 := mock.ExpectPrepare("INSERT INTO email_sends")
	prep1.ExpectExec().
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), &id1, "a@example.com", "Ada", SendPending, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep1.ExpectExec().
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), &id2, "b@example.com", "Ben", SendPending, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Second batch: A@EXAMPLE.COM duplicates batch one and is dropped,
	// leaving a single row.
	mock.ExpectBegin()
	prep2 := mock.ExpectPrepare("INSERT INTO email_sends")
	prep2.ExpectExec().
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), &id3, "c@example.com", "Cam", SendPending, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE email_campaigns SET total_recipients").
		WithArgs(3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	directory := &batchedDirectory{batches: [][]recipient.Recipient{
		{
			{ID: id1, Email: "a@example.com", Name: "Ada"},
			{ID: id2, Email: "b@example.com", Name: "Ben"},
		},
		{
			{ID: id1, Email: "A@EXAMPLE.COM", Name: "Ada"},
			{ID: id3, Email: "c@example.com", Name: "Cam"},
		},
	}}

	store := NewStore(db)
	filter := NewFilter(&stubUnsubs{emails: map[string]bool{}}, &stubHistory{recent: map[string]bool{}}, 72*time.Hour)
	builder := NewBuilder(store, directory, filter)

	c, err := builder.BuildFromDirectory(context.Background(), "everyone", templateID)
	if err != nil {
		t.Fatalf("BuildFromDirectory() error: %v", err)
	}
	if c.TotalRecipients != 3 {
		t.Errorf("TotalRecipients = %d, want 3 (cross-batch duplicate dropped)", c.TotalRecipients)
	}
}
