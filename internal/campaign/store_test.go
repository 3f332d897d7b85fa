package campaign

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	return db, mock, func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	}
}

func TestStoreRecordOpenIncrementsAndPromotes(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	trackingID := uuid.New()
	sendID := uuid.New()
	campaignID := uuid.New()
	openedAt := time.Now()

	mock.ExpectQuery("UPDATE email_sends SET").
		WithArgs(trackingID, SendSent, SendOpened, "1.2.3.4", "curl/8").
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "email", "status", "open_count", "opened_at"}).
			AddRow(sendID.String(), campaignID.String(), "user@example.com", SendOpened, 1, openedAt))

	store := NewStore(db)
	send, err := store.RecordOpen(context.Background(), trackingID, "1.2.3.4", "curl/8")
	if err != nil {
		t.Fatalf("RecordOpen() error: %v", err)
	}
	if send == nil {
		t.Fatal("RecordOpen() returned nil send")
	}
	if send.Status != SendOpened || send.OpenCount != 1 {
		t.Errorf("send = %+v, want opened with open_count 1", send)
	}
}

func TestStoreRecordOpenUnknownTrackingID(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	trackingID := uuid.New()
	mock.ExpectQuery("UPDATE email_sends SET").
		WithArgs(trackingID, SendSent, SendOpened, "", "").
		WillReturnError(sql.ErrNoRows)

	store := NewStore(db)
	send, err := store.RecordOpen(context.Background(), trackingID, "", "")
	if err != nil {
		t.Fatalf("RecordOpen() error: %v", err)
	}
	if send != nil {
		t.Errorf("send = %+v, want nil for unknown tracking id", send)
	}
}

func TestStoreBeginAttempt(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec("UPDATE email_sends SET attempts").
		WithArgs(id, SendPending, MaxAttempts).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	ok, err := store.BeginAttempt(context.Background(), id)
	if err != nil {
		t.Fatalf("BeginAttempt() error: %v", err)
	}
	if !ok {
		t.Error("BeginAttempt() = false, want true for a pending send")
	}
}

func TestStoreBeginAttemptExhausted(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec("UPDATE email_sends SET attempts").
		WithArgs(id, SendPending, MaxAttempts).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStore(db)
	ok, err := store.BeginAttempt(context.Background(), id)
	if err != nil {
		t.Fatalf("BeginAttempt() error: %v", err)
	}
	if ok {
		t.Error("BeginAttempt() = true, want false when no row matched")
	}
}

func TestStoreRefreshStatsCompletesWhenNoPending(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\)").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"total", "sent", "opened", "failed", "skipped", "pending"}).
			AddRow(10, 8, 3, 1, 1, 0))
	mock.ExpectExec("UPDATE email_campaigns").
		WithArgs(8, 3, 1, id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE email_campaigns").
		WithArgs(StatusCompleted, id, StatusSending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewStore(db)
	stats, err := store.RefreshStats(context.Background(), id)
	if err != nil {
		t.Fatalf("RefreshStats() error: %v", err)
	}
	if stats.Pending != 0 || stats.Sent != 8 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.OpenRate != 37.5 {
		t.Errorf("OpenRate = %v, want 37.5", stats.OpenRate)
	}
}

func TestStoreRefreshStatsLeavesActiveCampaign(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\)").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"total", "sent", "opened", "failed", "skipped", "pending"}).
			AddRow(10, 4, 0, 1, 0, 5))
	mock.ExpectExec("UPDATE email_campaigns").
		WithArgs(4, 0, 1, id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// No completion update: pending sends remain.

	store := NewStore(db)
	stats, err := store.RefreshStats(context.Background(), id)
	if err != nil {
		t.Fatalf("RefreshStats() error: %v", err)
	}
	if stats.Pending != 5 {
		t.Errorf("Pending = %d, want 5", stats.Pending)
	}
}

func TestStoreResetFailedSends(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectExec("UPDATE email_sends SET status").
		WithArgs(SendPending, id, SendFailed, MaxAttempts).
		WillReturnResult(sqlmock.NewResult(0, 3))

	store := NewStore(db)
	n, err := store.ResetFailedSends(context.Background(), id)
	if err != nil {
		t.Fatalf("ResetFailedSends() error: %v", err)
	}
	if n != 3 {
		t.Errorf("reset = %d, want 3", n)
	}
}

func TestStoreWasRecentlyContacted(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("user@example.com", SendSent, SendOpened, "24h0m0s").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	store := NewStore(db)
	recent, err := store.WasRecentlyContacted(context.Background(), "user@example.com", 24*time.Hour)
	if err != nil {
		t.Fatalf("WasRecentlyContacted() error: %v", err)
	}
	if !recent {
		t.Error("WasRecentlyContacted() = false, want true")
	}
}

func TestStoreFailExhaustedSends(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// Two stuck sends in one campaign, one in another; campaigns are
	// reported once each.
	c1 := uuid.New()
	c2 := uuid.New()
	mock.ExpectQuery("UPDATE email_sends SET status").
		WithArgs(SendFailed, "delivery interrupted", SendPending, MaxAttempts).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id"}).
			AddRow(c1.String()).AddRow(c1.String()).AddRow(c2.String()))

	store := NewStore(db)
	campaigns, err := store.FailExhaustedSends(context.Background())
	if err != nil {
		t.Fatalf("FailExhaustedSends() error: %v", err)
	}
	if len(campaigns) != 2 {
		t.Fatalf("campaigns = %v, want the two distinct campaigns", campaigns)
	}
	if campaigns[0] != c1 || campaigns[1] != c2 {
		t.Errorf("campaigns = %v, want [%s %s]", campaigns, c1, c2)
	}
}

func TestStoreFailExhaustedSendsNothingStuck(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("UPDATE email_sends SET status").
		WithArgs(SendFailed, "delivery interrupted", SendPending, MaxAttempts).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id"}))

	store := NewStore(db)
	campaigns, err := store.FailExhaustedSends(context.Background())
	if err != nil {
		t.Fatalf("FailExhaustedSends() error: %v", err)
	}
	if len(campaigns) != 0 {
		t.Errorf("campaigns = %v, want none", campaigns)
	}
}

func TestStoreHasDeliveredDuplicate(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	campaignID := uuid.New()
	sendID := uuid.New()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(campaignID, "user@example.com", sendID, SendSent, SendOpened).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	store := NewStore(db)
	dup, err := store.HasDeliveredDuplicate(context.Background(), campaignID, "user@example.com", sendID)
	if err != nil {
		t.Fatalf("HasDeliveredDuplicate() error: %v", err)
	}
	if !dup {
		t.Error("HasDeliveredDuplicate() = false, want true")
	}
}

func TestStoreGetCampaignNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("FROM email_campaigns WHERE id").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	store := NewStore(db)
	c, err := store.GetCampaign(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCampaign() error: %v", err)
	}
	if c != nil {
		t.Errorf("campaign = %+v, want nil", c)
	}
}
