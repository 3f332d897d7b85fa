package campaign

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// claimLease is how long a claimed send is invisible to other workers.
// A worker that dies mid-delivery leaves the row pending; it becomes due
// again when the lease expires.
const claimLease = 5 * time.Minute

// Store provides Postgres persistence for campaigns, sends, clicks and
// templates
type Store struct {
	db *sql.DB
}

// NewStore creates a campaign store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateCampaignWithSends inserts a campaign and its send rows in one
// transaction. Skipped candidates arrive as sends already in skipped
// status with the reason in error_message. A campaign with zero sends is
// still created.
func (s *Store) CreateCampaignWithSends(ctx context.Context, c *Campaign, sends []Send) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO email_campaigns (id, name, template_id, status, total_recipients, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`,
		c.ID, c.Name, c.TemplateID, c.Status, c.TotalRecipients)
	if err != nil {
		return fmt.Errorf("failed to insert campaign: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO email_sends (id, campaign_id, recipient_id, email, recipient_name, status, tracking_id, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`)
	if err != nil {
		return fmt.Errorf("failed to prepare send insert: %w", err)
	}
	defer stmt.Close()

	for i := range sends {
		send := &sends[i]
		_, err = stmt.ExecContext(ctx, send.ID, c.ID, send.RecipientID, send.Email,
			send.RecipientName, send.Status, send.TrackingID, send.ErrorMessage)
		if err != nil {
			return fmt.Errorf("failed to insert send for %s: %w", send.Email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit campaign: %w", err)
	}
	return nil
}

// CreateCampaign inserts a campaign row with no sends. Used by the
// streaming build path, which appends sends batch by batch.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_campaigns (id, name, template_id, status, total_recipients, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())`,
		c.ID, c.Name, c.TemplateID, c.Status, c.TotalRecipients)
	if err != nil {
		return fmt.Errorf("failed to insert campaign: %w", err)
	}
	return nil
}

// InsertSends appends send rows to an existing campaign in one
// transaction
func (s *Store) InsertSends(ctx context.Context, campaignID uuid.UUID, sends []Send) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO email_sends (id, campaign_id, recipient_id, email, recipient_name, status, tracking_id, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`)
	if err != nil {
		return fmt.Errorf("failed to prepare send insert: %w", err)
	}
	defer stmt.Close()

	for i := range sends {
		send := &sends[i]
		_, err = stmt.ExecContext(ctx, send.ID, campaignID, send.RecipientID, send.Email,
			send.RecipientName, send.Status, send.TrackingID, send.ErrorMessage)
		if err != nil {
			return fmt.Errorf("failed to insert send for %s: %w", send.Email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sends: %w", err)
	}
	return nil
}

// SetTotalRecipients records the final accepted-recipient count once a
// streaming build has seen the whole directory
func (s *Store) SetTotalRecipients(ctx context.Context, id uuid.UUID, total int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_campaigns SET total_recipients = $1, updated_at = NOW()
		WHERE id = $2`, total, id)
	if err != nil {
		return fmt.Errorf("failed to set total recipients: %w", err)
	}
	return nil
}

// GetCampaign returns a campaign by ID, or nil when it does not exist
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	var c Campaign
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, template_id, status, total_recipients, sent_count, opened_count, failed_count,
		       scheduled_at, started_at, completed_at, created_at, updated_at
		FROM email_campaigns WHERE id = $1`, id).Scan(
		&c.ID, &c.Name, &c.TemplateID, &c.Status, &c.TotalRecipients, &c.SentCount,
		&c.OpenedCount, &c.FailedCount, &c.ScheduledAt, &c.StartedAt, &c.CompletedAt,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return &c, nil
}

// ListCampaigns returns campaigns newest first
func (s *Store) ListCampaigns(ctx context.Context, limit, offset int) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, template_id, status, total_recipients, sent_count, opened_count, failed_count,
		       scheduled_at, started_at, completed_at, created_at, updated_at
		FROM email_campaigns
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		var c Campaign
		if err := rows.Scan(&c.ID, &c.Name, &c.TemplateID, &c.Status, &c.TotalRecipients,
			&c.SentCount, &c.OpenedCount, &c.FailedCount, &c.ScheduledAt, &c.StartedAt,
			&c.CompletedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// DeleteCampaign removes a campaign and, via FK cascade, its sends and
// clicks. Campaigns that are actively sending cannot be deleted.
func (s *Store) DeleteCampaign(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM email_campaigns WHERE id = $1 AND status != $2`, id, StatusSending)
	if err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("campaign %s not found or still sending", id)
	}
	return nil
}

// FailExhaustedSends sweeps pending sends whose attempt budget was
// consumed but that never reached a terminal status, as happens when a
// worker dies between claiming a send and recording the outcome. The
// claim query skips such rows, so without this sweep they stay pending
// forever and their campaign never completes. Returns the campaigns
// touched so their stats can be refreshed.
func (s *Store) FailExhaustedSends(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE email_sends SET status = $1, error_message = $2
		WHERE status = $3
		  AND attempts >= $4
		  AND scheduled_at IS NOT NULL
		  AND scheduled_at <= NOW()
		RETURNING campaign_id`,
		SendFailed, "delivery interrupted", SendPending, MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep exhausted sends: %w", err)
	}
	defer rows.Close()

	seen := make(map[uuid.UUID]bool)
	var campaigns []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan swept send: %w", err)
		}
		if !seen[id] {
			seen[id] = true
			campaigns = append(campaigns, id)
		}
	}
	return campaigns, rows.Err()
}

// StartCampaign moves a draft or paused campaign into sending. started_at
// is set on the first start only. Returns false when the campaign was not
// in a startable state.
func (s *Store) StartCampaign(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE email_campaigns
		SET status = $1, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)`,
		StatusSending, id, pq.Array([]string{StatusDraft, StatusPaused}))
	if err != nil {
		return false, fmt.Errorf("failed to start campaign: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// PauseCampaign moves a sending campaign to paused. Returns false when the
// campaign was not sending.
func (s *Store) PauseCampaign(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE email_campaigns SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`, StatusPaused, id, StatusSending)
	if err != nil {
		return false, fmt.Errorf("failed to pause campaign: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ResumeForResend moves a paused or completed campaign back to sending so
// reset sends can dispatch again. completed_at is kept from the first
// completion.
func (s *Store) ResumeForResend(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE email_campaigns SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)`,
		StatusSending, id, pq.Array([]string{StatusPaused, StatusCompleted, StatusSending}))
	if err != nil {
		return false, fmt.Errorf("failed to resume campaign: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// RefreshStats recomputes a campaign's counters from its send rows and
// completes the campaign when no pending sends remain. Counters are never
// incremented in place; this is the only way they change.
func (s *Store) RefreshStats(ctx context.Context, id uuid.UUID) (*Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status IN ('sent', 'opened')),
		       COUNT(*) FILTER (WHERE status = 'opened'),
		       COUNT(*) FILTER (WHERE status IN ('failed', 'bounced')),
		       COUNT(*) FILTER (WHERE status = 'skipped'),
		       COUNT(*) FILTER (WHERE status = 'pending')
		FROM email_sends WHERE campaign_id = $1`, id).Scan(
		&stats.Total, &stats.Sent, &stats.Opened, &stats.Failed, &stats.Skipped, &stats.Pending)
	if err != nil {
		return nil, fmt.Errorf("failed to count sends: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE email_campaigns
		SET sent_count = $1, opened_count = $2, failed_count = $3, updated_at = NOW()
		WHERE id = $4`, stats.Sent, stats.Opened, stats.Failed, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update campaign counters: %w", err)
	}

	if stats.Pending == 0 {
		_, err = s.db.ExecContext(ctx, `
			UPDATE email_campaigns
			SET status = $1, completed_at = COALESCE(completed_at, NOW()), updated_at = NOW()
			WHERE id = $2 AND status = $3`, StatusCompleted, id, StatusSending)
		if err != nil {
			return nil, fmt.Errorf("failed to complete campaign: %w", err)
		}
	}

	if stats.Sent > 0 {
		stats.OpenRate = float64(stats.Opened) / float64(stats.Sent) * 100
	}
	return &stats, nil
}

// GetStats returns the aggregate view of a campaign including click volume
func (s *Store) GetStats(ctx context.Context, id uuid.UUID) (*Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status IN ('sent', 'opened')),
		       COUNT(*) FILTER (WHERE status = 'opened'),
		       COUNT(*) FILTER (WHERE status IN ('failed', 'bounced')),
		       COUNT(*) FILTER (WHERE status = 'skipped'),
		       COUNT(*) FILTER (WHERE status = 'pending')
		FROM email_sends WHERE campaign_id = $1`, id).Scan(
		&stats.Total, &stats.Sent, &stats.Opened, &stats.Failed, &stats.Skipped, &stats.Pending)
	if err != nil {
		return nil, fmt.Errorf("failed to count sends: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_clicks c
		JOIN email_sends s ON s.id = c.send_id
		WHERE s.campaign_id = $1`, id).Scan(&stats.Clicks)
	if err != nil {
		return nil, fmt.Errorf("failed to count clicks: %w", err)
	}

	if stats.Sent > 0 {
		stats.OpenRate = float64(stats.Opened) / float64(stats.Sent) * 100
	}
	return &stats, nil
}

// SchedulePending assigns paced dispatch times to a campaign's pending
// sends, oldest first. Sends that already carry a schedule are reassigned;
// this is what start-after-pause uses to respread the remainder.
func (s *Store) SchedulePending(ctx context.Context, campaignID uuid.UUID, times []time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM email_sends
		WHERE campaign_id = $1 AND status = $2
		ORDER BY created_at, id
		FOR UPDATE`, campaignID, SendPending)
	if err != nil {
		return fmt.Errorf("failed to select pending sends: %w", err)
	}

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan send id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	stmt, err := tx.PrepareContext(ctx, `UPDATE email_sends SET scheduled_at = $1 WHERE id = $2`)
	if err != nil {
		return fmt.Errorf("failed to prepare schedule update: %w", err)
	}
	defer stmt.Close()

	for i, id := range ids {
		if i >= len(times) {
			break
		}
		if _, err := stmt.ExecContext(ctx, times[i], id); err != nil {
			return fmt.Errorf("failed to schedule send %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// CountPending returns the number of pending sends in a campaign
func (s *Store) CountPending(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_sends WHERE campaign_id = $1 AND status = $2`,
		campaignID, SendPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending sends: %w", err)
	}
	return n, nil
}

// ClaimDueSends leases a batch of due sends for delivery. Only sends of
// actively sending campaigns are eligible. Claimed rows have their
// scheduled_at pushed past the lease so concurrent workers and the next
// poll cannot grab them; status and attempts are untouched until the
// executor commits to an attempt.
func (s *Store) ClaimDueSends(ctx context.Context, limit int) ([]Send, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT s.id, s.campaign_id, s.recipient_id, s.email, s.recipient_name, s.status,
		       s.attempts, s.tracking_id, s.scheduled_at, s.created_at
		FROM email_sends s
		JOIN email_campaigns c ON c.id = s.campaign_id
		WHERE s.status = $1
		  AND c.status = $2
		  AND s.scheduled_at IS NOT NULL
		  AND s.scheduled_at <= NOW()
		  AND s.attempts < $3
		ORDER BY s.scheduled_at
		LIMIT $4
		FOR UPDATE OF s SKIP LOCKED`,
		SendPending, StatusSending, MaxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due sends: %w", err)
	}

	var sends []Send
	for rows.Next() {
		var send Send
		if err := rows.Scan(&send.ID, &send.CampaignID, &send.RecipientID, &send.Email,
			&send.RecipientName, &send.Status, &send.Attempts, &send.TrackingID,
			&send.ScheduledAt, &send.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan send: %w", err)
		}
		sends = append(sends, send)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(sends) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]uuid.UUID, len(sends))
	for i, send := range sends {
		ids[i] = send.ID
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE email_sends SET scheduled_at = NOW() + $1::interval WHERE id = ANY($2)`,
		claimLease.String(), pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lease sends: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return sends, nil
}

// BeginAttempt atomically consumes one delivery attempt. Returns false
// when the send is no longer pending or its attempt budget is exhausted,
// in which case the caller must not deliver.
func (s *Store) BeginAttempt(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE email_sends SET attempts = attempts + 1
		WHERE id = $1 AND status = $2 AND attempts < $3`,
		id, SendPending, MaxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to begin attempt: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// MarkSent records a successful delivery
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_sends SET status = $1, sent_at = NOW(), error_message = ''
		WHERE id = $2`, SendSent, id)
	if err != nil {
		return fmt.Errorf("failed to mark send sent: %w", err)
	}
	return nil
}

// MarkFailed records a transient delivery failure
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_sends SET status = $1, error_message = $2
		WHERE id = $3`, SendFailed, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark send failed: %w", err)
	}
	return nil
}

// MarkBounced records a permanent mailbox failure
func (s *Store) MarkBounced(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_sends SET status = $1, error_message = $2
		WHERE id = $3`, SendBounced, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark send bounced: %w", err)
	}
	return nil
}

// MarkSkipped marks a pending send skipped with the reason. Used when a
// recipient unsubscribes between build and dispatch.
func (s *Store) MarkSkipped(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_sends SET status = $1, error_message = $2
		WHERE id = $3 AND status = $4`, SendSkipped, reason, id, SendPending)
	if err != nil {
		return fmt.Errorf("failed to mark send skipped: %w", err)
	}
	return nil
}

// ResetFailedSends puts a campaign's retryable failed sends back to
// pending with a cleared error so they can be rescheduled. Bounced sends
// and sends out of attempt budget are left alone. Returns the number of
// sends reset.
func (s *Store) ResetFailedSends(ctx context.Context, campaignID uuid.UUID) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE email_sends SET status = $1, error_message = '', scheduled_at = NULL
		WHERE campaign_id = $2 AND status = $3 AND attempts < $4`,
		SendPending, campaignID, SendFailed, MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed sends: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// GetSendByTrackingID returns the send owning a tracking ID, or nil when
// unknown
func (s *Store) GetSendByTrackingID(ctx context.Context, trackingID uuid.UUID) (*Send, error) {
	var send Send
	err := s.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, recipient_id, email, recipient_name, status, attempts, tracking_id,
		       scheduled_at, sent_at, opened_at, open_count, COALESCE(opened_ip, ''),
		       COALESCE(opened_user_agent, ''), COALESCE(error_message, ''), created_at
		FROM email_sends WHERE tracking_id = $1`, trackingID).Scan(
		&send.ID, &send.CampaignID, &send.RecipientID, &send.Email, &send.RecipientName,
		&send.Status, &send.Attempts, &send.TrackingID, &send.ScheduledAt, &send.SentAt,
		&send.OpenedAt, &send.OpenCount, &send.OpenedIP, &send.OpenedUserAgent,
		&send.ErrorMessage, &send.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get send by tracking id: %w", err)
	}
	return &send, nil
}

// ListSends returns a campaign's sends oldest first
func (s *Store) ListSends(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]Send, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, recipient_id, email, recipient_name, status, attempts, tracking_id,
		       scheduled_at, sent_at, opened_at, open_count, COALESCE(opened_ip, ''),
		       COALESCE(opened_user_agent, ''), COALESCE(error_message, ''), created_at
		FROM email_sends
		WHERE campaign_id = $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3`, campaignID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sends: %w", err)
	}
	defer rows.Close()

	var sends []Send
	for rows.Next() {
		var send Send
		if err := rows.Scan(&send.ID, &send.CampaignID, &send.RecipientID, &send.Email,
			&send.RecipientName, &send.Status, &send.Attempts, &send.TrackingID,
			&send.ScheduledAt, &send.SentAt, &send.OpenedAt, &send.OpenCount,
			&send.OpenedIP, &send.OpenedUserAgent, &send.ErrorMessage, &send.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan send: %w", err)
		}
		sends = append(sends, send)
	}
	return sends, rows.Err()
}

// RecordOpen registers a tracking pixel hit in one atomic update. The
// open counter always increments; the first open additionally promotes a
// sent send to opened and captures when/where it happened. Later opens
// never overwrite the first-open fields. Returns the updated send, or nil
// for an unknown tracking ID.
func (s *Store) RecordOpen(ctx context.Context, trackingID uuid.UUID, ip, userAgent string) (*Send, error) {
	var send Send
	err := s.db.QueryRowContext(ctx, `
		UPDATE email_sends SET
			open_count = open_count + 1,
			status = CASE WHEN status = $2 THEN $3 ELSE status END,
			opened_ip = CASE WHEN opened_at IS NULL THEN $4 ELSE opened_ip END,
			opened_user_agent = CASE WHEN opened_at IS NULL THEN $5 ELSE opened_user_agent END,
			opened_at = COALESCE(opened_at, NOW())
		WHERE tracking_id = $1
		RETURNING id, campaign_id, email, status, open_count, opened_at`,
		trackingID, SendSent, SendOpened, ip, userAgent).Scan(
		&send.ID, &send.CampaignID, &send.Email, &send.Status, &send.OpenCount, &send.OpenedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record open: %w", err)
	}
	send.TrackingID = trackingID
	return &send, nil
}

// InsertClick appends one click record
func (s *Store) InsertClick(ctx context.Context, click *Click) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_clicks (id, send_id, url, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		click.ID, click.SendID, click.URL, click.IP, click.UserAgent)
	if err != nil {
		return fmt.Errorf("failed to insert click: %w", err)
	}
	return nil
}

// ListClicks returns the clicks recorded for a send, newest first
func (s *Store) ListClicks(ctx context.Context, sendID uuid.UUID) ([]Click, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, send_id, url, COALESCE(ip, ''), COALESCE(user_agent, ''), created_at
		FROM email_clicks WHERE send_id = $1 ORDER BY created_at DESC`, sendID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clicks: %w", err)
	}
	defer rows.Close()

	var clicks []Click
	for rows.Next() {
		var c Click
		if err := rows.Scan(&c.ID, &c.SendID, &c.URL, &c.IP, &c.UserAgent, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan click: %w", err)
		}
		clicks = append(clicks, c)
	}
	return clicks, rows.Err()
}

// WasRecentlyContacted reports whether the address received a delivered
// send within the window, across all campaigns. Case-insensitive.
func (s *Store) WasRecentlyContacted(ctx context.Context, email string, window time.Duration) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM email_sends
			WHERE LOWER(email) = LOWER($1)
			  AND status IN ($2, $3)
			  AND sent_at > NOW() - $4::interval
		)`, email, SendSent, SendOpened, window.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check contact history: %w", err)
	}
	return exists, nil
}

// HasDeliveredDuplicate reports whether another send in the same campaign
// already went out to the same address. Case-insensitive; the send being
// processed is excluded.
func (s *Store) HasDeliveredDuplicate(ctx context.Context, campaignID uuid.UUID, email string, excludeSendID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM email_sends
			WHERE campaign_id = $1
			  AND LOWER(email) = LOWER($2)
			  AND id != $3
			  AND status IN ($4, $5)
		)`, campaignID, email, excludeSendID, SendSent, SendOpened).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for duplicate send: %w", err)
	}
	return exists, nil
}

// CreateTemplate inserts a template
func (s *Store) CreateTemplate(ctx context.Context, t *Template) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_templates (id, name, subject, body_html, body_text, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`,
		t.ID, t.Name, t.Subject, t.BodyHTML, t.BodyText, t.IsActive)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// GetTemplate returns a template by ID, or nil when it does not exist
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	var t Template
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, subject, body_html, COALESCE(body_text, ''), is_active, created_at, updated_at
		FROM email_templates WHERE id = $1`, id).Scan(
		&t.ID, &t.Name, &t.Subject, &t.BodyHTML, &t.BodyText, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return &t, nil
}

// ListTemplates returns all templates, active first then by name
func (s *Store) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, subject, body_html, COALESCE(body_text, ''), is_active, created_at, updated_at
		FROM email_templates ORDER BY is_active DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Subject, &t.BodyHTML, &t.BodyText,
			&t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// UpdateTemplate updates a template's content and active flag
func (s *Store) UpdateTemplate(ctx context.Context, t *Template) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE email_templates
		SET name = $1, subject = $2, body_html = $3, body_text = $4, is_active = $5, updated_at = NOW()
		WHERE id = $6`,
		t.Name, t.Subject, t.BodyHTML, t.BodyText, t.IsActive, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("template %s not found", t.ID)
	}
	return nil
}

// DeleteTemplate removes a template unless a campaign references it
func (s *Store) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	var inUse bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM email_campaigns WHERE template_id = $1)`, id).Scan(&inUse)
	if err != nil {
		return fmt.Errorf("failed to check template usage: %w", err)
	}
	if inUse {
		return fmt.Errorf("template %s is referenced by campaigns", id)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM email_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("template %s not found", id)
	}
	return nil
}

// DashboardStats summarizes send volume across all campaigns
type DashboardStats struct {
	TotalCampaigns  int `json:"total_campaigns"`
	ActiveCampaigns int `json:"active_campaigns"`
	SentToday       int `json:"sent_today"`
	OpenedToday     int `json:"opened_today"`
	TotalSent       int `json:"total_sent"`
	TotalOpened     int `json:"total_opened"`
	TotalFailed     int `json:"total_failed"`
}

// GetDashboardStats aggregates global campaign activity
func (s *Store) GetDashboardStats(ctx context.Context) (*DashboardStats, error) {
	var stats DashboardStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = $1)
		FROM email_campaigns`, StatusSending).Scan(&stats.TotalCampaigns, &stats.ActiveCampaigns)
	if err != nil {
		return nil, fmt.Errorf("failed to count campaigns: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status IN ('sent', 'opened')),
		       COUNT(*) FILTER (WHERE status = 'opened'),
		       COUNT(*) FILTER (WHERE status IN ('failed', 'bounced')),
		       COUNT(*) FILTER (WHERE status IN ('sent', 'opened') AND sent_at >= CURRENT_DATE),
		       COUNT(*) FILTER (WHERE status = 'opened' AND opened_at >= CURRENT_DATE)
		FROM email_sends`).Scan(
		&stats.TotalSent, &stats.TotalOpened, &stats.TotalFailed, &stats.SentToday, &stats.OpenedToday)
	if err != nil {
		return nil, fmt.Errorf("failed to count sends: %w", err)
	}
	return &stats, nil
}
