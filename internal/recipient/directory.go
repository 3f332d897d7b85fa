// Package recipient reads the tenant's recipient directory: the existing
// table of people a campaign can target. The directory is owned by the
// host application; this package only reads it, plus one writeback for
// flagging bad mailboxes.
package recipient

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/lib/pq"
)

// Recipient is one directory row. Invalid is only meaningful when the
// directory carries an invalid-flag column; HasInvalidFlag says so.
type Recipient struct {
	ID             int64  `json:"id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	Invalid        bool   `json:"invalid"`
	HasInvalidFlag bool   `json:"-"`
}

// Directory provides read access to the recipient pool
type Directory interface {
	// Find returns the recipient with the given ID, or nil when absent
	Find(ctx context.Context, id int64) (*Recipient, error)
	// FindByIDs returns the recipients matching ids; missing IDs are
	// silently absent from the result
	FindByIDs(ctx context.Context, ids []int64) ([]Recipient, error)
	// Stream walks the whole directory in batches
	Stream(ctx context.Context, batchSize int, fn func([]Recipient) error) error
	// MarkInvalid flags a mailbox as permanently bad. A no-op for
	// directories without an invalid column.
	MarkInvalid(ctx context.Context, id int64) error
}

// PostgresDirectory reads recipients from a configurable table. Column
// names come from config so the dispatcher can sit on top of whatever
// schema the host application already has.
type PostgresDirectory struct {
	db  *sql.DB
	cfg config.DirectoryConfig
}

// NewPostgresDirectory creates a directory over the configured table
func NewPostgresDirectory(db *sql.DB, cfg config.DirectoryConfig) *PostgresDirectory {
	return &PostgresDirectory{db: db, cfg: cfg}
}

func (d *PostgresDirectory) hasInvalidFlag() bool {
	return d.cfg.InvalidColumn != ""
}

func (d *PostgresDirectory) selectColumns() string {
	cols := fmt.Sprintf("%s, %s, COALESCE(%s, '')", d.cfg.IDColumn, d.cfg.EmailColumn, d.cfg.NameColumn)
	if d.hasInvalidFlag() {
		cols += fmt.Sprintf(", COALESCE(%s, false)", d.cfg.InvalidColumn)
	}
	return cols
}

func (d *PostgresDirectory) scanRow(scan func(...any) error) (Recipient, error) {
	r := Recipient{HasInvalidFlag: d.hasInvalidFlag()}
	if d.hasInvalidFlag() {
		err := scan(&r.ID, &r.Email, &r.Name, &r.Invalid)
		return r, err
	}
	err := scan(&r.ID, &r.Email, &r.Name)
	return r, err
}

// Find returns one recipient by ID, or nil when absent
func (d *PostgresDirectory) Find(ctx context.Context, id int64) (*Recipient, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		d.selectColumns(), d.cfg.Table, d.cfg.IDColumn)
	row := d.db.QueryRowContext(ctx, query, id)
	r, err := d.scanRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find recipient: %w", err)
	}
	return &r, nil
}

// FindByIDs returns the recipients matching ids, in directory order
func (d *PostgresDirectory) FindByIDs(ctx context.Context, ids []int64) ([]Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ANY($1) ORDER BY %s",
		d.selectColumns(), d.cfg.Table, d.cfg.IDColumn, d.cfg.IDColumn)
	rows, err := d.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients: %w", err)
	}
	defer rows.Close()

	var recipients []Recipient
	for rows.Next() {
		r, err := d.scanRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// Stream walks the directory in ID order, batchSize rows at a time.
// Keyset pagination, so new rows added mid-walk behind the cursor are not
// revisited.
func (d *PostgresDirectory) Stream(ctx context.Context, batchSize int, fn func([]Recipient) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	var cursor int64
	for {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s > $1 ORDER BY %s LIMIT $2",
			d.selectColumns(), d.cfg.Table, d.cfg.IDColumn, d.cfg.IDColumn)
		rows, err := d.db.QueryContext(ctx, query, cursor, batchSize)
		if err != nil {
			return fmt.Errorf("failed to stream recipients: %w", err)
		}

		var batch []Recipient
		for rows.Next() {
			r, err := d.scanRow(rows.Scan)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan recipient: %w", err)
			}
			batch = append(batch, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		cursor = batch[len(batch)-1].ID
		if len(batch) < batchSize {
			return nil
		}
	}
}

// MarkInvalid flags a recipient's mailbox as bad. Directories without an
// invalid column ignore the call; the bounce is still recorded on the
// send itself.
func (d *PostgresDirectory) MarkInvalid(ctx context.Context, id int64) error {
	if !d.hasInvalidFlag() {
		return nil
	}
	var query string
	if d.cfg.BouncedAtColumn != "" {
		query = fmt.Sprintf("UPDATE %s SET %s = true, %s = NOW() WHERE %s = $1",
			d.cfg.Table, d.cfg.InvalidColumn, d.cfg.BouncedAtColumn, d.cfg.IDColumn)
	} else {
		query = fmt.Sprintf("UPDATE %s SET %s = true WHERE %s = $1",
			d.cfg.Table, d.cfg.InvalidColumn, d.cfg.IDColumn)
	}
	if _, err := d.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark recipient invalid: %w", err)
	}
	return nil
}
