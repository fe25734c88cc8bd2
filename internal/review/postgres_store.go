package review

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. The partial unique
// index on open items is what makes Add idempotent across instances.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed review store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the review_queue table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS review_queue (
			id             VARCHAR(40) PRIMARY KEY,
			transaction_id VARCHAR(64) NOT NULL,
			user_id        VARCHAR(64) NOT NULL,
			risk_score     INT NOT NULL,
			reason         TEXT NOT NULL DEFAULT '',
			status         VARCHAR(20) NOT NULL DEFAULT 'pending',
			assigned_to    VARCHAR(64),
			decision       VARCHAR(20),
			notes          TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			assigned_at    TIMESTAMPTZ,
			completed_at   TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_review_queue_open_tx
			ON review_queue(transaction_id)
			WHERE status IN ('pending', 'in_review');
		CREATE INDEX IF NOT EXISTS idx_review_queue_status ON review_queue(status);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, item *Item) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO review_queue (
			id, transaction_id, user_id, risk_score, reason, status,
			assigned_to, decision, notes, created_at, assigned_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		item.ID, item.TransactionID, item.UserID, item.RiskScore, item.Reason,
		string(item.Status), nullString(item.AssignedTo), nullString(item.Decision),
		item.Notes, item.CreatedAt, item.AssignedAt, item.CompletedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateOpen
		}
		return fmt.Errorf("insert review item: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Item, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id))
}

func (p *PostgresStore) GetOpenByTransaction(ctx context.Context, transactionID string) (*Item, error) {
	return p.scanOne(p.db.QueryRowContext(ctx,
		selectColumns+` WHERE transaction_id = $1 AND status IN ('pending', 'in_review')`,
		transactionID))
}

func (p *PostgresStore) Update(ctx context.Context, item *Item) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE review_queue
		SET status = $2, assigned_to = $3, decision = $4, notes = $5,
			assigned_at = $6, completed_at = $7
		WHERE id = $1
	`,
		item.ID, string(item.Status), nullString(item.AssignedTo),
		nullString(item.Decision), item.Notes, item.AssignedAt, item.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update review item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit, offset int) ([]*Item, error) {
	if limit <= 0 {
		limit = 50
	}

	query := selectColumns
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`
		args = append(args, string(status), limit, offset)
	} else {
		query += ` ORDER BY created_at ASC LIMIT $1 OFFSET $2`
		args = append(args, limit, offset)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list review items: %w", err)
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM review_queue WHERE status IN ('pending', 'in_review')`).Scan(&n)
	return n, err
}

const selectColumns = `
	SELECT id, transaction_id, user_id, risk_score, reason, status,
		assigned_to, decision, notes, created_at, assigned_at, completed_at
	FROM review_queue`

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanOne(row *sql.Row) (*Item, error) {
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	return item, err
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var status string
	var assignedTo, decision sql.NullString

	err := row.Scan(&item.ID, &item.TransactionID, &item.UserID, &item.RiskScore,
		&item.Reason, &status, &assignedTo, &decision, &item.Notes,
		&item.CreatedAt, &item.AssignedAt, &item.CompletedAt)
	if err != nil {
		return nil, err
	}

	item.Status = Status(status)
	item.AssignedTo = assignedTo.String
	item.Decision = decision.String
	return &item, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
