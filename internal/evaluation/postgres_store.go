package evaluation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. Signals and timings
// are stored as JSONB; the audit trail is read far less than it is written.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the evaluations table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS evaluations (
			id             VARCHAR(40) PRIMARY KEY,
			transaction_id VARCHAR(64) NOT NULL,
			user_id        VARCHAR(64) NOT NULL,
			risk_score     INT NOT NULL,
			risk_level     VARCHAR(10) NOT NULL,
			decision       VARCHAR(20) NOT NULL,
			signals        JSONB NOT NULL DEFAULT '[]',
			metadata       JSONB NOT NULL DEFAULT '{}',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_evaluations_tx ON evaluations(transaction_id);
		CREATE INDEX IF NOT EXISTS idx_evaluations_decision ON evaluations(decision);
	`)
	return err
}

func (p *PostgresStore) Record(ctx context.Context, result *Result) error {
	signals, err := json.Marshal(result.Signals)
	if err != nil {
		return fmt.Errorf("encode signals: %w", err)
	}
	metadata, err := json.Marshal(result.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, transaction_id, user_id, risk_score, risk_level, decision, signals, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`,
		result.ID, result.TransactionID, result.UserID, result.RiskScore,
		string(result.RiskLevel), string(result.Decision), signals, metadata,
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Result, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, selectEvaluation+` WHERE id = $1`, id))
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Result, error) {
	return p.scanOne(p.db.QueryRowContext(ctx,
		selectEvaluation+` WHERE transaction_id = $1 ORDER BY created_at DESC LIMIT 1`,
		transactionID))
}

const selectEvaluation = `
	SELECT id, transaction_id, user_id, risk_score, risk_level, decision, signals, metadata
	FROM evaluations`

func (p *PostgresStore) scanOne(row *sql.Row) (*Result, error) {
	var res Result
	var level, decision string
	var signals, metadata []byte

	err := row.Scan(&res.ID, &res.TransactionID, &res.UserID, &res.RiskScore,
		&level, &decision, &signals, &metadata)
	if err == sql.ErrNoRows {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan evaluation: %w", err)
	}

	res.RiskLevel = RiskLevel(level)
	res.Decision = Decision(decision)
	if err := json.Unmarshal(signals, &res.Signals); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	if err := json.Unmarshal(metadata, &res.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	res.RecommendedAction = actionFor(res.Decision)
	return &res, nil
}
