package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lumabridge/lumabridge/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS usage_entries (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	model TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	prompt_tokens BIGINT NOT NULL,
	completion_tokens BIGINT NOT NULL,
	success BOOLEAN NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_usage_entries_model_created ON usage_entries(model, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_usage_entries_request ON usage_entries(request_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new usage entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if entry.RequestID == "" {
		return errors.New("ledger record requires request id")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_entries(request_id, model, endpoint, prompt_tokens, completion_tokens, success, error_message, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.RequestID,
		entry.Model,
		entry.Endpoint,
		entry.PromptTokens,
		entry.CompletionTokens,
		entry.Success,
		entry.ErrorMessage,
		created,
	)
	return err
}

// SummaryByModel aggregates usage per model.
func (s *Store) SummaryByModel(ctx context.Context) ([]ledger.ModelSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT model,
       COUNT(*),
       SUM(CASE WHEN success THEN 0 ELSE 1 END),
       COALESCE(SUM(prompt_tokens), 0),
       COALESCE(SUM(completion_tokens), 0)
FROM usage_entries
GROUP BY model
ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.ModelSummary
	for rows.Next() {
		var m ledger.ModelSummary
		if err := rows.Scan(&m.Model, &m.Requests, &m.Failures, &m.PromptTokens, &m.CompletionTokens); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListRecent returns the newest entries first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, request_id, model, endpoint, prompt_tokens, completion_tokens, success, COALESCE(error_message, ''), created_at
FROM usage_entries
ORDER BY created_at DESC, id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Model, &e.Endpoint, &e.PromptTokens, &e.CompletionTokens, &e.Success, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
