package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the hosted counterpart of SQLiteStore. Results are stored as
// {"data": <payload>} documents in the configured table, which is the shape the
// analysis scripts read.
type PostgresStore struct {
	pool         *pgxpool.Pool
	resultsTable string
	codesTable   string
}

func NewPostgresStore(ctx context.Context, url, resultsTable, codesTable string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{
		pool:         pool,
		resultsTable: pgx.Identifier{resultsTable}.Sanitize(),
		codesTable:   pgx.Identifier{codesTable}.Sanitize(),
	}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        id BIGSERIAL PRIMARY KEY,
        result JSONB NOT NULL,
        completed BOOLEAN NOT NULL DEFAULT FALSE,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`, s.resultsTable))
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        code TEXT PRIMARY KEY,
        completed BOOLEAN NOT NULL DEFAULT FALSE,
        completed_at TIMESTAMPTZ,
        metadata TEXT
    )`, s.codesTable))
	return err
}

func (s *PostgresStore) IsValid(ctx context.Context, code string) (bool, error) {
	var completed bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT completed FROM %s WHERE code = $1", s.codesTable), code).Scan(&completed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query access code: %w", err)
	}
	return !completed, nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, code, metadata string) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET completed = TRUE, completed_at = NOW(), metadata = $1 WHERE code = $2", s.codesTable),
		metadata, code)
	if err != nil {
		return fmt.Errorf("failed to mark access code completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("access code not found, not marked completed")
	}
	return nil
}

func (s *PostgresStore) AddCodes(ctx context.Context, codes []string) (int, error) {
	batch := &pgx.Batch{}
	for _, code := range codes {
		batch.Queue(fmt.Sprintf("INSERT INTO %s (code) VALUES ($1) ON CONFLICT DO NOTHING", s.codesTable), code)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	count := 0
	for range codes {
		tag, err := results.Exec()
		if err != nil {
			return count, fmt.Errorf("failed to insert code: %w", err)
		}
		count += int(tag.RowsAffected())
	}
	return count, nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) WriteResult(ctx context.Context, entry ResultEntry) error {
	doc, err := json.Marshal(map[string]string{"data": entry.Payload})
	if err != nil {
		return fmt.Errorf("failed to encode result document: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (result, completed) VALUES ($1, $2)", s.resultsTable),
		string(doc), entry.Completed)
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	return nil
}
