package store

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore keeps access codes and persisted results in a local database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and avoids
	// "database is locked" under concurrent sink writes.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS access_codes (
        code TEXT PRIMARY KEY,
        completed BOOLEAN NOT NULL DEFAULT FALSE,
        completed_at DATETIME,
        metadata TEXT
    );

    CREATE TABLE IF NOT EXISTS results (
        id TEXT PRIMARY KEY, -- UUID
        participant_id TEXT NOT NULL,
        data TEXT NOT NULL,
        completed BOOLEAN NOT NULL DEFAULT FALSE,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// Access code methods

func (s *SQLiteStore) IsValid(ctx context.Context, code string) (bool, error) {
	var completed bool
	err := s.db.QueryRowContext(ctx, "SELECT completed FROM access_codes WHERE code = ?", code).Scan(&completed)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to query access code: %w", err)
	}
	return !completed, nil
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, code, metadata string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE access_codes SET completed = TRUE, completed_at = ?, metadata = ? WHERE code = ?",
		time.Now().UTC(), metadata, code)
	if err != nil {
		return fmt.Errorf("failed to mark access code completed: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("access code not found, not marked completed")
	}
	return nil
}

// AddCodes inserts codes, skipping ones that already exist. It returns how many
// were new.
func (s *SQLiteStore) AddCodes(ctx context.Context, codes []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin code import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO access_codes (code) VALUES (?)")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare code insert: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, code := range codes {
		res, err := stmt.ExecContext(ctx, code)
		if err != nil {
			return 0, fmt.Errorf("failed to insert code %q: %w", code, err)
		}
		n, _ := res.RowsAffected()
		count += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit code import: %w", err)
	}
	return count, nil
}

// Result methods

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) WriteResult(ctx context.Context, entry ResultEntry) error {
	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO results (id, participant_id, data, completed, created_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare result insert: %w", err)
	}
	defer stmt.Close()

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = stmt.ExecContext(ctx, uuid.NewString(), entry.ParticipantID, entry.Payload, entry.Completed, createdAt)
	if err != nil {
		return fmt.Errorf("failed to execute result insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListResults(ctx context.Context) ([]ResultEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT participant_id, data, completed, created_at FROM results ORDER BY created_at ASC, rowid ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var entries []ResultEntry
	for rows.Next() {
		var e ResultEntry
		if err := rows.Scan(&e.ParticipantID, &e.Payload, &e.Completed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReadCodes reads one code per line, ignoring blanks and '#' comments. Lines in
// the "label,code" form produced for the recruiting platform keep the last field.
func ReadCodes(r io.Reader) ([]string, error) {
	var codes []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.LastIndex(line, ","); i >= 0 {
			line = strings.TrimSpace(line[i+1:])
		}
		if line != "" {
			codes = append(codes, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read codes: %w", err)
	}
	return codes, nil
}
