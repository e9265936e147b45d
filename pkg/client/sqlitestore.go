package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteStore keeps records in a single sqlite table
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database at path
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS stream_state (
			session_id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			last_event_id INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_stream_state_updated ON stream_state(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, prompt, last_event_id, content, status, error, updated_at
		FROM stream_state WHERE session_id = ?`, sessionID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load state: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_state (session_id, prompt, last_event_id, content, status, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			prompt = excluded.prompt,
			last_event_id = excluded.last_event_id,
			content = excluded.content,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		rec.SessionID, rec.Prompt, int64(rec.LastEventID), rec.Content,
		string(rec.Status), rec.Error, rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	s.logger.Debug().
		Str("session_id", rec.SessionID).
		Uint64("last_event_id", rec.LastEventID).
		Msg("Client state saved")
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stream_state WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// List returns every saved record, most recently updated first
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, prompt, last_event_id, content, status, error, updated_at
		FROM stream_state ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec       Record
		lastID    int64
		status    string
		updatedAt int64
	)
	if err := row.Scan(&rec.SessionID, &rec.Prompt, &lastID, &rec.Content, &status, &rec.Error, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.LastEventID = uint64(lastID)
	rec.Status = State(status)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}
