// Package sqlite provides a durable core.Persister backed by SQLite
// (modernc.org/sqlite, no cgo). Messages are unique per run id; repeated
// persistence calls for a run are ignored.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/runstream/core"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by an incompatible version.
var ErrSchemaMismatch = errors.New("sqlite: schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store persists assistant messages in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the message database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: database path is required")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: ensure directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	// one connection: concurrent finalizations queue on the pool
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: connect: %w", err)
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// dsn carries the pragmas in the connection string, so every connection the
// pool opens gets them.
func dsn(path string) string {
	const busy = "_pragma=busy_timeout(5000)"
	if path == MemoryPath {
		return "file::memory:?" + busy
	}
	return "file:" + filepath.ToSlash(path) + "?" + busy + "&_pragma=journal_mode(WAL)"
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// PersistAssistantMessage implements core.Persister.
func (s *Store) PersistAssistantMessage(ctx context.Context, conversationID, runID, finalText string, sources []core.Source) error {
	var encoded any
	if len(sources) > 0 {
		b, err := json.Marshal(sources)
		if err != nil {
			return fmt.Errorf("sqlite: encode sources: %w", err)
		}
		encoded = string(b)
	}
	return s.insert(ctx, conversationID, runID, finalText, core.MessageComplete, encoded)
}

// PersistPartialMessage implements core.Persister.
func (s *Store) PersistPartialMessage(ctx context.Context, conversationID, runID, partialText string, cancelled bool) error {
	status := core.MessageFailed
	if cancelled {
		status = core.MessageCancelled
	}
	return s.insert(ctx, conversationID, runID, partialText, status, nil)
}

func (s *Store) insert(ctx context.Context, conversationID, runID, content string, status core.MessageStatus, sources any) error {
	ctx = ensureContext(ctx)
	err := retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO messages (run_id, conversation_id, role, content, status, sources, created_at)
			VALUES (?, ?, 'assistant', ?, ?, ?, ?)
			ON CONFLICT(run_id) DO NOTHING`,
			runID, conversationID, content, string(status), sources, time.Now().UTC().Format(time.RFC3339Nano))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("sqlite: insert message for run %s: %w", runID, err)
	}
	return nil
}

// ListMessages implements core.MessageLister.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]core.Message, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, conversation_id, role, content, status, sources, created_at
		FROM messages WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var (
			m       core.Message
			status  string
			sources sql.NullString
			created string
		)
		if err := rows.Scan(&m.RunID, &m.ConversationID, &m.Role, &m.Content, &status, &sources, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		m.Status = core.MessageStatus(status)
		if sources.Valid && sources.String != "" {
			if err := json.Unmarshal([]byte(sources.String), &m.Sources); err != nil {
				return nil, fmt.Errorf("sqlite: decode sources of run %s: %w", m.RunID, err)
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			m.CreatedAt = ts
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("sqlite: check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("sqlite: create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit schema: %w", err)
	}
	return nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
