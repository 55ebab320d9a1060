// Package sqlite persists pipeline state and the link-enrichment cache using
// pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cadence "github.com/maelin/cadence"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs are
// emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store persists per-thread pipeline state and enriched link annotations in
// a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ cadence.Checkpointer = (*Store)(nil)
var _ cadence.URLCache = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS thread_states (
			thread_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS url_cache (
			url TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// SaveState upserts the serialized pipeline state for a thread.
func (s *Store) SaveState(ctx context.Context, threadID string, state cadence.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO thread_states (thread_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		threadID, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	s.logger.Debug("sqlite: state saved", "thread", threadID, "bytes", len(data))
	return nil
}

// LoadState returns the last saved state for a thread. The second return is
// false when the thread has never been checkpointed.
func (s *Store) LoadState(ctx context.Context, threadID string) (cadence.State, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM thread_states WHERE thread_id = ?`, threadID).Scan(&data)
	if err == sql.ErrNoRows {
		return cadence.State{}, false, nil
	}
	if err != nil {
		return cadence.State{}, false, fmt.Errorf("load state: %w", err)
	}
	var state cadence.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return cadence.State{}, false, fmt.Errorf("unmarshal state: %w", err)
	}
	return state, true, nil
}

// GetURL returns the cached enrichment for a URL.
func (s *Store) GetURL(ctx context.Context, url string) (string, bool, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM url_cache WHERE url = ?`, url).Scan(&content)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get url: %w", err)
	}
	return content, true, nil
}

// PutURL upserts the enrichment for a URL.
func (s *Store) PutURL(ctx context.Context, url, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO url_cache (url, content, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET content = excluded.content`,
		url, content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("put url: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }
