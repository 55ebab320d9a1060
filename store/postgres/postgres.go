// Package postgres persists pipeline state and the link-enrichment cache
// using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	cadence "github.com/maelin/cadence"
)

// Store persists per-thread pipeline state and enriched link annotations in
// PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ cadence.Checkpointer = (*Store)(nil)
var _ cadence.URLCache = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables. Safe to call multiple times (all
// statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS thread_states (
			thread_id TEXT PRIMARY KEY,
			state JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS url_cache (
			url TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, ddl := range stmts {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO thread_states (thread_id, state, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (thread_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		threadID, data)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LoadState returns the last saved state for a thread. The second return is
// false when the thread has never been checkpointed.
func (s *Store) LoadState(ctx context.Context, threadID string) (cadence.State, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM thread_states WHERE thread_id = $1`, threadID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return cadence.State{}, false, nil
	}
	if err != nil {
		return cadence.State{}, false, fmt.Errorf("load state: %w", err)
	}
	var state cadence.State
	if err := json.Unmarshal(data, &state); err != nil {
		return cadence.State{}, false, fmt.Errorf("unmarshal state: %w", err)
	}
	return state, true, nil
}

// GetURL returns the cached enrichment for a URL.
func (s *Store) GetURL(ctx context.Context, url string) (string, bool, error) {
	var content string
	err := s.pool.QueryRow(ctx,
		`SELECT content FROM url_cache WHERE url = $1`, url).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get url: %w", err)
	}
	return content, true, nil
}

// PutURL upserts the enrichment for a URL.
func (s *Store) PutURL(ctx context.Context, url, content string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO url_cache (url, content, created_at) VALUES ($1, $2, now())
		 ON CONFLICT (url) DO UPDATE SET content = EXCLUDED.content`,
		url, content)
	if err != nil {
		return fmt.Errorf("put url: %w", err)
	}
	return nil
}
