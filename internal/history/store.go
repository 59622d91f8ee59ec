// Package history keeps an append-only record of runtime launches, exits,
// restarts and syncs.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a history record.
type Kind string

const (
	KindLaunch    Kind = "launch"
	KindReady     Kind = "ready"
	KindStartFail Kind = "start_failed"
	KindExit      Kind = "exit"
	KindStop      Kind = "stop"
	KindRestart   Kind = "restart"
	KindExhausted Kind = "restart_exhausted"
	KindReconcile Kind = "reconcile"
	KindSync      Kind = "sync"
	KindSyncFail  Kind = "sync_failed"
)

// Record is one history entry.
type Record struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	PID       int       `json:"pid,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Recorder is the write side used by the supervisor and synchronizer.
type Recorder interface {
	Append(ctx context.Context, rec Record) error
}

// Store persists history records through a Pool.
type Store struct {
	pool *Pool
}

type recordRow struct {
	ID        string `db:"id"`
	Kind      string `db:"kind"`
	PID       int    `db:"pid"`
	Detail    string `db:"detail"`
	Error     string `db:"error"`
	CreatedAt int64  `db:"created_at_ns"`
}

// NewStore initializes the schema and returns a store over pool.
func NewStore(ctx context.Context, pool *Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runtime_history (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at_ns BIGINT NOT NULL
	)`
	if _, err := s.pool.Writer().ExecContext(ctx, schema); err != nil {
		return err
	}
	_, err := s.pool.Writer().ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_runtime_history_created ON runtime_history (created_at_ns)`)
	return err
}

// Append inserts rec, filling ID and CreatedAt when unset.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO runtime_history (id, kind, pid, detail, error, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)`),
		rec.ID, string(rec.Kind), rec.PID, rec.Detail, rec.Error, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append history record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	r := s.pool.Reader()
	var rows []recordRow
	err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT id, kind, pid, detail, error, created_at_ns
		FROM runtime_history
		ORDER BY created_at_ns DESC, id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{
			ID:        row.ID,
			Kind:      Kind(row.Kind),
			PID:       row.PID,
			Detail:    row.Detail,
			Error:     row.Error,
			CreatedAt: time.Unix(0, row.CreatedAt).UTC(),
		})
	}
	return records, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}
