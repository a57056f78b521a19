// Package resultcache stores AI task outputs in SQLite, keyed by the task
// cache key. It implements aitask.ResultCache.
package resultcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/egress/dbopen"
)

// Schema creates the result table. Pass it to dbopen.WithSchema or run
// Init.
const Schema = `
CREATE TABLE IF NOT EXISTS ai_results (
    cache_key  TEXT PRIMARY KEY,
    task_type  TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_results_created ON ai_results(created_at);
`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Store is a SQLite-backed result cache.
type Store struct {
	db     *sql.DB
	maxAge time.Duration
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxAge makes entries older than d invisible to Get. 0 keeps them
// forever.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store on db, which must already carry Schema.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the cached content for key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var content string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT content, created_at FROM ai_results WHERE cache_key = ?`, key).Scan(&content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resultcache: get: %w", err)
	}
	if s.maxAge > 0 && s.now().Sub(time.Unix(created, 0)) > s.maxAge {
		return "", false, nil
	}
	return content, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO ai_results (cache_key, task_type, content, created_at) VALUES (?,?,?,?)
		ON CONFLICT(cache_key) DO UPDATE SET content = excluded.content, created_at = excluded.created_at`,
		key, taskType(key), value, s.now().Unix())
	if err != nil {
		return fmt.Errorf("resultcache: set: %w", err)
	}
	return nil
}

// Purge deletes entries created before cutoff and returns how many went.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM ai_results WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("resultcache: purge: %w", err)
	}
	return res.RowsAffected()
}

// taskType is the key prefix ("summary:ab12..." -> "summary").
func taskType(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return ""
}
