package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/egress/aitask"
	"github.com/hazyhaar/egress/idgen"
)

// AttemptLog persists AI task transitions. It implements aitask.Observer:
// Observe never blocks, and transitions arriving while the queue is full or
// after Close are dropped and counted.
type AttemptLog struct {
	db     *sql.DB
	logger *slog.Logger
	newID  idgen.Generator
	queue  chan aitask.Attempt

	mu      sync.Mutex
	closed  bool
	dropped int64

	once sync.Once
	done chan struct{}
}

// AttemptLogOption configures an AttemptLog.
type AttemptLogOption func(*AttemptLog)

// WithAttemptIDGenerator sets the row ID generator. Default: "att_" + UUIDv7.
func WithAttemptIDGenerator(gen idgen.Generator) AttemptLogOption {
	return func(l *AttemptLog) { l.newID = gen }
}

// NewAttemptLog starts a writer with a queue of queueSize transitions.
func NewAttemptLog(db *sql.DB, queueSize int, logger *slog.Logger, opts ...AttemptLogOption) *AttemptLog {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &AttemptLog{
		db:     db,
		logger: logger,
		newID:  idgen.Prefixed("att_", idgen.Default),
		queue:  make(chan aitask.Attempt, queueSize),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.run()
	return l
}

// Observe queues a for persistence.
func (l *AttemptLog) Observe(a aitask.Attempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.dropped++
		return
	}
	select {
	case l.queue <- a:
	default:
		l.dropped++
	}
}

// Dropped reports how many transitions were discarded.
func (l *AttemptLog) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close drains the queue and stops the writer. Later transitions are
// dropped.
func (l *AttemptLog) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done
	return nil
}

func (l *AttemptLog) run() {
	defer close(l.done)
	for a := range l.queue {
		if err := l.insert(context.Background(), a); err != nil {
			l.logger.Error("observability: attempt insert", "error", err, "task_id", a.TaskID)
		}
	}
}

func (l *AttemptLog) insert(ctx context.Context, a aitask.Attempt) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ai_task_attempts (
			attempt_id, task_id, task_type, status, attempt, entry_id, cache_key,
			code, message, http_status, retry_in_ms, timestamp
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.newID(), a.TaskID, string(a.Task), string(a.Status), a.Attempt, a.EntryID, a.CacheKey,
		string(a.Code), a.Message, a.HTTPStatus, a.RetryInMs, a.Timestamp.UnixMilli())
	return err
}

// TaskHistory returns the persisted transitions of one task in the order
// they were recorded.
func TaskHistory(ctx context.Context, db *sql.DB, taskID string) ([]aitask.Attempt, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT task_id, task_type, status, attempt, entry_id, cache_key, code, message,
		       http_status, retry_in_ms, timestamp
		FROM ai_task_attempts WHERE task_id = ? ORDER BY attempt_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []aitask.Attempt
	for rows.Next() {
		var a aitask.Attempt
		var typ, status, code string
		var entry, key, msg sql.NullString
		var ms int64
		if err := rows.Scan(&a.TaskID, &typ, &status, &a.Attempt, &entry, &key, &code, &msg,
			&a.HTTPStatus, &a.RetryInMs, &ms); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Task = aitask.TaskType(typ)
		a.Status = aitask.Status(status)
		a.Code = aitask.Code(code)
		a.EntryID, a.CacheKey, a.Message = entry.String, key.String, msg.String
		a.Timestamp = time.UnixMilli(ms).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
