package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/egress/idgen"
	"github.com/hazyhaar/egress/kit"
)

// RequestEntry is one served HTTP request.
type RequestEntry struct {
	TraceID    string
	Method     string
	Path       string
	Status     int
	Duration   time.Duration
	RemoteIP   string
	UserAgent  string
	ReceivedAt time.Time
}

// RequestLog records served requests into http_request_logs. Only the path
// is kept: query strings carry client-supplied target URLs.
type RequestLog struct {
	db     *sql.DB
	logger *slog.Logger
	newID  idgen.Generator
	queue  chan RequestEntry

	mu      sync.Mutex
	closed  bool
	dropped int64

	once sync.Once
	done chan struct{}
}

// NewRequestLog starts a writer with a queue of queueSize entries.
func NewRequestLog(db *sql.DB, queueSize int, logger *slog.Logger) *RequestLog {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &RequestLog{
		db:     db,
		logger: logger,
		newID:  idgen.Prefixed("hrl_", idgen.Default),
		queue:  make(chan RequestEntry, queueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Middleware records every request passing through next.
func (l *RequestLog) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ip := kit.GetRemoteAddr(r.Context())
		if ip == "" {
			var err error
			if ip, _, err = net.SplitHostPort(r.RemoteAddr); err != nil {
				ip = r.RemoteAddr
			}
		}
		l.Log(RequestEntry{
			TraceID:    kit.GetTraceID(r.Context()),
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     status,
			Duration:   time.Since(start),
			RemoteIP:   ip,
			UserAgent:  r.UserAgent(),
			ReceivedAt: start,
		})
	})
}

// Log queues e, dropping it when the queue is full or the log is closed.
func (l *RequestLog) Log(e RequestEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		l.dropped++
		return
	}
	select {
	case l.queue <- e:
	default:
		l.dropped++
		l.logger.Debug("observability: request log full, entry dropped", "path", e.Path)
	}
}

// Dropped reports how many entries were discarded.
func (l *RequestLog) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close drains the queue and stops the writer. Later entries are dropped.
func (l *RequestLog) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done
	return nil
}

func (l *RequestLog) run() {
	defer close(l.done)
	for e := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO http_request_logs (
				log_id, trace_id, method, path, status_code, duration_ms,
				ip_address, user_agent, created_at
			) VALUES (?,?,?,?,?,?,?,?,?)`,
			l.newID(), e.TraceID, e.Method, e.Path, e.Status, e.Duration.Milliseconds(),
			e.RemoteIP, e.UserAgent, e.ReceivedAt.Unix())
		cancel()
		if err != nil {
			l.logger.Error("observability: request log insert", "error", err, "path", e.Path)
		}
	}
}
