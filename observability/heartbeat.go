package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

// Probe reports gateway load at heartbeat time.
type Probe func() (inFlight, imageCacheEntries int)

// HeartbeatWriter writes periodic liveness rows with runtime and gateway
// load figures.
type HeartbeatWriter struct {
	db         *sql.DB
	logger     *slog.Logger
	workerName string
	hostname   string
	pid        int
	interval   time.Duration
	probe      Probe

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// NewHeartbeatWriter creates a writer. probe may be nil.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration, probe Probe, logger *slog.Logger) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatWriter{
		db:         db,
		logger:     logger,
		workerName: workerName,
		hostname:   hostname,
		pid:        os.Getpid(),
		interval:   interval,
		probe:      probe,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start writes one heartbeat immediately, then one per interval until Stop
// or ctx ends.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// Stop ends the loop and waits for it.
func (hw *HeartbeatWriter) Stop() {
	hw.once.Do(func() { close(hw.stop) })
	<-hw.done
}

// WriteHeartbeat writes a single row.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	var inFlight, entries int
	if hw.probe != nil {
		inFlight, entries = hw.probe()
	}
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, in_flight, image_cache_entries
		) VALUES (?,?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.pid, time.Now().Unix(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, inFlight, entries)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	for {
		if err := hw.WriteHeartbeat(ctx); err != nil && ctx.Err() == nil {
			hw.logger.Error("observability: heartbeat write failed", "error", err, "worker", hw.workerName)
		}
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
		}
	}
}

// HeartbeatStatus is the latest heartbeat of a worker.
type HeartbeatStatus struct {
	WorkerName        string    `json:"worker_name"`
	Hostname          string    `json:"hostname"`
	PID               int       `json:"pid"`
	Timestamp         time.Time `json:"timestamp"`
	Goroutines        int       `json:"goroutines"`
	MemoryAllocMB     float64   `json:"memory_alloc_mb"`
	InFlight          int       `json:"in_flight"`
	ImageCacheEntries int       `json:"image_cache_entries"`
	Alive             bool      `json:"alive"`
}

// LatestHeartbeat returns the newest heartbeat of workerName, alive when
// younger than staleAfter. It returns nil, nil when none exists.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, staleAfter time.Duration) (*HeartbeatStatus, error) {
	var hs HeartbeatStatus
	var ts int64
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp,
		       goroutines_count, memory_alloc_mb, in_flight, image_cache_entries
		FROM worker_heartbeats WHERE worker_name = ?
		ORDER BY timestamp DESC LIMIT 1`, workerName).Scan(
		&hs.WorkerName, &hs.Hostname, &hs.PID, &ts,
		&hs.Goroutines, &hs.MemoryAllocMB, &hs.InFlight, &hs.ImageCacheEntries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeat: %w", err)
	}
	hs.Timestamp = time.Unix(ts, 0)
	hs.Alive = time.Since(hs.Timestamp) <= staleAfter
	return &hs, nil
}
