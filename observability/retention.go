package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RetentionConfig specifies per-table retention in days. Zero keeps rows.
type RetentionConfig struct {
	MetricsDays    int
	AttemptsDays   int
	RequestsDays   int
	HeartbeatsDays int
}

// Cleanup deletes rows older than the configured retention. Table and
// column names come from a fixed list, never from input.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) (int64, error) {
	now := time.Now()
	targets := []struct {
		table, column string
		days          int
		millis        bool
	}{
		{"metrics_timeseries", "timestamp", cfg.MetricsDays, false},
		{"ai_task_attempts", "timestamp", cfg.AttemptsDays, true},
		{"http_request_logs", "created_at", cfg.RequestsDays, false},
		{"worker_heartbeats", "timestamp", cfg.HeartbeatsDays, false},
	}

	var total int64
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -t.days)
		bound := cutoff.Unix()
		if t.millis {
			bound = cutoff.UnixMilli()
		}
		res, err := db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column), bound)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", t.table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
