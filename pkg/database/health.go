package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus reports connectivity plus pool pressure. EventCount comes
// from the event_heads global cursor, so it is a single-row read.
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	WaitDuration    int64  `json:"wait_duration_ms"`
	MaxOpenConns    int    `json:"max_open_conns"`
	EventCount      int64  `json:"event_count"`
}

// Health pings the database and returns pool statistics. The returned error
// is non-nil only when the ping fails; the status field mirrors it.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()

	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	var events int64
	// Best effort: the row is absent until the first append.
	_ = db.QueryRowContext(ctx, `SELECT next_seq FROM event_heads WHERE scope = 'g'`).Scan(&events)

	stats := db.Stats()
	return &HealthStatus{
		Status:          "healthy",
		ResponseTime:    time.Since(start).Milliseconds(),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration.Milliseconds(),
		MaxOpenConns:    stats.MaxOpenConnections,
		EventCount:      events,
	}, nil
}
