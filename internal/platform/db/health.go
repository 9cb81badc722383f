package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is a point-in-time snapshot of the pgx pool counters.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// StoreHealth is the payload served by the override store health endpoint.
// SchemaVersion is the highest applied migration; zero means the store has
// never been migrated.
type StoreHealth struct {
	Status        string     `json:"status"`
	PingLatency   string     `json:"ping_latency,omitempty"`
	SchemaVersion int        `json:"schema_version"`
	Error         string     `json:"error,omitempty"`
	Pool          *PoolStats `json:"pool"`
}

func snapshotPool(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// HealthHandler serves the override store's health: a liveness ping with its
// round-trip time, the schema version the store is migrated to, and the pool
// counters. An unreachable store reports 503; a reachable but unmigrated one
// is still healthy and shows schema version zero.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report := StoreHealth{Pool: snapshotPool(pool)}

		start := time.Now()
		if err := pool.Ping(ctx); err != nil {
			report.Status = "unreachable"
			report.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		report.Status = "ok"
		report.PingLatency = time.Since(start).String()

		if err := pool.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM _migrations`,
		).Scan(&report.SchemaVersion); err != nil {
			report.SchemaVersion = 0
		}

		return c.JSON(http.StatusOK, report)
	}
}
