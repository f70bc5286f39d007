package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
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

// Check probes one backing service.
type Check func(ctx context.Context) error

// PoolCheck pings the database.
func PoolCheck(pool *pgxpool.Pool) Check {
	return pool.Ping
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler runs every check and answers 503 if any fails. The pool, when
// given, adds connection statistics to the body.
func HealthHandler(checks map[string]Check, pool *pgxpool.Pool) echo.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		status, code := "healthy", http.StatusOK
		results := make(map[string]checkResult, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				results[name] = checkResult{Status: "unhealthy", Error: err.Error()}
				status, code = "unhealthy", http.StatusServiceUnavailable
				continue
			}
			results[name] = checkResult{Status: "healthy"}
		}

		body := map[string]any{"status": status, "checks": results}
		if pool != nil {
			body["pool"] = GetPoolStats(pool)
		}
		return c.JSON(code, body)
	}
}
