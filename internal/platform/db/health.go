package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the JSON view of the pgx pool counters.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check is a named dependency probe reported by HealthHandler.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// PoolCheck pings the database.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{Name: "database", Fn: pool.Ping}
}

// HealthResponse is the body returned by HealthHandler.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Pool   *PoolStats        `json:"pool,omitempty"`
}

// RunChecks runs every probe with a shared deadline and reports "ok" or the
// error text per probe. healthy is false when any probe failed.
func RunChecks(ctx context.Context, checks []Check) (results map[string]string, healthy bool) {
	results = make(map[string]string, len(checks))
	healthy = true
	for _, chk := range checks {
		if err := chk.Fn(ctx); err != nil {
			results[chk.Name] = err.Error()
			healthy = false
			continue
		}
		results[chk.Name] = "ok"
	}
	return results, healthy
}

// HealthHandler reports the status of the database and any extra
// dependencies, such as the Redis lock backend. pool may be nil in tests.
func HealthHandler(pool *pgxpool.Pool, extra ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		checks := extra
		if pool != nil {
			checks = append([]Check{PoolCheck(pool)}, extra...)
		}
		results, healthy := RunChecks(ctx, checks)

		resp := HealthResponse{Status: "healthy", Checks: results}
		if pool != nil {
			stats := GetPoolStats(pool)
			resp.Pool = &stats
		}
		if !healthy {
			resp.Status = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
		return c.JSON(http.StatusOK, resp)
	}
}
