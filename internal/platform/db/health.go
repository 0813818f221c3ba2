package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
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

// Check reports whether one dependency of the server is usable. Detail is
// included in the health response when non-nil.
type Check struct {
	Name   string
	Probe  func(ctx context.Context) error
	Detail func() any
}

// PoolCheck probes the session store's pool.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{
		Name:   "database",
		Probe:  pool.Ping,
		Detail: func() any { return GetPoolStats(pool) },
	}
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

type healthResponse struct {
	Status string                 `json:"status"`
	Store  string                 `json:"store"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// HealthHandler answers 200 when every check passes and 503 otherwise. With
// no checks (memory or file store) it always reports healthy.
func HealthHandler(store string, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		resp := healthResponse{Status: "healthy", Store: store}
		code := http.StatusOK
		for _, chk := range checks {
			if resp.Checks == nil {
				resp.Checks = make(map[string]checkResult, len(checks))
			}
			res := checkResult{Status: "healthy"}
			if err := chk.Probe(ctx); err != nil {
				res.Status = "unhealthy"
				res.Error = err.Error()
				resp.Status = "unhealthy"
				code = http.StatusServiceUnavailable
			}
			if chk.Detail != nil {
				res.Detail = chk.Detail()
			}
			resp.Checks[chk.Name] = res
		}
		return c.JSON(code, resp)
	}
}
