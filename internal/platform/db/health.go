package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the subset of pgxpool statistics exposed on /health.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	WaitDuration  string `json:"acquire_wait"`
}

func GetPoolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		WaitDuration:  stat.AcquireDuration().String(),
	}
}

// Check is one named readiness probe.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// PingCheck verifies the pool can reach the database.
func PingCheck(pool *pgxpool.Pool) Check {
	return Check{Name: "database", Run: pool.Ping}
}

// MigrationsCheck fails while any embedded migration is pending or has been
// edited after it was applied.
func MigrationsCheck(m *Migrator) Check {
	return Check{Name: "migrations", Run: func(ctx context.Context) error {
		statuses, err := m.Status(ctx)
		if err != nil {
			return err
		}
		return pendingError(statuses)
	}}
}

type migrationsError struct{ pending, modified []string }

func (e *migrationsError) Error() string {
	msg := ""
	if len(e.pending) > 0 {
		msg = "pending: " + join(e.pending)
	}
	if len(e.modified) > 0 {
		if msg != "" {
			msg += "; "
		}
		msg += "modified: " + join(e.modified)
	}
	return msg
}

func join(names []string) string {
	out := names[0]
	for _, n := range names[1:] {
		out += ", " + n
	}
	return out
}

func pendingError(statuses []MigrationStatus) error {
	e := &migrationsError{}
	for _, s := range statuses {
		switch {
		case !s.Applied:
			e.pending = append(e.pending, s.Name)
		case s.Modified:
			e.modified = append(e.modified, s.Name)
		}
	}
	if len(e.pending) == 0 && len(e.modified) == 0 {
		return nil
	}
	return e
}

// HealthResponse is the /health body. Checks maps each probe to "ok" or its
// error text.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Pool   *PoolStats        `json:"pool,omitempty"`
}

// HealthHandler runs every check with a shared 5s budget and answers 503 when
// any of them fails. pool may be nil.
func HealthHandler(pool *pgxpool.Pool, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		resp := HealthResponse{Status: "healthy", Checks: make(map[string]string, len(checks))}
		for _, check := range checks {
			if err := check.Run(ctx); err != nil {
				resp.Status = "unhealthy"
				resp.Checks[check.Name] = err.Error()
				continue
			}
			resp.Checks[check.Name] = "ok"
		}
		if pool != nil {
			stats := GetPoolStats(pool)
			resp.Pool = &stats
		}

		code := http.StatusOK
		if resp.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, resp)
	}
}
