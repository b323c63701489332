package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/imageforge/internal/config"
	"github.com/fairyhunter13/imageforge/internal/usecase"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface{ Ping(ctx context.Context) RedisPingResult }

// BuildReadinessChecks returns three readiness checks: db, redis, and the
// render engine.
func BuildReadinessChecks(cfg config.Config, pool Pinger, rdb RedisClient) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	engineCheck := func(ctx context.Context) error {
		client := &http.Client{Timeout: 2 * time.Second}
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, cfg.EngineBaseURL+"/system_stats", nil)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("engine status %d", resp.StatusCode)
	}
	return dbCheck, redisCheck, engineCheck
}

// ReadyzHandler aggregates the readiness checks into one endpoint. Readiness
// is best-effort: an unreachable engine degrades to 503 without crashing.
func ReadyzHandler(cfg config.Config, pool Pinger, rdb RedisClient) http.HandlerFunc {
	dbCheck, redisCheck, engineCheck := BuildReadinessChecks(cfg, pool, rdb)
	named := []struct {
		name  string
		check func(ctx context.Context) error
	}{
		{"db", dbCheck},
		{"redis", redisCheck},
		{"engine", engineCheck},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		out := make([]usecase.ReadinessCheck, 0, len(named))
		allOK := true
		for _, c := range named {
			err := c.check(ctx)
			rc := usecase.ReadinessCheck{Name: c.name, OK: err == nil}
			if err != nil {
				rc.Details = err.Error()
				allOK = false
			}
			out = append(out, rc)
		}
		status := http.StatusOK
		if !allOK {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		writeChecks(w, out)
	}
}

func writeChecks(w http.ResponseWriter, checks []usecase.ReadinessCheck) {
	// Keep the payload shape stable for probes: {"checks":[...]}.
	_, _ = fmt.Fprint(w, `{"checks":[`)
	for i, c := range checks {
		if i > 0 {
			_, _ = fmt.Fprint(w, ",")
		}
		_, _ = fmt.Fprintf(w, `{"name":%q,"ok":%t,"details":%q}`, c.Name, c.OK, c.Details)
	}
	_, _ = fmt.Fprint(w, `]}`)
}
