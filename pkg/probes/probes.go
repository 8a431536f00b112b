// Package probes provides ready-made active health checks for common
// integration kinds, wired into the health monitor as ProbeFuncs.
package probes

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/tradeforge/resilience/pkg/resilience"
)

// Database probes a SQL database with a ping on each tick
func Database(db *sqlx.DB) resilience.ProbeFunc {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		return nil
	}
}

// Redis probes a Redis server with PING
func Redis(client *redis.Client) resilience.ProbeFunc {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}
}

// HTTP probes an HTTP endpoint with a GET. Any response below 500 counts as
// reachable; 5xx means the dependency is up but failing.
func HTTP(client *http.Client, url string) resilience.ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("building probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("probe returned status %d", resp.StatusCode)
		}
		return nil
	}
}

// RedisCacheClear returns a healing strategy that flushes the database
// backing a cache integration. Intended for the clear_cache strategy slot.
func RedisCacheClear(client *redis.Client) resilience.StrategyFunc {
	return func(ctx context.Context, service string) error {
		if err := client.FlushDB(ctx).Err(); err != nil {
			return fmt.Errorf("flushing cache for %s: %w", service, err)
		}
		return nil
	}
}
