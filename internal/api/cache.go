package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clearport/escrow-indexer/internal/store"
)

const cacheTTL = 5 * time.Second

// CachedReader puts a short-TTL Redis cache in front of the hot read paths
// (stats and role listings). The DB stays authoritative; entries expire
// instead of being invalidated, so a hit can be at most cacheTTL stale.
// Any Redis failure silently falls through to SQL.
type CachedReader struct {
	store.Reader
	rdb *redis.Client
}

// NewCachedReader connects to Redis and wraps the inner reader. A failed
// ping returns an error so the caller can fall back to the bare reader.
func NewCachedReader(inner store.Reader, addr, password string, db int) (*CachedReader, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	slog.Info("query cache connected", "addr", addr, "db", db)
	return &CachedReader{Reader: inner, rdb: rdb}, nil
}

// Close shuts down the Redis client.
func (c *CachedReader) Close() error {
	return c.rdb.Close()
}

// EscrowsByRole serves role listings through the cache.
func (c *CachedReader) EscrowsByRole(ctx context.Context, role store.Role, addr string, q store.ListQuery) ([]store.EscrowRow, error) {
	key := roleKey(role, addr, q)
	if data, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var rows []store.EscrowRow
		if json.Unmarshal(data, &rows) == nil {
			return rows, nil
		}
	}

	rows, err := c.Reader.EscrowsByRole(ctx, role, addr, q)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rows); err == nil {
		if err := c.rdb.Set(ctx, key, data, cacheTTL).Err(); err != nil {
			slog.Warn("cache set failed", "key", key, "err", err)
		}
	}
	return rows, nil
}

// Stats serves the global counters through the cache.
func (c *CachedReader) Stats(ctx context.Context) (map[string]int64, error) {
	const key = "escrow:stats"
	if data, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var stats map[string]int64
		if json.Unmarshal(data, &stats) == nil {
			return stats, nil
		}
	}

	stats, err := c.Reader.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(stats); err == nil {
		if err := c.rdb.Set(ctx, key, data, cacheTTL).Err(); err != nil {
			slog.Warn("cache set failed", "key", key, "err", err)
		}
	}
	return stats, nil
}

func roleKey(role store.Role, addr string, q store.ListQuery) string {
	cursor := ""
	if q.Cursor != nil {
		cursor = fmt.Sprintf("%d:%s", q.Cursor.LastEventBlock, q.Cursor.EscrowAddress)
	}
	return fmt.Sprintf("escrow:role:%s:%s:%s:%d:%s", role, addr, q.Status, q.Limit, cursor)
}
