// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package processed tracks event IDs that have been fully handled, so
// webhook redeliveries never cause a second externally visible side effect.
// Redis answers the hot-path lookup; Postgres makes the log survive both
// restarts and Redis key expiry.
package processed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long the Redis fast path remembers an event ID.
	// The durable Postgres row outlives it.
	DefaultTTL = 24 * time.Hour

	keyPrefix = "concierge:done:"
)

// Log is the append-only set of fully handled event IDs.
type Log struct {
	rdb  *redis.Client
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewLog creates the processed-event log and ensures its schema exists.
func NewLog(ctx context.Context, rdb *redis.Client, pool *pgxpool.Pool) (*Log, error) {
	l := &Log{rdb: rdb, pool: pool, ttl: DefaultTTL}
	if err := l.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure processed-event schema: %w", err)
	}
	slog.Info("processed-event log initialised")
	return l, nil
}

func (l *Log) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS processed_events (
			event_id     TEXT PRIMARY KEY,
			outcome      TEXT NOT NULL,
			processed_at TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// Seen reports whether the event ID has already been fully handled. Redis is
// checked first; a miss falls through to Postgres and re-warms the key, so a
// cold cache after restart still protects against redelivery.
func (l *Log) Seen(ctx context.Context, eventID string) (bool, error) {
	key := keyPrefix + eventID

	n, err := l.rdb.Exists(ctx, key).Result()
	if err == nil && n > 0 {
		return true, nil
	}
	if err != nil {
		slog.Warn("processed-event redis check failed, falling back to Postgres", "error", err)
	}

	var exists bool
	err = l.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)
	`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("processed-event lookup: %w", err)
	}

	if exists {
		if err := l.rdb.Set(ctx, key, 1, l.ttl).Err(); err != nil {
			slog.Warn("processed-event redis rewarm failed", "error", err)
		}
	}
	return exists, nil
}

// MarkProcessed appends the event ID with its outcome ("ok", "error: ...").
// The Postgres write is the durable record; the Redis key is best-effort.
func (l *Log) MarkProcessed(ctx context.Context, eventID, outcome string) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id, outcome)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, outcome)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", eventID, err)
	}

	if err := l.rdb.Set(ctx, keyPrefix+eventID, 1, l.ttl).Err(); err != nil {
		slog.Warn("processed-event redis mark failed", "event_id", eventID, "error", err)
	}
	return nil
}
