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

package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/concierge/agent/internal/models"
)

// PGStore persists conversation turns and facts in Postgres. It implements
// Persistence and ensures its schema exists on creation.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed persistence layer for the
// conversation store.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure conversation schema: %w", err)
	}
	slog.Info("conversation store initialised")
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversation_turns (
			id              BIGSERIAL PRIMARY KEY,
			turn_id         TEXT NOT NULL UNIQUE,
			sender_id       TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			ts              TIMESTAMPTZ NOT NULL,
			linked_event_id TEXT DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_turns_sender ON conversation_turns(sender_id, ts);

		CREATE TABLE IF NOT EXISTS conversation_facts (
			sender_id  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (sender_id, key)
		);
	`)
	return err
}

// SaveTurn appends one turn. Redelivered turns with a known turn_id are
// ignored so webhook retries never duplicate history.
func (s *PGStore) SaveTurn(ctx context.Context, turn models.ConversationTurn) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_turns (turn_id, sender_id, role, content, ts, linked_event_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (turn_id) DO NOTHING
	`, turn.TurnID, turn.SenderID, string(turn.Role), turn.Content, turn.Timestamp, turn.LinkedEventID)
	return err
}

// SaveFact upserts one derived fact, last write wins.
func (s *PGStore) SaveFact(ctx context.Context, senderID, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_facts (sender_id, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (sender_id, key) DO UPDATE SET
			value = EXCLUDED.value, updated_at = NOW()
	`, senderID, key, value)
	return err
}

// LoadAll returns every persisted turn in timestamp order plus all facts,
// keyed by sender. The in-memory store applies the window bound on load.
func (s *PGStore) LoadAll(ctx context.Context) ([]models.ConversationTurn, map[string]map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT turn_id, sender_id, role, content, ts, linked_event_id
		FROM conversation_turns
		ORDER BY sender_id, ts, id
	`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		var role string
		if err := rows.Scan(&t.TurnID, &t.SenderID, &role, &t.Content, &t.Timestamp, &t.LinkedEventID); err != nil {
			return nil, nil, err
		}
		t.Role = models.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	factRows, err := s.pool.Query(ctx, `
		SELECT sender_id, key, value FROM conversation_facts
	`)
	if err != nil {
		return nil, nil, err
	}
	defer factRows.Close()

	facts := make(map[string]map[string]string)
	for factRows.Next() {
		var senderID, key, value string
		if err := factRows.Scan(&senderID, &key, &value); err != nil {
			return nil, nil, err
		}
		if facts[senderID] == nil {
			facts[senderID] = make(map[string]string)
		}
		facts[senderID][key] = value
	}
	return turns, facts, factRows.Err()
}
