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

// Package audit provides a Postgres-backed trail of every planned action and
// its status transitions. The trail is append-then-update: one row per
// action, its status column following the lifecycle until terminal.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/concierge/agent/internal/models"
)

// Record is one audited action as persisted in Postgres.
type Record struct {
	ID               int64
	ActionID         string
	EventID          string
	SenderID         string
	Kind             string
	Status           string
	RequiresApproval bool
	ProviderRef      string
	Attempts         int
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store provides the audit-trail operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates the audit store backed by the given Postgres pool.
// It ensures the action_audit table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}
	slog.Info("action audit store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS action_audit (
			id                BIGSERIAL PRIMARY KEY,
			action_id         TEXT NOT NULL UNIQUE,
			event_id          TEXT NOT NULL,
			sender_id         TEXT NOT NULL,
			kind              TEXT NOT NULL,
			status            TEXT NOT NULL,
			requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
			provider_ref      TEXT DEFAULT '',
			attempts          INT DEFAULT 0,
			failure_reason    TEXT DEFAULT '',
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_sender ON action_audit(sender_id);
		CREATE INDEX IF NOT EXISTS idx_audit_event ON action_audit(event_id);
		CREATE INDEX IF NOT EXISTS idx_audit_status ON action_audit(status);
	`)
	return err
}

// RecordAction inserts the audit row for a freshly planned action. Replays of
// the same action ID keep the original row.
func (s *Store) RecordAction(ctx context.Context, action *models.Action) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO action_audit
			(action_id, event_id, sender_id, kind, status, requires_approval)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (action_id) DO NOTHING
	`, action.ActionID, action.EventID, action.SenderID, string(action.Kind),
		string(action.Status), action.RequiresApproval)
	if err != nil {
		return fmt.Errorf("audit insert %s: %w", action.ActionID, err)
	}
	return nil
}

// RecordTransition updates the audited status after a lifecycle transition.
// providerRef and attempts are only meaningful for executed/failed actions;
// reason carries the failure or rejection note.
func (s *Store) RecordTransition(ctx context.Context, actionID string, status models.ActionStatus, providerRef string, attempts int, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE action_audit
		SET status = $1, provider_ref = $2, attempts = $3, failure_reason = $4, updated_at = NOW()
		WHERE action_id = $5
	`, string(status), providerRef, attempts, reason, actionID)
	if err != nil {
		return fmt.Errorf("audit update %s: %w", actionID, err)
	}
	return nil
}

// ListBySender returns a sender's audited actions, newest first.
func (s *Store) ListBySender(ctx context.Context, senderID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, action_id, event_id, sender_id, kind, status,
		       requires_approval, provider_ref, attempts, failure_reason,
		       created_at, updated_at
		FROM action_audit
		WHERE sender_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, senderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListByStatus returns actions in the given status, oldest first, so ops
// tooling can inspect stuck or failed actions.
func (s *Store) ListByStatus(ctx context.Context, status models.ActionStatus) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, action_id, event_id, sender_id, kind, status,
		       requires_approval, provider_ref, attempts, failure_reason,
		       created_at, updated_at
		FROM action_audit
		WHERE status = $1
		ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Get retrieves one audited action by its action ID.
func (s *Store) Get(ctx context.Context, actionID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, action_id, event_id, sender_id, kind, status,
		       requires_approval, provider_ref, attempts, failure_reason,
		       created_at, updated_at
		FROM action_audit
		WHERE action_id = $1
	`, actionID)

	var r Record
	err := row.Scan(
		&r.ID, &r.ActionID, &r.EventID, &r.SenderID, &r.Kind, &r.Status,
		&r.RequiresApproval, &r.ProviderRef, &r.Attempts, &r.FailureReason,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.ActionID, &r.EventID, &r.SenderID, &r.Kind, &r.Status,
			&r.RequiresApproval, &r.ProviderRef, &r.Attempts, &r.FailureReason,
			&r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
