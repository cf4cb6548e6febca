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

// Package notify publishes human-facing notifications to Redis queues: one
// for approval requests and reminders, one for operator alerts. Consumers
// (chat bridge, ops tooling) read these queues and render the messages.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/concierge/agent/internal/models"
)

// Envelope is the queue message shape shared by both queues.
type Envelope struct {
	NotificationID string            `json:"notification_id"`
	Kind           string            `json:"kind"`
	ActionID       string            `json:"action_id,omitempty"`
	Recipient      string            `json:"recipient"`
	Summary        string            `json:"summary"`
	Fields         map[string]string `json:"fields,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Publisher sends envelopes to Redis via LPUSH.
type Publisher struct {
	rdb            *redis.Client
	approvalsQueue string
	operatorQueue  string
	operatorID     string
}

// NewPublisher creates a notification publisher.
func NewPublisher(rdb *redis.Client, approvalsQueue, operatorQueue, operatorID string) *Publisher {
	return &Publisher{
		rdb:            rdb,
		approvalsQueue: approvalsQueue,
		operatorQueue:  operatorQueue,
		operatorID:     operatorID,
	}
}

// NotifyApprovalRequested publishes an approval request for a gated action.
func (p *Publisher) NotifyApprovalRequested(ctx context.Context, action *models.Action) error {
	return p.push(ctx, p.approvalsQueue, Envelope{
		NotificationID: uuid.New().String(),
		Kind:           "approval_requested",
		ActionID:       action.ActionID,
		Recipient:      p.operatorID,
		Summary:        action.Summary(),
		Fields: map[string]string{
			"sender_id":  action.SenderID,
			"expires_at": formatExpiry(action),
		},
		CreatedAt: time.Now().UTC(),
	})
}

// NotifyAwaitingConfirmation publishes a reminder for a stuck pending action.
func (p *Publisher) NotifyAwaitingConfirmation(ctx context.Context, action *models.Action) error {
	return p.push(ctx, p.approvalsQueue, Envelope{
		NotificationID: uuid.New().String(),
		Kind:           "awaiting_confirmation",
		ActionID:       action.ActionID,
		Recipient:      p.operatorID,
		Summary:        "still awaiting confirmation: " + action.Summary(),
		Fields: map[string]string{
			"expires_at": formatExpiry(action),
		},
		CreatedAt: time.Now().UTC(),
	})
}

// NotifyResolved publishes the outcome of a previously pending action.
func (p *Publisher) NotifyResolved(ctx context.Context, action *models.Action, outcome string) error {
	return p.push(ctx, p.approvalsQueue, Envelope{
		NotificationID: uuid.New().String(),
		Kind:           "approval_resolved",
		ActionID:       action.ActionID,
		Recipient:      p.operatorID,
		Summary:        fmt.Sprintf("%s: %s", outcome, action.Summary()),
		CreatedAt:      time.Now().UTC(),
	})
}

// OperatorAlert publishes a notification to the operator queue. Every
// terminal failure in the pipeline lands here, so nothing fails silently;
// inbound email digests travel the same queue under their own kind.
func (p *Publisher) OperatorAlert(ctx context.Context, kind, summary string, fields map[string]string) error {
	return p.push(ctx, p.operatorQueue, Envelope{
		NotificationID: uuid.New().String(),
		Kind:           kind,
		Recipient:      p.operatorID,
		Summary:        summary,
		Fields:         fields,
		CreatedAt:      time.Now().UTC(),
	})
}

func (p *Publisher) push(ctx context.Context, queue string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := p.rdb.LPush(ctx, queue, string(payload)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("notification published",
		"notification_id", env.NotificationID,
		"kind", env.Kind,
		"queue", queue,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

func formatExpiry(action *models.Action) string {
	if action.ExpiresAt.IsZero() {
		return "never"
	}
	return action.ExpiresAt.UTC().Format(time.RFC3339)
}
