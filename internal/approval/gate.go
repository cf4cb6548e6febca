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

package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/concierge/agent/internal/config"
	"github.com/concierge/agent/internal/models"
)

// Notifier publishes approval requests and awaiting-confirmation reminders
// to the human channel.
type Notifier interface {
	NotifyApprovalRequested(ctx context.Context, action *models.Action) error
	NotifyAwaitingConfirmation(ctx context.Context, action *models.Action) error
	NotifyResolved(ctx context.Context, action *models.Action, outcome string) error
}

// Gate is the per-action approval state machine:
//
//	pending -(approve)-> approved
//	pending -(reject)->  rejected
//
// approved actions leave the gate for dispatch; rejected ones are terminal.
// A pending action past its deadline is abandoned (rejected with an expiry
// note) after being surfaced as "awaiting confirmation" at least once.
type Gate struct {
	timeout    time.Duration
	zeroPolicy config.ZeroTimeoutPolicy
	notifier   Notifier

	mu       sync.Mutex
	pending  map[string]*models.Action
	reminded map[string]bool
}

// NewGate creates an approval gate. A zero timeout is governed by the
// explicit zero-timeout policy: reject-at-creation or wait-forever.
func NewGate(timeout time.Duration, zeroPolicy config.ZeroTimeoutPolicy, notifier Notifier) *Gate {
	return &Gate{
		timeout:    timeout,
		zeroPolicy: zeroPolicy,
		notifier:   notifier,
		pending:    make(map[string]*models.Action),
		reminded:   make(map[string]bool),
	}
}

// Submit routes a freshly planned action through the gate.
//   - requires_approval=false: auto-approved immediately.
//   - zero timeout with reject policy: rejected at creation, user notified.
//   - otherwise: registered pending and an approval request published.
//
// The returned status is the action's state after submission.
func (g *Gate) Submit(ctx context.Context, action *models.Action) (models.ActionStatus, error) {
	if action.Status != models.StatusPending {
		return action.Status, fmt.Errorf("submit action %s: status %s, want pending", action.ActionID, action.Status)
	}

	if !action.RequiresApproval {
		action.Status = models.StatusApproved
		return action.Status, nil
	}

	if g.timeout == 0 && g.zeroPolicy == config.ZeroTimeoutReject {
		action.Status = models.StatusRejected
		if err := g.notifier.NotifyResolved(ctx, action, "rejected: approvals disabled"); err != nil {
			slog.Warn("notify rejection failed", "action_id", action.ActionID, "error", err)
		}
		return action.Status, nil
	}

	if g.timeout > 0 {
		action.ExpiresAt = action.CreatedAt.Add(g.timeout)
	}

	g.mu.Lock()
	g.pending[action.ActionID] = action
	g.mu.Unlock()

	if err := g.notifier.NotifyApprovalRequested(ctx, action); err != nil {
		// The action stays pending; the sweeper will remind.
		slog.Warn("approval request notification failed", "action_id", action.ActionID, "error", err)
	}

	slog.Info("action awaiting approval",
		"action_id", action.ActionID,
		"kind", action.Kind,
		"sender", action.SenderID,
	)
	return action.Status, nil
}

// Approve transitions pending → approved and hands the action back for
// dispatch. Approving an unknown or non-pending action is an error.
func (g *Gate) Approve(ctx context.Context, actionID string) (*models.Action, error) {
	return g.resolve(ctx, actionID, models.StatusApproved, "approved")
}

// Reject transitions pending → rejected, a terminal state.
func (g *Gate) Reject(ctx context.Context, actionID string) (*models.Action, error) {
	return g.resolve(ctx, actionID, models.StatusRejected, "rejected")
}

func (g *Gate) resolve(ctx context.Context, actionID string, to models.ActionStatus, outcome string) (*models.Action, error) {
	g.mu.Lock()
	action, ok := g.pending[actionID]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("action %s not pending", actionID)
	}
	delete(g.pending, actionID)
	delete(g.reminded, actionID)
	action.Status = to
	g.mu.Unlock()

	if err := g.notifier.NotifyResolved(ctx, action, outcome); err != nil {
		slog.Warn("notify resolution failed", "action_id", actionID, "error", err)
	}

	slog.Info("pending action resolved", "action_id", actionID, "status", to)
	return action, nil
}

var (
	approveWords = []string{"✅", "yes", "sí", "si", "approve", "aprobar", "ok", "confirm", "confirmar", "dale"}
	rejectWords  = []string{"❌", "no", "reject", "rechazar", "cancel", "cancelar"}
)

// ResolveText interprets free chat text as an approve/reject signal. When no
// explicit action ID is referenced the sender's most recent pending action
// is targeted. Returns the resolved action, whether it was approved, and
// whether the text was an approval signal at all.
func (g *Gate) ResolveText(ctx context.Context, senderID, text string) (*models.Action, bool, bool) {
	verdict, ok := classifySignal(text)
	if !ok {
		return nil, false, false
	}

	actionID := extractActionID(text)
	if actionID == "" {
		actionID = g.latestPendingFor(senderID)
	}
	if actionID == "" {
		return nil, false, false
	}

	var (
		action *models.Action
		err    error
	)
	if verdict {
		action, err = g.Approve(ctx, actionID)
	} else {
		action, err = g.Reject(ctx, actionID)
	}
	if err != nil {
		return nil, false, false
	}
	return action, verdict, true
}

// classifySignal checks rejection words before approval words: "no" must win
// over the "si" substring hiding inside Spanish words.
func classifySignal(text string) (approved bool, ok bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	fields := strings.Fields(lower)
	for _, w := range rejectWords {
		for _, f := range fields {
			if f == w {
				return false, true
			}
		}
	}
	for _, w := range approveWords {
		for _, f := range fields {
			if f == w {
				return true, true
			}
		}
	}
	return false, false
}

// extractActionID pulls a UUID-ish token out of "approve <id>" style text.
func extractActionID(text string) string {
	for _, f := range strings.Fields(text) {
		f = strings.TrimPrefix(f, "#")
		if len(f) >= 8 && strings.Count(f, "-") >= 1 && isHexDash(f) {
			return f
		}
	}
	return ""
}

func isHexDash(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F', r == '-':
		default:
			return false
		}
	}
	return true
}

func (g *Gate) latestPendingFor(senderID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var (
		latest   time.Time
		latestID string
	)
	for id, a := range g.pending {
		if a.SenderID != senderID {
			continue
		}
		if latestID == "" || a.CreatedAt.After(latest) {
			latest = a.CreatedAt
			latestID = id
		}
	}
	return latestID
}

// Pending returns a copy of all pending actions, oldest first.
func (g *Gate) Pending() []models.Action {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]models.Action, 0, len(g.pending))
	for _, a := range g.pending {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep surfaces stuck actions. A pending action older than half its window
// gets one "awaiting confirmation" reminder; one past its deadline is
// abandoned. Expired actions are returned so the orchestrator can log them.
func (g *Gate) Sweep(ctx context.Context, now time.Time) []models.Action {
	g.mu.Lock()
	var remind, expired []*models.Action
	for id, a := range g.pending {
		if !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt) {
			delete(g.pending, id)
			delete(g.reminded, id)
			a.Status = models.StatusRejected
			expired = append(expired, a)
			continue
		}
		if !g.reminded[id] && !a.ExpiresAt.IsZero() && now.After(a.CreatedAt.Add(a.ExpiresAt.Sub(a.CreatedAt)/2)) {
			g.reminded[id] = true
			remind = append(remind, a)
		}
	}
	g.mu.Unlock()

	for _, a := range remind {
		if err := g.notifier.NotifyAwaitingConfirmation(ctx, a); err != nil {
			slog.Warn("awaiting-confirmation reminder failed", "action_id", a.ActionID, "error", err)
		}
	}

	out := make([]models.Action, 0, len(expired))
	for _, a := range expired {
		if err := g.notifier.NotifyResolved(ctx, a, "abandoned: approval window expired"); err != nil {
			slog.Warn("notify expiry failed", "action_id", a.ActionID, "error", err)
		}
		slog.Info("pending action abandoned", "action_id", a.ActionID, "expired_at", a.ExpiresAt)
		out = append(out, *a)
	}
	return out
}
