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
	"sync"
	"testing"
	"time"

	"github.com/concierge/agent/internal/config"
	"github.com/concierge/agent/internal/models"
)

var gateNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

// recordingNotifier captures every notification by kind.
type recordingNotifier struct {
	mu        sync.Mutex
	requested []string
	reminded  []string
	resolved  map[string]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{resolved: make(map[string]string)}
}

func (n *recordingNotifier) NotifyApprovalRequested(ctx context.Context, a *models.Action) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requested = append(n.requested, a.ActionID)
	return nil
}

func (n *recordingNotifier) NotifyAwaitingConfirmation(ctx context.Context, a *models.Action) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reminded = append(n.reminded, a.ActionID)
	return nil
}

func (n *recordingNotifier) NotifyResolved(ctx context.Context, a *models.Action, outcome string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved[a.ActionID] = outcome
	return nil
}

func gatedAction(id, sender string, requiresApproval bool) *models.Action {
	return &models.Action{
		ActionID:         id,
		Kind:             models.ActionSendEmail,
		SenderID:         sender,
		Status:           models.StatusPending,
		RequiresApproval: requiresApproval,
		CreatedAt:        gateNow,
	}
}

func TestSubmit_AutoApprove(t *testing.T) {
	g := NewGate(30*time.Minute, config.ZeroTimeoutWait, newRecordingNotifier())

	a := gatedAction("a1", "+111", false)
	status, err := g.Submit(context.Background(), a)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if status != models.StatusApproved {
		t.Errorf("status = %q, want approved", status)
	}
	if len(g.Pending()) != 0 {
		t.Error("auto-approved action should not be registered pending")
	}
}

func TestSubmit_GatedActionPendsAndNotifies(t *testing.T) {
	n := newRecordingNotifier()
	g := NewGate(30*time.Minute, config.ZeroTimeoutWait, n)

	a := gatedAction("a1", "+111", true)
	status, err := g.Submit(context.Background(), a)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if status != models.StatusPending {
		t.Errorf("status = %q, want pending", status)
	}
	if want := gateNow.Add(30 * time.Minute); !a.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", a.ExpiresAt, want)
	}
	if len(n.requested) != 1 || n.requested[0] != "a1" {
		t.Errorf("requested = %v", n.requested)
	}
}

func TestSubmit_NonPendingRejected(t *testing.T) {
	g := NewGate(time.Minute, config.ZeroTimeoutWait, newRecordingNotifier())
	a := gatedAction("a1", "+111", true)
	a.Status = models.StatusExecuted

	if _, err := g.Submit(context.Background(), a); err == nil {
		t.Fatal("expected error submitting a non-pending action")
	}
}

func TestSubmit_ZeroTimeoutRejectPolicy(t *testing.T) {
	n := newRecordingNotifier()
	g := NewGate(0, config.ZeroTimeoutReject, n)

	a := gatedAction("a1", "+111", true)
	status, err := g.Submit(context.Background(), a)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if status != models.StatusRejected {
		t.Errorf("status = %q, want rejected", status)
	}
	if _, ok := n.resolved["a1"]; !ok {
		t.Error("rejection was not notified")
	}
}

func TestSubmit_ZeroTimeoutWaitPolicy(t *testing.T) {
	g := NewGate(0, config.ZeroTimeoutWait, newRecordingNotifier())

	a := gatedAction("a1", "+111", true)
	status, err := g.Submit(context.Background(), a)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if status != models.StatusPending {
		t.Errorf("status = %q, want pending", status)
	}
	if !a.ExpiresAt.IsZero() {
		t.Errorf("expires_at = %v, want zero (waits forever)", a.ExpiresAt)
	}

	// Sweeping far in the future must not expire it.
	g.Sweep(context.Background(), gateNow.Add(1000*time.Hour))
	if len(g.Pending()) != 1 {
		t.Error("wait-policy action expired under sweep")
	}
}

func TestApproveAndReject(t *testing.T) {
	n := newRecordingNotifier()
	g := NewGate(time.Hour, config.ZeroTimeoutWait, n)
	ctx := context.Background()

	a1 := gatedAction("a1", "+111", true)
	a2 := gatedAction("a2", "+111", true)
	g.Submit(ctx, a1)
	g.Submit(ctx, a2)

	approved, err := g.Approve(ctx, "a1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != models.StatusApproved {
		t.Errorf("status = %q, want approved", approved.Status)
	}

	rejected, err := g.Reject(ctx, "a2")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != models.StatusRejected {
		t.Errorf("status = %q, want rejected", rejected.Status)
	}

	// Terminal: resolving again is an error.
	if _, err := g.Approve(ctx, "a1"); err == nil {
		t.Error("approving an already-resolved action must fail")
	}
	if _, err := g.Approve(ctx, "ghost"); err == nil {
		t.Error("approving an unknown action must fail")
	}
}

func TestResolveText(t *testing.T) {
	tests := []struct {
		name         string
		text         string
		wantHandled  bool
		wantApproved bool
	}{
		{"spanish yes", "sí", true, true},
		{"emoji approve", "✅", true, true},
		{"dale", "dale", true, true},
		{"english no", "no", true, false},
		{"cancel", "cancelar", true, false},
		{"no wins over si substring", "no gracias", true, false},
		{"plain chatter", "¿cómo va mi pedido?", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(time.Hour, config.ZeroTimeoutWait, newRecordingNotifier())
			ctx := context.Background()
			g.Submit(ctx, gatedAction("11111111-2222-3333-4444-555555555555", "+111", true))

			action, approved, handled := g.ResolveText(ctx, "+111", tt.text)
			if handled != tt.wantHandled {
				t.Fatalf("handled = %v, want %v", handled, tt.wantHandled)
			}
			if !handled {
				return
			}
			if approved != tt.wantApproved {
				t.Errorf("approved = %v, want %v", approved, tt.wantApproved)
			}
			if action == nil {
				t.Fatal("resolved action is nil")
			}
		})
	}
}

func TestResolveText_ExplicitActionID(t *testing.T) {
	g := NewGate(time.Hour, config.ZeroTimeoutWait, newRecordingNotifier())
	ctx := context.Background()

	older := gatedAction("aaaaaaaa-1111-2222-3333-444444444444", "+111", true)
	older.CreatedAt = gateNow
	newer := gatedAction("bbbbbbbb-1111-2222-3333-444444444444", "+111", true)
	newer.CreatedAt = gateNow.Add(time.Minute)
	g.Submit(ctx, older)
	g.Submit(ctx, newer)

	action, approved, handled := g.ResolveText(ctx, "+111", "approve aaaaaaaa-1111-2222-3333-444444444444")
	if !handled || !approved {
		t.Fatalf("handled=%v approved=%v", handled, approved)
	}
	if action.ActionID != older.ActionID {
		t.Errorf("resolved %q, want the explicitly referenced action", action.ActionID)
	}
}

func TestResolveText_DefaultsToLatestPending(t *testing.T) {
	g := NewGate(time.Hour, config.ZeroTimeoutWait, newRecordingNotifier())
	ctx := context.Background()

	older := gatedAction("aaaaaaaa-1111-2222-3333-444444444444", "+111", true)
	older.CreatedAt = gateNow
	newer := gatedAction("bbbbbbbb-1111-2222-3333-444444444444", "+111", true)
	newer.CreatedAt = gateNow.Add(time.Minute)
	g.Submit(ctx, older)
	g.Submit(ctx, newer)

	action, _, handled := g.ResolveText(ctx, "+111", "yes")
	if !handled {
		t.Fatal("expected the signal to be handled")
	}
	if action.ActionID != newer.ActionID {
		t.Errorf("resolved %q, want the latest pending action", action.ActionID)
	}
}

func TestResolveText_OtherSendersPendingUntouched(t *testing.T) {
	g := NewGate(time.Hour, config.ZeroTimeoutWait, newRecordingNotifier())
	ctx := context.Background()
	g.Submit(ctx, gatedAction("aaaaaaaa-1111-2222-3333-444444444444", "+222", true))

	_, _, handled := g.ResolveText(ctx, "+111", "yes")
	if handled {
		t.Error("a sender must not resolve another sender's action")
	}
	if len(g.Pending()) != 1 {
		t.Error("pending action was consumed")
	}
}

func TestSweep_RemindsOnceThenAbandons(t *testing.T) {
	n := newRecordingNotifier()
	g := NewGate(time.Hour, config.ZeroTimeoutWait, n)
	ctx := context.Background()

	a := gatedAction("a1", "+111", true)
	g.Submit(ctx, a)

	// Before the half-window mark: nothing happens.
	g.Sweep(ctx, gateNow.Add(10*time.Minute))
	if len(n.reminded) != 0 {
		t.Fatalf("reminded too early: %v", n.reminded)
	}

	// Past half-window: exactly one reminder, repeated sweeps don't re-remind.
	g.Sweep(ctx, gateNow.Add(31*time.Minute))
	g.Sweep(ctx, gateNow.Add(40*time.Minute))
	if len(n.reminded) != 1 {
		t.Fatalf("reminded = %v, want exactly one reminder", n.reminded)
	}

	// Past the deadline: abandoned.
	expired := g.Sweep(ctx, gateNow.Add(2*time.Hour))
	if len(expired) != 1 || expired[0].ActionID != "a1" {
		t.Fatalf("expired = %+v", expired)
	}
	if expired[0].Status != models.StatusRejected {
		t.Errorf("status = %q, want rejected", expired[0].Status)
	}
	if len(g.Pending()) != 0 {
		t.Error("abandoned action still pending")
	}
	if n.resolved["a1"] == "" {
		t.Error("abandonment was not notified")
	}
}

func TestPending_OldestFirst(t *testing.T) {
	g := NewGate(time.Hour, config.ZeroTimeoutWait, newRecordingNotifier())
	ctx := context.Background()

	b := gatedAction("b", "+111", true)
	b.CreatedAt = gateNow.Add(time.Minute)
	a := gatedAction("a", "+111", true)
	a.CreatedAt = gateNow
	g.Submit(ctx, b)
	g.Submit(ctx, a)

	pending := g.Pending()
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d", len(pending))
	}
	if pending[0].ActionID != "a" || pending[1].ActionID != "b" {
		t.Errorf("order = [%s %s], want oldest first", pending[0].ActionID, pending[1].ActionID)
	}
}
