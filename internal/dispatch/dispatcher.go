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

// Package dispatch executes approved actions against the external delivery
// adapters, with bounded exponential backoff for transient failures and an
// at-most-once guarantee per action.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/concierge/agent/internal/fault"
	"github.com/concierge/agent/internal/models"
)

// ChatSender delivers chat replies. The returned string is the
// provider-assigned message identifier, kept for audit.
type ChatSender interface {
	SendMessage(ctx context.Context, recipient, text string) (string, error)
}

// MailSender delivers outbound email.
type MailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) (string, error)
}

// CalendarClient applies calendar operations.
type CalendarClient interface {
	CreateEvent(ctx context.Context, event *models.EventPayload) (string, error)
	UpdateEvent(ctx context.Context, event *models.EventPayload) (string, error)
	DeleteEvent(ctx context.Context, eventRef string) (string, error)
}

// Result reports a completed execution.
type Result struct {
	ActionID    string
	ProviderRef string
	Attempts    int
}

// Dispatcher routes actions to delivery adapters.
type Dispatcher struct {
	chat     ChatSender
	mail     MailSender
	calendar CalendarClient

	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher. maxAttempts bounds the retry loop for transient
// failures; permanent failures never retry.
func New(chat ChatSender, mail MailSender, calendar CalendarClient, timeout time.Duration, maxAttempts int, backoffBase time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	return &Dispatcher{
		chat:        chat,
		mail:        mail,
		calendar:    calendar,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		sleep:       sleepCtx,
	}
}

// Execute runs one approved action to a terminal status.
//   - already executed: no-op, preserving at-most-once under redelivery
//   - transient failure: retried with exponential backoff up to the cap
//   - permanent failure: marked failed immediately, no retry
//
// On return the action is executed or failed; it is never left ambiguous.
func (d *Dispatcher) Execute(ctx context.Context, action *models.Action) (Result, error) {
	if action.Status == models.StatusExecuted {
		slog.Info("action already executed, skipping", "action_id", action.ActionID)
		return Result{ActionID: action.ActionID}, nil
	}
	if action.Status != models.StatusApproved {
		return Result{}, fmt.Errorf("execute action %s: status %s, want approved", action.ActionID, action.Status)
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		ref, err := d.deliver(ctx, action)
		if err == nil {
			action.Status = models.StatusExecuted
			slog.Info("action executed",
				"action_id", action.ActionID,
				"kind", action.Kind,
				"provider_ref", ref,
				"attempts", attempt,
			)
			return Result{ActionID: action.ActionID, ProviderRef: ref, Attempts: attempt}, nil
		}
		lastErr = err

		if fault.IsPermanentDelivery(err) {
			action.Status = models.StatusFailed
			return Result{ActionID: action.ActionID, Attempts: attempt},
				fmt.Errorf("action %s failed permanently: %w", action.ActionID, err)
		}

		if attempt < d.maxAttempts {
			wait := d.backoffBase << (attempt - 1)
			slog.Warn("delivery failed, backing off",
				"action_id", action.ActionID,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
			if serr := d.sleep(ctx, wait); serr != nil {
				action.Status = models.StatusFailed
				return Result{ActionID: action.ActionID, Attempts: attempt},
					fmt.Errorf("action %s cancelled during backoff: %w", action.ActionID, lastErr)
			}
		}
	}

	action.Status = models.StatusFailed
	return Result{ActionID: action.ActionID, Attempts: d.maxAttempts},
		fmt.Errorf("action %s failed after %d attempts: %w", action.ActionID, d.maxAttempts, lastErr)
}

func (d *Dispatcher) deliver(ctx context.Context, action *models.Action) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch action.Kind {
	case models.ActionReplyMessage:
		if action.Message == nil {
			return "", &fault.DeliveryError{Permanent: true, Reason: "reply action has no message payload"}
		}
		return d.chat.SendMessage(callCtx, action.Message.Recipient, action.Message.Text)

	case models.ActionSendEmail:
		if action.Email == nil {
			return "", &fault.DeliveryError{Permanent: true, Reason: "email action has no email payload"}
		}
		return d.mail.SendEmail(callCtx, action.Email.To, action.Email.Subject, action.Email.Body)

	case models.ActionCreateEvent:
		if action.CalendarEvent == nil {
			return "", &fault.DeliveryError{Permanent: true, Reason: "calendar action has no event payload"}
		}
		return d.calendar.CreateEvent(callCtx, action.CalendarEvent)

	case models.ActionUpdateEvent:
		if action.CalendarEvent == nil || action.CalendarEvent.EventRef == "" {
			return "", &fault.DeliveryError{Permanent: true, Reason: "update action has no event reference"}
		}
		return d.calendar.UpdateEvent(callCtx, action.CalendarEvent)

	case models.ActionDeleteEvent:
		if action.CalendarEvent == nil || action.CalendarEvent.EventRef == "" {
			return "", &fault.DeliveryError{Permanent: true, Reason: "delete action has no event reference"}
		}
		return d.calendar.DeleteEvent(callCtx, action.CalendarEvent.EventRef)

	default:
		return "", &fault.DeliveryError{Permanent: true, Reason: fmt.Sprintf("unknown action kind %q", action.Kind)}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
