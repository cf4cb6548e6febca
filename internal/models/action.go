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

package models

import "time"

// ActionKind is the closed set of side-effecting operations the planner emits.
type ActionKind string

const (
	ActionReplyMessage ActionKind = "reply_message"
	ActionSendEmail    ActionKind = "send_email"
	ActionCreateEvent  ActionKind = "create_event"
	ActionUpdateEvent  ActionKind = "update_event"
	ActionDeleteEvent  ActionKind = "delete_event"
)

// ActionStatus tracks an Action through its lifecycle:
// pending → (approved|rejected) → (executed|failed).
// Terminal states are final and never re-transitioned.
type ActionStatus string

const (
	StatusPending  ActionStatus = "pending"
	StatusApproved ActionStatus = "approved"
	StatusRejected ActionStatus = "rejected"
	StatusExecuted ActionStatus = "executed"
	StatusFailed   ActionStatus = "failed"
)

// MessagePayload carries a chat reply.
type MessagePayload struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// EmailPayload carries an outbound email.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EventPayload carries a calendar operation. EventRef is set for
// update/delete operations that target an existing provider event.
type EventPayload struct {
	EventRef    string    `json:"event_ref,omitempty"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Description string    `json:"description,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	Location    string    `json:"location,omitempty"`
}

// Action is a planned side-effecting operation. Exactly one payload field is
// populated, matching Kind. RequiresApproval is computed by policy at
// creation time and never mutated afterwards.
type Action struct {
	ActionID         string          `json:"action_id"`
	Kind             ActionKind      `json:"kind"`
	EventID          string          `json:"event_id"`
	SenderID         string          `json:"sender_id"`
	Message          *MessagePayload `json:"message,omitempty"`
	Email            *EmailPayload   `json:"email,omitempty"`
	CalendarEvent    *EventPayload   `json:"calendar_event,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	Status           ActionStatus    `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at,omitempty"`
}

// Terminal reports whether the action has reached a final status.
// Rejected, executed, and failed actions never transition again.
func (a *Action) Terminal() bool {
	switch a.Status {
	case StatusRejected, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// Summary renders a short human-readable description for approval requests
// and operator notifications.
func (a *Action) Summary() string {
	switch a.Kind {
	case ActionSendEmail:
		if a.Email != nil {
			return "send email to " + a.Email.To + ": " + a.Email.Subject
		}
	case ActionCreateEvent:
		if a.CalendarEvent != nil {
			return "create event: " + a.CalendarEvent.Title
		}
	case ActionUpdateEvent:
		if a.CalendarEvent != nil {
			return "update event: " + a.CalendarEvent.Title
		}
	case ActionDeleteEvent:
		if a.CalendarEvent != nil {
			return "delete event: " + a.CalendarEvent.EventRef
		}
	case ActionReplyMessage:
		if a.Message != nil {
			return "reply to " + a.Message.Recipient
		}
	}
	return string(a.Kind)
}
