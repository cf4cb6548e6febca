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

// Package planner converts a model Decision plus event Analysis into zero or
// more concrete Actions. The mapping is deterministic; requires_approval is
// computed by the gate policy at creation time and never mutated later.
package planner

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/concierge/agent/internal/analysis"
	"github.com/concierge/agent/internal/approval"
	"github.com/concierge/agent/internal/conversation"
	"github.com/concierge/agent/internal/models"
)

const defaultMeetingLength = time.Hour

// Planner builds actions from decisions. The embedded analyzer re-checks
// decision action items so ones that independently match a known intent
// pattern spawn their own action.
type Planner struct {
	policy   approval.Policy
	analyzer *analysis.Analyzer
	now      func() time.Time
}

// New creates a planner with the given gate policy.
func New(policy approval.Policy, analyzer *analysis.Analyzer) *Planner {
	return &Planner{policy: policy, analyzer: analyzer, now: time.Now}
}

// NewWithClock creates a planner with a fixed clock, for tests.
func NewWithClock(policy approval.Policy, analyzer *analysis.Analyzer, now func() time.Time) *Planner {
	return &Planner{policy: policy, analyzer: analyzer, now: now}
}

// Plan maps the decision deterministically:
//   - send_email with an extracted recipient yields one send_email action
//   - schedule_meeting yields create_event, or update/delete_event when the
//     entities reference an existing event
//   - anything else yields a single reply_message carrying response_text
//
// Missing required entities degrade to a reply_message so the user is asked
// rather than a half-built action dispatched. Decision action items are
// returned as tracked follow-ups; each is also pattern-checked and spawns an
// action only when it independently matches a known intent.
func (p *Planner) Plan(event *models.InboundEvent, decision models.Decision, anl models.Analysis) ([]models.Action, []string) {
	var actions []models.Action

	if primary, ok := p.planPrimary(event, decision, anl); ok {
		actions = append(actions, primary)
	}

	followUps := make([]string, 0, len(decision.ActionItems))
	for _, item := range decision.ActionItems {
		followUps = append(followUps, item)

		itemEvent := &models.InboundEvent{
			EventID:    event.EventID,
			Channel:    event.Channel,
			SenderID:   event.SenderID,
			Timestamp:  event.Timestamp,
			RawContent: item,
		}
		itemAnl, err := p.analyzer.Analyze(context.Background(), itemEvent, conversation.Context{})
		if err != nil {
			continue
		}
		switch itemAnl.Intent {
		case models.IntentSendEmail, models.IntentScheduleMeeting:
			if a, ok := p.planPrimary(itemEvent, decision, itemAnl); ok && a.Kind != models.ActionReplyMessage {
				actions = append(actions, a)
			}
		}
	}

	return actions, followUps
}

func (p *Planner) planPrimary(event *models.InboundEvent, decision models.Decision, anl models.Analysis) (models.Action, bool) {
	switch anl.Intent {
	case models.IntentSendEmail:
		if recipient := anl.Entities["recipient"]; recipient != "" {
			subject := anl.Entities["subject"]
			if subject == "" {
				subject = "Hola"
			}
			body := anl.Entities["body"]
			if body == "" {
				body = decision.ResponseText
			}
			return p.newAction(event, models.ActionSendEmail, models.Action{
				Email: &models.EmailPayload{To: recipient, Subject: subject, Body: body},
			}), true
		}

	case models.IntentScheduleMeeting:
		op := anl.Entities["event_op"]
		ref := anl.Entities["event_ref"]

		switch op {
		case "delete":
			if ref != "" {
				return p.newAction(event, models.ActionDeleteEvent, models.Action{
					CalendarEvent: &models.EventPayload{EventRef: ref},
				}), true
			}
		case "update":
			if ref != "" {
				payload := p.eventPayload(anl)
				payload.EventRef = ref
				return p.newAction(event, models.ActionUpdateEvent, models.Action{
					CalendarEvent: payload,
				}), true
			}
		default:
			if anl.Entities["start_time"] != "" {
				return p.newAction(event, models.ActionCreateEvent, models.Action{
					CalendarEvent: p.eventPayload(anl),
				}), true
			}
		}
	}

	// Everything else, including intents missing required entities, becomes
	// a chat reply carrying the model's response text.
	if decision.ResponseText == "" {
		return models.Action{}, false
	}
	return p.newAction(event, models.ActionReplyMessage, models.Action{
		Message: &models.MessagePayload{Recipient: event.SenderID, Text: decision.ResponseText},
	}), true
}

func (p *Planner) eventPayload(anl models.Analysis) *models.EventPayload {
	payload := &models.EventPayload{Title: anl.Entities["title"]}
	if payload.Title == "" {
		payload.Title = "Meeting"
	}
	if raw := anl.Entities["start_time"]; raw != "" {
		if start, err := time.Parse(time.RFC3339, raw); err == nil {
			payload.Start = start
			payload.End = start.Add(defaultMeetingLength)
		}
	}
	if attendee := anl.Entities["attendee"]; attendee != "" {
		payload.Attendees = []string{attendee}
	}
	return payload
}

func (p *Planner) newAction(event *models.InboundEvent, kind models.ActionKind, template models.Action) models.Action {
	a := template
	a.ActionID = uuid.New().String()
	a.Kind = kind
	a.EventID = event.EventID
	a.SenderID = event.SenderID
	a.Status = models.StatusPending
	a.CreatedAt = p.now()
	a.RequiresApproval = p.policy.RequiresApproval(kind, event.SenderID)
	return a
}
