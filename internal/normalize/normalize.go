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

// Package normalize maps provider-specific webhook payloads into the single
// internal InboundEvent shape. A payload missing required fields fails with
// fault.ErrMalformedPayload; the orchestrator treats that as non-retryable.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/concierge/agent/internal/fault"
	"github.com/concierge/agent/internal/models"
)

// chatPayload mirrors the chat gateway's webhook body.
type chatPayload struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// emailPayload mirrors the mail provider's notification body.
type emailPayload struct {
	MessageID  string `json:"message_id"`
	Sender     string `json:"sender"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	ReceivedAt string `json:"received_at"`
}

// calendarPayload mirrors the calendar provider's notification body.
type calendarPayload struct {
	EventID    string `json:"event_id"`
	Organizer  string `json:"organizer"`
	Title      string `json:"title"`
	Start      string `json:"start"`
	ChangeType string `json:"change_type"`
}

// Normalize decodes a raw provider payload for the given channel into an
// InboundEvent. The returned event is immutable by convention: callers never
// modify it after creation.
func Normalize(raw []byte, channel models.Channel) (*models.InboundEvent, error) {
	switch channel {
	case models.ChannelChat:
		return normalizeChat(raw)
	case models.ChannelEmail:
		return normalizeEmail(raw)
	case models.ChannelCalendar:
		return normalizeCalendar(raw)
	default:
		return nil, fmt.Errorf("%w: unknown channel %q", fault.ErrMalformedPayload, channel)
	}
}

func normalizeChat(raw []byte) (*models.InboundEvent, error) {
	var p chatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: decode chat payload: %v", fault.ErrMalformedPayload, err)
	}
	if p.ID == "" || p.From == "" {
		return nil, fmt.Errorf("%w: chat payload missing id or from", fault.ErrMalformedPayload)
	}
	if strings.TrimSpace(p.Body) == "" {
		return nil, fmt.Errorf("%w: chat payload has empty body", fault.ErrMalformedPayload)
	}

	ts := time.Now().UTC()
	if p.Timestamp > 0 {
		ts = time.Unix(p.Timestamp, 0).UTC()
	}

	contentType := p.Type
	if contentType == "" {
		contentType = "text"
	}

	return &models.InboundEvent{
		EventID:     p.ID,
		Channel:     models.ChannelChat,
		SenderID:    p.From,
		Timestamp:   ts,
		RawContent:  p.Body,
		ContentType: contentType,
	}, nil
}

func normalizeEmail(raw []byte) (*models.InboundEvent, error) {
	var p emailPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: decode email payload: %v", fault.ErrMalformedPayload, err)
	}
	if p.MessageID == "" || p.Sender == "" {
		return nil, fmt.Errorf("%w: email payload missing message_id or sender", fault.ErrMalformedPayload)
	}

	ts := time.Now().UTC()
	if p.ReceivedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, p.ReceivedAt); err == nil {
			ts = parsed.UTC()
		}
	}

	// Subject and body travel together so downstream stages see one text.
	content := p.Body
	if p.Subject != "" {
		content = p.Subject + "\n\n" + p.Body
	}

	return &models.InboundEvent{
		EventID:     p.MessageID,
		Channel:     models.ChannelEmail,
		SenderID:    p.Sender,
		Timestamp:   ts,
		RawContent:  content,
		ContentType: "text",
	}, nil
}

func normalizeCalendar(raw []byte) (*models.InboundEvent, error) {
	var p calendarPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: decode calendar payload: %v", fault.ErrMalformedPayload, err)
	}
	if p.EventID == "" || p.Organizer == "" {
		return nil, fmt.Errorf("%w: calendar payload missing event_id or organizer", fault.ErrMalformedPayload)
	}

	ts := time.Now().UTC()
	if p.Start != "" {
		if parsed, err := time.Parse(time.RFC3339, p.Start); err == nil {
			ts = parsed.UTC()
		}
	}

	change := p.ChangeType
	if change == "" {
		change = "updated"
	}

	return &models.InboundEvent{
		EventID:     p.EventID,
		Channel:     models.ChannelCalendar,
		SenderID:    p.Organizer,
		Timestamp:   ts,
		RawContent:  fmt.Sprintf("calendar event %s: %s", change, p.Title),
		ContentType: "calendar/" + change,
	}, nil
}
