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

// Package models defines the data structures shared across the orchestration
// engine: inbound events, conversation turns, analysis results, model
// decisions, and planned actions.
package models

import "time"

// Channel identifies the provider surface an event arrived on.
type Channel string

const (
	ChannelChat     Channel = "chat"
	ChannelEmail    Channel = "email"
	ChannelCalendar Channel = "calendar"
)

// InboundEvent is a normalized unit of work derived from a provider webhook.
// Immutable once created; EventID is provider-scoped and used for idempotence.
type InboundEvent struct {
	EventID     string    `json:"event_id"`
	Channel     Channel   `json:"channel"`
	SenderID    string    `json:"sender_id"`
	Timestamp   time.Time `json:"timestamp"`
	RawContent  string    `json:"raw_content"`
	ContentType string    `json:"content_type"`
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationTurn is one append-only entry in a sender's history.
type ConversationTurn struct {
	TurnID        string    `json:"turn_id"`
	SenderID      string    `json:"sender_id"`
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	LinkedEventID string    `json:"linked_event_id,omitempty"`
}

// Intent is the closed set of business classifications an event can receive.
// Events matching no known pattern are IntentUnknown, never an error.
type Intent string

const (
	IntentSendEmail       Intent = "send_email"
	IntentScheduleMeeting Intent = "schedule_meeting"
	IntentQueryCalendar   Intent = "query_calendar"
	IntentGeneralReply    Intent = "general_reply"
	IntentUnknown         Intent = "unknown"
)

// Sentiment is a best-effort signal, never a processing gate.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Priority orders downstream handling.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Analysis is the classification of a single inbound event. Derived, not
// persisted beyond the processing of one event.
type Analysis struct {
	Intent    Intent            `json:"intent"`
	Sentiment Sentiment         `json:"sentiment"`
	Priority  Priority          `json:"priority"`
	Entities  map[string]string `json:"entities,omitempty"`
}

// Decision is the structured model output for one reasoning pass.
// Confidence must lie in [0,1]; out-of-range values are a schema violation,
// never silently coerced.
type Decision struct {
	ResponseText string   `json:"response_text"`
	Tone         string   `json:"tone"`
	Confidence   float64  `json:"confidence"`
	Suggestions  []string `json:"suggestions,omitempty"`
	ActionItems  []string `json:"action_items,omitempty"`
}
