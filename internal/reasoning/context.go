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

// Package reasoning turns an inbound event plus conversational context into
// a structured Decision via the hosted model. Context building is a pure
// function with no external calls, so the model-invocation stage can be
// tested with fixed inputs.
package reasoning

import (
	"fmt"
	"sort"
	"strings"

	"github.com/concierge/agent/internal/conversation"
	"github.com/concierge/agent/internal/models"
)

// Context is the assembled, deterministically ordered reasoning input.
type Context struct {
	Event    *models.InboundEvent
	Analysis models.Analysis
	Turns    []models.ConversationTurn
	Facts    map[string]string
}

// Build merges the conversation snapshot with the new event and its analysis.
// Pure: no side effects, no clock, no external calls. The snapshot is already
// bounded to the configured window by the conversation store.
func Build(event *models.InboundEvent, analysis models.Analysis, conv conversation.Context) Context {
	return Context{
		Event:    event,
		Analysis: analysis,
		Turns:    conv.Turns,
		Facts:    conv.Facts,
	}
}

// Prompt renders the context as model input. Ordering is deterministic:
// turns oldest-first, facts sorted by key.
func (c Context) Prompt() string {
	var b strings.Builder

	b.WriteString("You are a personal assistant handling a ")
	b.WriteString(string(c.Event.Channel))
	b.WriteString(" message.\n\n")

	if len(c.Facts) > 0 {
		b.WriteString("Known facts about the sender:\n")
		keys := make([]string, 0, len(c.Facts))
		for k := range c.Facts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, c.Facts[k])
		}
		b.WriteString("\n")
	}

	if len(c.Turns) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range c.Turns {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Classified intent: %s (sentiment %s, priority %s)\n",
		c.Analysis.Intent, c.Analysis.Sentiment, c.Analysis.Priority)
	if len(c.Analysis.Entities) > 0 {
		keys := make([]string, 0, len(c.Analysis.Entities))
		for k := range c.Analysis.Entities {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, c.Analysis.Entities[k])
		}
	}

	fmt.Fprintf(&b, "\nNew message from %s:\n%s\n", c.Event.SenderID, c.Event.RawContent)
	return b.String()
}
