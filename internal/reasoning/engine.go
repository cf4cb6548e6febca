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

package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/concierge/agent/internal/fault"
	"github.com/concierge/agent/internal/models"
)

// DecisionSchema is the output contract declared to the model. tone is
// optional and defaults to "neutral"; the parser enforces exactly this
// contract, nothing looser.
const DecisionSchema = `{
  "type": "object",
  "required": ["response_text", "confidence"],
  "properties": {
    "response_text": {"type": "string"},
    "tone": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "suggestions": {"type": "array", "items": {"type": "string"}},
    "action_items": {"type": "array", "items": {"type": "string"}}
  }
}`

// ModelClient is how the engine reaches the hosted model. Implementations
// return fault.ErrUpstreamUnavailable (wrapped) on transport or timeout
// errors; any other error is treated the same way.
type ModelClient interface {
	Invoke(ctx context.Context, prompt, outputSchema string) (string, error)
}

// Engine drives one reasoning pass with at most one self-repair retry.
// Unbounded retries are disallowed to bound latency and cost.
type Engine struct {
	client  ModelClient
	timeout time.Duration
}

// NewEngine creates a reasoning engine. timeout bounds each model call.
func NewEngine(client ModelClient, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{client: client, timeout: timeout}
}

// Decide invokes the model with the reasoning context and parses the output
// into a Decision. On a schema violation it re-prompts once, citing the exact
// violation, then surfaces a fault.SchemaError. Transport failures surface as
// fault.ErrUpstreamUnavailable.
func (e *Engine) Decide(ctx context.Context, rc Context) (models.Decision, error) {
	prompt := rc.Prompt()

	raw, err := e.invoke(ctx, prompt)
	if err != nil {
		return models.Decision{}, err
	}

	decision, perr := parseDecision(raw)
	if perr == nil {
		return decision, nil
	}

	// One bounded self-repair pass: cite the exact schema violation back.
	slog.Warn("model output failed schema validation, retrying once",
		"event_id", rc.Event.EventID,
		"violation", perr.Violation,
	)
	repair := prompt + fmt.Sprintf(
		"\n\nYour previous answer was rejected: %s.\nRespond again with ONLY a JSON object matching the declared schema.",
		perr.Violation,
	)
	raw, err = e.invoke(ctx, repair)
	if err != nil {
		return models.Decision{}, err
	}
	decision, perr = parseDecision(raw)
	if perr != nil {
		return models.Decision{}, perr
	}
	return decision, nil
}

func (e *Engine) invoke(ctx context.Context, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.client.Invoke(callCtx, prompt, DecisionSchema)
	if err != nil {
		if callCtx.Err() != nil {
			return "", fmt.Errorf("%w: model call timed out after %s", fault.ErrUpstreamUnavailable, e.timeout)
		}
		return "", fmt.Errorf("%w: %v", fault.ErrUpstreamUnavailable, err)
	}
	return raw, nil
}

// rawDecision uses a pointer for confidence so a missing field is
// distinguishable from an explicit 0.
type rawDecision struct {
	ResponseText *string  `json:"response_text"`
	Tone         string   `json:"tone"`
	Confidence   *float64 `json:"confidence"`
	Suggestions  []string `json:"suggestions"`
	ActionItems  []string `json:"action_items"`
}

// parseDecision validates model output against the Decision shape. Values
// outside the declared ranges are violations, never silently coerced.
func parseDecision(raw string) (models.Decision, *fault.SchemaError) {
	trimmed := extractJSON(raw)

	var rd rawDecision
	if err := json.Unmarshal([]byte(trimmed), &rd); err != nil {
		return models.Decision{}, &fault.SchemaError{
			Violation: fmt.Sprintf("output is not valid JSON: %v", err),
			Raw:       raw,
		}
	}
	if rd.ResponseText == nil || strings.TrimSpace(*rd.ResponseText) == "" {
		return models.Decision{}, &fault.SchemaError{Violation: "response_text is required", Raw: raw}
	}
	if rd.Confidence == nil {
		return models.Decision{}, &fault.SchemaError{Violation: "confidence is required", Raw: raw}
	}
	if *rd.Confidence < 0 || *rd.Confidence > 1 {
		return models.Decision{}, &fault.SchemaError{
			Violation: fmt.Sprintf("confidence %v is outside [0,1]", *rd.Confidence),
			Raw:       raw,
		}
	}

	// tone is not in the schema's required list; absent means neutral.
	tone := rd.Tone
	if tone == "" {
		tone = "neutral"
	}

	return models.Decision{
		ResponseText: *rd.ResponseText,
		Tone:         tone,
		Confidence:   *rd.Confidence,
		Suggestions:  rd.Suggestions,
		ActionItems:  rd.ActionItems,
	}, nil
}

// extractJSON strips markdown code fences models like to wrap JSON in.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}
