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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/concierge/agent/internal/conversation"
	"github.com/concierge/agent/internal/fault"
	"github.com/concierge/agent/internal/models"
)

// scriptedClient returns canned responses in order, recording each prompt.
type scriptedClient struct {
	responses []string
	errs      []error
	prompts   []string
	calls     int
}

func (c *scriptedClient) Invoke(ctx context.Context, prompt, outputSchema string) (string, error) {
	i := c.calls
	c.calls++
	c.prompts = append(c.prompts, prompt)
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return "", errors.New("no scripted response")
}

func testContext() Context {
	event := &models.InboundEvent{
		EventID:    "ev-1",
		Channel:    models.ChannelChat,
		SenderID:   "+111",
		RawContent: "hola",
	}
	anl := models.Analysis{
		Intent:    models.IntentGeneralReply,
		Sentiment: models.SentimentNeutral,
		Priority:  models.PriorityNormal,
	}
	return Build(event, anl, conversation.Context{})
}

func TestDecide_ParsesValidOutput(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"response_text":"¡Hola! ¿En qué te ayudo?","tone":"friendly","confidence":0.92,"suggestions":["saludar"],"action_items":[]}`,
	}}
	engine := NewEngine(client, time.Second)

	decision, err := engine.Decide(context.Background(), testContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.ResponseText != "¡Hola! ¿En qué te ayudo?" {
		t.Errorf("response_text = %q", decision.ResponseText)
	}
	if decision.Tone != "friendly" {
		t.Errorf("tone = %q", decision.Tone)
	}
	if decision.Confidence != 0.92 {
		t.Errorf("confidence = %v", decision.Confidence)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1", client.calls)
	}
}

func TestDecide_StripsCodeFences(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"```json\n{\"response_text\":\"ok\",\"tone\":\"neutral\",\"confidence\":0.5}\n```",
	}}
	engine := NewEngine(client, time.Second)

	decision, err := engine.Decide(context.Background(), testContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.ResponseText != "ok" {
		t.Errorf("response_text = %q", decision.ResponseText)
	}
}

func TestDecide_RepairsOnceCitingViolation(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"tone":"neutral","confidence":0.5}`, // missing response_text
		`{"response_text":"fixed","tone":"neutral","confidence":0.5}`,
	}}
	engine := NewEngine(client, time.Second)

	decision, err := engine.Decide(context.Background(), testContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.ResponseText != "fixed" {
		t.Errorf("response_text = %q, want fixed", decision.ResponseText)
	}
	if client.calls != 2 {
		t.Fatalf("calls = %d, want 2", client.calls)
	}
	if !strings.Contains(client.prompts[1], "response_text is required") {
		t.Errorf("repair prompt does not cite the violation: %q", client.prompts[1])
	}
}

func TestDecide_SecondSchemaFailureSurfaces(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`not json at all`,
		`still not json`,
	}}
	engine := NewEngine(client, time.Second)

	_, err := engine.Decide(context.Background(), testContext())
	if err == nil {
		t.Fatal("expected schema error")
	}
	var serr *fault.SchemaError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want SchemaError", err)
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want exactly 2 (one repair)", client.calls)
	}
}

func TestDecide_ConfidenceOutOfRangeNotCoerced(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"response_text":"hi","tone":"neutral","confidence":1.7}`,
		`{"response_text":"hi","tone":"neutral","confidence":-0.2}`,
	}}
	engine := NewEngine(client, time.Second)

	_, err := engine.Decide(context.Background(), testContext())
	var serr *fault.SchemaError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want SchemaError", err)
	}
	if !strings.Contains(serr.Violation, "outside [0,1]") {
		t.Errorf("violation = %q", serr.Violation)
	}
}

func TestDecide_TransportErrorIsUpstreamUnavailable(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("connection refused")}}
	engine := NewEngine(client, time.Second)

	_, err := engine.Decide(context.Background(), testContext())
	if !errors.Is(err, fault.ErrUpstreamUnavailable) {
		t.Fatalf("error = %v, want ErrUpstreamUnavailable", err)
	}
}

// slowClient blocks until the context is cancelled.
type slowClient struct{}

func (slowClient) Invoke(ctx context.Context, prompt, outputSchema string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestDecide_TimeoutIsUpstreamUnavailable(t *testing.T) {
	engine := NewEngine(slowClient{}, 20*time.Millisecond)

	_, err := engine.Decide(context.Background(), testContext())
	if !errors.Is(err, fault.ErrUpstreamUnavailable) {
		t.Fatalf("error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestDecide_ToneOptionalDefaultsNeutral(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"response_text":"hi","confidence":0.5}`,
	}}
	engine := NewEngine(client, time.Second)

	decision, err := engine.Decide(context.Background(), testContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Tone != "neutral" {
		t.Errorf("tone = %q, want neutral", decision.Tone)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1 (missing tone is not a violation)", client.calls)
	}
	// The declared contract must agree with the parser.
	required := DecisionSchema[strings.Index(DecisionSchema, `"required"`):]
	required = required[:strings.Index(required, "]")]
	if strings.Contains(required, "tone") {
		t.Error("tone listed as required but the parser defaults it")
	}
}

func TestPrompt_Deterministic(t *testing.T) {
	event := &models.InboundEvent{
		EventID:    "ev-1",
		Channel:    models.ChannelChat,
		SenderID:   "+111",
		RawContent: "hola",
	}
	anl := models.Analysis{
		Intent:   models.IntentSendEmail,
		Entities: map[string]string{"recipient": "a@b.com", "body": "x", "subject": "y"},
	}
	conv := conversation.Context{
		Turns: []models.ConversationTurn{
			{Role: models.RoleUser, Content: "first"},
			{Role: models.RoleAssistant, Content: "second"},
		},
		Facts: map[string]string{"zeta": "1", "alpha": "2"},
	}

	a := Build(event, anl, conv).Prompt()
	for i := 0; i < 10; i++ {
		if b := Build(event, anl, conv).Prompt(); b != a {
			t.Fatal("prompt is not deterministic across builds")
		}
	}

	if strings.Index(a, "alpha") > strings.Index(a, "zeta") {
		t.Error("facts not sorted by key")
	}
	if strings.Index(a, "first") > strings.Index(a, "second") {
		t.Error("turns not oldest-first")
	}
}
