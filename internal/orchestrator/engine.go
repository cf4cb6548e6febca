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

// Package orchestrator sequences the processing pipeline for one inbound
// event: normalize, dedup, analyze, reason, plan, gate, dispatch, record.
// Events from the same sender are processed strictly in order; events from
// different senders run concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/concierge/agent/internal/analysis"
	"github.com/concierge/agent/internal/approval"
	"github.com/concierge/agent/internal/conversation"
	"github.com/concierge/agent/internal/dispatch"
	"github.com/concierge/agent/internal/fault"
	"github.com/concierge/agent/internal/models"
	"github.com/concierge/agent/internal/normalize"
	"github.com/concierge/agent/internal/planner"
	"github.com/concierge/agent/internal/reasoning"

	"github.com/google/uuid"
)

// ProcessedLog is the durable set of event IDs already handled.
type ProcessedLog interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, outcome string) error
}

// Alerter surfaces terminal failures to the operator channel.
type Alerter interface {
	OperatorAlert(ctx context.Context, kind, summary string, fields map[string]string) error
}

// Executor runs one approved action to a terminal status.
type Executor interface {
	Execute(ctx context.Context, action *models.Action) (dispatch.Result, error)
}

// Auditor keeps the durable trail of planned actions and their status
// transitions. May be nil, in which case auditing is skipped.
type Auditor interface {
	RecordAction(ctx context.Context, action *models.Action) error
	RecordTransition(ctx context.Context, actionID string, status models.ActionStatus, providerRef string, attempts int, reason string) error
}

// Options carries the tunables the engine reads from config.
type Options struct {
	UpstreamRetryMax int
	UpstreamBackoff  time.Duration
	ResponseCooldown time.Duration
}

// Engine is the top-level coordinator.
type Engine struct {
	analyzer   *analysis.Analyzer
	reasoner   *reasoning.Engine
	store      *conversation.Store
	plan       *planner.Planner
	gate       *approval.Gate
	dispatcher Executor
	log        ProcessedLog
	alerts     Alerter
	auditor    Auditor

	retryMax int
	backoff  time.Duration
	cooldown time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	mu        sync.Mutex
	senderMu  map[string]*sync.Mutex
	lastReply map[string]time.Time
}

// New creates an orchestration engine.
func New(
	analyzer *analysis.Analyzer,
	reasoner *reasoning.Engine,
	store *conversation.Store,
	plan *planner.Planner,
	gate *approval.Gate,
	dispatcher Executor,
	log ProcessedLog,
	alerts Alerter,
	auditor Auditor,
	opts Options,
) *Engine {
	if opts.UpstreamRetryMax <= 0 {
		opts.UpstreamRetryMax = 3
	}
	if opts.UpstreamBackoff <= 0 {
		opts.UpstreamBackoff = 2 * time.Second
	}
	return &Engine{
		analyzer:   analyzer,
		reasoner:   reasoner,
		store:      store,
		plan:       plan,
		gate:       gate,
		dispatcher: dispatcher,
		log:        log,
		alerts:     alerts,
		auditor:    auditor,
		retryMax:   opts.UpstreamRetryMax,
		backoff:    opts.UpstreamBackoff,
		cooldown:   opts.ResponseCooldown,
		sleep:      sleepCtx,
		senderMu:   make(map[string]*sync.Mutex),
		lastReply:  make(map[string]time.Time),
	}
}

// Process handles one raw provider payload end to end. It returns an error
// only for failures the caller should log; every outcome, success or not, is
// recorded in the processed-event log so redeliveries are no-ops.
func (e *Engine) Process(ctx context.Context, raw []byte, channel models.Channel) error {
	event, err := normalize.Normalize(raw, channel)
	if err != nil {
		if errors.Is(err, fault.ErrMalformedPayload) {
			e.alert(ctx, "malformed_payload", err.Error(), map[string]string{"channel": string(channel)})
		}
		return err
	}

	seen, err := e.log.Seen(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("dedup check for %s: %w", event.EventID, err)
	}
	if seen {
		slog.Info("duplicate event skipped", "event_id", event.EventID, "channel", channel)
		return nil
	}

	// Chat text may be an approve/reject for a pending action rather than a
	// new request; that path resolves the action and stops the pipeline.
	if event.Channel == models.ChannelChat {
		if done, err := e.tryResolveApproval(ctx, event); done {
			return err
		}
	}

	unlock := e.lockSender(event.SenderID)
	defer unlock()

	// A redelivery can pass the check above while the original delivery is
	// still mid-pipeline holding this lock. MarkProcessed runs under the lock,
	// so a second check here is race-free.
	seen, err = e.log.Seen(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("dedup recheck for %s: %w", event.EventID, err)
	}
	if seen {
		slog.Info("duplicate event skipped", "event_id", event.EventID, "channel", channel)
		return nil
	}

	outcome, perr := e.processLocked(ctx, event)

	if merr := e.log.MarkProcessed(ctx, event.EventID, outcome); merr != nil {
		slog.Error("mark processed failed", "event_id", event.EventID, "error", merr)
		if perr == nil {
			perr = merr
		}
	}
	return perr
}

// processLocked runs the pipeline under the sender's lock. It returns the
// outcome string for the processed-event log plus the error to surface.
func (e *Engine) processLocked(ctx context.Context, event *models.InboundEvent) (string, error) {
	conv := e.store.Snapshot(event.SenderID)

	anl, err := e.analyzer.Analyze(ctx, event, conv)
	if err != nil {
		// Analysis going down never blocks the conversation; degrade to the
		// conservative classification and let the model carry the turn.
		slog.Warn("analysis unavailable, degrading", "event_id", event.EventID, "error", err)
		anl = models.Analysis{
			Intent:    models.IntentUnknown,
			Sentiment: models.SentimentNeutral,
			Priority:  models.PriorityNormal,
		}
	}

	rc := reasoning.Build(event, anl, conv)

	decision, err := e.decideWithRetry(ctx, rc)
	if err != nil {
		var serr *fault.SchemaError
		switch {
		case errors.As(err, &serr):
			e.alert(ctx, "model_schema_failure",
				"model output failed schema validation after repair attempt",
				map[string]string{"event_id": event.EventID, "violation": serr.Violation})
			return "error: schema violation", err
		case errors.Is(err, fault.ErrUpstreamUnavailable):
			e.alert(ctx, "model_unavailable",
				fmt.Sprintf("model unavailable after %d attempts", e.retryMax),
				map[string]string{"event_id": event.EventID, "sender_id": event.SenderID})
			return "error: upstream unavailable", err
		default:
			return "error: " + err.Error(), err
		}
	}

	actions, followUps := e.plan.Plan(event, decision, anl)
	actions = e.applyCooldown(event.SenderID, actions)

	var dispatchErrs []string
	for i := range actions {
		action := &actions[i]

		status, err := e.gate.Submit(ctx, action)
		if err != nil {
			slog.Error("gate submit failed", "action_id", action.ActionID, "error", err)
			dispatchErrs = append(dispatchErrs, err.Error())
			continue
		}
		e.auditRecord(ctx, action)
		if status == models.StatusRejected {
			e.auditTransition(ctx, action, "", 0, "rejected at creation: approvals disabled")
			continue
		}
		if status != models.StatusApproved {
			continue
		}

		if err := e.execute(ctx, action); err != nil {
			dispatchErrs = append(dispatchErrs, err.Error())
		}
	}

	// The owner cannot see the mailbox from the chat channel, so every
	// inbound email gets a digest on the operator queue.
	if event.Channel == models.ChannelEmail {
		e.alert(ctx, "email_summary", emailSummary(event), map[string]string{
			"event_id":   event.EventID,
			"intent":     string(anl.Intent),
			"priority":   string(anl.Priority),
			"sentiment":  string(anl.Sentiment),
			"assessment": decision.ResponseText,
		})
	}

	if err := e.recordTurns(ctx, event, decision); err != nil {
		slog.Error("record turns failed", "event_id", event.EventID, "error", err)
	}
	e.recordFacts(ctx, event, anl, followUps)

	slog.Info("event processed",
		"event_id", event.EventID,
		"sender", event.SenderID,
		"intent", anl.Intent,
		"actions", len(actions),
		"confidence", decision.Confidence,
	)

	if len(dispatchErrs) > 0 {
		return "error: " + strings.Join(dispatchErrs, "; "), nil
	}
	return "ok", nil
}

// decideWithRetry calls the reasoning engine, retrying only upstream
// availability failures with linear backoff. Schema failures are not retried
// here; the engine already spent its single repair pass.
func (e *Engine) decideWithRetry(ctx context.Context, rc reasoning.Context) (models.Decision, error) {
	var lastErr error
	for attempt := 1; attempt <= e.retryMax; attempt++ {
		decision, err := e.reasoner.Decide(ctx, rc)
		if err == nil {
			return decision, nil
		}
		lastErr = err

		if !errors.Is(err, fault.ErrUpstreamUnavailable) {
			return models.Decision{}, err
		}
		if attempt < e.retryMax {
			slog.Warn("model unavailable, retrying",
				"event_id", rc.Event.EventID,
				"attempt", attempt,
				"error", err,
			)
			if serr := e.sleep(ctx, e.backoff*time.Duration(attempt)); serr != nil {
				return models.Decision{}, fmt.Errorf("%w: cancelled during retry", fault.ErrUpstreamUnavailable)
			}
		}
	}
	return models.Decision{}, lastErr
}

// execute dispatches one approved action, alerting the operator on failure.
func (e *Engine) execute(ctx context.Context, action *models.Action) error {
	result, err := e.dispatcher.Execute(ctx, action)
	if err != nil {
		e.auditTransition(ctx, action, "", result.Attempts, err.Error())
		e.alert(ctx, "dispatch_failure", err.Error(), map[string]string{
			"action_id": action.ActionID,
			"kind":      string(action.Kind),
			"sender_id": action.SenderID,
		})
		return err
	}
	e.auditTransition(ctx, action, result.ProviderRef, result.Attempts, "")

	if action.Kind == models.ActionReplyMessage {
		e.mu.Lock()
		e.lastReply[action.SenderID] = e.clock()
		e.mu.Unlock()
	}
	if action.Kind == models.ActionCreateEvent && result.ProviderRef != "" {
		// Remember the provider event ID so "move it" / "cancel it" in a later
		// message can resolve the reference.
		if err := e.store.RecordFacts(ctx, action.SenderID, map[string]string{
			"last_event_ref": result.ProviderRef,
		}); err != nil {
			slog.Warn("record event ref failed", "action_id", action.ActionID, "error", err)
		}
	}
	return nil
}

// tryResolveApproval checks whether chat text resolves a pending action.
// Returns done=true when the event was consumed by the approval flow.
func (e *Engine) tryResolveApproval(ctx context.Context, event *models.InboundEvent) (bool, error) {
	action, approved, handled := e.gate.ResolveText(ctx, event.SenderID, event.RawContent)
	if !handled {
		return false, nil
	}

	outcome := "ok: rejected " + action.ActionID
	var perr error
	if approved {
		outcome = "ok: approved " + action.ActionID
		if err := e.execute(ctx, action); err != nil {
			outcome = "error: " + err.Error()
			perr = err
		}
	} else {
		e.auditTransition(ctx, action, "", 0, "rejected by sender")
	}

	turn := models.ConversationTurn{
		TurnID:        uuid.New().String(),
		SenderID:      event.SenderID,
		Role:          models.RoleUser,
		Content:       event.RawContent,
		Timestamp:     event.Timestamp,
		LinkedEventID: event.EventID,
	}
	if err := e.store.Append(ctx, turn); err != nil {
		slog.Warn("record approval turn failed", "event_id", event.EventID, "error", err)
	}

	if merr := e.log.MarkProcessed(ctx, event.EventID, outcome); merr != nil {
		slog.Error("mark processed failed", "event_id", event.EventID, "error", merr)
	}

	slog.Info("approval resolved from chat",
		"event_id", event.EventID,
		"action_id", action.ActionID,
		"approved", approved,
	)
	return true, perr
}

// HandleApproval resolves a pending action by ID, for the HTTP approval
// endpoint. An approved action is dispatched before returning.
func (e *Engine) HandleApproval(ctx context.Context, actionID string, approve bool) (*models.Action, error) {
	if !approve {
		action, err := e.gate.Reject(ctx, actionID)
		if err != nil {
			return nil, err
		}
		e.auditTransition(ctx, action, "", 0, "rejected by operator")
		return action, nil
	}

	action, err := e.gate.Approve(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if err := e.execute(ctx, action); err != nil {
		return action, err
	}
	return action, nil
}

// PendingActions lists actions awaiting approval, oldest first.
func (e *Engine) PendingActions() []models.Action {
	return e.gate.Pending()
}

// recordTurns appends the user's message and the assistant's response to the
// sender's history in that order.
func (e *Engine) recordTurns(ctx context.Context, event *models.InboundEvent, decision models.Decision) error {
	now := e.clock()

	user := models.ConversationTurn{
		TurnID:        uuid.New().String(),
		SenderID:      event.SenderID,
		Role:          models.RoleUser,
		Content:       event.RawContent,
		Timestamp:     event.Timestamp,
		LinkedEventID: event.EventID,
	}
	if err := e.store.Append(ctx, user); err != nil {
		return err
	}

	assistant := models.ConversationTurn{
		TurnID:        uuid.New().String(),
		SenderID:      event.SenderID,
		Role:          models.RoleAssistant,
		Content:       decision.ResponseText,
		Timestamp:     now,
		LinkedEventID: event.EventID,
	}
	return e.store.Append(ctx, assistant)
}

func (e *Engine) recordFacts(ctx context.Context, event *models.InboundEvent, anl models.Analysis, followUps []string) {
	facts := map[string]string{
		"last_intent": string(anl.Intent),
	}
	if len(followUps) > 0 {
		facts["pending_follow_ups"] = strings.Join(followUps, "; ")
	}
	if err := e.store.RecordFacts(ctx, event.SenderID, facts); err != nil {
		slog.Warn("record facts failed", "event_id", event.EventID, "error", err)
	}
}

// emailSummary condenses an inbound email for the operator digest: sender
// plus the subject line, which normalization keeps as the first content line.
func emailSummary(event *models.InboundEvent) string {
	subject := event.RawContent
	if idx := strings.IndexByte(subject, '\n'); idx >= 0 {
		subject = subject[:idx]
	}
	subject = strings.TrimSpace(subject)
	if len(subject) > 120 {
		subject = subject[:120]
	}
	return "email from " + event.SenderID + ": " + subject
}

// applyCooldown drops chat replies sent too soon after the previous one.
// Non-reply actions always pass through.
func (e *Engine) applyCooldown(senderID string, actions []models.Action) []models.Action {
	if e.cooldown <= 0 {
		return actions
	}

	e.mu.Lock()
	last, ok := e.lastReply[senderID]
	e.mu.Unlock()
	if !ok || e.clock().Sub(last) >= e.cooldown {
		return actions
	}

	kept := actions[:0]
	for _, a := range actions {
		if a.Kind == models.ActionReplyMessage {
			slog.Info("reply suppressed by cooldown", "sender", senderID, "action_id", a.ActionID)
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// lockSender serializes processing per sender while events for different
// senders proceed concurrently.
func (e *Engine) lockSender(senderID string) func() {
	e.mu.Lock()
	m, ok := e.senderMu[senderID]
	if !ok {
		m = &sync.Mutex{}
		e.senderMu[senderID] = m
	}
	e.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// RunSweeper drives the approval gate's sweep loop until the context is
// cancelled, recording abandoned actions in the audit trail.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	slog.Info("approval sweeper starting", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("approval sweeper stopping")
			return
		case <-ticker.C:
			for _, a := range e.gate.Sweep(ctx, time.Now()) {
				e.auditTransition(ctx, &a, "", 0, "abandoned: approval window expired")
			}
		}
	}
}

func (e *Engine) auditRecord(ctx context.Context, action *models.Action) {
	if e.auditor == nil {
		return
	}
	if err := e.auditor.RecordAction(ctx, action); err != nil {
		slog.Warn("audit record failed", "action_id", action.ActionID, "error", err)
	}
}

func (e *Engine) auditTransition(ctx context.Context, action *models.Action, providerRef string, attempts int, reason string) {
	if e.auditor == nil {
		return
	}
	if err := e.auditor.RecordTransition(ctx, action.ActionID, action.Status, providerRef, attempts, reason); err != nil {
		slog.Warn("audit transition failed", "action_id", action.ActionID, "error", err)
	}
}

func (e *Engine) alert(ctx context.Context, kind, summary string, fields map[string]string) {
	if err := e.alerts.OperatorAlert(ctx, kind, summary, fields); err != nil {
		slog.Error("operator alert failed", "kind", kind, "error", err)
	}
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now().UTC()
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
