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

// Package analysis classifies inbound events into a closed intent set and
// extracts the entities the planner needs. Classification is a business
// decision: text matching no known pattern is IntentUnknown, never an error.
package analysis

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/concierge/agent/internal/conversation"
	"github.com/concierge/agent/internal/models"
)

var (
	emailRe      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	quotedRe     = regexp.MustCompile(`"([^"]+)"`)
	clockRe      = regexp.MustCompile(`(\d{1,2}):(\d{2})\s*(am|pm|AM|PM)?`)
	hourOnlyRe   = regexp.MustCompile(`(?i)(?:a las|at)\s+(\d{1,2})\s*(am|pm)?`)
	sendWords    = []string{"envíame", "enviame", "envía", "envia", "enviar", "send", "mándale", "mandale", "escríbele", "escribele"}
	mailWords    = []string{"correo", "email", "mail", "e-mail"}
	meetWords    = []string{"programar", "schedule", "reunión", "reunion", "meeting", "book", "agendar", "agenda una", "cita"}
	moveWords    = []string{"reagendar", "reschedule", "mover la", "move the", "cambiar la", "change the"}
	cancelWords  = []string{"cancelar", "cancel", "eliminar", "delete", "borrar"}
	queryWords   = []string{"horarios", "disponible", "disponibilidad", "availability", "free time", "agenda", "calendario", "calendar", "qué tengo", "que tengo", "what do i have"}
	urgentWords  = []string{"urgente", "urgent", "asap", "ya mismo", "right now", "emergencia", "emergency"}
	positives    = []string{"gracias", "thanks", "thank you", "excelente", "great", "perfecto", "perfect", "genial"}
	negatives    = []string{"problema", "problem", "error", "mal ", "wrong", "molesto", "angry", "queja", "complaint", "falló", "fallo", "failed"}
	tomorrowWord = []string{"mañana", "manana", "tomorrow"}
)

// Analyzer implements the Analysis Stage. The clock is injectable so tests
// can pin relative dates like "tomorrow at 9am".
type Analyzer struct {
	now func() time.Time
}

// New creates an Analyzer using the wall clock.
func New() *Analyzer {
	return &Analyzer{now: time.Now}
}

// NewWithClock creates an Analyzer with a fixed clock, for tests.
func NewWithClock(now func() time.Time) *Analyzer {
	return &Analyzer{now: now}
}

// Analyze classifies one event against the sender's current context. The
// context is a read-only snapshot; Analyze never mutates it.
func (a *Analyzer) Analyze(ctx context.Context, event *models.InboundEvent, conv conversation.Context) (models.Analysis, error) {
	text := event.RawContent
	lower := strings.ToLower(text)

	res := models.Analysis{
		Intent:    models.IntentUnknown,
		Sentiment: sentimentOf(lower),
		Priority:  models.PriorityNormal,
		Entities:  map[string]string{},
	}

	if containsAny(lower, urgentWords) {
		res.Priority = models.PriorityHigh
	}

	switch {
	case a.isSendEmail(lower):
		res.Intent = models.IntentSendEmail
		a.extractEmailEntities(text, lower, res.Entities)
	case containsAny(lower, moveWords) || containsAny(lower, cancelWords):
		res.Intent = models.IntentScheduleMeeting
		a.extractMeetingEntities(text, lower, res.Entities)
		if containsAny(lower, cancelWords) {
			res.Entities["event_op"] = "delete"
		} else {
			res.Entities["event_op"] = "update"
		}
		if ref, ok := conv.Facts["last_event_ref"]; ok {
			res.Entities["event_ref"] = ref
		}
	case containsAny(lower, meetWords):
		res.Intent = models.IntentScheduleMeeting
		res.Entities["event_op"] = "create"
		a.extractMeetingEntities(text, lower, res.Entities)
	case containsAny(lower, queryWords):
		res.Intent = models.IntentQueryCalendar
	case event.Channel == models.ChannelChat && strings.TrimSpace(text) != "":
		res.Intent = models.IntentGeneralReply
	}

	// Greetings and thanks carry no work; let them drop in priority.
	if res.Intent == models.IntentGeneralReply && res.Sentiment == models.SentimentPositive && res.Priority == models.PriorityNormal {
		res.Priority = models.PriorityLow
	}

	return res, nil
}

// isSendEmail requires both a send verb and a mail noun or an explicit
// address, so "revisa tu correo" alone does not plan an outbound email.
func (a *Analyzer) isSendEmail(lower string) bool {
	if !containsAny(lower, sendWords) {
		return false
	}
	return containsAny(lower, mailWords) || emailRe.MatchString(lower)
}

func (a *Analyzer) extractEmailEntities(text, lower string, entities map[string]string) {
	if addr := emailRe.FindString(text); addr != "" {
		entities["recipient"] = addr
	}
	if m := quotedRe.FindStringSubmatch(text); m != nil {
		entities["subject"] = m[1]
	}

	// The request body is what remains after the instruction prefix,
	// e.g. "envíame un correo a x@y.com preguntando si ..." keeps the
	// "preguntando si ..." part.
	for _, marker := range []string{"preguntando", "diciendo", "asking", "saying", "que diga"} {
		if idx := strings.Index(lower, marker); idx >= 0 {
			entities["body"] = strings.TrimSpace(text[idx:])
			break
		}
	}
	if entities["body"] == "" {
		entities["body"] = strings.TrimSpace(text)
	}
}

func (a *Analyzer) extractMeetingEntities(text, lower string, entities map[string]string) {
	if m := quotedRe.FindStringSubmatch(text); m != nil {
		entities["title"] = m[1]
	}
	if start, ok := a.parseMeetingTime(text, lower); ok {
		entities["start_time"] = start.Format(time.RFC3339)
	}
	if addr := emailRe.FindString(text); addr != "" {
		entities["attendee"] = addr
	}
}

// parseMeetingTime resolves clock references like "2:30pm", "a las 9", and
// the tomorrow/mañana date words against the injected clock.
func (a *Analyzer) parseMeetingTime(text, lower string) (time.Time, bool) {
	now := a.now()
	day := now
	if containsAny(lower, tomorrowWord) {
		day = now.AddDate(0, 0, 1)
	}

	hour, minute := -1, 0
	var ampm string

	if m := clockRe.FindStringSubmatch(text); m != nil {
		hour = atoiSafe(m[1])
		minute = atoiSafe(m[2])
		ampm = strings.ToLower(m[3])
	} else if m := hourOnlyRe.FindStringSubmatch(text); m != nil {
		hour = atoiSafe(m[1])
		ampm = strings.ToLower(m[2])
	}
	if hour < 0 || hour > 23 || minute > 59 {
		return time.Time{}, false
	}

	if ampm == "pm" && hour < 12 {
		hour += 12
	}
	if ampm == "am" && hour == 12 {
		hour = 0
	}

	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location()), true
}

func sentimentOf(lower string) models.Sentiment {
	switch {
	case containsAny(lower, negatives):
		return models.SentimentNegative
	case containsAny(lower, positives):
		return models.SentimentPositive
	default:
		return models.SentimentNeutral
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}
