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

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/concierge/agent/internal/fault"
	"github.com/concierge/agent/internal/models"
)

// flakySender fails the first n calls with the given error, then succeeds.
type flakySender struct {
	failures int
	err      error
	calls    int
}

func (f *flakySender) SendMessage(ctx context.Context, recipient, text string) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return "msg-ref-1", nil
}

type stubMail struct{ calls int }

func (s *stubMail) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	s.calls++
	return "mail-ref-1", nil
}

type stubCalendar struct {
	created, updated, deleted int
}

func (s *stubCalendar) CreateEvent(ctx context.Context, e *models.EventPayload) (string, error) {
	s.created++
	return "ev-ref-1", nil
}

func (s *stubCalendar) UpdateEvent(ctx context.Context, e *models.EventPayload) (string, error) {
	s.updated++
	return e.EventRef, nil
}

func (s *stubCalendar) DeleteEvent(ctx context.Context, ref string) (string, error) {
	s.deleted++
	return ref, nil
}

func testDispatcher(chat ChatSender) *Dispatcher {
	d := New(chat, &stubMail{}, &stubCalendar{}, time.Second, 3, time.Millisecond)
	d.sleep = func(ctx context.Context, _ time.Duration) error { return nil }
	return d
}

func approvedReply() *models.Action {
	return &models.Action{
		ActionID: "a1",
		Kind:     models.ActionReplyMessage,
		SenderID: "+111",
		Status:   models.StatusApproved,
		Message:  &models.MessagePayload{Recipient: "+111", Text: "hola"},
	}
}

func TestExecute_Success(t *testing.T) {
	chat := &flakySender{}
	d := testDispatcher(chat)

	action := approvedReply()
	result, err := d.Execute(context.Background(), action)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if action.Status != models.StatusExecuted {
		t.Errorf("status = %q, want executed", action.Status)
	}
	if result.ProviderRef != "msg-ref-1" {
		t.Errorf("provider_ref = %q", result.ProviderRef)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
}

func TestExecute_TransientFailureRetries(t *testing.T) {
	chat := &flakySender{failures: 2, err: &fault.DeliveryError{Reason: "HTTP 503"}}
	d := testDispatcher(chat)

	action := approvedReply()
	result, err := d.Execute(context.Background(), action)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
	if action.Status != models.StatusExecuted {
		t.Errorf("status = %q, want executed", action.Status)
	}
}

func TestExecute_ExhaustedRetriesFail(t *testing.T) {
	chat := &flakySender{failures: 99, err: &fault.DeliveryError{Reason: "HTTP 503"}}
	d := testDispatcher(chat)

	action := approvedReply()
	_, err := d.Execute(context.Background(), action)
	if err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if action.Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", action.Status)
	}
	if chat.calls != 3 {
		t.Errorf("calls = %d, want maxAttempts of 3", chat.calls)
	}
}

func TestExecute_PermanentFailureNoRetry(t *testing.T) {
	chat := &flakySender{failures: 99, err: &fault.DeliveryError{Permanent: true, Reason: "HTTP 400"}}
	d := testDispatcher(chat)

	action := approvedReply()
	_, err := d.Execute(context.Background(), action)
	if err == nil {
		t.Fatal("expected permanent failure")
	}
	if !fault.IsPermanentDelivery(err) {
		t.Errorf("error = %v, want permanent delivery error", err)
	}
	if chat.calls != 1 {
		t.Errorf("calls = %d, want exactly 1 (no retry)", chat.calls)
	}
	if action.Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", action.Status)
	}
}

func TestExecute_AlreadyExecutedIsNoOp(t *testing.T) {
	chat := &flakySender{}
	d := testDispatcher(chat)

	action := approvedReply()
	action.Status = models.StatusExecuted

	if _, err := d.Execute(context.Background(), action); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if chat.calls != 0 {
		t.Errorf("calls = %d, want 0 for already-executed action", chat.calls)
	}
}

func TestExecute_UnapprovedRejected(t *testing.T) {
	d := testDispatcher(&flakySender{})

	for _, status := range []models.ActionStatus{models.StatusPending, models.StatusRejected, models.StatusFailed} {
		action := approvedReply()
		action.Status = status
		if _, err := d.Execute(context.Background(), action); err == nil {
			t.Errorf("status %q: expected error", status)
		}
	}
}

func TestExecute_RoutesByKind(t *testing.T) {
	mail := &stubMail{}
	cal := &stubCalendar{}
	d := New(&flakySender{}, mail, cal, time.Second, 3, time.Millisecond)

	actions := []*models.Action{
		{ActionID: "m", Kind: models.ActionSendEmail, Status: models.StatusApproved,
			Email: &models.EmailPayload{To: "a@b.com", Subject: "s", Body: "b"}},
		{ActionID: "c", Kind: models.ActionCreateEvent, Status: models.StatusApproved,
			CalendarEvent: &models.EventPayload{Title: "Demo"}},
		{ActionID: "u", Kind: models.ActionUpdateEvent, Status: models.StatusApproved,
			CalendarEvent: &models.EventPayload{EventRef: "prov-1"}},
		{ActionID: "d", Kind: models.ActionDeleteEvent, Status: models.StatusApproved,
			CalendarEvent: &models.EventPayload{EventRef: "prov-1"}},
	}
	for _, a := range actions {
		if _, err := d.Execute(context.Background(), a); err != nil {
			t.Fatalf("execute %s: %v", a.ActionID, err)
		}
	}

	if mail.calls != 1 || cal.created != 1 || cal.updated != 1 || cal.deleted != 1 {
		t.Errorf("routing: mail=%d created=%d updated=%d deleted=%d",
			mail.calls, cal.created, cal.updated, cal.deleted)
	}
}

func TestExecute_MissingPayloadIsPermanent(t *testing.T) {
	d := testDispatcher(&flakySender{})

	action := &models.Action{
		ActionID: "a1",
		Kind:     models.ActionSendEmail,
		Status:   models.StatusApproved,
		// no Email payload
	}
	_, err := d.Execute(context.Background(), action)
	if !fault.IsPermanentDelivery(err) {
		t.Fatalf("error = %v, want permanent delivery error", err)
	}
	if action.Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", action.Status)
	}
}
