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

// Package calendar applies create/update/delete operations against the
// provider's calendar REST API.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/concierge/agent/internal/fault"
	"github.com/concierge/agent/internal/models"
)

// Client manages calendar events via the provider API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	mailboxUser string
}

// NewClient creates a calendar client. httpClient carries the OAuth2 transport.
func NewClient(httpClient *http.Client, baseURL, mailboxUser string) *Client {
	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		mailboxUser: mailboxUser,
	}
}

type apiEvent struct {
	Subject string `json:"subject"`
	Body    *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body,omitempty"`
	Start     apiDateTime   `json:"start"`
	End       apiDateTime   `json:"end"`
	Location  *apiLocation  `json:"location,omitempty"`
	Attendees []apiAttendee `json:"attendees,omitempty"`
}

type apiDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type apiLocation struct {
	DisplayName string `json:"displayName"`
}

type apiAttendee struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
	Type string `json:"type"`
}

type apiEventResponse struct {
	ID string `json:"id"`
}

// CreateEvent creates a calendar event and returns the provider event ID.
func (c *Client) CreateEvent(ctx context.Context, event *models.EventPayload) (string, error) {
	endpoint := fmt.Sprintf("%s/users/%s/events", c.baseURL, c.mailboxUser)
	return c.write(ctx, http.MethodPost, endpoint, event)
}

// UpdateEvent patches an existing event identified by its provider ID.
func (c *Client) UpdateEvent(ctx context.Context, event *models.EventPayload) (string, error) {
	if event.EventRef == "" {
		return "", &fault.DeliveryError{Permanent: true, Reason: "update without event reference"}
	}
	endpoint := fmt.Sprintf("%s/users/%s/events/%s", c.baseURL, c.mailboxUser, event.EventRef)
	return c.write(ctx, http.MethodPatch, endpoint, event)
}

// DeleteEvent removes an event. A 404 counts as success: the event is gone
// either way, and redeliveries must stay idempotent.
func (c *Client) DeleteEvent(ctx context.Context, eventRef string) (string, error) {
	endpoint := fmt.Sprintf("%s/users/%s/events/%s", c.baseURL, c.mailboxUser, eventRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &fault.DeliveryError{Reason: "calendar provider unreachable", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusNotFound:
		return eventRef, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &fault.DeliveryError{Reason: fmt.Sprintf("calendar provider returned HTTP %d", resp.StatusCode)}
	default:
		return "", &fault.DeliveryError{Permanent: true, Reason: fmt.Sprintf("calendar provider returned HTTP %d", resp.StatusCode)}
	}
}

func (c *Client) write(ctx context.Context, method, endpoint string, event *models.EventPayload) (string, error) {
	body := apiEvent{
		Subject: event.Title,
		Start:   apiDateTime{DateTime: event.Start.Format(time.RFC3339), TimeZone: "UTC"},
		End:     apiDateTime{DateTime: event.End.Format(time.RFC3339), TimeZone: "UTC"},
	}
	if event.Description != "" {
		body.Body = &struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		}{ContentType: "Text", Content: event.Description}
	}
	if event.Location != "" {
		body.Location = &apiLocation{DisplayName: event.Location}
	}
	for _, a := range event.Attendees {
		att := apiAttendee{Type: "required"}
		att.EmailAddress.Address = a
		body.Attendees = append(body.Attendees, att)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &fault.DeliveryError{Reason: "calendar provider unreachable", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var er apiEventResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.ID == "" {
			// PATCH responses may omit the ID; fall back to the known ref.
			return event.EventRef, nil
		}
		return er.ID, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &fault.DeliveryError{Reason: fmt.Sprintf("calendar provider returned HTTP %d", resp.StatusCode)}
	default:
		return "", &fault.DeliveryError{Permanent: true, Reason: fmt.Sprintf("calendar provider returned HTTP %d", resp.StatusCode)}
	}
}
