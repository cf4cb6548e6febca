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

// Package mail delivers outbound email through the provider's REST API.
// The HTTP client is built with OAuth2 client credentials by the caller.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/concierge/agent/internal/fault"
)

// Client sends email via the provider API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	mailboxUser string
}

// NewClient creates a mail client. httpClient carries the OAuth2 transport.
func NewClient(httpClient *http.Client, baseURL, mailboxUser string) *Client {
	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		mailboxUser: mailboxUser,
	}
}

type sendMailRequest struct {
	Message struct {
		Subject string `json:"subject"`
		Body    struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		} `json:"body"`
		ToRecipients []struct {
			EmailAddress struct {
				Address string `json:"address"`
			} `json:"emailAddress"`
		} `json:"toRecipients"`
	} `json:"message"`
	SaveToSentItems bool `json:"saveToSentItems"`
}

// SendEmail submits one outbound message. The provider accepts with 202 and
// no body, so the returned audit identifier is generated client-side and
// logged on both ends.
func (c *Client) SendEmail(ctx context.Context, to, subject, body string) (string, error) {
	if to == "" {
		return "", &fault.DeliveryError{Permanent: true, Reason: "empty recipient"}
	}

	var sr sendMailRequest
	sr.Message.Subject = subject
	sr.Message.Body.ContentType = "Text"
	sr.Message.Body.Content = body
	sr.Message.ToRecipients = make([]struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	}, 1)
	sr.Message.ToRecipients[0].EmailAddress.Address = to
	sr.SaveToSentItems = true

	payload, err := json.Marshal(sr)
	if err != nil {
		return "", fmt.Errorf("marshal sendMail request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/users/%s/sendMail", c.baseURL, c.mailboxUser)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	clientRef := uuid.New().String()
	req.Header.Set("client-request-id", clientRef)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &fault.DeliveryError{Reason: "mail provider unreachable", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK:
		return clientRef, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &fault.DeliveryError{Reason: fmt.Sprintf("mail provider returned HTTP %d", resp.StatusCode)}
	default:
		return "", &fault.DeliveryError{Permanent: true, Reason: fmt.Sprintf("mail provider returned HTTP %d", resp.StatusCode)}
	}
}
