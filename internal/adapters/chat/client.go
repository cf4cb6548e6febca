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

// Package chat delivers replies through the chat gateway's REST API.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/concierge/agent/internal/fault"
)

// Client sends messages via the chat gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates a chat gateway client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		token:      token,
	}
}

type sendResponse struct {
	Sent      bool   `json:"sent"`
	MessageID string `json:"id"`
	Error     string `json:"error"`
}

// SendMessage posts one chat message and returns the gateway-assigned
// message ID for audit.
func (c *Client) SendMessage(ctx context.Context, recipient, text string) (string, error) {
	form := url.Values{}
	form.Set("token", c.token)
	form.Set("to", recipient)
	form.Set("body", text)

	endpoint := c.baseURL + "/messages/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &fault.DeliveryError{Reason: "chat gateway unreachable", Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, "chat gateway"); err != nil {
		return "", err
	}

	var sr sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", &fault.DeliveryError{Reason: "decode gateway response", Err: err}
	}
	if !sr.Sent {
		// The gateway validated and refused; retrying will not change that.
		return "", &fault.DeliveryError{Permanent: true, Reason: "gateway rejected message: " + sr.Error}
	}

	return sr.MessageID, nil
}

// classifyStatus maps HTTP status codes onto the delivery failure taxonomy:
// 408/429/5xx are transient, other non-2xx are permanent.
func classifyStatus(code int, who string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return &fault.DeliveryError{Reason: fmt.Sprintf("%s returned HTTP %d", who, code)}
	default:
		return &fault.DeliveryError{Permanent: true, Reason: fmt.Sprintf("%s returned HTTP %d", who, code)}
	}
}
