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

// Package webhook receives provider callbacks for the chat, email and
// calendar channels. Providers expect a fast acknowledgement, so every
// notification is answered 202 immediately and processed in the background.
// The package also exposes the approval endpoints the operator tooling uses.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/concierge/agent/internal/models"
)

// Processor runs one raw payload through the orchestration pipeline.
type Processor interface {
	Process(ctx context.Context, raw []byte, channel models.Channel) error
	HandleApproval(ctx context.Context, actionID string, approve bool) (*models.Action, error)
	PendingActions() []models.Action
}

// Handler dispatches provider callbacks into the engine.
type Handler struct {
	engine Processor
}

// NewHandler creates a webhook handler.
func NewHandler(engine Processor) *Handler {
	return &Handler{engine: engine}
}

var channelByPath = map[string]models.Channel{
	"chat":     models.ChannelChat,
	"email":    models.ChannelEmail,
	"calendar": models.ChannelCalendar,
}

// ServeEvent handles POST /webhook/{channel}.
//
// Validation flow: some providers probe the endpoint with
// ?validationToken=<token> when registering; we echo the token in plain text.
//
// Notification flow: the body is acknowledged with 202 immediately and
// processed in a background goroutine. Redeliveries are harmless because the
// engine dedups on event ID.
func (h *Handler) ServeEvent(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		slog.Info("webhook validation probe received", "path", r.URL.Path)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(token))
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	channel, ok := channelByPath[lastSegment(r.URL.Path)]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		slog.Warn("webhook body unreadable", "channel", channel, "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Respond before processing — providers retry slow endpoints.
	w.WriteHeader(http.StatusAccepted)

	go func() {
		if err := h.engine.Process(context.Background(), body, channel); err != nil {
			slog.Error("event processing failed", "channel", channel, "error", err)
		}
	}()
}

type approvalRequest struct {
	ActionID string `json:"action_id"`
	Decision string `json:"decision"`
}

type approvalResponse struct {
	ActionID string `json:"action_id"`
	Status   string `json:"status"`
}

// ServeApproval handles POST /actions/resolve with {"action_id", "decision"}
// where decision is "approve" or "reject". Unlike the event endpoints this is
// synchronous: the caller learns the action's terminal status.
func (h *Handler) ServeApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActionID == "" {
		http.Error(w, "action_id and decision are required", http.StatusBadRequest)
		return
	}

	var approve bool
	switch req.Decision {
	case "approve":
		approve = true
	case "reject":
	default:
		http.Error(w, `decision must be "approve" or "reject"`, http.StatusBadRequest)
		return
	}

	action, err := h.engine.HandleApproval(r.Context(), req.ActionID, approve)
	if err != nil && action == nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(approvalResponse{
		ActionID: action.ActionID,
		Status:   string(action.Status),
	})
}

// ServePending handles GET /actions/pending, listing actions awaiting
// approval oldest first.
func (h *Handler) ServePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.engine.PendingActions())
}

func lastSegment(path string) string {
	path = strings.TrimSuffix(path, "/")
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// Serve starts the HTTP server on the given port. It binds the port
// immediately and signals readiness via the returned channel before starting
// to accept connections.
func Serve(ctx context.Context, port int, handler *Handler, health http.HandlerFunc) (<-chan struct{}, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/webhook/", handler.ServeEvent)
	mux.HandleFunc("/actions/resolve", handler.ServeApproval)
	mux.HandleFunc("/actions/pending", handler.ServePending)
	if health != nil {
		mux.HandleFunc("/healthz", health)
	}

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
