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

// Concierge Agent — Conversational Action Orchestration Service
//
// Entry point for the orchestration service. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Restores conversation state and the processed-event log
//  4. Builds the delivery adapters (chat gateway, mail, calendar)
//  5. Starts the approval sweeper
//  6. Serves webhook and approval endpoints
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/concierge/agent/internal/adapters/calendar"
	"github.com/concierge/agent/internal/adapters/chat"
	"github.com/concierge/agent/internal/adapters/mail"
	"github.com/concierge/agent/internal/analysis"
	"github.com/concierge/agent/internal/approval"
	"github.com/concierge/agent/internal/audit"
	"github.com/concierge/agent/internal/config"
	"github.com/concierge/agent/internal/conversation"
	"github.com/concierge/agent/internal/dispatch"
	"github.com/concierge/agent/internal/modelapi"
	"github.com/concierge/agent/internal/notify"
	"github.com/concierge/agent/internal/orchestrator"
	"github.com/concierge/agent/internal/planner"
	"github.com/concierge/agent/internal/processed"
	"github.com/concierge/agent/internal/reasoning"
	"github.com/concierge/agent/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting concierge orchestration service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"history_window", cfg.Engine.HistoryWindow,
		"approval_timeout", cfg.Engine.ApprovalTimeout,
		"model", cfg.Model.Name,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := notify.NewPublisher(rdb, cfg.ApprovalsQueue, cfg.OperatorQueue, cfg.Engine.OperatorID)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Processed-Event Log ---
	processedLog, err := processed.NewLog(ctx, rdb, pgPool)
	if err != nil {
		slog.Error("failed to initialise processed-event log", "error", err)
		os.Exit(1)
	}

	// --- Action Audit Trail ---
	auditStore, err := audit.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise audit store", "error", err)
		os.Exit(1)
	}

	// --- Conversation Store ---
	pgStore, err := conversation.NewPGStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise conversation persistence", "error", err)
		os.Exit(1)
	}
	store := conversation.NewStore(cfg.Engine.HistoryWindow, pgStore)
	if err := store.Load(ctx); err != nil {
		slog.Error("failed to restore conversation state", "error", err)
		os.Exit(1)
	}
	slog.Info("conversation state restored")

	// --- Provider OAuth2 client (mail + calendar) ---
	creds := &clientcredentials.Config{
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.Provider.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	providerClient := creds.Client(ctx)

	// --- Delivery Adapters ---
	chatClient := chat.NewClient(cfg.Chat.BaseURL, cfg.Chat.Token)
	mailClient := mail.NewClient(providerClient, cfg.Provider.BaseURL, cfg.Provider.MailboxUser)
	calendarClient := calendar.NewClient(providerClient, cfg.Provider.BaseURL, cfg.Provider.MailboxUser)

	dispatcher := dispatch.New(
		chatClient,
		mailClient,
		calendarClient,
		cfg.Engine.DispatchTimeout,
		cfg.Engine.DispatchMaxAttempts,
		cfg.Engine.DispatchBackoffBase,
	)

	// --- Reasoning ---
	modelClient := modelapi.NewClient(cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Model.Name)
	reasoner := reasoning.NewEngine(modelClient, cfg.Engine.ReasoningTimeout)

	// --- Analysis, Planning, Approval ---
	analyzer := analysis.New()
	policy := approval.Policy{Trusted: cfg.Trusted}
	plan := planner.New(policy, analyzer)
	gate := approval.NewGate(cfg.Engine.ApprovalTimeout, cfg.Engine.ZeroTimeoutPolicy, publisher)

	// --- Orchestrator ---
	engine := orchestrator.New(
		analyzer,
		reasoner,
		store,
		plan,
		gate,
		dispatcher,
		processedLog,
		publisher,
		auditStore,
		orchestrator.Options{
			UpstreamRetryMax: cfg.Engine.UpstreamRetryMax,
			ResponseCooldown: cfg.Engine.ResponseCooldown,
		},
	)
	go engine.RunSweeper(ctx, cfg.Engine.SweepInterval)

	// --- Webhook + Approval Server ---
	health := func(w http.ResponseWriter, r *http.Request) {
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	}

	handler := webhook.NewHandler(engine)
	ready, err := webhook.Serve(ctx, cfg.Port, handler, health)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("orchestration service ready", "port", cfg.Port)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // Stop the server, the sweeper, and background processing

	rdb.Close()
	pgPool.Close()

	slog.Info("orchestration service stopped")
}
