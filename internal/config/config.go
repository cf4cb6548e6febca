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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ZeroTimeoutPolicy controls what a zero approval timeout means. The value
// is an explicit configuration choice, never an implicit default.
type ZeroTimeoutPolicy string

const (
	// ZeroTimeoutWait keeps pending actions open indefinitely.
	ZeroTimeoutWait ZeroTimeoutPolicy = "wait"
	// ZeroTimeoutReject rejects approval-gated actions at creation time.
	ZeroTimeoutReject ZeroTimeoutPolicy = "reject"
)

// ModelConfig holds the hosted-model endpoint settings.
type ModelConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Name    string `yaml:"name"`
}

// ProviderConfig holds credentials for the email/calendar provider.
type ProviderConfig struct {
	BaseURL      string `yaml:"base_url"`
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	MailboxUser  string `yaml:"mailbox_user"`
}

// ChatConfig holds the chat gateway settings.
type ChatConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// EngineConfig holds the orchestration engine's tunables.
type EngineConfig struct {
	HistoryWindow       int
	ReasoningTimeout    time.Duration
	UpstreamRetryMax    int
	DispatchTimeout     time.Duration
	DispatchMaxAttempts int
	DispatchBackoffBase time.Duration
	ApprovalTimeout     time.Duration
	ZeroTimeoutPolicy   ZeroTimeoutPolicy
	SweepInterval       time.Duration
	ResponseCooldown    time.Duration
	TrustedSenders      []string
	OperatorID          string
}

// Config holds all configuration for the orchestration service.
type Config struct {
	Model    ModelConfig
	Provider ProviderConfig
	Chat     ChatConfig
	Engine   EngineConfig

	// Redis
	RedisURL       string
	ApprovalsQueue string
	OperatorQueue  string

	// Postgres
	DatabaseURL string

	// Server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Model    ModelConfig    `yaml:"model"`
	Provider ProviderConfig `yaml:"provider"`
	Chat     ChatConfig     `yaml:"chat"`
	Engine   struct {
		HistoryWindow     int      `yaml:"history_window"`
		ApprovalTimeout   string   `yaml:"approval_timeout"`
		ZeroTimeoutPolicy string   `yaml:"zero_timeout_policy"`
		TrustedSenders    []string `yaml:"trusted_senders"`
		OperatorID        string   `yaml:"operator_id"`
	} `yaml:"engine"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Approvals string `yaml:"approvals"`
			Operator  string `yaml:"operator"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Model:          raw.Model,
		Provider:       raw.Provider,
		Chat:           raw.Chat,
		RedisURL:       firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		ApprovalsQueue: firstNonEmpty(raw.Redis.Queues.Approvals, envOrDefault("APPROVALS_QUEUE", "approvals")),
		OperatorQueue:  firstNonEmpty(raw.Redis.Queues.Operator, envOrDefault("OPERATOR_QUEUE", "operator-alerts")),
		DatabaseURL:    firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		Port:           envOrDefaultInt("PORT", 8080),
	}

	eng := EngineConfig{
		HistoryWindow:       raw.Engine.HistoryWindow,
		ReasoningTimeout:    envOrDefaultDuration("REASONING_TIMEOUT", 30*time.Second),
		UpstreamRetryMax:    envOrDefaultInt("UPSTREAM_RETRY_MAX", 2),
		DispatchTimeout:     envOrDefaultDuration("DISPATCH_TIMEOUT", 15*time.Second),
		DispatchMaxAttempts: envOrDefaultInt("DISPATCH_MAX_ATTEMPTS", 4),
		DispatchBackoffBase: envOrDefaultDuration("DISPATCH_BACKOFF_BASE", time.Second),
		SweepInterval:       envOrDefaultDuration("APPROVAL_SWEEP_INTERVAL", time.Minute),
		ResponseCooldown:    envOrDefaultDuration("RESPONSE_COOLDOWN", 5*time.Second),
		TrustedSenders:      raw.Engine.TrustedSenders,
		OperatorID:          raw.Engine.OperatorID,
	}
	if eng.HistoryWindow <= 0 {
		eng.HistoryWindow = 20
	}

	// approval_timeout accepts an explicit "0" — its meaning is governed by
	// zero_timeout_policy, which must then be set.
	switch strings.TrimSpace(raw.Engine.ApprovalTimeout) {
	case "":
		eng.ApprovalTimeout = 30 * time.Minute
	default:
		d, err := time.ParseDuration(raw.Engine.ApprovalTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse approval_timeout %q: %w", raw.Engine.ApprovalTimeout, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("approval_timeout must be >= 0, got %s", d)
		}
		eng.ApprovalTimeout = d
	}

	switch ZeroTimeoutPolicy(strings.TrimSpace(raw.Engine.ZeroTimeoutPolicy)) {
	case ZeroTimeoutWait, "":
		eng.ZeroTimeoutPolicy = ZeroTimeoutWait
	case ZeroTimeoutReject:
		eng.ZeroTimeoutPolicy = ZeroTimeoutReject
	default:
		return nil, fmt.Errorf("invalid zero_timeout_policy %q (want wait or reject)", raw.Engine.ZeroTimeoutPolicy)
	}
	if eng.ApprovalTimeout == 0 && raw.Engine.ZeroTimeoutPolicy == "" {
		return nil, fmt.Errorf("approval_timeout is 0 — zero_timeout_policy must be set explicitly")
	}

	cfg.Engine = eng

	if cfg.Model.Name == "" {
		cfg.Model.Name = "gpt-4o-mini"
	}
	if cfg.Model.BaseURL == "" {
		cfg.Model.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Engine.OperatorID == "" {
		return nil, fmt.Errorf("engine.operator_id is required — terminal failures need a human-visible channel")
	}

	return cfg, nil
}

// Trusted reports whether a sender is configured to bypass the approval gate.
func (c *Config) Trusted(senderID string) bool {
	for _, s := range c.Engine.TrustedSenders {
		if s == senderID {
			return true
		}
	}
	return false
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
