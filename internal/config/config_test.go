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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
}

const minimalYAML = `
model:
  api_key: sk-test
chat:
  base_url: https://gateway.example.com
  token: tok
engine:
  operator_id: "+5215599999999"
`

func TestLoad_Defaults(t *testing.T) {
	writeConfig(t, minimalYAML)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Engine.HistoryWindow != 20 {
		t.Errorf("history_window = %d, want default 20", cfg.Engine.HistoryWindow)
	}
	if cfg.Engine.ApprovalTimeout != 30*time.Minute {
		t.Errorf("approval_timeout = %v, want default 30m", cfg.Engine.ApprovalTimeout)
	}
	if cfg.Engine.ZeroTimeoutPolicy != ZeroTimeoutWait {
		t.Errorf("zero_timeout_policy = %q, want wait", cfg.Engine.ZeroTimeoutPolicy)
	}
	if cfg.Model.Name != "gpt-4o-mini" {
		t.Errorf("model name = %q", cfg.Model.Name)
	}
	if cfg.Model.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("model base_url = %q", cfg.Model.BaseURL)
	}
	if cfg.ApprovalsQueue != "approvals" {
		t.Errorf("approvals queue = %q", cfg.ApprovalsQueue)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_MODEL_KEY", "sk-from-env")
	writeConfig(t, `
model:
  api_key: ${TEST_MODEL_KEY}
engine:
  operator_id: op-1
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want expanded env value", cfg.Model.APIKey)
	}
}

func TestLoad_ZeroTimeoutRequiresPolicy(t *testing.T) {
	writeConfig(t, `
engine:
  operator_id: op-1
  approval_timeout: "0"
`)

	if _, err := Load(); err == nil {
		t.Fatal("approval_timeout 0 without zero_timeout_policy must fail")
	}
}

func TestLoad_ZeroTimeoutWithExplicitPolicy(t *testing.T) {
	writeConfig(t, `
engine:
  operator_id: op-1
  approval_timeout: "0"
  zero_timeout_policy: reject
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.ApprovalTimeout != 0 {
		t.Errorf("approval_timeout = %v, want 0", cfg.Engine.ApprovalTimeout)
	}
	if cfg.Engine.ZeroTimeoutPolicy != ZeroTimeoutReject {
		t.Errorf("zero_timeout_policy = %q, want reject", cfg.Engine.ZeroTimeoutPolicy)
	}
}

func TestLoad_InvalidPolicyRejected(t *testing.T) {
	writeConfig(t, `
engine:
  operator_id: op-1
  zero_timeout_policy: maybe
`)

	if _, err := Load(); err == nil {
		t.Fatal("invalid zero_timeout_policy must fail")
	}
}

func TestLoad_NegativeTimeoutRejected(t *testing.T) {
	writeConfig(t, `
engine:
  operator_id: op-1
  approval_timeout: "-5m"
`)

	if _, err := Load(); err == nil {
		t.Fatal("negative approval_timeout must fail")
	}
}

func TestLoad_OperatorRequired(t *testing.T) {
	writeConfig(t, `
model:
  api_key: sk-test
`)

	if _, err := Load(); err == nil {
		t.Fatal("missing operator_id must fail")
	}
}

func TestTrusted(t *testing.T) {
	writeConfig(t, `
engine:
  operator_id: op-1
  trusted_senders: ["+5215511111111"]
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Trusted("+5215511111111") {
		t.Error("configured sender not trusted")
	}
	if cfg.Trusted("+5215522222222") {
		t.Error("unknown sender trusted")
	}
}
