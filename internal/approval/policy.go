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

// Package approval decides, per action, whether it may execute immediately
// or must wait for explicit human confirmation, and owns each action until
// it reaches a terminal status.
package approval

import "github.com/concierge/agent/internal/models"

// Policy computes requires_approval at action creation time. Chat replies
// carry no external-world side effect beyond the channel itself, so they are
// auto-approved; everything else needs confirmation unless the sender is
// configured as trusted.
type Policy struct {
	// Trusted reports whether a sender bypasses the gate. Nil means nobody.
	Trusted func(senderID string) bool
}

// RequiresApproval implements the default gate policy.
func (p Policy) RequiresApproval(kind models.ActionKind, senderID string) bool {
	if kind == models.ActionReplyMessage {
		return false
	}
	if p.Trusted != nil && p.Trusted(senderID) {
		return false
	}
	return true
}
