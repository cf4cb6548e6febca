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

// Package conversation owns per-sender conversational context: a bounded
// ordered window of turns plus a small mapping of derived long-lived facts.
// The store is the only writer to this state; every other component reads a
// snapshot handed out by Snapshot.
package conversation

import (
	"context"
	"fmt"
	"sync"

	"github.com/concierge/agent/internal/models"
)

// Context is an immutable copy of one sender's conversational state.
type Context struct {
	SenderID string
	Turns    []models.ConversationTurn
	Facts    map[string]string
}

// Persistence is the durable-write-on-mutate contract. The store calls it
// under the sender's lock; implementations must be safe for concurrent use
// across senders.
type Persistence interface {
	SaveTurn(ctx context.Context, turn models.ConversationTurn) error
	SaveFact(ctx context.Context, senderID, key, value string) error
	LoadAll(ctx context.Context) ([]models.ConversationTurn, map[string]map[string]string, error)
}

type senderState struct {
	turns []models.ConversationTurn
	facts map[string]string
}

// Store holds bounded per-sender history. Appends for different senders are
// independent; appends for the same sender are serialized by the
// orchestrator's sender lock, so the store only guards its own maps.
type Store struct {
	window  int
	persist Persistence

	mu       sync.RWMutex
	bySender map[string]*senderState
}

// NewStore creates a conversation store with the given window size.
// persist may be nil, in which case state is memory-only.
func NewStore(window int, persist Persistence) *Store {
	if window <= 0 {
		window = 20
	}
	return &Store{
		window:   window,
		persist:  persist,
		bySender: make(map[string]*senderState),
	}
}

// Load restores all persisted turns and facts, applying the window bound.
// Called once at startup before the engine accepts events.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}

	turns, facts, err := s.persist.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load conversation state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, turn := range turns {
		st := s.state(turn.SenderID)
		st.turns = append(st.turns, turn)
		if len(st.turns) > s.window {
			st.turns = st.turns[len(st.turns)-s.window:]
		}
	}
	for senderID, m := range facts {
		st := s.state(senderID)
		for k, v := range m {
			st.facts[k] = v
		}
	}
	return nil
}

// Append adds a turn to the sender's history, evicting the oldest turns once
// the window is exceeded. Turn timestamps are kept non-decreasing: a turn
// dated before the last one is clamped to the last timestamp.
func (s *Store) Append(ctx context.Context, turn models.ConversationTurn) error {
	if turn.SenderID == "" {
		return fmt.Errorf("append turn: empty sender_id")
	}

	s.mu.Lock()
	st := s.state(turn.SenderID)
	if n := len(st.turns); n > 0 && turn.Timestamp.Before(st.turns[n-1].Timestamp) {
		turn.Timestamp = st.turns[n-1].Timestamp
	}
	st.turns = append(st.turns, turn)
	if len(st.turns) > s.window {
		st.turns = st.turns[len(st.turns)-s.window:]
	}
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveTurn(ctx, turn); err != nil {
			return fmt.Errorf("persist turn %s: %w", turn.TurnID, err)
		}
	}
	return nil
}

// RecordFacts merges derived long-lived facts for a sender, last write wins
// per key.
func (s *Store) RecordFacts(ctx context.Context, senderID string, facts map[string]string) error {
	if len(facts) == 0 {
		return nil
	}

	s.mu.Lock()
	st := s.state(senderID)
	for k, v := range facts {
		st.facts[k] = v
	}
	s.mu.Unlock()

	if s.persist != nil {
		for k, v := range facts {
			if err := s.persist.SaveFact(ctx, senderID, k, v); err != nil {
				return fmt.Errorf("persist fact %s/%s: %w", senderID, k, err)
			}
		}
	}
	return nil
}

// Snapshot returns a deep copy of the sender's context for read-only use by
// later pipeline stages. Mutating the returned value never affects the store.
func (s *Store) Snapshot(senderID string) Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Context{
		SenderID: senderID,
		Facts:    make(map[string]string),
	}

	st, ok := s.bySender[senderID]
	if !ok {
		return snap
	}

	snap.Turns = make([]models.ConversationTurn, len(st.turns))
	copy(snap.Turns, st.turns)
	for k, v := range st.facts {
		snap.Facts[k] = v
	}
	return snap
}

// state returns the sender's entry, creating it if needed. Caller holds mu.
func (s *Store) state(senderID string) *senderState {
	st, ok := s.bySender[senderID]
	if !ok {
		st = &senderState{facts: make(map[string]string)}
		s.bySender[senderID] = st
	}
	return st
}
