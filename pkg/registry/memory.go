// Copyright 2025 Kadir Pekel
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

package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a single-process Store. The exclusion gate only holds
// within one process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	cp := *rec
	return &cp, nil
}

// TryStart moves key to pending unless it is pending or running.
func (s *MemoryStore) TryStart(_ context.Context, key string, input map[string]any, lease Lease) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && !rec.State.IsTerminal() {
		return nil, false, nil
	}

	now := s.now().UTC()
	rec := &Record{
		Key:        key,
		State:      StatePending,
		RunID:      uuid.NewString(),
		Owner:      lease.Owner,
		LeaseUntil: lease.until(now),
		Input:      input,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.records[key] = rec
	cp := *rec
	return &cp, true, nil
}

// Claim takes over an unfinished instance whose lease has expired.
func (s *MemoryStore) Claim(_ context.Context, key string, lease Lease) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	now := s.now().UTC()
	if rec.State.IsTerminal() || rec.Leased(now) {
		cp := *rec
		return &cp, false, nil
	}

	rec.Owner = lease.Owner
	rec.LeaseUntil = lease.until(now)
	rec.UpdatedAt = now
	cp := *rec
	return &cp, true, nil
}

// Renew extends the lease of runID when lease.Owner still holds it.
func (s *MemoryStore) Renew(_ context.Context, key, runID string, lease Lease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.State.IsTerminal() || rec.RunID != runID || rec.Owner != lease.Owner {
		return false, nil
	}
	rec.LeaseUntil = lease.until(s.now().UTC())
	return true, nil
}

// Transition applies a legal state change.
func (s *MemoryStore) Transition(_ context.Context, key, owner string, to State, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if !CanTransition(rec.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, to)
	}
	if owner != "" && rec.Owner != owner {
		return fmt.Errorf("%w: %s is owned by %s", ErrLeaseLost, key, rec.Owner)
	}

	rec.State = to
	if output != nil {
		rec.Output = output
	}
	rec.UpdatedAt = s.now().UTC()
	return nil
}

// List returns matching records ordered by creation time.
func (s *MemoryStore) List(_ context.Context, states ...State) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0)
	for _, rec := range s.records {
		if matchesState(rec.State, states) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func matchesState(s State, states []State) bool {
	if len(states) == 0 {
		return true
	}
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}
