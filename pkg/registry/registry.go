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

// Package registry tracks the lifecycle state of orchestration instances.
//
// The registry is the mutual-exclusion gate for instance keys: TryStart
// succeeds for at most one caller while an instance is pending or running.
//
//	absent ──TryStart──▶ pending ──▶ running ──▶ completed
//	                        │           │
//	                        └───────────┴──────▶ failed
//
// Terminal instances are kept for status queries; TryStart on a terminal
// key begins a new run with a fresh run id.
//
// An unfinished instance is owned by the worker holding its lease. The
// owner renews the lease while the run is live; another worker may Claim
// the instance only after the lease has expired. Transitions made on
// behalf of an owner are fenced on that owner, so a worker that lost its
// lease cannot finish a run someone else has taken over.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for keys that were never started.
	ErrNotFound = errors.New("instance not found")

	// ErrInvalidTransition is returned when the current state does not
	// allow the requested transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrLeaseLost is returned when the caller no longer owns the instance.
	ErrLeaseLost = errors.New("instance lease lost")
)

// State is the lifecycle state of an instance.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// RuntimeStatus is the status vocabulary exposed to API callers.
func (s State) RuntimeStatus() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// sources lists the states each target may be entered from.
var sources = map[State][]State{
	StateRunning:   {StatePending},
	StateCompleted: {StateRunning},
	StateFailed:    {StatePending, StateRunning},
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to State) bool {
	for _, s := range sources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Record is the registry entry of one instance.
type Record struct {
	Key   string `json:"instance_id"`
	State State  `json:"state"`

	// RunID changes every time the key is (re)started. Step results are
	// stored per run.
	RunID string `json:"run_id"`

	Owner      string    `json:"owner,omitempty"`
	LeaseUntil time.Time `json:"lease_until"`

	Input     map[string]any `json:"input,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	CreatedAt time.Time      `json:"created_time"`
	UpdatedAt time.Time      `json:"last_updated_time"`
}

// Leased reports whether an unexpired lease is held on the record at now.
func (r *Record) Leased(now time.Time) bool {
	return !r.State.IsTerminal() && r.Owner != "" && r.LeaseUntil.After(now)
}

// Lease names the worker taking ownership and for how long.
type Lease struct {
	Owner string
	TTL   time.Duration
}

func (l Lease) until(now time.Time) time.Time {
	return now.Add(l.TTL)
}

// Store persists instance records. Implementations must apply TryStart,
// Claim, Renew and Transition atomically per key across every process
// sharing the store.
type Store interface {
	// Get returns the record of key or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// TryStart moves key to pending under lease when it is absent or
	// terminal. It returns the new record and true when this caller won,
	// or nil and false when the key is unfinished.
	TryStart(ctx context.Context, key string, input map[string]any, lease Lease) (*Record, bool, error)

	// Claim takes over an unfinished instance whose lease has expired.
	// It returns the current record and whether the caller now owns it.
	Claim(ctx context.Context, key string, lease Lease) (*Record, bool, error)

	// Renew extends the lease of runID held by lease.Owner. It returns
	// false when the caller no longer owns that run.
	Renew(ctx context.Context, key, runID string, lease Lease) (bool, error)

	// Transition moves key to state. A nil output keeps the stored one. A
	// non-empty owner fences the change on the current lease holder and
	// yields ErrLeaseLost when someone else owns the instance.
	Transition(ctx context.Context, key, owner string, to State, output map[string]any) error

	// List returns the records in any of states, oldest first.
	List(ctx context.Context, states ...State) ([]*Record, error)
}
