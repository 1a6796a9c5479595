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

// Package checkpoint provides the durable step log of orchestration
// instances and the startup recovery of interrupted instances.
//
// Each step of a run is recorded under (instance key, run id, step index)
// before the next step begins. A resumed run reads the log of its own run
// and reuses recorded results instead of executing the step again. Steps
// of earlier runs of the same key are never visible to a new run.
package checkpoint

import (
	"context"
	"time"
)

// Step is one recorded step result.
type Step struct {
	Key        string         `json:"instance_id"`
	RunID      string         `json:"run_id"`
	Index      int            `json:"index"`
	Name       string         `json:"name"`
	Result     map[string]any `json:"result"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// StepLog stores step results.
type StepLog interface {
	// Record stores the result of step index of run. The first write wins:
	// when a result is already recorded, Record returns false and keeps it.
	Record(ctx context.Context, key, runID string, index int, name string, result map[string]any) (bool, error)

	// Load returns the recorded steps of run ordered by index.
	Load(ctx context.Context, key, runID string) ([]Step, error)

	// Prune removes the steps of every run of key except keepRunID.
	Prune(ctx context.Context, key, keepRunID string) error
}

// Lookup returns the step with index, if recorded.
func Lookup(steps []Step, index int) (Step, bool) {
	for _, s := range steps {
		if s.Index == index {
			return s, true
		}
	}
	return Step{}, false
}
