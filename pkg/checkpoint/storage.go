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

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kadirpekel/conductor/pkg/config"
)

const createStepsTableSQL = `
CREATE TABLE IF NOT EXISTS workflow_steps (
    instance_key VARCHAR(255) NOT NULL,
    run_id VARCHAR(64) NOT NULL,
    step_index INTEGER NOT NULL,
    step_name VARCHAR(100) NOT NULL,
    result TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL,
    PRIMARY KEY (instance_key, run_id, step_index)
)`

// SQLStorage is a StepLog on the workflow_steps table.
type SQLStorage struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// NewSQLStorage creates the storage and its schema.
func NewSQLStorage(ctx context.Context, db *sql.DB, dialect string) (*SQLStorage, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	normalized, err := config.NormalizeDialect(dialect)
	if err != nil {
		return nil, err
	}

	s := &SQLStorage{db: db, dialect: normalized, now: time.Now}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(initCtx, createStepsTableSQL); err != nil {
		return nil, fmt.Errorf("failed to create workflow_steps table: %w", err)
	}
	return s, nil
}

// Record inserts the step unless it is already recorded.
func (s *SQLStorage) Record(ctx context.Context, key, runID string, index int, name string, result map[string]any) (bool, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("failed to serialize step %d: %w", index, err)
	}

	query := config.Rebind(s.dialect, `
INSERT INTO workflow_steps (instance_key, run_id, step_index, step_name, result, recorded_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (instance_key, run_id, step_index) DO NOTHING`)
	if s.dialect == config.DialectMySQL {
		query = `
INSERT IGNORE INTO workflow_steps (instance_key, run_id, step_index, step_name, result, recorded_at)
VALUES (?, ?, ?, ?, ?, ?)`
	}

	res, err := s.db.ExecContext(ctx, query, key, runID, index, name, string(data), s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record step %d of %s: %w", index, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Load returns the steps of run ordered by index.
func (s *SQLStorage) Load(ctx context.Context, key, runID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, config.Rebind(s.dialect, `
SELECT step_index, step_name, result, recorded_at
FROM workflow_steps WHERE instance_key = ? AND run_id = ? ORDER BY step_index`), key, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps of %s: %w", key, err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		step := Step{Key: key, RunID: runID}
		var raw string
		if err := rows.Scan(&step.Index, &step.Name, &raw, &step.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &step.Result); err != nil {
			return nil, fmt.Errorf("failed to deserialize step %d of %s: %w", step.Index, key, err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// Prune deletes the steps of earlier runs of key.
func (s *SQLStorage) Prune(ctx context.Context, key, keepRunID string) error {
	_, err := s.db.ExecContext(ctx, config.Rebind(s.dialect,
		`DELETE FROM workflow_steps WHERE instance_key = ? AND run_id <> ?`), key, keepRunID)
	if err != nil {
		return fmt.Errorf("failed to prune steps of %s: %w", key, err)
	}
	return nil
}

type runRef struct {
	key, runID string
}

// MemoryStorage is a StepLog in process memory.
type MemoryStorage struct {
	mu    sync.RWMutex
	steps map[runRef]map[int]Step
	now   func() time.Time
}

// NewMemoryStorage creates an empty step log.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		steps: make(map[runRef]map[int]Step),
		now:   time.Now,
	}
}

// Record stores the step unless it is already recorded. The result is
// round-tripped through JSON so replays see what a durable store returns.
func (s *MemoryStorage) Record(_ context.Context, key, runID string, index int, name string, result map[string]any) (bool, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("failed to serialize step %d: %w", index, err)
	}
	var stored map[string]any
	if err := json.Unmarshal(data, &stored); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref := runRef{key: key, runID: runID}
	byIndex, ok := s.steps[ref]
	if !ok {
		byIndex = make(map[int]Step)
		s.steps[ref] = byIndex
	}
	if _, exists := byIndex[index]; exists {
		return false, nil
	}
	byIndex[index] = Step{Key: key, RunID: runID, Index: index, Name: name, Result: stored, RecordedAt: s.now().UTC()}
	return true, nil
}

// Load returns the steps of run ordered by index.
func (s *MemoryStorage) Load(_ context.Context, key, runID string) ([]Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var steps []Step
	for _, step := range s.steps[runRef{key: key, runID: runID}] {
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	return steps, nil
}

// Prune deletes the steps of earlier runs of key.
func (s *MemoryStorage) Prune(_ context.Context, key, keepRunID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref := range s.steps {
		if ref.key == key && ref.runID != keepRunID {
			delete(s.steps, ref)
		}
	}
	return nil
}
