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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/conductor/pkg/config"
)

const (
	createInstancesTableSQL = `
CREATE TABLE IF NOT EXISTS workflow_instances (
    instance_key VARCHAR(255) PRIMARY KEY,
    state VARCHAR(20) NOT NULL,
    run_id VARCHAR(64) NOT NULL,
    owner VARCHAR(255),
    lease_until BIGINT NOT NULL DEFAULT 0,
    input TEXT,
    output TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

	createInstancesStateIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_workflow_instances_state ON workflow_instances(state)`

	createInstancesStateIndexMySQL = `
CREATE INDEX idx_workflow_instances_state ON workflow_instances(state)`
)

const recordColumns = `instance_key, state, run_id, owner, lease_until, input, output, created_at, updated_at`

// SQLStore keeps instance records in the workflow_instances table. Every
// state or ownership change is a single conditional statement checked
// through RowsAffected, so the gate holds across processes sharing the
// database. Lease expiry is stored as unix milliseconds.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// NewSQLStore creates the store and its schema.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	normalized, err := config.NormalizeDialect(dialect)
	if err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, dialect: normalized, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createInstancesTableSQL); err != nil {
		return fmt.Errorf("failed to create workflow_instances table: %w", err)
	}
	if s.dialect == config.DialectMySQL {
		_, _ = s.db.ExecContext(ctx, createInstancesStateIndexMySQL)
		return nil
	}
	if _, err := s.db.ExecContext(ctx, createInstancesStateIndexSQL); err != nil {
		return fmt.Errorf("failed to create state index: %w", err)
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	return config.Rebind(s.dialect, query)
}

// Get returns the record of key.
func (s *SQLStore) Get(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recordColumns+` FROM workflow_instances WHERE instance_key = ?`), key)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance %s: %w", key, err)
	}
	return rec, nil
}

// TryStart inserts a pending record, or restarts a terminal one with a new
// run id. Both paths are conditional writes; losing either means another
// caller owns the key.
func (s *SQLStore) TryStart(ctx context.Context, key string, input map[string]any, lease Lease) (*Record, bool, error) {
	inputJSON, err := marshalMap(input)
	if err != nil {
		return nil, false, err
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
	leaseMs := rec.LeaseUntil.UnixMilli()

	insert := s.q(`
INSERT INTO workflow_instances (` + recordColumns + `)
VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)
ON CONFLICT (instance_key) DO NOTHING`)
	if s.dialect == config.DialectMySQL {
		insert = `
INSERT IGNORE INTO workflow_instances (` + recordColumns + `)
VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)`
	}

	res, err := s.db.ExecContext(ctx, insert,
		key, string(StatePending), rec.RunID, nullString(lease.Owner), leaseMs, inputJSON, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to start instance %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return rec, true, nil
	}

	res, err = s.db.ExecContext(ctx, s.q(`
UPDATE workflow_instances
SET state = ?, run_id = ?, owner = ?, lease_until = ?, input = ?, output = NULL, created_at = ?, updated_at = ?
WHERE instance_key = ? AND state IN (?, ?)`),
		string(StatePending), rec.RunID, nullString(lease.Owner), leaseMs, inputJSON, now, now,
		key, string(StateCompleted), string(StateFailed))
	if err != nil {
		return nil, false, fmt.Errorf("failed to restart instance %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n != 1 {
		return nil, false, nil
	}
	return rec, true, nil
}

// Claim takes ownership of an unfinished instance whose lease has expired.
func (s *SQLStore) Claim(ctx context.Context, key string, lease Lease) (*Record, bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE workflow_instances
SET owner = ?, lease_until = ?, updated_at = ?
WHERE instance_key = ? AND state IN (?, ?) AND (owner IS NULL OR owner = '' OR lease_until <= ?)`),
		nullString(lease.Owner), lease.until(now).UnixMilli(), now,
		key, string(StatePending), string(StateRunning), now.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim instance %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return rec, n == 1 && rec.Owner == lease.Owner, nil
}

// Renew extends the lease of runID while lease.Owner still holds it.
func (s *SQLStore) Renew(ctx context.Context, key, runID string, lease Lease) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE workflow_instances SET lease_until = ?
WHERE instance_key = ? AND run_id = ? AND owner = ? AND state IN (?, ?)`),
		lease.until(s.now().UTC()).UnixMilli(), key, runID, lease.Owner, string(StatePending), string(StateRunning))
	if err != nil {
		return false, fmt.Errorf("failed to renew lease of %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	// MySQL reports changed rows only; a renewal within the same
	// millisecond changes nothing.
	rec, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !rec.State.IsTerminal() && rec.RunID == runID && rec.Owner == lease.Owner, nil
}

// Transition applies a legal state change, fenced on owner when given.
func (s *SQLStore) Transition(ctx context.Context, key, owner string, to State, output map[string]any) error {
	from := sources[to]
	if len(from) == 0 {
		return fmt.Errorf("%w: -> %s", ErrInvalidTransition, to)
	}

	set := "state = ?, updated_at = ?"
	args := []any{string(to), s.now().UTC()}
	if output != nil {
		outputJSON, err := marshalMap(output)
		if err != nil {
			return err
		}
		set += ", output = ?"
		args = append(args, outputJSON)
	}
	args = append(args, key)
	for _, st := range from {
		args = append(args, string(st))
	}
	where := fmt.Sprintf("instance_key = ? AND state IN (%s)", placeholders(len(from)))
	if owner != "" {
		where += " AND owner = ?"
		args = append(args, owner)
	}

	query := fmt.Sprintf(`UPDATE workflow_instances SET %s WHERE %s`, set, where)
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("failed to transition instance %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if owner != "" && CanTransition(rec.State, to) && rec.Owner != owner {
		return fmt.Errorf("%w: %s is owned by %s", ErrLeaseLost, key, rec.Owner)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, to)
}

// List returns matching records ordered by creation time.
func (s *SQLStore) List(ctx context.Context, states ...State) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM workflow_instances`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += fmt.Sprintf(` WHERE state IN (%s)`, placeholders(len(states)))
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, instance_key`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	out := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                  Record
		state                string
		owner, input, output sql.NullString
		leaseMs              int64
	)
	if err := row.Scan(&rec.Key, &state, &rec.RunID, &owner, &leaseMs, &input, &output, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.State = State(state)
	rec.Owner = owner.String
	if leaseMs > 0 {
		rec.LeaseUntil = time.UnixMilli(leaseMs).UTC()
	}

	var err error
	if rec.Input, err = unmarshalMap(input); err != nil {
		return nil, err
	}
	if rec.Output, err = unmarshalMap(output); err != nil {
		return nil, err
	}
	return &rec, nil
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to serialize: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
