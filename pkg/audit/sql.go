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

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/conductor/pkg/config"
)

// Store names reported in Result.Store.
const (
	StoreSQL    = "sql"
	StoreMemory = "memory"
)

const (
	createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS audit_events (
    id VARCHAR(64) PRIMARY KEY,
    container VARCHAR(255) NOT NULL,
    partition_key VARCHAR(255) NOT NULL,
    event_type VARCHAR(255),
    document TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
)`

	createAuditIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_audit_events_container ON audit_events(container, created_at)`

	createAuditIndexMySQL = `
CREATE INDEX idx_audit_events_container ON audit_events(container, created_at)`
)

// SQLStore writes documents to the audit_events table.
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
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createAuditTableSQL); err != nil {
		return fmt.Errorf("failed to create audit_events table: %w", err)
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS; a duplicate index error is expected on restart.
	if s.dialect == config.DialectMySQL {
		if _, err := s.db.ExecContext(ctx, createAuditIndexMySQL); err != nil {
			slog.Debug("Audit index not created", "error", err)
		}
		return nil
	}
	if _, err := s.db.ExecContext(ctx, createAuditIndexSQL); err != nil {
		return fmt.Errorf("failed to create audit index: %w", err)
	}
	return nil
}

// LogEvent upserts the document. Failures are logged and reported in the Result.
func (s *SQLStore) LogEvent(ctx context.Context, container string, event map[string]any, partitionKey string) Result {
	doc := prepare(event, partitionKey, s.now())
	id := doc[FieldID].(string)

	data, err := json.Marshal(doc)
	if err != nil {
		slog.Warn("Failed to log audit event", "container", container, "error", err)
		return Result{Success: false, Error: err.Error()}
	}
	eventType, _ := doc[FieldEventType].(string)

	var query string
	switch s.dialect {
	case config.DialectMySQL:
		query = `
INSERT INTO audit_events (id, container, partition_key, event_type, document, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    partition_key = VALUES(partition_key),
    event_type = VALUES(event_type),
    document = VALUES(document)`
	default:
		query = config.Rebind(s.dialect, `
INSERT INTO audit_events (id, container, partition_key, event_type, document, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    partition_key = excluded.partition_key,
    event_type = excluded.event_type,
    document = excluded.document`)
	}

	_, err = s.db.ExecContext(ctx, query,
		id, container, doc[FieldPartitionKey], nullString(eventType), string(data), s.now().UTC())
	if err != nil {
		slog.Warn("Failed to log audit event", "container", container, "error", err)
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, ID: id, Store: StoreSQL}
}

// Query returns matching documents, newest first.
func (s *SQLStore) Query(ctx context.Context, container string, filter Filter) ([]map[string]any, error) {
	query := `SELECT document FROM audit_events WHERE container = ?`
	args := []any{container}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.PartitionKey != "" {
		query += ` AND partition_key = ?`
		args = append(args, filter.PartitionKey)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, filter.limit())

	rows, err := s.db.QueryContext(ctx, config.Rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode audit event: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
