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

// Package telemetry records LLM token usage for analytics.
//
// Tracking is fail-safe: errors are logged and returned in the Result,
// never propagated. When the SQL write fails the usage is written once to
// the audit log instead.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/conductor/pkg/audit"
	"github.com/kadirpekel/conductor/pkg/config"
)

// MaxDescriptionLength bounds the stored description.
const MaxDescriptionLength = 500

// EventTypeTokenUsage tags fallback documents in the audit log.
const EventTypeTokenUsage = "token_usage"

// Usage is one token-usage record.
type Usage struct {
	ModelName       string
	InputTokens     int
	OutputTokens    int
	AgentType       string
	AgentOperation  string
	InferenceRounds int
	Description     string
	StartedAt       time.Time
	CompletedAt     time.Time
}

// Result is the outcome of a tracking call.
type Result struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Store   string `json:"store,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Tracker records token usage.
type Tracker interface {
	Track(ctx context.Context, usage Usage) Result
}

// Validate checks required fields and token counts.
func (u *Usage) Validate() error {
	if u.ModelName == "" || u.AgentType == "" {
		return fmt.Errorf("model_name and agent_type are required")
	}
	if u.InputTokens < 0 || u.OutputTokens < 0 {
		return fmt.Errorf("token counts cannot be negative")
	}
	return nil
}

// normalize fills CompletedAt and truncates the description.
func (u *Usage) normalize(now time.Time) {
	if u.CompletedAt.IsZero() {
		u.CompletedAt = now
	}
	if len(u.Description) > MaxDescriptionLength {
		u.Description = u.Description[:MaxDescriptionLength-3] + "..."
	}
}

const createTokenUsageTableSQL = `
CREATE TABLE IF NOT EXISTS llm_token_usage (
    id VARCHAR(64) PRIMARY KEY,
    agent_type VARCHAR(100) NOT NULL,
    agent_operation VARCHAR(100),
    model_name VARCHAR(100) NOT NULL,
    input_tokens INTEGER NOT NULL,
    output_tokens INTEGER NOT NULL,
    inference_rounds INTEGER NOT NULL,
    description VARCHAR(500),
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP NOT NULL
)`

// SQLTracker writes to the llm_token_usage table and falls back to the
// audit log.
type SQLTracker struct {
	db        *sql.DB
	dialect   string
	fallback  audit.Store
	container string
	now       func() time.Time
}

// TrackerOption configures an SQLTracker.
type TrackerOption func(*SQLTracker)

// WithFallbackContainer sets the audit container of fallback records.
func WithFallbackContainer(name string) TrackerOption {
	return func(t *SQLTracker) {
		if name != "" {
			t.container = name
		}
	}
}

// NewSQLTracker creates a tracker. db may be nil, in which case every
// record goes straight to the fallback store.
func NewSQLTracker(db *sql.DB, dialect string, fallback audit.Store, opts ...TrackerOption) (*SQLTracker, error) {
	t := &SQLTracker{db: db, fallback: fallback, container: audit.ContainerTokenUsage, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	if db != nil {
		normalized, err := config.NormalizeDialect(dialect)
		if err != nil {
			return nil, err
		}
		t.dialect = normalized
	}
	if t.fallback == nil {
		t.fallback = audit.Disabled{}
	}
	return t, nil
}

// EnsureSchema creates the usage table. Failures are logged, not returned,
// so startup proceeds without analytics.
func (t *SQLTracker) EnsureSchema(ctx context.Context) bool {
	if t.db == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := t.db.ExecContext(ctx, createTokenUsageTableSQL); err != nil {
		slog.Warn("Could not ensure llm_token_usage table", "error", err)
		return false
	}
	slog.Info("Token usage table verified")
	return true
}

// Track records usage.
func (t *SQLTracker) Track(ctx context.Context, u Usage) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Token usage tracking panicked", "panic", r)
			res = Result{Success: false, Error: fmt.Sprintf("failed to track token usage: %v", r)}
		}
	}()

	if err := u.Validate(); err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	u.normalize(t.now().UTC())

	if t.db == nil {
		return t.toFallback(ctx, u, "")
	}

	id := uuid.NewString()
	query := config.Rebind(t.dialect, `
INSERT INTO llm_token_usage (id, agent_type, agent_operation, model_name, input_tokens, output_tokens,
    inference_rounds, description, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := t.db.ExecContext(ctx, query,
		id, u.AgentType, nullable(u.AgentOperation), u.ModelName, u.InputTokens, u.OutputTokens,
		u.InferenceRounds, nullable(u.Description), u.StartedAt.UTC(), u.CompletedAt.UTC())
	if err != nil {
		msg := fmt.Sprintf("failed to track token usage: %v", err)
		slog.Warn("Failed to track token usage", "agent_type", u.AgentType, "error", err)

		fb := t.toFallback(ctx, u, err.Error())
		if fb.Success {
			return fb
		}
		slog.Warn("Token usage fallback also failed", "error", fb.Error)
		return Result{Success: false, Error: msg}
	}

	slog.Debug("Token usage tracked",
		"agent_type", u.AgentType,
		"model", u.ModelName,
		"tokens", u.InputTokens+u.OutputTokens,
		"id", id)
	return Result{Success: true, ID: id, Store: audit.StoreSQL}
}

func (t *SQLTracker) toFallback(ctx context.Context, u Usage, sqlErr string) Result {
	event := map[string]any{
		"event_type":       EventTypeTokenUsage,
		"agent_type":       u.AgentType,
		"agent_operation":  nilIfEmpty(u.AgentOperation),
		"model_name":       u.ModelName,
		"input_tokens":     u.InputTokens,
		"output_tokens":    u.OutputTokens,
		"inference_rounds": u.InferenceRounds,
		"description":      nilIfEmpty(u.Description),
		"started_at":       formatTime(u.StartedAt),
		"completed_at":     formatTime(u.CompletedAt),
		"sql_error":        nilIfEmpty(sqlErr),
	}

	res := t.fallback.LogEvent(ctx, t.container, event, "")
	if !res.Success {
		return Result{Success: false, Error: "audit fallback failed: " + res.Error}
	}
	return Result{Success: true, ID: res.ID, Store: res.Store}
}

func formatTime(ts time.Time) any {
	if ts.IsZero() {
		return nil
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Noop discards usage.
type Noop struct{}

// Track does nothing.
func (Noop) Track(context.Context, Usage) Result {
	return Result{Success: true}
}
