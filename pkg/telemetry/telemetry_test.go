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

package telemetry

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/audit"
)

func newSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleUsage() Usage {
	return Usage{
		ModelName:       "gpt-4o",
		InputTokens:     120,
		OutputTokens:    30,
		AgentType:       "triage",
		InferenceRounds: 1,
		StartedAt:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestUsage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Usage)
		wantErr string
	}{
		{"valid", func(*Usage) {}, ""},
		{"missing model", func(u *Usage) { u.ModelName = "" }, "model_name and agent_type are required"},
		{"missing agent", func(u *Usage) { u.AgentType = "" }, "model_name and agent_type are required"},
		{"negative input", func(u *Usage) { u.InputTokens = -1 }, "token counts cannot be negative"},
		{"negative output", func(u *Usage) { u.OutputTokens = -5 }, "token counts cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := sampleUsage()
			tt.mutate(&u)
			err := u.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestUsage_Normalize(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 5, 0, time.UTC)

	u := sampleUsage()
	u.Description = strings.Repeat("x", 501)
	u.normalize(now)
	assert.Len(t, u.Description, MaxDescriptionLength)
	assert.True(t, strings.HasSuffix(u.Description, "..."))
	assert.Equal(t, now, u.CompletedAt)

	u = sampleUsage()
	u.Description = strings.Repeat("y", 500)
	u.normalize(now)
	assert.Equal(t, strings.Repeat("y", 500), u.Description)
}

func TestSQLTracker_WritesRow(t *testing.T) {
	db := newSQLiteDB(t)
	tracker, err := NewSQLTracker(db, "sqlite", nil)
	require.NoError(t, err)
	require.True(t, tracker.EnsureSchema(context.Background()))

	res := tracker.Track(context.Background(), sampleUsage())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, audit.StoreSQL, res.Store)
	assert.NotEmpty(t, res.ID)

	var (
		model  string
		input  int
		output int
		rounds int
	)
	err = db.QueryRow(`SELECT model_name, input_tokens, output_tokens, inference_rounds FROM llm_token_usage WHERE id = ?`, res.ID).
		Scan(&model, &input, &output, &rounds)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", model)
	assert.Equal(t, 120, input)
	assert.Equal(t, 30, output)
	assert.Equal(t, 1, rounds)
}

func TestSQLTracker_FallsBackToAudit(t *testing.T) {
	fallback := audit.NewMemoryStore()
	// No schema: the insert fails and the fallback takes the record.
	tracker, err := NewSQLTracker(newSQLiteDB(t), "sqlite", fallback)
	require.NoError(t, err)

	res := tracker.Track(context.Background(), sampleUsage())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, audit.StoreMemory, res.Store)

	docs, err := fallback.Query(context.Background(), audit.ContainerTokenUsage, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, EventTypeTokenUsage, docs[0]["event_type"])
	assert.Equal(t, "triage", docs[0]["agent_type"])
	assert.Contains(t, docs[0]["sql_error"], "llm_token_usage")
	assert.Equal(t, "2025-03-01T12:00:00Z", docs[0]["started_at"])
}

func TestSQLTracker_BothStoresFail(t *testing.T) {
	tracker, err := NewSQLTracker(newSQLiteDB(t), "sqlite", audit.Disabled{})
	require.NoError(t, err)

	res := tracker.Track(context.Background(), sampleUsage())
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "failed to track token usage")
}

func TestSQLTracker_NoDatabaseUsesFallback(t *testing.T) {
	fallback := audit.NewMemoryStore()
	tracker, err := NewSQLTracker(nil, "", fallback)
	require.NoError(t, err)
	assert.False(t, tracker.EnsureSchema(context.Background()))

	res := tracker.Track(context.Background(), sampleUsage())
	require.True(t, res.Success)
	assert.Equal(t, audit.StoreMemory, res.Store)
}

func TestSQLTracker_InvalidUsageIsNotWritten(t *testing.T) {
	fallback := audit.NewMemoryStore()
	tracker, err := NewSQLTracker(nil, "", fallback)
	require.NoError(t, err)

	u := sampleUsage()
	u.ModelName = ""
	res := tracker.Track(context.Background(), u)
	assert.False(t, res.Success)

	docs, _ := fallback.Query(context.Background(), audit.ContainerTokenUsage, audit.Filter{})
	assert.Empty(t, docs)
}
