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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/config"
)

func newSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// steppingClock returns a clock advancing one second per call.
func steppingClock() func() time.Time {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func stores(t *testing.T) map[string]Store {
	mem := NewMemoryStore()
	mem.now = steppingClock()

	sqlStore, err := NewSQLStore(context.Background(), newSQLiteDB(t), "sqlite3")
	require.NoError(t, err)
	sqlStore.now = steppingClock()

	return map[string]Store{"memory": mem, "sql": sqlStore}
}

func TestLogEvent_AddsMetadata(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			event := map[string]any{"event_type": "agent_result", "agent_type": "triage"}

			res := store.LogEvent(ctx, ContainerAgentEvents, event, "")
			require.True(t, res.Success, res.Error)
			assert.NotEmpty(t, res.ID)
			assert.Equal(t, name, res.Store)
			assert.NotContains(t, event, FieldID, "caller's map must not be mutated")

			docs, err := store.Query(ctx, ContainerAgentEvents, Filter{})
			require.NoError(t, err)
			require.Len(t, docs, 1)
			assert.Equal(t, res.ID, docs[0][FieldID])
			assert.Equal(t, "agent_result", docs[0][FieldPartitionKey])
			assert.Equal(t, "triage", docs[0]["agent_type"])
			assert.NotEmpty(t, docs[0][FieldTimestamp])
		})
	}
}

func TestLogEvent_PartitionKey(t *testing.T) {
	tests := []struct {
		name      string
		event     map[string]any
		partition string
		want      string
	}{
		{"explicit wins", map[string]any{"event_type": "x"}, "tenant-1", "tenant-1"},
		{"event type", map[string]any{"event_type": "token_usage"}, "", "token_usage"},
		{"default", map[string]any{"a": 1}, "", DefaultPartition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := prepare(tt.event, tt.partition, time.Now())
			assert.Equal(t, tt.want, doc[FieldPartitionKey])
		})
	}
}

func TestLogEvent_KeepsExistingIDAndUpserts(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			res := store.LogEvent(ctx, "c", map[string]any{"id": "fixed", "v": 1}, "")
			require.True(t, res.Success)
			assert.Equal(t, "fixed", res.ID)

			res = store.LogEvent(ctx, "c", map[string]any{"id": "fixed", "v": 2}, "")
			require.True(t, res.Success)

			docs, err := store.Query(ctx, "c", Filter{})
			require.NoError(t, err)
			require.Len(t, docs, 1)
			assert.EqualValues(t, 2, docs[0]["v"])
		})
	}
}

func TestQuery_FiltersAndOrdersNewestFirst(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.LogEvent(ctx, ContainerAgentEvents, map[string]any{"event_type": "agent_result", "n": 1}, "")
			store.LogEvent(ctx, ContainerAgentEvents, map[string]any{"event_type": "other", "n": 2}, "")
			store.LogEvent(ctx, ContainerAgentEvents, map[string]any{"event_type": "agent_result", "n": 3}, "")
			store.LogEvent(ctx, ContainerTokenUsage, map[string]any{"event_type": "agent_result", "n": 4}, "")

			docs, err := store.Query(ctx, ContainerAgentEvents, Filter{EventType: "agent_result"})
			require.NoError(t, err)
			require.Len(t, docs, 2)
			assert.EqualValues(t, 3, docs[0]["n"])
			assert.EqualValues(t, 1, docs[1]["n"])

			docs, err = store.Query(ctx, ContainerAgentEvents, Filter{Limit: 1})
			require.NoError(t, err)
			require.Len(t, docs, 1)
			assert.EqualValues(t, 3, docs[0]["n"])

			docs, err = store.Query(ctx, "missing", Filter{})
			require.NoError(t, err)
			assert.Empty(t, docs)
		})
	}
}

func TestSQLStore_ReportsFailures(t *testing.T) {
	db := newSQLiteDB(t)
	store, err := NewSQLStore(context.Background(), db, config.DialectSQLite)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	res := store.LogEvent(context.Background(), "c", map[string]any{"a": 1}, "")
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestNewSQLStore_RejectsUnknownDialect(t *testing.T) {
	_, err := NewSQLStore(context.Background(), newSQLiteDB(t), "oracle")
	assert.ErrorContains(t, err, "unsupported dialect")
}

func TestDisabled(t *testing.T) {
	res := Disabled{}.LogEvent(context.Background(), "c", map[string]any{}, "")
	assert.False(t, res.Success)
	assert.Equal(t, "audit store not configured", res.Error)
}
