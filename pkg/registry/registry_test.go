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
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/config"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newClock() *stepClock {
	return &stepClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func newSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var workerA = Lease{Owner: "worker-a", TTL: time.Hour}

func stores(t *testing.T) map[string]Store {
	mem := NewMemoryStore()
	mem.now = newClock().Now

	sqlStore, err := NewSQLStore(context.Background(), newSQLiteDB(t), "sqlite3")
	require.NoError(t, err)
	sqlStore.now = newClock().Now

	return map[string]Store{"memory": mem, "sql": sqlStore}
}

func TestState(t *testing.T) {
	assert.False(t, StatePending.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())

	assert.Equal(t, "Pending", StatePending.RuntimeStatus())
	assert.Equal(t, "Running", StateRunning.RuntimeStatus())
	assert.Equal(t, "Completed", StateCompleted.RuntimeStatus())
	assert.Equal(t, "Failed", StateFailed.RuntimeStatus())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateRunning, true},
		{StatePending, StateFailed, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StatePending, StateCompleted, false},
		{StateRunning, StatePending, false},
		{StateCompleted, StateRunning, false},
		{StateFailed, StateCompleted, false},
		{StateCompleted, StatePending, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStore_Lifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "orchestrate-order-42"

			_, err := store.Get(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)

			started, ok, err := store.TryStart(ctx, key, map[string]any{"event_id": "42"}, workerA)
			require.NoError(t, err)
			require.True(t, ok)
			assert.NotEmpty(t, started.RunID)
			assert.Equal(t, "worker-a", started.Owner)

			rec, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, StatePending, rec.State)
			assert.Equal(t, started.RunID, rec.RunID)
			assert.Equal(t, "worker-a", rec.Owner)
			assert.True(t, rec.LeaseUntil.After(rec.CreatedAt))
			assert.Equal(t, "42", rec.Input["event_id"])
			assert.Nil(t, rec.Output)

			again, ok, err := store.TryStart(ctx, key, nil, workerA)
			require.NoError(t, err)
			assert.False(t, ok, "pending key must not start twice")
			assert.Nil(t, again)

			require.NoError(t, store.Transition(ctx, key, "worker-a", StateRunning, nil))
			_, ok, err = store.TryStart(ctx, key, nil, workerA)
			require.NoError(t, err)
			assert.False(t, ok, "running key must not start twice")

			out := map[string]any{"status": "completed", "event_type": "order"}
			require.NoError(t, store.Transition(ctx, key, "worker-a", StateCompleted, out))

			rec, err = store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, StateCompleted, rec.State)
			assert.Equal(t, "completed", rec.Output["status"])
			assert.True(t, rec.UpdatedAt.After(rec.CreatedAt))

			err = store.Transition(ctx, key, "", StateFailed, nil)
			assert.ErrorIs(t, err, ErrInvalidTransition)

			// A terminal key starts a fresh run under a new run id.
			restarted, ok, err := store.TryStart(ctx, key, map[string]any{"event_id": "42", "retry": true}, workerA)
			require.NoError(t, err)
			require.True(t, ok)
			assert.NotEqual(t, started.RunID, restarted.RunID)
			rec, err = store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, StatePending, rec.State)
			assert.Equal(t, restarted.RunID, rec.RunID)
			assert.Nil(t, rec.Output)
			assert.Equal(t, true, rec.Input["retry"])
		})
	}
}

func TestStore_TransitionErrors(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := store.Transition(ctx, "missing", "", StateRunning, nil)
			assert.ErrorIs(t, err, ErrNotFound)

			_, _, err = store.TryStart(ctx, "k", nil, workerA)
			require.NoError(t, err)

			err = store.Transition(ctx, "k", "", StateCompleted, nil)
			assert.ErrorIs(t, err, ErrInvalidTransition)

			err = store.Transition(ctx, "k", "", StatePending, nil)
			assert.ErrorIs(t, err, ErrInvalidTransition)

			require.NoError(t, store.Transition(ctx, "k", "", StateFailed, map[string]any{"reason": "boom"}))
		})
	}
}

func TestStore_List(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, k := range []string{"a", "b", "c"} {
				_, _, err := store.TryStart(ctx, k, nil, workerA)
				require.NoError(t, err)
			}
			require.NoError(t, store.Transition(ctx, "b", "", StateRunning, nil))
			require.NoError(t, store.Transition(ctx, "c", "", StateFailed, nil))

			active, err := store.List(ctx, StatePending, StateRunning)
			require.NoError(t, err)
			require.Len(t, active, 2)
			assert.Equal(t, "a", active[0].Key)
			assert.Equal(t, "b", active[1].Key)

			all, err := store.List(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

// Concurrent starters race on one key; exactly one wins. The SQL variant
// uses a file database with several connections.
func TestStore_TryStartIsExclusive(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "registry.db")+"?_busy_timeout=10000&_journal_mode=WAL")
	require.NoError(t, err)
	db.SetMaxOpenConns(4)
	t.Cleanup(func() { _ = db.Close() })

	sqlStore, err := NewSQLStore(context.Background(), db, config.DialectSQLite)
	require.NoError(t, err)

	for name, store := range map[string]Store{"memory": NewMemoryStore(), "sql": sqlStore} {
		t.Run(name, func(t *testing.T) {
			var (
				wg   sync.WaitGroup
				wins atomic.Int32
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := store.TryStart(context.Background(), "task-billing-7", nil, workerA)
					assert.NoError(t, err)
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestStore_ClaimRespectsLiveLease(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			workerB := Lease{Owner: "worker-b", TTL: time.Hour}

			started, _, err := store.TryStart(ctx, "k", nil, workerA)
			require.NoError(t, err)

			rec, ok, err := store.Claim(ctx, "k", workerB)
			require.NoError(t, err)
			assert.False(t, ok, "a live lease must not be taken over")
			assert.Equal(t, "worker-a", rec.Owner)

			renewed, err := store.Renew(ctx, "k", started.RunID, workerA)
			require.NoError(t, err)
			assert.True(t, renewed)

			renewed, err = store.Renew(ctx, "k", started.RunID, workerB)
			require.NoError(t, err)
			assert.False(t, renewed)

			renewed, err = store.Renew(ctx, "k", "another-run", workerA)
			require.NoError(t, err)
			assert.False(t, renewed)

			err = store.Transition(ctx, "k", "worker-b", StateRunning, nil)
			assert.ErrorIs(t, err, ErrLeaseLost)
			require.NoError(t, store.Transition(ctx, "k", "worker-a", StateRunning, nil))
		})
	}
}

func TestStore_ClaimExpiredLease(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			crashed := Lease{Owner: "worker-a", TTL: 0}
			workerB := Lease{Owner: "worker-b", TTL: time.Hour}

			started, _, err := store.TryStart(ctx, "k", map[string]any{"v": "1"}, crashed)
			require.NoError(t, err)
			require.NoError(t, store.Transition(ctx, "k", "worker-a", StateRunning, nil))

			rec, ok, err := store.Claim(ctx, "k", workerB)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "worker-b", rec.Owner)
			assert.Equal(t, started.RunID, rec.RunID, "a takeover continues the same run")
			assert.Equal(t, StateRunning, rec.State)
			assert.Equal(t, "1", rec.Input["v"])

			// The previous owner is fenced out.
			renewed, err := store.Renew(ctx, "k", started.RunID, crashed)
			require.NoError(t, err)
			assert.False(t, renewed)
			err = store.Transition(ctx, "k", "worker-a", StateCompleted, nil)
			assert.ErrorIs(t, err, ErrLeaseLost)

			require.NoError(t, store.Transition(ctx, "k", "worker-b", StateCompleted, map[string]any{"status": "completed"}))

			// Finished instances cannot be claimed.
			rec, ok, err = store.Claim(ctx, "k", workerB)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, StateCompleted, rec.State)

			_, _, err = store.Claim(ctx, "missing", workerB)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRecord_Leased(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &Record{State: StateRunning, Owner: "w", LeaseUntil: now.Add(time.Second)}
	assert.True(t, rec.Leased(now))
	assert.False(t, rec.Leased(now.Add(time.Second)))

	rec.State = StateCompleted
	assert.False(t, rec.Leased(now))

	assert.False(t, (&Record{State: StatePending}).Leased(now))
}
