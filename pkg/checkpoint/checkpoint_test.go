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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/registry"
)

func newSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func stepLogs(t *testing.T) map[string]StepLog {
	sqlLog, err := NewSQLStorage(context.Background(), newSQLiteDB(t), "sqlite")
	require.NoError(t, err)
	return map[string]StepLog{"memory": NewMemoryStorage(), "sql": sqlLog}
}

func TestStepLog_RecordLoadPrune(t *testing.T) {
	for name, log := range stepLogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "orchestrate-order-42"

			steps, err := log.Load(ctx, key, "run-1")
			require.NoError(t, err)
			assert.Empty(t, steps)

			stored, err := log.Record(ctx, key, "run-1", 1, "dispatch", map[string]any{"status": "success", "attempts": 1})
			require.NoError(t, err)
			assert.True(t, stored)
			stored, err = log.Record(ctx, key, "run-1", 0, "triage", map[string]any{"status": "success"})
			require.NoError(t, err)
			assert.True(t, stored)

			steps, err = log.Load(ctx, key, "run-1")
			require.NoError(t, err)
			require.Len(t, steps, 2)
			assert.Equal(t, 0, steps[0].Index)
			assert.Equal(t, "triage", steps[0].Name)
			assert.Equal(t, "run-1", steps[0].RunID)
			assert.Equal(t, 1, steps[1].Index)
			assert.Equal(t, float64(1), steps[1].Result["attempts"])

			step, ok := Lookup(steps, 1)
			require.True(t, ok)
			assert.Equal(t, "dispatch", step.Name)
			_, ok = Lookup(steps, 2)
			assert.False(t, ok)

			// A later run of the same key starts from an empty log.
			steps, err = log.Load(ctx, key, "run-2")
			require.NoError(t, err)
			assert.Empty(t, steps)
			stored, err = log.Record(ctx, key, "run-2", 0, "triage", map[string]any{"status": "error"})
			require.NoError(t, err)
			assert.True(t, stored)

			require.NoError(t, log.Prune(ctx, key, "run-2"))
			steps, err = log.Load(ctx, key, "run-1")
			require.NoError(t, err)
			assert.Empty(t, steps)
			steps, err = log.Load(ctx, key, "run-2")
			require.NoError(t, err)
			require.Len(t, steps, 1)
			assert.Equal(t, "error", steps[0].Result["status"])
		})
	}
}

func TestStepLog_FirstWriteWins(t *testing.T) {
	for name, log := range stepLogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			stored, err := log.Record(ctx, "k", "r", 0, "triage", map[string]any{"v": "first"})
			require.NoError(t, err)
			assert.True(t, stored)

			stored, err = log.Record(ctx, "k", "r", 0, "triage", map[string]any{"v": "second"})
			require.NoError(t, err)
			assert.False(t, stored)

			steps, err := log.Load(ctx, "k", "r")
			require.NoError(t, err)
			require.Len(t, steps, 1)
			assert.Equal(t, "first", steps[0].Result["v"])
		})
	}
}

type resumeRecorder struct {
	mu   sync.Mutex
	keys []string
	fail map[string]bool
}

func (r *resumeRecorder) resume(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	if r.fail[key] {
		return errors.New("resume failed")
	}
	return nil
}

// crashed is a lease whose owner is gone: it lapses the moment it is taken.
var crashed = registry.Lease{Owner: "crashed-worker"}

func startInstance(t *testing.T, reg registry.Store, key string, lease registry.Lease) {
	t.Helper()
	_, won, err := reg.TryStart(context.Background(), key, nil, lease)
	require.NoError(t, err)
	require.True(t, won)
}

func TestRecoveryManager(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryStore()

	for _, k := range []string{"fresh", "running", "broken", "done"} {
		startInstance(t, reg, k, crashed)
	}
	require.NoError(t, reg.Transition(ctx, "running", crashed.Owner, registry.StateRunning, nil))
	require.NoError(t, reg.Transition(ctx, "done", crashed.Owner, registry.StateRunning, nil))
	require.NoError(t, reg.Transition(ctx, "done", crashed.Owner, registry.StateCompleted, nil))

	mgr := NewRecoveryManager(config.CheckpointConfig{}, reg)
	rec := &resumeRecorder{fail: map[string]bool{"broken": true}}
	mgr.SetResumeCallback(rec.resume)

	stats, err := mgr.RecoverPending(ctx)
	require.NoError(t, err)

	assert.Equal(t, RecoveryStats{Found: 3, Resumed: 2, Failed: 1}, stats)
	assert.ElementsMatch(t, []string{"fresh", "running", "broken"}, rec.keys)
}

func TestRecoveryManager_ExpiresOldInstances(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryStore()
	startInstance(t, reg, "old", crashed)

	mgr := NewRecoveryManager(config.CheckpointConfig{Recovery: config.RecoveryConfig{Timeout: time.Minute}}, reg)
	mgr.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	rec := &resumeRecorder{}
	mgr.SetResumeCallback(rec.resume)

	stats, err := mgr.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
	assert.Empty(t, rec.keys)

	got, err := reg.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, registry.StateFailed, got.State)
	assert.Equal(t, ReasonRecoveryTimeout, got.Output["reason"])
}

func TestRecoveryManager_Disabled(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryStore()
	startInstance(t, reg, "k", crashed)

	mgr := NewRecoveryManager(config.CheckpointConfig{Recovery: config.RecoveryConfig{AutoResume: config.BoolPtr(false)}}, reg)
	rec := &resumeRecorder{}
	mgr.SetResumeCallback(rec.resume)

	stats, err := mgr.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryStats{}, stats)
	assert.Empty(t, rec.keys)
}

func TestRecoveryManager_NoCallback(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryStore()
	startInstance(t, reg, "k", crashed)

	stats, err := NewRecoveryManager(config.CheckpointConfig{}, reg).RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}

func TestRecoveryManager_SkipsLiveLeases(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryStore()
	startInstance(t, reg, "live", registry.Lease{Owner: "worker-a", TTL: time.Hour})
	startInstance(t, reg, "orphan", crashed)

	// Old enough to expire, but a live owner keeps it out of recovery.
	mgr := NewRecoveryManager(config.CheckpointConfig{Recovery: config.RecoveryConfig{Timeout: time.Minute}}, reg)
	mgr.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	rec := &resumeRecorder{}
	mgr.SetResumeCallback(rec.resume)

	stats, err := mgr.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryStats{Found: 2, Expired: 1, Skipped: 1}, stats)
	assert.Empty(t, rec.keys)

	live, err := reg.Get(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, registry.StatePending, live.State)
	assert.Equal(t, "worker-a", live.Owner)
}

func TestRecoveryManager_ClaimLostCountsAsSkipped(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryStore()
	startInstance(t, reg, "k", crashed)

	mgr := NewRecoveryManager(config.CheckpointConfig{}, reg)
	mgr.SetResumeCallback(func(context.Context, string) error {
		return fmt.Errorf("resume k: %w", registry.ErrLeaseLost)
	})

	stats, err := mgr.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoveryStats{Found: 1, Skipped: 1}, stats)
}

func TestRecoveryManager_RunRepeats(t *testing.T) {
	reg := registry.NewMemoryStore()
	startInstance(t, reg, "k", crashed)

	mgr := NewRecoveryManager(config.CheckpointConfig{Recovery: config.RecoveryConfig{Interval: 10 * time.Millisecond}}, reg)
	var mu sync.Mutex
	passes := 0
	mgr.SetResumeCallback(func(context.Context, string) error {
		mu.Lock()
		defer mu.Unlock()
		passes++
		return registry.ErrLeaseLost
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return passes >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("recovery loop did not stop")
	}
}
