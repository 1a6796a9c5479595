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

package queue

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// transports returns both implementations sharing one fake clock each.
func transports(t *testing.T, opts Options) map[string]struct {
	transport Transport
	clock     *clock
	length    func(queue string) int
} {
	memClock := newClock()
	mem := NewMemoryTransport(opts)
	mem.now = memClock.Now

	sqlClock := newClock()
	st, err := NewSQLTransport(context.Background(), newSQLiteDB(t), "sqlite", opts)
	require.NoError(t, err)
	st.now = sqlClock.Now

	return map[string]struct {
		transport Transport
		clock     *clock
		length    func(queue string) int
	}{
		"memory": {mem, memClock, mem.Len},
		"sql": {st, sqlClock, func(q string) int {
			n, err := st.Len(context.Background(), q)
			require.NoError(t, err)
			return n
		}},
	}
}

func TestTransport_SendRequiresQueue(t *testing.T) {
	for name, tc := range transports(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			err := tc.transport.Send(context.Background(), "missing", []byte(`{}`), ContentTypeJSON)
			assert.ErrorIs(t, err, ErrQueueNotFound)
		})
	}
}

func TestTransport_SendReceiveComplete(t *testing.T) {
	for name, tc := range transports(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := tc.transport
			require.NoError(t, tr.EnsureQueue(ctx, "agent-tasks"))
			require.NoError(t, tr.EnsureQueue(ctx, "agent-tasks"))

			require.NoError(t, tr.Send(ctx, "agent-tasks", []byte(`{"n":1}`), ContentTypeJSON))
			tc.clock.Advance(time.Millisecond)
			require.NoError(t, tr.Send(ctx, "agent-tasks", []byte(`{"n":2}`), ContentTypeJSON))

			msgs, err := tr.Receive(ctx, "agent-tasks", 1)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.JSONEq(t, `{"n":1}`, string(msgs[0].Body))
			assert.Equal(t, ContentTypeJSON, msgs[0].ContentType)
			assert.Equal(t, 1, msgs[0].DeliveryCount)
			assert.NotEmpty(t, msgs[0].LockToken)

			// The locked message is invisible; the next one is served.
			next, err := tr.Receive(ctx, "agent-tasks", 5)
			require.NoError(t, err)
			require.Len(t, next, 1)
			assert.JSONEq(t, `{"n":2}`, string(next[0].Body))

			require.NoError(t, tr.Complete(ctx, msgs[0]))
			require.NoError(t, tr.Complete(ctx, next[0]))
			assert.Equal(t, 0, tc.length("agent-tasks"))

			empty, err := tr.Receive(ctx, "agent-tasks", 5)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestTransport_AbandonRedelivers(t *testing.T) {
	for name, tc := range transports(t, Options{MaxDeliveries: 5}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := tc.transport
			require.NoError(t, tr.EnsureQueue(ctx, "q"))
			require.NoError(t, tr.Send(ctx, "q", []byte(`{}`), ContentTypeJSON))

			first, err := tr.Receive(ctx, "q", 1)
			require.NoError(t, err)
			require.Len(t, first, 1)
			require.NoError(t, tr.Abandon(ctx, first[0]))

			second, err := tr.Receive(ctx, "q", 1)
			require.NoError(t, err)
			require.Len(t, second, 1)
			assert.Equal(t, first[0].ID, second[0].ID)
			assert.Equal(t, 2, second[0].DeliveryCount)

			// The stale token no longer settles the message.
			assert.ErrorIs(t, tr.Complete(ctx, first[0]), ErrLockLost)
			assert.NoError(t, tr.Complete(ctx, second[0]))
		})
	}
}

func TestTransport_LockExpires(t *testing.T) {
	for name, tc := range transports(t, Options{LockDuration: time.Minute}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := tc.transport
			require.NoError(t, tr.EnsureQueue(ctx, "q"))
			require.NoError(t, tr.Send(ctx, "q", []byte(`{}`), ContentTypeJSON))

			msgs, err := tr.Receive(ctx, "q", 1)
			require.NoError(t, err)
			require.Len(t, msgs, 1)

			tc.clock.Advance(30 * time.Second)
			none, err := tr.Receive(ctx, "q", 1)
			require.NoError(t, err)
			assert.Empty(t, none)

			tc.clock.Advance(31 * time.Second)
			again, err := tr.Receive(ctx, "q", 1)
			require.NoError(t, err)
			require.Len(t, again, 1)
			assert.Equal(t, 2, again[0].DeliveryCount)
		})
	}
}

func TestTransport_DeadLetter(t *testing.T) {
	for name, tc := range transports(t, Options{MaxDeliveries: 2}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := tc.transport
			require.NoError(t, tr.EnsureQueue(ctx, "agent-orchestrator"))
			require.NoError(t, tr.Send(ctx, "agent-orchestrator", []byte(`not json`), ContentTypeJSON))

			for i := 0; i < 2; i++ {
				msgs, err := tr.Receive(ctx, "agent-orchestrator", 1)
				require.NoError(t, err)
				require.Len(t, msgs, 1)
				require.NoError(t, tr.Abandon(ctx, msgs[0]))
			}

			assert.Equal(t, 0, tc.length("agent-orchestrator"))
			assert.Equal(t, 1, tc.length("agent-orchestrator-deadletter"))

			dead, err := tr.Receive(ctx, "agent-orchestrator-deadletter", 1)
			require.NoError(t, err)
			require.Len(t, dead, 1)
			assert.Equal(t, "not json", string(dead[0].Body))
		})
	}
}

func TestTransport_Closed(t *testing.T) {
	for name, tc := range transports(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, tc.transport.Close())
			assert.ErrorIs(t, tc.transport.EnsureQueue(context.Background(), "q"), ErrClosed)
			_, err := tc.transport.Receive(context.Background(), "q", 1)
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

type flakyEnsurer struct {
	*MemoryTransport
	fail map[string]bool
}

func (f *flakyEnsurer) EnsureQueue(ctx context.Context, name string) error {
	if f.fail[name] {
		return errors.New("permission denied")
	}
	return f.MemoryTransport.EnsureQueue(ctx, name)
}

func TestEnsureAll_BestEffort(t *testing.T) {
	tr := &flakyEnsurer{MemoryTransport: NewMemoryTransport(Options{}), fail: map[string]bool{"agent-tasks": true}}

	ensured := EnsureAll(context.Background(), tr, []string{"webhook-ingest", "agent-tasks", "agent-results"})
	assert.Equal(t, []string{"webhook-ingest", "agent-results"}, ensured)
}

func TestWorker_CompletesAndAbandons(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := NewMemoryTransport(Options{MaxDeliveries: 1})
	require.NoError(t, tr.EnsureQueue(ctx, "q"))
	require.NoError(t, tr.Send(ctx, "q", []byte(`ok`), ContentTypeJSON))
	require.NoError(t, tr.Send(ctx, "q", []byte(`fail`), ContentTypeJSON))
	require.NoError(t, tr.Send(ctx, "q", []byte(`panic`), ContentTypeJSON))

	var (
		mu   sync.Mutex
		seen []string
	)
	w := NewWorker(tr, WorkerConfig{Queue: "q", Concurrency: 2, PollInterval: 5 * time.Millisecond},
		func(_ context.Context, msg *Message) error {
			mu.Lock()
			seen = append(seen, string(msg.Body))
			mu.Unlock()
			switch string(msg.Body) {
			case "fail":
				return errors.New("bad message")
			case "panic":
				panic("handler bug")
			}
			return nil
		})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return tr.Len("q") == 0 && tr.Len("q-deadletter") == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"ok", "fail", "panic"}, seen)
}
