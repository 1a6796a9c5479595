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

package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/audit"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/orchestrator"
	"github.com/kadirpekel/conductor/pkg/queue"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 5 * time.Millisecond
)

type fakeStarter struct {
	mu   sync.Mutex
	keys []string
	reqs []orchestrator.Request
	err  error
}

func (f *fakeStarter) Start(_ context.Context, key string, req orchestrator.Request) (orchestrator.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return orchestrator.StartResult{}, f.err
	}
	f.keys = append(f.keys, key)
	f.reqs = append(f.reqs, req)
	return orchestrator.StartResult{Status: orchestrator.Started, InstanceID: key}, nil
}

func message(queueName, body string) *queue.Message {
	return &queue.Message{ID: "m1", Queue: queueName, Body: []byte(body), ContentType: queue.ContentTypeJSON}
}

func TestOrchestrate(t *testing.T) {
	starter := &fakeStarter{}
	c := New(starter, nil)

	err := c.Orchestrate(context.Background(), message(config.QueueAgentOrchestrator,
		`{"event_type":"order","event_id":42,"extra":"kept"}`))
	require.NoError(t, err)

	require.Equal(t, []string{"orchestrate-order-42"}, starter.keys)
	assert.Equal(t, "kept", starter.reqs[0].Input["extra"])
}

func TestTask(t *testing.T) {
	starter := &fakeStarter{}
	c := New(starter, nil)

	require.NoError(t, c.Task(context.Background(), message(config.QueueAgentTasks, `{"agent_type":"billing","task_id":"t-9"}`)))
	require.NoError(t, c.Task(context.Background(), message(config.QueueAgentTasks, `{}`)))

	assert.Equal(t, []string{"task-billing-t-9", "task-unknown-unknown"}, starter.keys)
}

func TestMalformedMessagesAreRejected(t *testing.T) {
	starter := &fakeStarter{}
	c := New(starter, audit.NewMemoryStore())

	for _, h := range []queue.Handler{c.Orchestrate, c.Task, c.Result} {
		err := h(context.Background(), message("q", `{not json`))
		assert.Error(t, err)
	}
	assert.Empty(t, starter.keys)
}

func TestStartErrorIsReturned(t *testing.T) {
	c := New(&fakeStarter{err: errors.New("registry down")}, nil)
	err := c.Orchestrate(context.Background(), message(config.QueueWebhookIngest, `{"event_type":"a","event_id":"1"}`))
	assert.EqualError(t, err, "registry down")
}

func TestResultIsAudited(t *testing.T) {
	ctx := context.Background()
	store := audit.NewMemoryStore()
	c := New(nil, store)

	require.NoError(t, c.Result(ctx, message(config.QueueAgentResults, `{"agent_type":"billing","outcome":"paid"}`)))

	docs, err := store.Query(ctx, audit.ContainerAgentEvents, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, EventTypeAgentResult, docs[0]["event_type"])
	assert.Equal(t, "paid", docs[0]["outcome"])
	assert.Equal(t, EventTypeAgentResult, docs[0][audit.FieldPartitionKey])
}

func TestResultAuditFailureCompletesMessage(t *testing.T) {
	c := New(nil, audit.Disabled{})
	assert.NoError(t, c.Result(context.Background(), message(config.QueueAgentResults, `{}`)))
}

func TestHandler(t *testing.T) {
	c := New(&fakeStarter{}, nil)
	for _, kind := range []string{config.ConsumerOrchestrate, config.ConsumerTask, config.ConsumerResult} {
		h, err := c.Handler(kind)
		require.NoError(t, err)
		assert.NotNil(t, h)
	}
	_, err := c.Handler("bogus")
	assert.Error(t, err)
}

func TestWorkerAbandonsMalformedUntilDeadLettered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := queue.NewMemoryTransport(queue.Options{MaxDeliveries: 2})
	require.NoError(t, transport.EnsureQueue(ctx, config.QueueAgentOrchestrator))
	require.NoError(t, transport.Send(ctx, config.QueueAgentOrchestrator, []byte(`{oops`), queue.ContentTypeJSON))

	c := New(&fakeStarter{}, nil)
	w := queue.NewWorker(transport, queue.WorkerConfig{Queue: config.QueueAgentOrchestrator, PollInterval: time.Millisecond}, c.Orchestrate)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return transport.Len(queue.DeadLetterQueue(config.QueueAgentOrchestrator)) == 1
	}, testTimeout, testTick)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, transport.Len(config.QueueAgentOrchestrator))
}
