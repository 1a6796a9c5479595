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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memMessage struct {
	msg       Message
	visibleAt time.Time
}

// MemoryTransport is a single-process transport for development and tests.
type MemoryTransport struct {
	mu     sync.Mutex
	opts   Options
	queues map[string][]*memMessage
	closed bool
	now    func() time.Time
}

// NewMemoryTransport creates an empty in-memory transport.
func NewMemoryTransport(opts Options) *MemoryTransport {
	opts.setDefaults()
	return &MemoryTransport{
		opts:   opts,
		queues: make(map[string][]*memMessage),
		now:    time.Now,
	}
}

// EnsureQueue creates the queue if it does not exist.
func (t *MemoryTransport) EnsureQueue(_ context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if _, ok := t.queues[name]; !ok {
		t.queues[name] = nil
	}
	return nil
}

// Send enqueues body.
func (t *MemoryTransport) Send(_ context.Context, queue string, body []byte, contentType string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	msgs, ok := t.queues[queue]
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
	}

	now := t.now()
	t.queues[queue] = append(msgs, &memMessage{
		msg: Message{
			ID:          uuid.NewString(),
			Queue:       queue,
			Body:        append([]byte(nil), body...),
			ContentType: contentType,
			EnqueuedAt:  now,
		},
		visibleAt: now,
	})
	return nil
}

// Receive locks up to max visible messages in FIFO order.
func (t *MemoryTransport) Receive(_ context.Context, queue string, max int) ([]*Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	msgs, ok := t.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
	}

	now := t.now()
	var out []*Message
	for _, m := range msgs {
		if len(out) >= max {
			break
		}
		if m.visibleAt.After(now) {
			continue
		}
		m.visibleAt = now.Add(t.opts.LockDuration)
		m.msg.DeliveryCount++
		m.msg.LockToken = uuid.NewString()

		received := m.msg
		out = append(out, &received)
	}
	return out, nil
}

// Complete removes msg.
func (t *MemoryTransport) Complete(_ context.Context, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, err := t.locate(msg)
	if err != nil {
		return err
	}
	t.queues[msg.Queue] = append(t.queues[msg.Queue][:i], t.queues[msg.Queue][i+1:]...)
	return nil
}

// Abandon makes msg visible again or dead-letters it.
func (t *MemoryTransport) Abandon(_ context.Context, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, err := t.locate(msg)
	if err != nil {
		return err
	}
	m := t.queues[msg.Queue][i]
	m.msg.LockToken = ""
	m.visibleAt = t.now()

	if m.msg.DeliveryCount >= t.opts.MaxDeliveries {
		t.queues[msg.Queue] = append(t.queues[msg.Queue][:i], t.queues[msg.Queue][i+1:]...)
		dlq := DeadLetterQueue(msg.Queue)
		m.msg.Queue = dlq
		t.queues[dlq] = append(t.queues[dlq], m)
	}
	return nil
}

func (t *MemoryTransport) locate(msg *Message) (int, error) {
	if t.closed {
		return 0, ErrClosed
	}
	for i, m := range t.queues[msg.Queue] {
		if m.msg.ID != msg.ID {
			continue
		}
		if m.msg.LockToken != msg.LockToken {
			return 0, ErrLockLost
		}
		return i, nil
	}
	return 0, ErrLockLost
}

// Len returns the number of messages in queue, locked or not.
func (t *MemoryTransport) Len(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[queue])
}

// Close rejects further calls.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
