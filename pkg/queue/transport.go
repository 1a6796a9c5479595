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

// Package queue moves JSON messages between named queues.
//
// A received message is locked for LockDuration. The consumer either
// completes it (removing it) or abandons it (making it visible again).
// Once a message has been delivered MaxDeliveries times, abandoning it
// moves it to "<queue>-deadletter".
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ContentTypeJSON is the content type of every message sent by conductor.
const ContentTypeJSON = "application/json"

// DeadLetterSuffix is appended to a queue name to form its dead-letter queue.
const DeadLetterSuffix = "-deadletter"

var (
	// ErrQueueNotFound is returned when sending to a queue that was never ensured.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrClosed is returned by a closed transport.
	ErrClosed = errors.New("queue transport closed")

	// ErrLockLost is returned when completing or abandoning a message whose
	// lock expired and was taken by another receiver.
	ErrLockLost = errors.New("message lock lost")
)

// Message is a received message.
type Message struct {
	ID            string
	Queue         string
	Body          []byte
	ContentType   string
	DeliveryCount int
	EnqueuedAt    time.Time
	LockToken     string
}

// Transport is a message queue.
type Transport interface {
	// EnsureQueue creates the queue if it does not exist.
	EnsureQueue(ctx context.Context, name string) error

	// Send enqueues body on queue.
	Send(ctx context.Context, queue string, body []byte, contentType string) error

	// Receive locks and returns up to max visible messages. It does not block.
	Receive(ctx context.Context, queue string, max int) ([]*Message, error)

	// Complete removes a received message.
	Complete(ctx context.Context, msg *Message) error

	// Abandon releases a received message for redelivery, or dead-letters it.
	Abandon(ctx context.Context, msg *Message) error

	Close() error
}

// Options tunes delivery.
type Options struct {
	LockDuration  time.Duration
	MaxDeliveries int
}

func (o *Options) setDefaults() {
	if o.LockDuration <= 0 {
		o.LockDuration = 5 * time.Minute
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 10
	}
}

// DeadLetterQueue returns the dead-letter queue name of queue.
func DeadLetterQueue(queue string) string {
	return queue + DeadLetterSuffix
}

// EnsureAll ensures every queue, best-effort. Failures are logged and the
// names that were ensured are returned.
func EnsureAll(ctx context.Context, t Transport, names []string) []string {
	ensured := make([]string, 0, len(names))
	for _, name := range names {
		if err := t.EnsureQueue(ctx, name); err != nil {
			slog.Warn("Could not ensure queue", "queue", name, "error", err)
			continue
		}
		ensured = append(ensured, name)
	}
	slog.Info("Queues ensured", "count", len(ensured), "requested", len(names))
	return ensured
}
