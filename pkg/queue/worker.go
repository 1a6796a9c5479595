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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/conductor/pkg/observability"
)

// Handler processes one message. Returning an error abandons the message.
type Handler func(ctx context.Context, msg *Message) error

// Message outcomes recorded in metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeAbandoned = "abandoned"
)

// Worker runs a pool of receivers on one queue.
type Worker struct {
	transport    Transport
	queue        string
	handler      Handler
	concurrency  int
	pollInterval time.Duration
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Queue        string
	Concurrency  int
	PollInterval time.Duration
}

// NewWorker creates a worker pool for cfg.Queue.
func NewWorker(t Transport, cfg WorkerConfig, h Handler) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Worker{
		transport:    t,
		queue:        cfg.Queue,
		handler:      h,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
	}
}

// Queue returns the consumed queue name.
func (w *Worker) Queue() string {
	return w.queue
}

// Run receives and handles messages until ctx is cancelled or the
// transport is closed. Each receiver holds at most one message at a time.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("Queue consumer started", "queue", w.queue, "workers", w.concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			return w.loop(ctx)
		})
	}

	err := g.Wait()
	slog.Info("Queue consumer stopped", "queue", w.queue)
	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		msgs, err := w.transport.Receive(ctx, w.queue, 1)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Queue receive failed", "queue", w.queue, "error", err)
			timer.Reset(w.pollInterval)
			continue
		}
		if len(msgs) == 0 {
			timer.Reset(w.pollInterval)
			continue
		}

		for _, msg := range msgs {
			w.process(ctx, msg)
		}
		timer.Reset(0)
	}
}

// process runs the handler and settles the message. Settlement uses a
// context detached from cancellation so an in-flight message is not left
// locked on shutdown.
func (w *Worker) process(ctx context.Context, msg *Message) {
	ctx, span := observability.StartSpan(ctx, observability.SpanQueueHandle,
		attribute.String(observability.AttrQueue, w.queue))

	err := w.handle(ctx, msg)
	settleCtx := context.WithoutCancel(ctx)

	outcome := OutcomeCompleted
	if err != nil {
		outcome = OutcomeAbandoned
		slog.Error("Message handler failed",
			"queue", w.queue,
			"message_id", msg.ID,
			"delivery_count", msg.DeliveryCount,
			"error", err)
		if abandonErr := w.transport.Abandon(settleCtx, msg); abandonErr != nil {
			slog.Warn("Failed to abandon message", "queue", w.queue, "message_id", msg.ID, "error", abandonErr)
		}
	} else if completeErr := w.transport.Complete(settleCtx, msg); completeErr != nil {
		slog.Warn("Failed to complete message", "queue", w.queue, "message_id", msg.ID, "error", completeErr)
	}

	span.SetAttributes(attribute.String(observability.AttrStatus, outcome))
	observability.EndSpan(span, err)
	observability.GlobalMetrics().RecordQueueMessage(ctx, w.queue, outcome)
}

func (w *Worker) handle(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, msg)
}
