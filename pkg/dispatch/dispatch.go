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

// Package dispatch sends payloads to downstream queues with bounded retry.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/httpclient"
	"github.com/kadirpekel/conductor/pkg/observability"
	"github.com/kadirpekel/conductor/pkg/queue"
)

// Status values of a Result.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the outcome of a dispatch. It is never returned as an error:
// dispatch failures do not abort the caller.
type Result struct {
	Status   string `json:"status"`
	Queue    string `json:"queue,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// OK reports whether the payload was delivered.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Sender is the part of a queue transport the dispatcher needs.
type Sender interface {
	Send(ctx context.Context, queue string, body []byte, contentType string) error
}

// Dispatcher delivers payloads to queues.
type Dispatcher struct {
	sender      Sender
	maxAttempts int
	delays      []time.Duration
	sleep       httpclient.SleepFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSleep replaces the context-aware sleep between attempts.
func WithSleep(fn httpclient.SleepFunc) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

// New creates a dispatcher. sender may be nil, in which case every
// dispatch fails with "queue transport not configured".
func New(sender Sender, cfg config.DispatchConfig, opts ...Option) *Dispatcher {
	cfg.SetDefaults()
	d := &Dispatcher{
		sender:      sender,
		maxAttempts: cfg.MaxAttempts,
		delays:      cfg.Delays,
		sleep:       httpclient.ContextSleep,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends payload to queue as JSON. A missing queue name or
// transport fails at once; send failures are retried with the configured
// delays until MaxAttempts is reached.
func (d *Dispatcher) Dispatch(ctx context.Context, queueName string, payload map[string]any) Result {
	if queueName == "" {
		return Result{Status: StatusError, Reason: "no queue name provided"}
	}
	if d == nil || d.sender == nil {
		return Result{Status: StatusError, Reason: "queue transport not configured"}
	}

	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Status: StatusError, Reason: fmt.Sprintf("failed to serialize payload: %v", err)}
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanDispatch,
		attribute.String(observability.AttrQueue, queueName))

	res := d.send(ctx, queueName, body)

	span.SetAttributes(
		attribute.Int(observability.AttrAttempts, res.Attempts),
		attribute.String(observability.AttrStatus, res.Status))
	var spanErr error
	if !res.OK() {
		spanErr = fmt.Errorf("%s", res.Reason)
	}
	observability.EndSpan(span, spanErr)
	observability.GlobalMetrics().RecordDispatch(ctx, queueName, res.Status, res.Attempts)
	return res
}

func (d *Dispatcher) send(ctx context.Context, queueName string, body []byte) Result {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		lastErr = d.sender.Send(ctx, queueName, body, queue.ContentTypeJSON)
		if lastErr == nil {
			slog.Info("Message sent to queue", "queue", queueName, "attempts", attempt)
			return Result{Status: StatusSuccess, Queue: queueName, Attempts: attempt}
		}
		if attempt == d.maxAttempts {
			break
		}

		delay := d.delay(attempt)
		slog.Warn("Queue attempt failed, retrying",
			"queue", queueName,
			"attempt", attempt,
			"retry_in", delay,
			"error", lastErr)
		if err := d.sleep(ctx, delay); err != nil {
			lastErr = err
			slog.Error("Queue dispatch cancelled", "queue", queueName, "attempt", attempt, "error", err)
			return Result{Status: StatusError, Queue: queueName, Reason: err.Error(), Attempts: attempt}
		}
	}

	slog.Error("Queue dispatch failed", "queue", queueName, "attempts", d.maxAttempts, "error", lastErr)
	return Result{Status: StatusError, Queue: queueName, Reason: lastErr.Error(), Attempts: d.maxAttempts}
}

// delay returns the wait after failed attempt n (1-based). The last
// configured delay repeats when attempts outnumber delays.
func (d *Dispatcher) delay(attempt int) time.Duration {
	if len(d.delays) == 0 {
		return 0
	}
	if attempt-1 < len(d.delays) {
		return d.delays[attempt-1]
	}
	return d.delays[len(d.delays)-1]
}
