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

// Package webhook is the ingress for external webhook events.
//
// Every request is answered with 200 so senders never retry; the outcome
// is reported in the response body instead.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/observability"
	"github.com/kadirpekel/conductor/pkg/queue"
)

// MaxBodySize bounds the accepted request body.
const MaxBodySize = 1 << 20

// Response status values.
const (
	StatusIgnored   = "ignored"
	StatusError     = "error"
	StatusOK        = "ok"
	StatusProcessed = "processed"
)

// Handler turns a webhook body into the message to enqueue. A nil message
// means there is nothing to queue.
type Handler func(body map[string]any) (map[string]any, error)

// Passthrough enqueues the body unchanged.
func Passthrough(body map[string]any) (map[string]any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

// Triage wraps the body into a triage request for source. The event type
// is taken from the body, then from eventType, then defaults to the
// source name. A missing event id is generated.
func Triage(source, eventType string) Handler {
	return func(body map[string]any) (map[string]any, error) {
		et := stringField(body, "event_type")
		if et == "" {
			et = eventType
		}
		if et == "" {
			et = source
		}

		id := stringField(body, "event_id")
		if id == "" {
			id = stringField(body, "id")
		}
		if id == "" {
			id = uuid.NewString()
		}

		return map[string]any{
			"event_type": et,
			"event_id":   id,
			"source":     source,
			"payload":    body,
		}, nil
	}
}

func stringField(body map[string]any, name string) string {
	switch v := body[name].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Sender publishes a message to a queue.
type Sender interface {
	Send(ctx context.Context, queue string, body []byte, contentType string) error
}

type source struct {
	queue   string
	handler Handler
}

// Ingress routes webhook requests to their source handler.
type Ingress struct {
	sender  Sender
	sources map[string]source
}

// New builds an Ingress from the configured sources.
func New(cfg config.WebhooksConfig, sender Sender) (*Ingress, error) {
	in := &Ingress{sender: sender, sources: make(map[string]source)}
	for name, src := range cfg.Sources {
		var h Handler
		switch src.Handler {
		case config.WebhookPassthrough, "":
			h = Passthrough
		case config.WebhookTriage:
			h = Triage(strings.ToLower(name), src.EventType)
		default:
			return nil, fmt.Errorf("webhook source %s: unknown handler %q", name, src.Handler)
		}
		queueName := src.Queue
		if queueName == "" {
			queueName = config.QueueWebhookIngest
		}
		in.Register(name, queueName, h)
	}
	return in, nil
}

// Register adds or replaces a source.
func (in *Ingress) Register(name, queueName string, h Handler) {
	in.sources[strings.ToLower(name)] = source{queue: queueName, handler: h}
}

// Sources returns the number of registered sources.
func (in *Ingress) Sources() int {
	return len(in.sources)
}

// ServeHTTP handles POST /webhooks/{source}.
func (in *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(chi.URLParam(r, "source"))
	slog.Info("Webhook received", "source", name)

	resp := in.handle(r.Context(), name, readBody(r))
	status, _ := resp["status"].(string)
	observability.GlobalMetrics().RecordWebhook(r.Context(), name, status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("Failed to write webhook response", "source", name, "error", err)
	}
}

func (in *Ingress) handle(ctx context.Context, name string, body map[string]any) (resp map[string]any) {
	src, ok := in.sources[name]
	if !ok {
		slog.Warn("Unknown webhook source", "source", name)
		return map[string]any{"status": StatusIgnored, "reason": "unknown source: " + name}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Webhook handler panicked", "source", name, "panic", r)
			resp = map[string]any{"status": StatusError, "source": name, "message": fmt.Sprint(r)}
		}
	}()

	msg, err := src.handler(body)
	if err != nil {
		slog.Error("Webhook handler failed", "source", name, "error", err)
		return map[string]any{"status": StatusError, "source": name, "message": err.Error()}
	}
	if len(msg) == 0 {
		return map[string]any{"status": StatusOK, "source": name, "queued": false}
	}

	queued := in.publish(ctx, src.queue, msg)
	status := StatusProcessed
	if !queued {
		status = StatusError
	}
	return map[string]any{"status": status, "source": name, "queue": src.queue, "queued": queued}
}

func (in *Ingress) publish(ctx context.Context, queueName string, msg map[string]any) bool {
	if in.sender == nil {
		slog.Error("Queue transport not configured", "queue", queueName)
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to serialize webhook message", "queue", queueName, "error", err)
		return false
	}
	if err := in.sender.Send(ctx, queueName, data, queue.ContentTypeJSON); err != nil {
		slog.Error("Failed to publish webhook message", "queue", queueName, "error", err)
		return false
	}
	slog.Info("Webhook message queued", "queue", queueName)
	return true
}

// readBody decodes a JSON object body. Empty or invalid bodies become {}.
func readBody(r *http.Request) map[string]any {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize))
	if err != nil {
		slog.Warn("Failed to read webhook body", "error", err)
		return map[string]any{}
	}
	if len(data) == 0 {
		return map[string]any{}
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil || body == nil {
		slog.Warn("Failed to parse webhook body", "error", err)
		return map[string]any{}
	}
	return body
}
