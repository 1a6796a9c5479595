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

// Package consumer turns queue messages into orchestration starts and
// audit records.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/conductor/pkg/audit"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/orchestrator"
	"github.com/kadirpekel/conductor/pkg/queue"
)

// EventTypeAgentResult tags agent results in the audit log.
const EventTypeAgentResult = "agent_result"

// Starter starts orchestration instances.
type Starter interface {
	Start(ctx context.Context, key string, req orchestrator.Request) (orchestrator.StartResult, error)
}

// Consumers holds the message handlers.
type Consumers struct {
	engine Starter
	audit  audit.Store
}

// New creates the handlers. A nil audit store disables result logging.
func New(engine Starter, store audit.Store) *Consumers {
	if store == nil {
		store = audit.Disabled{}
	}
	return &Consumers{engine: engine, audit: store}
}

// Handler returns the handler of a consumer kind.
func (c *Consumers) Handler(kind string) (queue.Handler, error) {
	switch kind {
	case config.ConsumerOrchestrate:
		return c.Orchestrate, nil
	case config.ConsumerTask:
		return c.Task, nil
	case config.ConsumerResult:
		return c.Result, nil
	default:
		return nil, fmt.Errorf("unknown consumer kind %q", kind)
	}
}

// Orchestrate starts a triage instance keyed by event_type and event_id.
func (c *Consumers) Orchestrate(ctx context.Context, msg *queue.Message) error {
	body, err := decode(msg)
	if err != nil {
		return err
	}
	req := orchestrator.NewRequest(body)
	slog.Info("Received orchestration request",
		"queue", msg.Queue,
		"event_type", req.EventType(),
		"event_id", req.EventID())
	return c.start(ctx, req.OrchestrateKey(), req)
}

// Task starts an instance keyed by agent_type and task_id.
func (c *Consumers) Task(ctx context.Context, msg *queue.Message) error {
	body, err := decode(msg)
	if err != nil {
		return err
	}
	req := orchestrator.NewRequest(body)
	slog.Info("Received agent task",
		"queue", msg.Queue,
		"agent_type", req.AgentType(),
		"task_id", req.TaskID())
	return c.start(ctx, req.TaskKey(), req)
}

func (c *Consumers) start(ctx context.Context, key string, req orchestrator.Request) error {
	if c.engine == nil {
		return fmt.Errorf("orchestration engine not configured")
	}
	res, err := c.engine.Start(ctx, key, req)
	if err != nil {
		return err
	}
	slog.Debug("Orchestration start handled", "instance_id", res.InstanceID, "status", res.Status)
	return nil
}

// Result writes an agent result to the agent-events audit container.
// Audit failures are logged; the message is still completed.
func (c *Consumers) Result(ctx context.Context, msg *queue.Message) error {
	body, err := decode(msg)
	if err != nil {
		return err
	}

	event := map[string]any{"event_type": EventTypeAgentResult}
	for k, v := range body {
		event[k] = v
	}

	res := c.audit.LogEvent(ctx, audit.ContainerAgentEvents, event, "")
	if !res.Success {
		slog.Warn("Failed to log agent result", "queue", msg.Queue, "error", res.Error)
		return nil
	}
	slog.Info("Agent result logged", "queue", msg.Queue, "id", res.ID)
	return nil
}

func decode(msg *queue.Message) (map[string]any, error) {
	var body map[string]any
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		return nil, fmt.Errorf("malformed message %s on %s: %w", msg.ID, msg.Queue, err)
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}
