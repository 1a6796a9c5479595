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

// Package workflow runs a single agent step: it loads the agent's
// instructions, calls the backend gateway, extracts the routing decision
// and records token usage.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/backend"
	"github.com/kadirpekel/conductor/pkg/instructions"
	"github.com/kadirpekel/conductor/pkg/observability"
	"github.com/kadirpekel/conductor/pkg/telemetry"
)

// UnknownModel is recorded when a response carries no model name.
const UnknownModel = "unknown"

// Executor runs agent steps.
type Executor struct {
	gateway      backend.Gateway
	instructions instructions.Store
	tracker      telemetry.Tracker
	now          func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithInstructions sets the instructions store.
func WithInstructions(s instructions.Store) Option {
	return func(e *Executor) { e.instructions = s }
}

// WithTracker sets the token usage tracker.
func WithTracker(t telemetry.Tracker) Option {
	return func(e *Executor) { e.tracker = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor calling gateway.
func NewExecutor(gateway backend.Gateway, opts ...Option) *Executor {
	e := &Executor{
		gateway: gateway,
		tracker: telemetry.Noop{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracker == nil {
		e.tracker = telemetry.Noop{}
	}
	return e
}

// Execute runs agentType against payload. It never returns nil and never
// panics: every failure becomes a Response with StatusError.
func (e *Executor) Execute(ctx context.Context, agentType string, payload map[string]any) (resp *agent.Response) {
	ctx, span := observability.StartSpan(ctx, observability.SpanAgentExecute,
		attribute.String(observability.AttrAgentType, agentType))
	startedAt := e.now()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Agent execution panicked", "agent_type", agentType, "panic", r)
			resp = agent.ErrorResponse(agentType, fmt.Sprint(r))
		}

		tokens := 0
		if resp.Usage != nil {
			tokens = resp.Usage.TotalTokens
		}
		span.SetAttributes(attribute.String(observability.AttrStatus, string(resp.Status)))
		var spanErr error
		if resp.IsError() {
			spanErr = fmt.Errorf("%s", resp.Reason)
		}
		observability.EndSpan(span, spanErr)
		observability.GlobalMetrics().RecordAgentRun(ctx, agentType, string(resp.Status), e.now().Sub(startedAt), tokens)
	}()

	resp, err := e.execute(ctx, agentType, payload, startedAt)
	if err != nil {
		slog.Error("Agent execution failed", "agent_type", agentType, "error", err)
		return agent.ErrorResponse(agentType, err.Error())
	}
	return resp
}

func (e *Executor) execute(ctx context.Context, agentType string, payload map[string]any, startedAt time.Time) (*agent.Response, error) {
	if e.gateway == nil {
		return nil, fmt.Errorf("no AI backend configured")
	}

	prompt, err := instructions.Resolve(e.instructions, agentType)
	if err != nil {
		return nil, err
	}

	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	resp, err := e.gateway.Execute(ctx, prompt,
		[]agent.Message{{Role: agent.RoleUser, Content: string(body)}},
		[]agent.Tool{})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return agent.ErrorResponse(agentType, "no response from agent: "+agentType), nil
	}

	resp.AgentType = agentType
	// Routing is always recomputed here, whatever the backend put in the field.
	resp.NextAction = ExtractNextAction(agentType, resp.First())

	if resp.Usage != nil {
		e.trackUsage(ctx, agentType, resp, startedAt)
	}
	return resp, nil
}

// trackUsage is best-effort: failures and panics are logged and dropped.
func (e *Executor) trackUsage(ctx context.Context, agentType string, resp *agent.Response, startedAt time.Time) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Token tracking failed", "agent_type", agentType, "panic", r)
		}
	}()

	model := resp.ModelName
	if model == "" {
		model = UnknownModel
	}

	res := e.tracker.Track(ctx, telemetry.Usage{
		ModelName:       model,
		InputTokens:     resp.Usage.PromptTokens,
		OutputTokens:    resp.Usage.CompletionTokens,
		AgentType:       agentType,
		InferenceRounds: resp.InferenceRounds,
		StartedAt:       startedAt,
	})
	if !res.Success {
		slog.Warn("Token tracking failed", "agent_type", agentType, "error", res.Error)
	}
}
