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

// Package backend provides the AI backend gateways that execute one agent
// turn: a system prompt, a conversation and an optional tool list in, an
// agent.Response out.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/observability"
)

// Gateway executes a single agent turn.
//
// Provider failures are reported as a Response with StatusError so the
// caller sees the reason and model; a Go error means the gateway could not
// run at all.
type Gateway interface {
	Execute(ctx context.Context, systemPrompt string, messages []agent.Message, tools []agent.Tool) (*agent.Response, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, systemPrompt string, messages []agent.Message, tools []agent.Tool) (*agent.Response, error)

func (f GatewayFunc) Execute(ctx context.Context, systemPrompt string, messages []agent.Message, tools []agent.Tool) (*agent.Response, error) {
	return f(ctx, systemPrompt, messages, tools)
}

// New creates the gateway selected by cfg.Type. Unknown types fall back to
// azure_openai with a warning.
func New(ctx context.Context, cfg config.BackendConfig) (Gateway, error) {
	var (
		gw  Gateway
		err error
	)

	switch cfg.Type {
	case config.BackendAzureOpenAI, "":
		gw, err = NewAzureOpenAI(cfg)
	case config.BackendOpenAI:
		gw, err = NewOpenAI(cfg)
	case config.BackendGemini:
		gw, err = NewGemini(ctx, cfg)
	case config.BackendAzureAIAgents:
		gw = &AzureAIAgents{}
	case config.BackendStub:
		gw = NewStub(cfg.Responses...)
	default:
		slog.Warn("Unknown AI backend, defaulting to azure_openai", "backend", cfg.Type)
		cfg.Type = config.BackendAzureOpenAI
		gw, err = NewAzureOpenAI(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", cfg.Type, err)
	}

	slog.Info("AI backend initialized", "backend", cfg.Type)
	return &traced{next: gw, backend: cfg.Type}, nil
}

// traced wraps a gateway in a backend.call span.
type traced struct {
	next    Gateway
	backend string
}

func (t *traced) Execute(ctx context.Context, systemPrompt string, messages []agent.Message, tools []agent.Tool) (*agent.Response, error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanBackendCall,
		attribute.String("conductor.backend", t.backend),
		attribute.Int("conductor.messages", len(messages)),
	)

	resp, err := t.next.Execute(ctx, systemPrompt, messages, tools)
	if resp != nil {
		span.SetAttributes(
			attribute.String(observability.AttrModel, resp.ModelName),
			attribute.String(observability.AttrStatus, string(resp.Status)),
		)
		if resp.Usage != nil {
			span.SetAttributes(attribute.Int("conductor.tokens.total", resp.Usage.TotalTokens))
		}
	}
	observability.EndSpan(span, err)
	return resp, err
}
