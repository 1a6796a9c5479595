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

package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/backend"
	"github.com/kadirpekel/conductor/pkg/instructions"
	"github.com/kadirpekel/conductor/pkg/telemetry"
)

type recordingTracker struct {
	mu    sync.Mutex
	calls []telemetry.Usage
	fail  bool
}

func (r *recordingTracker) Track(_ context.Context, u telemetry.Usage) telemetry.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, u)
	if r.fail {
		return telemetry.Result{Success: false, Error: "database unavailable"}
	}
	return telemetry.Result{Success: true, ID: "1"}
}

type capturedCall struct {
	prompt   string
	messages []agent.Message
	tools    []agent.Tool
}

func capturingGateway(call *capturedCall, resp *agent.Response, err error) backend.Gateway {
	return backend.GatewayFunc(func(_ context.Context, prompt string, messages []agent.Message, tools []agent.Tool) (*agent.Response, error) {
		call.prompt = prompt
		call.messages = messages
		call.tools = tools
		return resp, err
	})
}

func TestExtractNextAction(t *testing.T) {
	tests := []struct {
		name  string
		first any
		want  *agent.NextAction
	}{
		{
			name:  "raw string",
			first: map[string]any{"raw": `{"next_action": {"target_queue": "agent-tasks", "payload": {"x": 1}}}`},
			want:  &agent.NextAction{TargetQueue: "agent-tasks", Payload: map[string]any{"x": float64(1)}},
		},
		{
			name:  "plain JSON string",
			first: `{"next_action": {"target_queue": "agent-results"}}`,
			want:  &agent.NextAction{TargetQueue: "agent-results", Payload: map[string]any{}},
		},
		{
			name:  "mapping",
			first: map[string]any{"next_action": map[string]any{"target_queue": "q", "payload": map[string]any{"a": "b"}}},
			want:  &agent.NextAction{TargetQueue: "q", Payload: map[string]any{"a": "b"}},
		},
		{
			name:  "raw mapping",
			first: map[string]any{"raw": map[string]any{"next_action": map[string]any{"target_queue": "q"}}},
			want:  &agent.NextAction{TargetQueue: "q", Payload: map[string]any{}},
		},
		{name: "none target", first: `{"next_action": {"target_queue": "none"}}`},
		{name: "empty target", first: `{"next_action": {"target_queue": ""}}`},
		{name: "missing target", first: `{"next_action": {"payload": {}}}`},
		{name: "non-string target", first: `{"next_action": {"target_queue": 7}}`},
		{name: "next_action not a mapping", first: `{"next_action": "agent-tasks"}`},
		{name: "no next_action", first: `{"classification": "order"}`},
		{name: "malformed raw", first: map[string]any{"raw": "{not json"}},
		{name: "JSON array", first: `[1, 2]`},
		{name: "number", first: 42},
		{name: "nil", first: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Equal(t, tt.want, ExtractNextAction("triage", tt.first))
			})
		})
	}
}

func TestExecute_Success(t *testing.T) {
	var call capturedCall
	gw := capturingGateway(&call, &agent.Response{
		Status:          agent.StatusSuccess,
		Responses:       []any{`{"next_action": {"target_queue": "agent-results", "payload": {"summary": "ok"}}}`},
		Usage:           &agent.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		ModelName:       "gpt-4o",
		InferenceRounds: 1,
		NextAction:      &agent.NextAction{TargetQueue: "ignored"},
	}, nil)
	tracker := &recordingTracker{}

	exec := NewExecutor(gw,
		WithInstructions(instructions.MapStore{"triage": "Classify the event."}),
		WithTracker(tracker))

	resp := exec.Execute(context.Background(), "triage", map[string]any{"event_id": "42"})

	assert.Equal(t, "Classify the event.", call.prompt)
	require.Len(t, call.messages, 1)
	assert.Equal(t, agent.RoleUser, call.messages[0].Role)
	assert.JSONEq(t, `{"event_id": "42"}`, call.messages[0].Content)
	assert.NotNil(t, call.tools)
	assert.Empty(t, call.tools)

	assert.Equal(t, agent.StatusSuccess, resp.Status)
	assert.Equal(t, "triage", resp.AgentType)
	assert.Equal(t, &agent.NextAction{TargetQueue: "agent-results", Payload: map[string]any{"summary": "ok"}}, resp.NextAction)

	require.Len(t, tracker.calls, 1)
	assert.Equal(t, "gpt-4o", tracker.calls[0].ModelName)
	assert.Equal(t, 10, tracker.calls[0].InputTokens)
	assert.Equal(t, 5, tracker.calls[0].OutputTokens)
	assert.Equal(t, "triage", tracker.calls[0].AgentType)
	assert.Equal(t, 1, tracker.calls[0].InferenceRounds)
	assert.False(t, tracker.calls[0].StartedAt.IsZero())
}

func TestExecute_FallbackInstructionsAndEmptyPayload(t *testing.T) {
	var call capturedCall
	gw := capturingGateway(&call, &agent.Response{Status: agent.StatusSuccess, Responses: []any{"plain text"}}, nil)

	resp := NewExecutor(gw).Execute(context.Background(), "billing", nil)

	assert.Equal(t, "You are a billing agent. Process the input and return a JSON response.", call.prompt)
	assert.Equal(t, "{}", call.messages[0].Content)
	assert.Equal(t, agent.StatusSuccess, resp.Status)
	assert.Nil(t, resp.NextAction)
}

func TestExecute_NoResponse(t *testing.T) {
	var call capturedCall
	resp := NewExecutor(capturingGateway(&call, nil, nil)).Execute(context.Background(), "triage", nil)

	assert.Equal(t, agent.StatusError, resp.Status)
	assert.Equal(t, "no response from agent: triage", resp.Reason)
	assert.Empty(t, resp.Responses)
}

func TestExecute_GatewayError(t *testing.T) {
	var call capturedCall
	resp := NewExecutor(capturingGateway(&call, nil, errors.New("connection refused"))).
		Execute(context.Background(), "triage", map[string]any{})

	assert.Equal(t, agent.StatusError, resp.Status)
	assert.Equal(t, "connection refused", resp.Reason)
	assert.Equal(t, "triage", resp.AgentType)
}

func TestExecute_GatewayPanicIsRecovered(t *testing.T) {
	gw := backend.GatewayFunc(func(context.Context, string, []agent.Message, []agent.Tool) (*agent.Response, error) {
		panic("boom")
	})

	var resp *agent.Response
	require.NotPanics(t, func() {
		resp = NewExecutor(gw).Execute(context.Background(), "triage", nil)
	})
	assert.Equal(t, agent.StatusError, resp.Status)
	assert.Equal(t, "boom", resp.Reason)
	assert.Equal(t, "triage", resp.AgentType)
}

func TestExecute_BackendErrorResponseKeepsReason(t *testing.T) {
	var call capturedCall
	gw := capturingGateway(&call, &agent.Response{
		Status:    agent.StatusError,
		Responses: []any{},
		Reason:    "azure openai API error (HTTP 401): denied",
		ModelName: "gpt-4o",
	}, nil)
	tracker := &recordingTracker{}

	resp := NewExecutor(gw, WithTracker(tracker)).Execute(context.Background(), "triage", nil)

	assert.True(t, resp.IsError())
	assert.Equal(t, "azure openai API error (HTTP 401): denied", resp.Reason)
	assert.Equal(t, "triage", resp.AgentType)
	assert.Empty(t, tracker.calls, "no usage, nothing tracked")
}

func TestExecute_TrackingFailureIsSwallowed(t *testing.T) {
	var call capturedCall
	gw := capturingGateway(&call, &agent.Response{
		Status:    agent.StatusSuccess,
		Responses: []any{`{}`},
		Usage:     &agent.TokenUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}, nil)
	tracker := &recordingTracker{fail: true}

	resp := NewExecutor(gw, WithTracker(tracker)).Execute(context.Background(), "triage", nil)

	assert.Equal(t, agent.StatusSuccess, resp.Status)
	require.Len(t, tracker.calls, 1)
	assert.Equal(t, UnknownModel, tracker.calls[0].ModelName)
}

func TestExecute_NoGateway(t *testing.T) {
	resp := NewExecutor(nil).Execute(context.Background(), "triage", nil)
	assert.Equal(t, agent.StatusError, resp.Status)
	assert.Equal(t, "no AI backend configured", resp.Reason)
}
