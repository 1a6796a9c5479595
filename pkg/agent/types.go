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

// Package agent defines the values exchanged between the workflow executor,
// the orchestration engine and the AI backends.
package agent

import (
	"encoding/json"
	"fmt"
)

// Status is the outcome of a single agent execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// TriageAgent is the agent type used for the first step of every orchestration.
const TriageAgent = "triage"

// NoTargetQueue is the routing value agents use to say "nothing to do".
const NoTargetQueue = "none"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation sent to a backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Tool is a tool definition forwarded to a backend.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// TokenUsage reports token consumption for one execution.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NextAction is a routing decision extracted from an agent's output.
type NextAction struct {
	TargetQueue string         `json:"target_queue"`
	Payload     map[string]any `json:"payload"`
}

// IsActionable reports whether the action names a real downstream queue.
func (a *NextAction) IsActionable() bool {
	return a != nil && a.TargetQueue != "" && a.TargetQueue != NoTargetQueue
}

// Response is the normalized result of one agent execution.
type Response struct {
	Status          Status      `json:"status"`
	Responses       []any       `json:"responses"`
	ThreadID        string      `json:"thread_id,omitempty"`
	Reason          string      `json:"reason,omitempty"`
	Usage           *TokenUsage `json:"usage,omitempty"`
	ToolCalls       int         `json:"tool_calls"`
	InferenceRounds int         `json:"inference_rounds"`
	AgentType       string      `json:"agent_type,omitempty"`
	ModelName       string      `json:"model_name,omitempty"`
	NextAction      *NextAction `json:"next_action,omitempty"`
}

// ErrorResponse builds an error response for agentType.
func ErrorResponse(agentType, reason string) *Response {
	return &Response{
		Status:    StatusError,
		Responses: []any{},
		Reason:    reason,
		AgentType: agentType,
	}
}

// IsError reports whether the response carries an error status.
func (r *Response) IsError() bool {
	return r == nil || r.Status == StatusError
}

// First returns responses[0], or nil when there are no responses.
func (r *Response) First() any {
	if r == nil || len(r.Responses) == 0 {
		return nil
	}
	return r.Responses[0]
}

// ToMap converts the response to its JSON object form.
func (r *Response) ToMap() (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent response: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent response: %w", err)
	}
	return out, nil
}
