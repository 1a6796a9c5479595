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

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/httpclient"
)

// ChatCompletions talks to the OpenAI chat completions API, either on
// Azure OpenAI (deployment URL, api-key header) or on an OpenAI-compatible
// host (Bearer token).
type ChatCompletions struct {
	name       string
	url        string
	headers    map[string]string
	model      string
	bodyModel  string
	temp       *float64
	maxTokens  int
	httpClient *httpclient.Client
}

// NewAzureOpenAI creates the Azure OpenAI gateway.
func NewAzureOpenAI(cfg config.BackendConfig, opts ...httpclient.Option) (*ChatCompletions, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required (set AZURE_OPENAI_ENDPOINT)")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required (set AZURE_OPENAI_API_KEY)")
	}

	u := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(cfg.Endpoint, "/"),
		url.PathEscape(cfg.Deployment),
		url.QueryEscape(cfg.APIVersion))

	return &ChatCompletions{
		name:       "azure openai",
		url:        u,
		headers:    map[string]string{"api-key": cfg.APIKey},
		model:      cfg.Deployment,
		bodyModel:  cfg.Deployment,
		temp:       cfg.Temperature,
		maxTokens:  cfg.MaxTokens,
		httpClient: newHTTPClient(cfg, opts...),
	}, nil
}

// NewOpenAI creates a gateway for api.openai.com or a compatible server.
func NewOpenAI(cfg config.BackendConfig, opts ...httpclient.Option) (*ChatCompletions, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required (set OPENAI_API_KEY)")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}

	return &ChatCompletions{
		name:       "openai",
		url:        strings.TrimRight(cfg.Endpoint, "/") + "/chat/completions",
		headers:    map[string]string{"Authorization": "Bearer " + cfg.APIKey},
		model:      cfg.Model,
		bodyModel:  cfg.Model,
		temp:       cfg.Temperature,
		maxTokens:  cfg.MaxTokens,
		httpClient: newHTTPClient(cfg, opts...),
	}, nil
}

func newHTTPClient(cfg config.BackendConfig, opts ...httpclient.Option) *httpclient.Client {
	base := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
	}
	return httpclient.New(append(base, opts...)...)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   *string           `json:"content"`
			ToolCalls []json.RawMessage `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *agent.TokenUsage `json:"usage"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Execute runs one chat completion. The system prompt is prepended to
// messages.
func (c *ChatCompletions) Execute(ctx context.Context, systemPrompt string, messages []agent.Message, tools []agent.Tool) (*agent.Response, error) {
	req := chatRequest{
		Model:       c.bodyModel,
		Messages:    make([]chatMessage, 0, len(messages)+1),
		Temperature: c.temp,
		MaxTokens:   c.maxTokens,
	}
	req.Messages = append(req.Messages, chatMessage{Role: string(agent.RoleSystem), Content: systemPrompt})
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, chatTool{
			Type:     "function",
			Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	resp, err := c.makeRequest(ctx, req)
	if err != nil {
		slog.Error("Backend execution failed", "backend", c.name, "model", c.model, "error", err)
		return c.errorResponse(err.Error()), nil
	}
	if len(resp.Choices) == 0 {
		return c.errorResponse(fmt.Sprintf("%s returned no choices", c.name)), nil
	}

	choice := resp.Choices[0]
	content := ""
	if choice.Message.Content != nil {
		content = *choice.Message.Content
	}

	usage := resp.Usage
	if usage == nil {
		usage = estimateUsage(c.model, req.Messages, content)
	}

	return &agent.Response{
		Status:          agent.StatusSuccess,
		Responses:       []any{content},
		Usage:           usage,
		ModelName:       c.model,
		ToolCalls:       len(choice.Message.ToolCalls),
		InferenceRounds: 1,
	}, nil
}

func (c *ChatCompletions) errorResponse(reason string) *agent.Response {
	return &agent.Response{
		Status:    agent.StatusError,
		Responses: []any{},
		Reason:    reason,
		ModelName: c.model,
	}
}

func (c *ChatCompletions) makeRequest(ctx context.Context, body chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil && resp == nil {
		return nil, fmt.Errorf("%s request failed: %w", c.name, err)
	}

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read response: %w", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		if httpclient.IsRetryable(err) {
			return nil, fmt.Errorf("%s API error (%v): %s", c.name, err, msg)
		}
		return nil, fmt.Errorf("%s API error (HTTP %d): %s", c.name, resp.StatusCode, msg)
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}
