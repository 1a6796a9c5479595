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
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/config"
)

// Gemini executes agent turns on the Google Gemini API.
type Gemini struct {
	client    *genai.Client
	model     string
	temp      *float64
	maxTokens int
}

// NewGemini creates the Gemini gateway.
func NewGemini(ctx context.Context, cfg config.BackendConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required (set GEMINI_API_KEY)")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Gemini{client: client, model: model, temp: cfg.Temperature, maxTokens: cfg.MaxTokens}, nil
}

// Execute runs one GenerateContent call. System messages in the
// conversation are folded into the system instruction.
func (g *Gemini) Execute(ctx context.Context, systemPrompt string, messages []agent.Message, tools []agent.Tool) (*agent.Response, error) {
	contents, genCfg := g.buildRequest(systemPrompt, messages, tools)

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, genCfg)
	if err != nil {
		slog.Error("Backend execution failed", "backend", "gemini", "model", g.model, "error", err)
		return g.errorResponse(fmt.Sprintf("gemini API error: %v", err)), nil
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return g.errorResponse("empty response from Gemini"), nil
	}

	var (
		text      strings.Builder
		toolCalls int
	)
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			toolCalls++
		}
	}

	var usage *agent.TokenUsage
	if resp.UsageMetadata != nil {
		usage = &agent.TokenUsage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return &agent.Response{
		Status:          agent.StatusSuccess,
		Responses:       []any{text.String()},
		Usage:           usage,
		ModelName:       g.model,
		ToolCalls:       toolCalls,
		InferenceRounds: 1,
	}, nil
}

func (g *Gemini) buildRequest(systemPrompt string, messages []agent.Message, tools []agent.Tool) ([]*genai.Content, *genai.GenerateContentConfig) {
	system := []*genai.Part{{Text: systemPrompt}}
	var contents []*genai.Content

	for _, m := range messages {
		switch m.Role {
		case agent.RoleSystem:
			system = append(system, &genai.Part{Text: m.Content})
		case agent.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}

	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: system},
	}
	if g.temp != nil {
		genCfg.Temperature = genai.Ptr(float32(*g.temp))
	}
	if g.maxTokens > 0 {
		genCfg.MaxOutputTokens = int32(g.maxTokens)
	}
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		genCfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return contents, genCfg
}

func (g *Gemini) errorResponse(reason string) *agent.Response {
	return &agent.Response{
		Status:    agent.StatusError,
		Responses: []any{},
		Reason:    reason,
		ModelName: g.model,
	}
}
