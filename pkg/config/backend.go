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

package config

import (
	"fmt"
	"strings"
	"time"
)

// Backend types.
const (
	BackendAzureOpenAI   = "azure_openai"
	BackendOpenAI        = "openai"
	BackendGemini        = "gemini"
	BackendAzureAIAgents = "azure_ai_agents"
	BackendStub          = "stub"
)

// BackendConfig configures the AI backend gateway.
//
// Example:
//
//	backend:
//	  type: azure_openai
//	  endpoint: ${AZURE_OPENAI_ENDPOINT}
//	  api_key: ${AZURE_OPENAI_API_KEY}
//	  deployment: gpt-4o
type BackendConfig struct {
	// Type selects the adapter. Unknown values fall back to azure_openai.
	Type string `yaml:"type,omitempty" json:"type,omitempty" jsonschema:"enum=azure_openai,enum=openai,enum=gemini,enum=azure_ai_agents,enum=stub,default=azure_openai"`

	// Endpoint is the base URL (Azure resource endpoint or OpenAI-compatible host).
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Deployment is the Azure OpenAI deployment name. Default: gpt-4o
	Deployment string `yaml:"deployment,omitempty" json:"deployment,omitempty"`

	// APIVersion is the Azure OpenAI API version. Default: 2024-12-01-preview
	APIVersion string `yaml:"api_version,omitempty" json:"api_version,omitempty"`

	// Model is used by openai and gemini.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// Responses scripts the stub backend; each entry is returned in turn.
	Responses []string `yaml:"responses,omitempty" json:"responses,omitempty"`
}

// SetDefaults applies default values.
func (c *BackendConfig) SetDefaults() {
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if c.Type == "" {
		c.Type = BackendAzureOpenAI
	}
	if c.Deployment == "" {
		c.Deployment = "gpt-4o"
	}
	if c.APIVersion == "" {
		c.APIVersion = "2024-12-01-preview"
	}
	if c.Model == "" {
		switch c.Type {
		case BackendOpenAI:
			c.Model = "gpt-4o"
		case BackendGemini:
			c.Model = "gemini-2.0-flash"
		}
	}
	if c.Endpoint == "" && c.Type == BackendOpenAI {
		c.Endpoint = "https://api.openai.com/v1"
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the backend configuration. Credentials are checked when
// the adapter is created so that validate works without secrets.
func (c *BackendConfig) Validate() error {
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}
	if c.Timeout < 0 || c.MaxRetries < 0 {
		return fmt.Errorf("timeout and max_retries must be non-negative")
	}
	return nil
}
