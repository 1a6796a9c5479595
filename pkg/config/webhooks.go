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
)

// Webhook handlers.
const (
	WebhookPassthrough = "passthrough"
	WebhookTriage      = "triage"
)

// WebhooksConfig maps inbound webhook sources to queues.
//
// Example:
//
//	webhooks:
//	  sources:
//	    github:
//	      queue: agent-orchestrator
//	      handler: triage
type WebhooksConfig struct {
	Sources map[string]*WebhookSourceConfig `yaml:"sources,omitempty" json:"sources,omitempty"`
}

// WebhookSourceConfig configures one source.
type WebhookSourceConfig struct {
	// Queue receives the produced message. Default: webhook-ingest
	Queue string `yaml:"queue,omitempty" json:"queue,omitempty"`

	// Handler builds the message from the body (passthrough, triage).
	Handler string `yaml:"handler,omitempty" json:"handler,omitempty" jsonschema:"enum=passthrough,enum=triage,default=passthrough"`

	// EventType is used by the triage handler when the body has none.
	EventType string `yaml:"event_type,omitempty" json:"event_type,omitempty"`
}

// SetDefaults applies default values. Source names are lowercased to match
// the request path.
func (c *WebhooksConfig) SetDefaults() {
	if c.Sources == nil {
		c.Sources = make(map[string]*WebhookSourceConfig)
	}
	normalized := make(map[string]*WebhookSourceConfig, len(c.Sources))
	for name, src := range c.Sources {
		if src == nil {
			src = &WebhookSourceConfig{}
		}
		if src.Queue == "" {
			src.Queue = QueueWebhookIngest
		}
		if src.Handler == "" {
			src.Handler = WebhookPassthrough
		}
		normalized[strings.ToLower(name)] = src
	}
	c.Sources = normalized
}

// Validate checks the webhook configuration.
func (c *WebhooksConfig) Validate() error {
	for _, name := range sortedKeys(c.Sources) {
		switch h := c.Sources[name].Handler; h {
		case WebhookPassthrough, WebhookTriage:
		default:
			return fmt.Errorf("sources.%s: invalid handler %q (valid: passthrough, triage)", name, h)
		}
	}
	return nil
}
