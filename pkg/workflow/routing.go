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
	"encoding/json"
	"log/slog"

	"github.com/kadirpekel/conductor/pkg/agent"
)

// RawKey wraps an unparsed agent output.
const RawKey = "raw"

// ExtractNextAction derives the routing decision from an agent's first
// response. Two shapes are accepted: a mapping, or a JSON string encoding
// one, optionally wrapped as {"raw": ...}. The mapping must hold a
// "next_action" object whose target_queue is non-empty and not "none".
// Anything else means no routing, never an error.
func ExtractNextAction(agentType string, first any) *agent.NextAction {
	value := first
	if value == nil {
		return nil
	}

	if m, ok := value.(map[string]any); ok {
		if raw, ok := m[RawKey]; ok {
			value = raw
		}
	}

	if s, ok := value.(string); ok {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			slog.Warn("Agent returned non-JSON response", "agent_type", agentType)
			return nil
		}
		value = parsed
	}

	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	next, ok := m["next_action"].(map[string]any)
	if !ok {
		return nil
	}

	target, _ := next["target_queue"].(string)
	action := &agent.NextAction{TargetQueue: target}
	if !action.IsActionable() {
		return nil
	}

	action.Payload, _ = next["payload"].(map[string]any)
	if action.Payload == nil {
		action.Payload = map[string]any{}
	}

	slog.Info("Agent routing", "agent_type", agentType, "target_queue", target)
	return action
}
