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

package orchestrator

import (
	"fmt"
	"strconv"
)

// Unknown replaces missing identifiers in instance keys.
const Unknown = "unknown"

// OrchestrateKey derives the instance key of a triage request.
//
// Parts are joined with "-" and not escaped, so the mapping is only
// injective for parts without hyphens: ("a-b", "c") and ("a", "b-c") share
// a key, and a missing part shares its key with the literal "unknown".
// Event producers are expected to use hyphen-free event types.
func OrchestrateKey(eventType, eventID string) string {
	return fmt.Sprintf("orchestrate-%s-%s", orUnknown(eventType), orUnknown(eventID))
}

// TaskKey derives the instance key of a task request. It has the same
// hyphen and "unknown" collisions as OrchestrateKey.
func TaskKey(agentType, taskID string) string {
	return fmt.Sprintf("task-%s-%s", orUnknown(agentType), orUnknown(taskID))
}

// Request is an inbound workflow request. Input is the decoded message
// body; the triage step receives it unchanged.
type Request struct {
	Input map[string]any
}

// NewRequest wraps a decoded body. A nil body becomes empty.
func NewRequest(input map[string]any) Request {
	if input == nil {
		input = map[string]any{}
	}
	return Request{Input: input}
}

// EventType returns event_type or "unknown".
func (r Request) EventType() string { return r.field("event_type") }

// EventID returns event_id or "unknown".
func (r Request) EventID() string { return r.field("event_id") }

// AgentType returns agent_type or "unknown".
func (r Request) AgentType() string { return r.field("agent_type") }

// TaskID returns task_id or "unknown".
func (r Request) TaskID() string { return r.field("task_id") }

// OrchestrateKey derives the key from event_type and event_id.
func (r Request) OrchestrateKey() string {
	return OrchestrateKey(r.EventType(), r.EventID())
}

// TaskKey derives the key from agent_type and task_id.
func (r Request) TaskKey() string {
	return TaskKey(r.AgentType(), r.TaskID())
}

// field renders scalar values the way they appear in the message, so an
// event_id of 42 and "42" derive the same key.
func (r Request) field(name string) string {
	switch v := r.Input[name].(type) {
	case nil:
		return Unknown
	case string:
		return orUnknown(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}
