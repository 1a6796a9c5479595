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
	"errors"
	"sync"

	"github.com/kadirpekel/conductor/pkg/agent"
)

// StubModel is the model name reported by the stub backend.
const StubModel = "stub"

// Stub is an offline backend for development. It returns the scripted
// responses in order, repeating the last one, or echoes the last user
// message when nothing is scripted.
type Stub struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

// NewStub creates a stub backend.
func NewStub(responses ...string) *Stub {
	return &Stub{responses: responses}
}

// Execute returns the next scripted response.
func (s *Stub) Execute(_ context.Context, _ string, messages []agent.Message, _ []agent.Tool) (*agent.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content := ""
	switch {
	case len(s.responses) > 0:
		i := s.calls
		if i >= len(s.responses) {
			i = len(s.responses) - 1
		}
		content = s.responses[i]
	default:
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == agent.RoleUser {
				content = messages[i].Content
				break
			}
		}
	}
	s.calls++

	return &agent.Response{
		Status:          agent.StatusSuccess,
		Responses:       []any{content},
		ModelName:       StubModel,
		InferenceRounds: 1,
	}, nil
}

// Calls returns how many times Execute ran.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// AzureAIAgents is a placeholder for the Azure AI Agents service.
type AzureAIAgents struct{}

// ErrAzureAIAgentsNotImplemented is returned by every AzureAIAgents call.
var ErrAzureAIAgentsNotImplemented = errors.New("azure ai agents backend not yet implemented")

// Execute always fails.
func (AzureAIAgents) Execute(context.Context, string, []agent.Message, []agent.Tool) (*agent.Response, error) {
	return nil, ErrAzureAIAgentsNotImplemented
}
