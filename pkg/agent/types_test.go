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

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextAction_IsActionable(t *testing.T) {
	var nilAction *NextAction
	assert.False(t, nilAction.IsActionable())
	assert.False(t, (&NextAction{}).IsActionable())
	assert.False(t, (&NextAction{TargetQueue: NoTargetQueue}).IsActionable())
	assert.True(t, (&NextAction{TargetQueue: "orders"}).IsActionable())
}

func TestResponse_Helpers(t *testing.T) {
	var nilResp *Response
	assert.True(t, nilResp.IsError())
	assert.Nil(t, nilResp.First())

	errResp := ErrorResponse("triage", "boom")
	assert.True(t, errResp.IsError())
	assert.Equal(t, "boom", errResp.Reason)
	assert.NotNil(t, errResp.Responses)
	assert.Nil(t, errResp.First())

	ok := &Response{Status: StatusSuccess, Responses: []any{"first", "second"}}
	assert.False(t, ok.IsError())
	assert.Equal(t, "first", ok.First())
}

func TestResponse_ToMap(t *testing.T) {
	resp := &Response{
		Status:     StatusSuccess,
		Responses:  []any{"{}"},
		Usage:      &TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		AgentType:  TriageAgent,
		NextAction: &NextAction{TargetQueue: "orders", Payload: map[string]any{"id": "42"}},
	}

	m, err := resp.ToMap()
	require.NoError(t, err)
	assert.Equal(t, "success", m["status"])
	assert.Equal(t, "triage", m["agent_type"])
	assert.Equal(t, float64(5), m["usage"].(map[string]any)["total_tokens"])
	assert.Equal(t, "orders", m["next_action"].(map[string]any)["target_queue"])
	assert.NotContains(t, m, "reason")
	assert.NotContains(t, m, "thread_id")
}
