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
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/conductor/pkg/agent"
)

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// tokenCounter returns a cached encoding for model, falling back to
// cl100k_base. Returns nil when no encoding can be loaded.
func tokenCounter(model string) *tiktoken.Tiktoken {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Debug("Token encoding unavailable, using approximation", "model", model, "error", err)
			enc = nil
		}
	}
	encodingCache[model] = enc
	return enc
}

// countTokens counts text tokens, approximating four characters per token
// when no encoding is available.
func countTokens(enc *tiktoken.Tiktoken, text string) int {
	if enc == nil {
		return approxTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func approxTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// estimateUsage is used when a backend response carries no usage block.
// Each message costs 4 tokens of framing plus its content; replies are
// primed with 3 tokens.
func estimateUsage(model string, messages []chatMessage, completion string) *agent.TokenUsage {
	enc := tokenCounter(model)

	prompt := 3
	for _, m := range messages {
		prompt += 4 + countTokens(enc, m.Role) + countTokens(enc, m.Content)
	}
	completionTokens := countTokens(enc, completion)

	return &agent.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completionTokens,
		TotalTokens:      prompt + completionTokens,
	}
}
