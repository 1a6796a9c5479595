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

// Package instructions loads per-agent system prompts.
package instructions

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileSuffix is appended to the agent type to form the prompt file name.
const FileSuffix = ".system.md"

// Store looks up the system prompt of an agent type.
// found is false when the agent has no prompt.
type Store interface {
	Load(agentType string) (prompt string, found bool, err error)
}

// Fallback is the prompt used for agents without instructions.
func Fallback(agentType string) string {
	return fmt.Sprintf("You are a %s agent. Process the input and return a JSON response.", agentType)
}

// Resolve returns the prompt for agentType, or the fallback when the store
// has none. Read errors are returned.
func Resolve(store Store, agentType string) (string, error) {
	if store != nil {
		prompt, found, err := store.Load(agentType)
		if err != nil {
			return "", err
		}
		if found {
			return prompt, nil
		}
	}
	slog.Warn("No system prompt found for agent", "agent_type", agentType)
	return Fallback(agentType), nil
}

// FileStore reads "<dir>/<agent_type>.system.md".
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Load reads the prompt file of agentType.
func (s *FileStore) Load(agentType string) (string, bool, error) {
	if agentType == "" || strings.ContainsAny(agentType, `/\`) || strings.Contains(agentType, "..") {
		return "", false, nil
	}

	data, err := os.ReadFile(filepath.Join(s.dir, agentType+FileSuffix))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read instructions for %s: %w", agentType, err)
	}
	return string(data), true, nil
}

// MapStore serves prompts from memory.
type MapStore map[string]string

// Load returns the prompt of agentType.
func (m MapStore) Load(agentType string) (string, bool, error) {
	prompt, ok := m[agentType]
	return prompt, ok, nil
}
