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

package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	containers map[string][]map[string]any
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		containers: make(map[string][]map[string]any),
		now:        time.Now,
	}
}

// LogEvent upserts event by id.
func (s *MemoryStore) LogEvent(_ context.Context, container string, event map[string]any, partitionKey string) Result {
	doc := prepare(event, partitionKey, s.now())
	id := doc[FieldID].(string)

	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.containers[container]
	for i, existing := range docs {
		if existing[FieldID] == id {
			docs[i] = doc
			return Result{Success: true, ID: id, Store: StoreMemory}
		}
	}
	s.containers[container] = append(docs, doc)
	return Result{Success: true, ID: id, Store: StoreMemory}
}

// Query returns matching documents, newest first.
func (s *MemoryStore) Query(_ context.Context, container string, filter Filter) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.containers[container]
	out := make([]map[string]any, 0)
	for i := len(docs) - 1; i >= 0 && len(out) < filter.limit(); i-- {
		if filter.matches(docs[i]) {
			out = append(out, copyDoc(docs[i]))
		}
	}
	return out, nil
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
