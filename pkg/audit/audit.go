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

// Package audit provides an append-only document log for execution traces,
// agent results and token-usage fallbacks.
//
// Documents are grouped in named containers and partitioned by a key:
//
//	res := store.LogEvent(ctx, audit.ContainerAgentEvents, map[string]any{
//	    "event_type": "agent_result",
//	    "agent_type": "triage",
//	}, "")
//	if !res.Success {
//	    slog.Warn("Audit write failed", "error", res.Error)
//	}
//
// Writes never return Go errors. Callers inspect the Result or ignore it.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known containers.
const (
	ContainerAgentEvents = "agent-events"
	ContainerTokenUsage  = "token-usage"
)

// DefaultPartition is used when neither an explicit key nor an event_type is present.
const DefaultPartition = "default"

// DefaultQueryLimit caps Query when the filter has no limit.
const DefaultQueryLimit = 100

// Document fields set by LogEvent.
const (
	FieldID           = "id"
	FieldTimestamp    = "timestamp"
	FieldPartitionKey = "_partition_key"
	FieldEventType    = "event_type"
)

// Result is the outcome of a best-effort write.
type Result struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Store   string `json:"store,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Filter narrows a Query.
type Filter struct {
	EventType    string
	PartitionKey string
	Limit        int
}

// Store is a document log.
type Store interface {
	// LogEvent upserts event into container. The stored document gains
	// id, timestamp and _partition_key fields when missing.
	LogEvent(ctx context.Context, container string, event map[string]any, partitionKey string) Result

	// Query returns the newest documents of container matching filter.
	Query(ctx context.Context, container string, filter Filter) ([]map[string]any, error)
}

// prepare copies event and fills in the metadata fields.
func prepare(event map[string]any, partitionKey string, now time.Time) map[string]any {
	doc := make(map[string]any, len(event)+3)
	for k, v := range event {
		doc[k] = v
	}

	if id, _ := doc[FieldID].(string); id == "" {
		doc[FieldID] = uuid.NewString()
	}
	if ts, _ := doc[FieldTimestamp].(string); ts == "" {
		doc[FieldTimestamp] = now.UTC().Format(time.RFC3339Nano)
	}

	switch {
	case partitionKey != "":
		doc[FieldPartitionKey] = partitionKey
	default:
		if et, _ := doc[FieldEventType].(string); et != "" {
			doc[FieldPartitionKey] = et
		} else {
			doc[FieldPartitionKey] = DefaultPartition
		}
	}
	return doc
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultQueryLimit
	}
	return f.Limit
}

func (f Filter) matches(doc map[string]any) bool {
	if f.EventType != "" {
		if et, _ := doc[FieldEventType].(string); et != f.EventType {
			return false
		}
	}
	if f.PartitionKey != "" {
		if pk, _ := doc[FieldPartitionKey].(string); pk != f.PartitionKey {
			return false
		}
	}
	return true
}

// Disabled is a Store that rejects every write.
type Disabled struct{}

// LogEvent always fails.
func (Disabled) LogEvent(context.Context, string, map[string]any, string) Result {
	return Result{Success: false, Error: "audit store not configured"}
}

// Query returns nothing.
func (Disabled) Query(context.Context, string, Filter) ([]map[string]any, error) {
	return []map[string]any{}, nil
}
