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
	"time"
)

// Well-known queue names.
const (
	QueueWebhookIngest     = "webhook-ingest"
	QueueAgentOrchestrator = "agent-orchestrator"
	QueueAgentTasks        = "agent-tasks"
	QueueAgentResults      = "agent-results"
)

// Consumer kinds bound to queues.
const (
	ConsumerOrchestrate = "orchestrate"
	ConsumerTask        = "task"
	ConsumerResult      = "result"
)

// RequiredQueues are ensured at startup.
var RequiredQueues = []string{
	QueueWebhookIngest,
	QueueAgentOrchestrator,
	QueueAgentTasks,
	QueueAgentResults,
}

// QueueConfig configures the message queue transport and its consumers.
//
// Example:
//
//	queue:
//	  backend: sql
//	  workers: 4
//	  consumers:
//	    agent-orchestrator: orchestrate
//	    agent-tasks: task
//	    agent-results: result
type QueueConfig struct {
	Backend  string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=sql,enum=memory,default=sql"`
	Database string `yaml:"database,omitempty" json:"database,omitempty"`

	// Workers is the number of concurrent handlers per consumed queue.
	Workers int `yaml:"workers,omitempty" json:"workers,omitempty" jsonschema:"minimum=1,default=4"`

	// PollInterval is the wait between empty receives.
	PollInterval time.Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`

	// LockDuration is how long a received message stays invisible.
	LockDuration time.Duration `yaml:"lock_duration,omitempty" json:"lock_duration,omitempty"`

	// MaxDeliveries moves a message to "<queue>-deadletter" once exceeded.
	MaxDeliveries int `yaml:"max_deliveries,omitempty" json:"max_deliveries,omitempty" jsonschema:"minimum=1,default=10"`

	// Required queues are created at startup, best-effort.
	Required []string `yaml:"required,omitempty" json:"required,omitempty"`

	// Consumers maps a queue name to a consumer kind
	// (orchestrate, task, result).
	Consumers map[string]string `yaml:"consumers,omitempty" json:"consumers,omitempty"`
}

// SetDefaults applies default values.
func (c *QueueConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = StoreSQL
	}
	if c.Backend == StoreSQL && c.Database == "" {
		c.Database = DefaultDatabaseName
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LockDuration == 0 {
		c.LockDuration = 5 * time.Minute
	}
	if c.MaxDeliveries == 0 {
		c.MaxDeliveries = 10
	}
	if len(c.Required) == 0 {
		c.Required = append([]string(nil), RequiredQueues...)
	}
	if c.Consumers == nil {
		c.Consumers = map[string]string{
			QueueWebhookIngest:     ConsumerOrchestrate,
			QueueAgentOrchestrator: ConsumerOrchestrate,
			QueueAgentTasks:        ConsumerTask,
			QueueAgentResults:      ConsumerResult,
		}
	}
}

// Validate checks the queue configuration.
func (c *QueueConfig) Validate() error {
	if c.Backend != StoreSQL && c.Backend != StoreMemory {
		return fmt.Errorf("invalid backend %q (valid: sql, memory)", c.Backend)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.PollInterval <= 0 || c.LockDuration <= 0 {
		return fmt.Errorf("poll_interval and lock_duration must be positive")
	}
	if c.MaxDeliveries < 1 {
		return fmt.Errorf("max_deliveries must be at least 1")
	}
	for _, queue := range sortedKeys(c.Consumers) {
		switch kind := c.Consumers[queue]; kind {
		case ConsumerOrchestrate, ConsumerTask, ConsumerResult:
		default:
			return fmt.Errorf("consumers.%s: invalid kind %q (valid: orchestrate, task, result)", queue, kind)
		}
	}
	return nil
}

func (c *QueueConfig) databaseRef() string {
	s := StoreConfig{Backend: c.Backend, Database: c.Database}
	return s.databaseRef()
}

// DispatchConfig configures the bounded retry of the task dispatcher.
type DispatchConfig struct {
	// MaxAttempts is the number of send attempts. Default: 3
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty" jsonschema:"minimum=1,default=3"`

	// Delays is the wait before retry i (indexed by failed attempt).
	// Default: [2s, 5s, 10s]
	Delays []time.Duration `yaml:"delays,omitempty" json:"delays,omitempty"`
}

// SetDefaults applies default values.
func (c *DispatchConfig) SetDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if len(c.Delays) == 0 {
		c.Delays = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}
	}
}

// Validate checks the dispatch configuration.
func (c *DispatchConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	for i, d := range c.Delays {
		if d < 0 {
			return fmt.Errorf("delays[%d] must be non-negative", i)
		}
	}
	return nil
}
