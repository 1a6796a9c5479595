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

// CheckpointConfig configures the durable step log and crash recovery.
//
// Example:
//
//	checkpoint:
//	  backend: sql
//	  database: default
//	  recovery:
//	    auto_resume: true
//	    timeout: 1h
//	    lease_ttl: 30s
//	    interval: 1m
type CheckpointConfig struct {
	Backend  string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=sql,enum=memory,default=sql"`
	Database string `yaml:"database,omitempty" json:"database,omitempty"`

	// Recovery configures what happens to unfinished instances on startup.
	Recovery RecoveryConfig `yaml:"recovery,omitempty" json:"recovery,omitempty"`
}

// RecoveryConfig configures startup recovery.
type RecoveryConfig struct {
	// AutoResume resumes pending and running instances on startup.
	// Default: true
	AutoResume *bool `yaml:"auto_resume,omitempty" json:"auto_resume,omitempty"`

	// Timeout is the maximum instance age that is still resumed.
	// Older instances are marked failed. Default: 1h
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// LeaseTTL is how long a worker owns a run without renewing it. A run
	// is renewed several times per TTL while live; another worker may take
	// it over once the lease has lapsed. Default: 30s
	LeaseTTL time.Duration `yaml:"lease_ttl,omitempty" json:"lease_ttl,omitempty"`

	// Interval between recovery passes while serving. Default: 1m
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
}

// SetDefaults applies default values.
func (c *CheckpointConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = StoreSQL
	}
	if c.Backend == StoreSQL && c.Database == "" {
		c.Database = DefaultDatabaseName
	}
	if c.Recovery.AutoResume == nil {
		c.Recovery.AutoResume = BoolPtr(true)
	}
	if c.Recovery.Timeout == 0 {
		c.Recovery.Timeout = time.Hour
	}
	if c.Recovery.LeaseTTL == 0 {
		c.Recovery.LeaseTTL = 30 * time.Second
	}
	if c.Recovery.Interval == 0 {
		c.Recovery.Interval = time.Minute
	}
}

// Validate checks the checkpoint configuration.
func (c *CheckpointConfig) Validate() error {
	if c.Backend != StoreSQL && c.Backend != StoreMemory {
		return fmt.Errorf("invalid backend %q (valid: sql, memory)", c.Backend)
	}
	if c.Recovery.Timeout < 0 {
		return fmt.Errorf("recovery: timeout must be non-negative")
	}
	if c.Recovery.LeaseTTL < 0 || c.Recovery.Interval < 0 {
		return fmt.Errorf("recovery: lease_ttl and interval must be non-negative")
	}
	return nil
}

// ShouldAutoResume reports whether interrupted instances are recovered.
func (c *CheckpointConfig) ShouldAutoResume() bool {
	return BoolValue(c.Recovery.AutoResume, true)
}

// Store returns the store selection of the step log.
func (c *CheckpointConfig) Store() StoreConfig {
	return StoreConfig{Backend: c.Backend, Database: c.Database}
}

func (c *CheckpointConfig) databaseRef() string {
	s := c.Store()
	return s.databaseRef()
}

// TelemetryConfig configures token usage tracking.
type TelemetryConfig struct {
	// Enabled turns token tracking on. Default: true
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Database holds the llm_token_usage table. Empty disables the SQL
	// path; records then go straight to the fallback container.
	Database string `yaml:"database,omitempty" json:"database,omitempty"`

	// FallbackContainer is the audit container used when the SQL write
	// fails. Default: token-usage
	FallbackContainer string `yaml:"fallback_container,omitempty" json:"fallback_container,omitempty"`
}

// SetDefaults applies default values.
func (c *TelemetryConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.Database == "" {
		c.Database = DefaultDatabaseName
	}
	if c.FallbackContainer == "" {
		c.FallbackContainer = "token-usage"
	}
}

// Validate checks the telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	return nil
}

// IsEnabled reports whether token usage is tracked.
func (c *TelemetryConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

func (c *TelemetryConfig) databaseRef() string {
	if !c.IsEnabled() {
		return ""
	}
	return c.Database
}
