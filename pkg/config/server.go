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
	"net"
	"strconv"
	"time"
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"default=0.0.0.0"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"minimum=1,maximum=65535,default=8080"`

	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`

	// ShutdownTimeout bounds graceful shutdown, including in-flight runs.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	return nil
}

// Address returns host:port.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SchedulerConfig configures periodic background jobs.
type SchedulerConfig struct {
	// Enabled turns the health ping on. Default: true
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// HealthPingInterval is the period of the health ping. Default: 5m
	HealthPingInterval time.Duration `yaml:"health_ping_interval,omitempty" json:"health_ping_interval,omitempty"`
}

// SetDefaults applies default values.
func (c *SchedulerConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.HealthPingInterval == 0 {
		c.HealthPingInterval = 5 * time.Minute
	}
}

// Validate checks the scheduler configuration.
func (c *SchedulerConfig) Validate() error {
	if c.HealthPingInterval < 0 {
		return fmt.Errorf("health_ping_interval must be non-negative")
	}
	return nil
}

// IsEnabled reports whether the health ping runs.
func (c *SchedulerConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

// InstructionsConfig locates per-agent system prompts.
type InstructionsConfig struct {
	// Dir holds "<agent_type>.system.md" files. Default: ./instructions
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty" jsonschema:"default=./instructions"`
}

// SetDefaults applies default values.
func (c *InstructionsConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = "./instructions"
	}
}
