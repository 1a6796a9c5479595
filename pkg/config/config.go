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

// Package config loads and validates conductor configuration.
//
// Configuration is YAML (or JSON) read through a provider.Provider, with
// ${VAR:-default} expansion and environment overrides applied before
// defaults and validation.
package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kadirpekel/conductor/pkg/observability"
)

// DefaultDatabaseName is the database used by stores that do not name one.
const DefaultDatabaseName = "default"

// DefaultAppName is reported by the health endpoint when name is unset.
const DefaultAppName = "conductor"

// Store backends.
const (
	StoreSQL    = "sql"
	StoreMemory = "memory"
)

// Config is the root configuration.
type Config struct {
	// Name identifies this deployment in health responses and telemetry.
	Name string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"title=Name,default=conductor"`

	Logger LoggerConfig `yaml:"logger,omitempty" json:"logger,omitempty"`
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty"`

	// Databases are named SQL connections referenced by the stores below.
	Databases map[string]*DatabaseConfig `yaml:"databases,omitempty" json:"databases,omitempty"`

	Registry     StoreConfig        `yaml:"registry,omitempty" json:"registry,omitempty"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint,omitempty" json:"checkpoint,omitempty"`
	Queue        QueueConfig        `yaml:"queue,omitempty" json:"queue,omitempty"`
	Dispatch     DispatchConfig     `yaml:"dispatch,omitempty" json:"dispatch,omitempty"`
	Backend      BackendConfig      `yaml:"backend,omitempty" json:"backend,omitempty"`
	Instructions InstructionsConfig `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Telemetry    TelemetryConfig    `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
	Audit        StoreConfig        `yaml:"audit,omitempty" json:"audit,omitempty"`
	Webhooks     WebhooksConfig     `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
	Scheduler    SchedulerConfig    `yaml:"scheduler,omitempty" json:"scheduler,omitempty"`

	Observability observability.Config `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = DefaultAppName
	}
	if c.Databases == nil {
		c.Databases = make(map[string]*DatabaseConfig)
	}
	if _, ok := c.Databases[DefaultDatabaseName]; !ok {
		c.Databases[DefaultDatabaseName] = &DatabaseConfig{
			Driver:   DialectSQLite,
			Database: ".conductor/conductor.db",
		}
	}
	for _, db := range c.Databases {
		if db != nil {
			db.SetDefaults()
		}
	}

	c.Logger.SetDefaults()
	c.Server.SetDefaults()
	c.Registry.SetDefaults()
	c.Checkpoint.SetDefaults()
	c.Queue.SetDefaults()
	c.Dispatch.SetDefaults()
	c.Backend.SetDefaults()
	c.Instructions.SetDefaults()
	c.Telemetry.SetDefaults()
	c.Audit.SetDefaults()
	c.Webhooks.SetDefaults()
	c.Scheduler.SetDefaults()
	c.Observability.SetDefaults()
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = c.Name
	}
}

// Validate checks every section and the database references between them.
func (c *Config) Validate() error {
	var errs []error

	for _, name := range sortedKeys(c.Databases) {
		db := c.Databases[name]
		if db == nil {
			errs = append(errs, fmt.Errorf("databases.%s: is empty", name))
			continue
		}
		if err := db.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("databases.%s: %w", name, err))
		}
	}

	check := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}
	check("logger", c.Logger.Validate())
	check("server", c.Server.Validate())
	check("registry", c.Registry.Validate())
	check("checkpoint", c.Checkpoint.Validate())
	check("queue", c.Queue.Validate())
	check("dispatch", c.Dispatch.Validate())
	check("backend", c.Backend.Validate())
	check("telemetry", c.Telemetry.Validate())
	check("audit", c.Audit.Validate())
	check("webhooks", c.Webhooks.Validate())
	check("scheduler", c.Scheduler.Validate())
	check("observability", c.Observability.Validate())

	refs := map[string]string{
		"registry.database":   c.Registry.databaseRef(),
		"checkpoint.database": c.Checkpoint.databaseRef(),
		"queue.database":      c.Queue.databaseRef(),
		"telemetry.database":  c.Telemetry.databaseRef(),
		"audit.database":      c.Audit.databaseRef(),
	}
	for _, field := range sortedKeys(refs) {
		name := refs[field]
		if name == "" {
			continue
		}
		if _, ok := c.Databases[name]; !ok {
			errs = append(errs, fmt.Errorf("%s: database %q is not defined (available: %v)", field, name, sortedKeys(c.Databases)))
		}
	}

	return errors.Join(errs...)
}

// Database returns the named database config.
func (c *Config) Database(name string) (*DatabaseConfig, error) {
	if name == "" {
		name = DefaultDatabaseName
	}
	db, ok := c.Databases[name]
	if !ok || db == nil {
		return nil, fmt.Errorf("database %q is not defined", name)
	}
	return db, nil
}

// StoreConfig selects the backend of a state store.
type StoreConfig struct {
	// Backend is "sql" (shared database) or "memory" (single process).
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=sql,enum=memory,default=sql"`

	// Database names an entry of databases. Default: "default".
	Database string `yaml:"database,omitempty" json:"database,omitempty"`
}

// SetDefaults applies default values.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = StoreSQL
	}
	if c.Backend == StoreSQL && c.Database == "" {
		c.Database = DefaultDatabaseName
	}
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	if c.Backend != StoreSQL && c.Backend != StoreMemory {
		return fmt.Errorf("invalid backend %q (valid: sql, memory)", c.Backend)
	}
	return nil
}

// IsSQL reports whether the store is SQL backed.
func (c *StoreConfig) IsSQL() bool {
	return c.Backend == StoreSQL
}

func (c *StoreConfig) databaseRef() string {
	if !c.IsSQL() {
		return ""
	}
	return c.Database
}

// BoolValue dereferences b, returning def when b is nil.
func BoolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
