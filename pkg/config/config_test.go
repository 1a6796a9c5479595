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
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearOverrides(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_NAME", "AI_BACKEND", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_API_KEY",
		"AZURE_OPENAI_DEPLOYMENT", "AZURE_OPENAI_API_VERSION", "OPENAI_API_KEY", "GEMINI_API_KEY",
		"DB_DRIVER", "DB_SERVER", "DB_PORT", "DB_DATABASE", "DB_USERNAME", "DB_PASSWORD",
		"QUEUE_DATABASE", "INSTRUCTIONS_DIR",
	} {
		t.Setenv(key, "")
	}
}

func TestDefault(t *testing.T) {
	clearOverrides(t)

	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, DefaultAppName, cfg.Name)
	assert.Equal(t, BackendAzureOpenAI, cfg.Backend.Type)
	assert.Equal(t, StoreSQL, cfg.Registry.Backend)
	assert.Equal(t, DefaultDatabaseName, cfg.Registry.Database)
	assert.Equal(t, DialectSQLite, cfg.Databases[DefaultDatabaseName].Driver)

	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.PollInterval)
	assert.Equal(t, 10, cfg.Queue.MaxDeliveries)
	assert.ElementsMatch(t, RequiredQueues, cfg.Queue.Required)
	assert.Equal(t, ConsumerOrchestrate, cfg.Queue.Consumers[QueueWebhookIngest])
	assert.Equal(t, ConsumerTask, cfg.Queue.Consumers[QueueAgentTasks])
	assert.Equal(t, ConsumerResult, cfg.Queue.Consumers[QueueAgentResults])

	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}, cfg.Dispatch.Delays)

	assert.True(t, cfg.Checkpoint.ShouldAutoResume())
	assert.Equal(t, time.Hour, cfg.Checkpoint.Recovery.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Checkpoint.Recovery.LeaseTTL)
	assert.Equal(t, time.Minute, cfg.Checkpoint.Recovery.Interval)
	assert.True(t, cfg.Scheduler.IsEnabled())
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.HealthPingInterval)
	assert.True(t, cfg.Telemetry.IsEnabled())
	assert.Equal(t, "token-usage", cfg.Telemetry.FallbackContainer)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address())
	assert.Equal(t, cfg.Name, cfg.Observability.Tracing.ServiceName)
}

func TestParse_ExpandsEnvAndDecodesDurations(t *testing.T) {
	clearOverrides(t)
	t.Setenv("TEST_ENDPOINT", "https://example.openai.azure.com")

	cfg, err := Parse([]byte(`
name: orders
backend:
  type: Azure_OpenAI
  endpoint: ${TEST_ENDPOINT}
  deployment: ${TEST_DEPLOYMENT:-gpt-4o-mini}
queue:
  backend: memory
  poll_interval: 250ms
  lock_duration: 1m
dispatch:
  max_attempts: 5
  delays: [1s, 3s]
checkpoint:
  recovery:
    auto_resume: false
    timeout: 30m
webhooks:
  sources:
    GitHub:
      handler: triage
      event_type: push
    stripe: {}
`))
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.Name)
	assert.Equal(t, BackendAzureOpenAI, cfg.Backend.Type)
	assert.Equal(t, "https://example.openai.azure.com", cfg.Backend.Endpoint)
	assert.Equal(t, "gpt-4o-mini", cfg.Backend.Deployment)

	assert.Equal(t, StoreMemory, cfg.Queue.Backend)
	assert.Empty(t, cfg.Queue.Database)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.PollInterval)
	assert.Equal(t, time.Minute, cfg.Queue.LockDuration)

	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, cfg.Dispatch.Delays)

	assert.False(t, cfg.Checkpoint.ShouldAutoResume())
	assert.Equal(t, 30*time.Minute, cfg.Checkpoint.Recovery.Timeout)

	require.Contains(t, cfg.Webhooks.Sources, "github")
	assert.Equal(t, WebhookTriage, cfg.Webhooks.Sources["github"].Handler)
	assert.Equal(t, "push", cfg.Webhooks.Sources["github"].EventType)
	assert.Equal(t, QueueWebhookIngest, cfg.Webhooks.Sources["github"].Queue)
	assert.Equal(t, WebhookPassthrough, cfg.Webhooks.Sources["stripe"].Handler)
}

func TestParse_JSON(t *testing.T) {
	clearOverrides(t)
	cfg, err := Parse([]byte(`{"name":"json-app","server":{"port":9090}}`))
	require.NoError(t, err)
	assert.Equal(t, "json-app", cfg.Name)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestParse_ValidationErrors(t *testing.T) {
	clearOverrides(t)

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown database ref", "registry:\n  database: missing\n", `registry.database: database "missing" is not defined`},
		{"bad store backend", "audit:\n  backend: cosmos\n", "audit: invalid backend"},
		{"bad consumer kind", "queue:\n  consumers:\n    x: bogus\n", "consumers.x: invalid kind"},
		{"bad webhook handler", "webhooks:\n  sources:\n    gh:\n      handler: magic\n", "sources.gh: invalid handler"},
		{"postgres without host", "databases:\n  pg:\n    driver: postgres\n    database: app\n", "host is required"},
		{"bad log level", "logger:\n  level: loud\n", "invalid log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	clearOverrides(t)
	t.Setenv("APP_NAME", "from-env")
	t.Setenv("AI_BACKEND", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DB_SERVER", "db.internal")
	t.Setenv("DB_DATABASE", "conductor")
	t.Setenv("DB_USERNAME", "svc")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("INSTRUCTIONS_DIR", "/etc/conductor/instructions")

	cfg, err := Parse([]byte("name: from-file\n"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Name)
	assert.Equal(t, BackendOpenAI, cfg.Backend.Type)
	assert.Equal(t, "sk-test", cfg.Backend.APIKey)
	assert.Equal(t, "https://api.openai.com/v1", cfg.Backend.Endpoint)
	assert.Equal(t, "/etc/conductor/instructions", cfg.Instructions.Dir)

	db := cfg.Databases[DefaultDatabaseName]
	require.NotNil(t, db)
	assert.Equal(t, DialectPostgres, db.Driver)
	assert.Equal(t, 6543, db.Port)
	assert.Equal(t, "host=db.internal port=6543 dbname=conductor user=svc sslmode=disable", db.DSN())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	mysql := &DatabaseConfig{Driver: DialectMySQL, Host: "h", Database: "d", Username: "u", Password: "p"}
	mysql.SetDefaults()
	assert.Equal(t, "u:p@tcp(h:3306)/d?parseTime=true", mysql.DSN())
	assert.Equal(t, DialectMySQL, mysql.DriverName())

	lite := &DatabaseConfig{Driver: "sqlite3", Database: "x.db"}
	assert.Equal(t, DialectSQLite, lite.Dialect())
	assert.Equal(t, "x.db", lite.DSN())
}

func TestRebind(t *testing.T) {
	q := "UPDATE t SET a = ? WHERE b = ? AND c = ?"
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2 AND c = $3", Rebind(DialectPostgres, q))
	assert.Equal(t, q, Rebind(DialectMySQL, q))
	assert.Equal(t, q, Rebind(DialectSQLite, q))
}

func TestNormalizeDialect(t *testing.T) {
	d, err := NormalizeDialect("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, DialectSQLite, d)

	_, err = NormalizeDialect("oracle")
	assert.Error(t, err)
}

func TestDBPool_SharesConnections(t *testing.T) {
	pool := NewDBPool()
	t.Cleanup(func() { _ = pool.Close() })

	cfg := &DatabaseConfig{Driver: DialectSQLite, Database: filepath.Join(t.TempDir(), "nested", "app.db")}
	a, err := pool.Get(context.Background(), cfg)
	require.NoError(t, err)
	b, err := pool.Get(context.Background(), cfg)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, a.Stats().MaxOpenConnections)

	_, err = pool.Get(context.Background(), nil)
	assert.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	clearOverrides(t)
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-disk\nserver:\n  port: 9000\n"), 0o644))

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Close() })
	assert.Equal(t, "from-disk", cfg.Name)
	assert.Equal(t, 9000, cfg.Server.Port)

	_, _, err = LoadConfigFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	clearOverrides(t)
	_, err := Parse([]byte("queue:\n  wrokers: 8\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrokers")
}

func TestDiff(t *testing.T) {
	clearOverrides(t)
	a, err := Parse([]byte("name: one\n"))
	require.NoError(t, err)
	b, err := Parse([]byte("name: one\nqueue:\n  workers: 8\nserver:\n  port: 9000\n"))
	require.NoError(t, err)

	assert.Empty(t, Diff(a, a))
	assert.Equal(t, []string{"server", "queue"}, Diff(a, b))
	assert.Contains(t, Diff(nil, b), "name")
	assert.Nil(t, Diff(a, nil))
}

func TestLoader_WatchReloads(t *testing.T) {
	clearOverrides(t)
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: one\n"), 0o644))

	changes := make(chan []string, 4)
	cfg, loader, err := LoadConfigFile(context.Background(), path, WithOnChange(func(_ *Config, changed []string) {
		changes <- changed
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Close() })
	assert.Same(t, cfg, loader.Current())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loader.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("name: two\n"), 0o644))

	select {
	case changed := <-changes:
		assert.Equal(t, []string{"name"}, changed)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
	assert.Equal(t, "two", loader.Current().Name)
}
