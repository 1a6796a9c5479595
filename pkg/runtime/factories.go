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

package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/conductor/pkg/audit"
	"github.com/kadirpekel/conductor/pkg/checkpoint"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/queue"
	"github.com/kadirpekel/conductor/pkg/registry"
	"github.com/kadirpekel/conductor/pkg/telemetry"
)

// openStore returns the pooled connection and dialect of an SQL store.
func (r *Runtime) openStore(ctx context.Context, store config.StoreConfig) (*sql.DB, string, error) {
	dbCfg, err := r.config.Database(store.Database)
	if err != nil {
		return nil, "", err
	}
	db, err := r.pool.Get(ctx, dbCfg)
	if err != nil {
		return nil, "", fmt.Errorf("database %s: %w", store.Database, err)
	}
	return db, dbCfg.Dialect(), nil
}

// newRegistry creates the instance registry selected by config.
func (r *Runtime) newRegistry(ctx context.Context) (registry.Store, error) {
	if !r.config.Registry.IsSQL() {
		slog.Warn("Instance registry is in memory; instances do not survive restarts")
		return registry.NewMemoryStore(), nil
	}
	db, dialect, err := r.openStore(ctx, r.config.Registry)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return registry.NewSQLStore(ctx, db, dialect)
}

func (r *Runtime) newStepLog(ctx context.Context) (checkpoint.StepLog, error) {
	store := r.config.Checkpoint.Store()
	if !store.IsSQL() {
		return checkpoint.NewMemoryStorage(), nil
	}
	db, dialect, err := r.openStore(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return checkpoint.NewSQLStorage(ctx, db, dialect)
}

func (r *Runtime) newTransport(ctx context.Context) (queue.Transport, error) {
	opts := queue.Options{
		LockDuration:  r.config.Queue.LockDuration,
		MaxDeliveries: r.config.Queue.MaxDeliveries,
	}
	store := config.StoreConfig{Backend: r.config.Queue.Backend, Database: r.config.Queue.Database}
	if !store.IsSQL() {
		return queue.NewMemoryTransport(opts), nil
	}
	db, dialect, err := r.openStore(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	return queue.NewSQLTransport(ctx, db, dialect, opts)
}

func (r *Runtime) newAudit(ctx context.Context) (audit.Store, error) {
	if !r.config.Audit.IsSQL() {
		return audit.NewMemoryStore(), nil
	}
	db, dialect, err := r.openStore(ctx, r.config.Audit)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return audit.NewSQLStore(ctx, db, dialect)
}

// newTracker never fails: without a usable database every record goes to
// the audit fallback.
func (r *Runtime) newTracker(ctx context.Context, fallback audit.Store) telemetry.Tracker {
	cfg := r.config.Telemetry
	if !cfg.IsEnabled() {
		return telemetry.Noop{}
	}

	var (
		db      *sql.DB
		dialect string
	)
	if cfg.Database != "" {
		var err error
		db, dialect, err = r.openStore(ctx, config.StoreConfig{Backend: config.StoreSQL, Database: cfg.Database})
		if err != nil {
			slog.Warn("Token usage database unavailable, using audit fallback", "error", err)
			db = nil
		}
	}

	tracker, err := telemetry.NewSQLTracker(db, dialect, fallback, telemetry.WithFallbackContainer(cfg.FallbackContainer))
	if err != nil {
		slog.Warn("Token tracking disabled", "error", err)
		return telemetry.Noop{}
	}
	tracker.EnsureSchema(ctx)
	return tracker
}
