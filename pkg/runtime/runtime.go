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

// Package runtime assembles a conductor process from configuration.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/conductor/pkg/audit"
	"github.com/kadirpekel/conductor/pkg/backend"
	"github.com/kadirpekel/conductor/pkg/checkpoint"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/consumer"
	"github.com/kadirpekel/conductor/pkg/dispatch"
	"github.com/kadirpekel/conductor/pkg/instructions"
	"github.com/kadirpekel/conductor/pkg/observability"
	"github.com/kadirpekel/conductor/pkg/orchestrator"
	"github.com/kadirpekel/conductor/pkg/queue"
	"github.com/kadirpekel/conductor/pkg/registry"
	"github.com/kadirpekel/conductor/pkg/scheduler"
	"github.com/kadirpekel/conductor/pkg/server"
	"github.com/kadirpekel/conductor/pkg/telemetry"
	"github.com/kadirpekel/conductor/pkg/webhook"
	"github.com/kadirpekel/conductor/pkg/workflow"
)

// Runtime holds every component of a running process.
type Runtime struct {
	config *config.Config
	pool   *config.DBPool

	observability *observability.Manager
	ownsObs       bool

	registry   registry.Store
	steps      checkpoint.StepLog
	transport  queue.Transport
	audit      audit.Store
	tracker    telemetry.Tracker
	gateway    backend.Gateway
	executor   *workflow.Executor
	dispatcher *dispatch.Dispatcher
	engine     *orchestrator.Engine
	recovery   *checkpoint.RecoveryManager
	consumers  *consumer.Consumers
	ingress    *webhook.Ingress
	server     *server.Server
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithGateway replaces the backend selected by config.
func WithGateway(gw backend.Gateway) Option {
	return func(r *Runtime) { r.gateway = gw }
}

// WithObservability uses an initialized observability manager.
func WithObservability(m *observability.Manager) Option {
	return func(r *Runtime) { r.observability = m }
}

// New builds the runtime. Configuration and storage errors fail here;
// queue creation and telemetry setup are best-effort.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (rt *Runtime, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	r := &Runtime{config: cfg, pool: config.NewDBPool()}
	for _, opt := range opts {
		opt(r)
	}

	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	if r.observability == nil {
		r.observability = observability.NewManager(cfg.Observability)
		if err = r.observability.Initialize(ctx); err != nil {
			r.observability = nil
			return nil, fmt.Errorf("observability: %w", err)
		}
		r.ownsObs = true
	}

	if r.registry, err = r.newRegistry(ctx); err != nil {
		return nil, err
	}
	if r.steps, err = r.newStepLog(ctx); err != nil {
		return nil, err
	}
	if r.transport, err = r.newTransport(ctx); err != nil {
		return nil, err
	}
	if r.audit, err = r.newAudit(ctx); err != nil {
		return nil, err
	}
	r.tracker = r.newTracker(ctx, r.audit)

	if r.gateway == nil {
		if r.gateway, err = backend.New(ctx, cfg.Backend); err != nil {
			return nil, err
		}
	}

	ensured := queue.EnsureAll(ctx, r.transport, cfg.Queue.Required)
	slog.Info("Required queues ensured", "ensured", len(ensured), "required", len(cfg.Queue.Required))

	r.executor = workflow.NewExecutor(r.gateway,
		workflow.WithInstructions(instructions.NewFileStore(cfg.Instructions.Dir)),
		workflow.WithTracker(r.tracker))
	r.dispatcher = dispatch.New(r.transport, cfg.Dispatch)

	r.engine, err = orchestrator.New(r.registry, r.steps, r.executor, r.dispatcher,
		orchestrator.WithLease(workerID(), cfg.Checkpoint.Recovery.LeaseTTL))
	if err != nil {
		return nil, err
	}

	r.recovery = checkpoint.NewRecoveryManager(cfg.Checkpoint, r.registry)
	r.recovery.SetResumeCallback(r.engine.Resume)

	r.consumers = consumer.New(r.engine, r.audit)

	if r.ingress, err = webhook.New(cfg.Webhooks, r.transport); err != nil {
		return nil, err
	}

	r.server = server.New(cfg.Name, cfg.Server, r.engine,
		server.WithWebhooks(r.ingress),
		server.WithEvents(r.audit),
		server.WithObservability(r.observability))

	slog.Info("Runtime initialized",
		"registry", cfg.Registry.Backend,
		"queue", cfg.Queue.Backend,
		"backend", cfg.Backend.Type,
		"worker", r.engine.Owner(),
		"webhook_sources", r.ingress.Sources())
	return r, nil
}

// Workers builds one worker pool per configured consumer.
func (r *Runtime) Workers() ([]*queue.Worker, error) {
	queues := make([]string, 0, len(r.config.Queue.Consumers))
	for name := range r.config.Queue.Consumers {
		queues = append(queues, name)
	}
	sort.Strings(queues)

	workers := make([]*queue.Worker, 0, len(queues))
	for _, name := range queues {
		h, err := r.consumers.Handler(r.config.Queue.Consumers[name])
		if err != nil {
			return nil, fmt.Errorf("queue %s: %w", name, err)
		}
		workers = append(workers, queue.NewWorker(r.transport, queue.WorkerConfig{
			Queue:        name,
			Concurrency:  r.config.Queue.Workers,
			PollInterval: r.config.Queue.PollInterval,
		}, h))
	}
	return workers, nil
}

// Run serves HTTP, consumes queues, recovers orphaned instances and runs
// timers until ctx is cancelled. In-flight runs are drained before Run
// returns.
func (r *Runtime) Run(ctx context.Context) error {
	workers, err := r.Workers()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.recovery.Run(gctx) })

	g.Go(func() error { return r.server.Start(gctx) })

	for _, w := range workers {
		g.Go(func() error { return w.Run(gctx) })
	}

	if r.config.Scheduler.IsEnabled() {
		ping, err := scheduler.NewHealthPing(r.config.Scheduler.HealthPingInterval)
		if err != nil {
			return err
		}
		g.Go(func() error { return ping.Run(gctx) })
	}

	runErr := g.Wait()
	r.drain()
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// drain waits for in-flight runs, bounded by the shutdown timeout.
func (r *Runtime) drain() {
	done := make(chan struct{})
	go func() {
		r.engine.Wait()
		close(done)
	}()

	timeout := r.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("Timed out waiting for in-flight orchestrations; they resume on next start")
	}
}

// Close releases the transport, database connections and, when the runtime
// created it, the observability manager.
func (r *Runtime) Close() error {
	var errs []error
	if r.observability != nil && r.ownsObs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, r.observability.Shutdown(ctx))
		cancel()
	}
	if r.transport != nil {
		errs = append(errs, r.transport.Close())
	}
	if r.pool != nil {
		errs = append(errs, r.pool.Close())
	}
	return errors.Join(errs...)
}

func (r *Runtime) Config() *config.Config               { return r.config }
func (r *Runtime) Engine() *orchestrator.Engine         { return r.engine }
func (r *Runtime) Dispatcher() *dispatch.Dispatcher     { return r.dispatcher }
func (r *Runtime) Transport() queue.Transport           { return r.transport }
func (r *Runtime) Registry() registry.Store             { return r.registry }
func (r *Runtime) Audit() audit.Store                   { return r.audit }
func (r *Runtime) Server() *server.Server               { return r.server }
func (r *Runtime) Recovery() *checkpoint.RecoveryManager { return r.recovery }

// workerID names this process as a lease owner: the host name plus a
// random suffix, so restarts on the same host never reuse an owner.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "conductor"
	}
	return host + "-" + uuid.NewString()[:8]
}
