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

// Package orchestrator runs the durable triage workflow.
//
// An instance is started at most once per key while it is unfinished. Its
// run executes the triage step and, when the triage result names a
// downstream queue, a dispatch step. Each step result is written to the
// step log before the next step begins, so a resumed run reuses recorded
// results instead of calling the agent or the queue again. Step logs are
// kept per run: restarting a finished key begins a new run with an empty
// log.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/checkpoint"
	"github.com/kadirpekel/conductor/pkg/dispatch"
	"github.com/kadirpekel/conductor/pkg/observability"
	"github.com/kadirpekel/conductor/pkg/registry"
)

// Step names and indexes of the triage workflow.
const (
	StepTriage   = "triage"
	StepDispatch = "dispatch"

	stepTriageIndex   = 0
	stepDispatchIndex = 1
)

// Result status values.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// StartStatus is the outcome of Start.
type StartStatus string

const (
	Started        StartStatus = "started"
	AlreadyRunning StartStatus = "already_running"
)

// StartResult is returned by Start.
type StartResult struct {
	Status     StartStatus `json:"status"`
	InstanceID string      `json:"instance_id"`
}

// Result is the output of a finished run.
type Result struct {
	Status       string         `json:"status"`
	EventType    string         `json:"event_type,omitempty"`
	TriageResult map[string]any `json:"triage_result,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// ToMap returns the stored form of the result.
func (r Result) ToMap() map[string]any {
	if r.Status == StatusError {
		return map[string]any{"status": r.Status, "reason": r.Reason}
	}
	return map[string]any{
		"status":        r.Status,
		"event_type":    r.EventType,
		"triage_result": r.TriageResult,
	}
}

// Status is the externally visible state of an instance.
type Status struct {
	InstanceID      string         `json:"instance_id"`
	RuntimeStatus   string         `json:"runtime_status"`
	Output          map[string]any `json:"output"`
	CreatedTime     time.Time      `json:"created_time"`
	LastUpdatedTime time.Time      `json:"last_updated_time"`
}

// StepExecutor runs one agent step.
type StepExecutor interface {
	Execute(ctx context.Context, agentType string, payload map[string]any) *agent.Response
}

// Dispatcher delivers a routed payload to a queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, queue string, payload map[string]any) dispatch.Result
}

// DefaultLeaseTTL is the ownership lease of a run unless WithLease sets one.
const DefaultLeaseTTL = 30 * time.Second

// Engine starts, runs and resumes instances.
//
// Every run is owned by one engine through a registry lease. The lease is
// renewed while the run is live, checked before and after each step that
// is not replayed, and every state transition is fenced by it. A run that
// loses its lease stops without writing anything further; the new owner
// resumes it from the step log.
type Engine struct {
	registry   registry.Store
	steps      checkpoint.StepLog
	executor   StepExecutor
	dispatcher Dispatcher

	owner    string
	leaseTTL time.Duration

	mu     sync.Mutex
	active map[string]string // key -> run id launched by this engine

	wg sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLease sets the owner id recorded on runs of this engine and the
// lease TTL. Owners must be unique across workers sharing a registry.
func WithLease(owner string, ttl time.Duration) Option {
	return func(e *Engine) {
		if owner != "" {
			e.owner = owner
		}
		if ttl > 0 {
			e.leaseTTL = ttl
		}
	}
}

// New creates an Engine.
func New(reg registry.Store, steps checkpoint.StepLog, executor StepExecutor, dispatcher Dispatcher, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, fmt.Errorf("instance registry is required")
	}
	if steps == nil {
		return nil, fmt.Errorf("step log is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("step executor is required")
	}
	e := &Engine{
		registry:   reg,
		steps:      steps,
		executor:   executor,
		dispatcher: dispatcher,
		owner:      uuid.NewString(),
		leaseTTL:   DefaultLeaseTTL,
		active:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Owner returns the lease owner id of this engine.
func (e *Engine) Owner() string {
	return e.owner
}

func (e *Engine) lease() registry.Lease {
	return registry.Lease{Owner: e.owner, TTL: e.leaseTTL}
}

// Start starts an instance for key unless one is already unfinished.
// The run continues in the background after Start returns and outlives
// the cancellation of ctx; use Wait to drain it.
func (e *Engine) Start(ctx context.Context, key string, req Request) (StartResult, error) {
	rec, won, err := e.registry.TryStart(ctx, key, req.Input, e.lease())
	if err != nil {
		return StartResult{}, fmt.Errorf("failed to start instance %s: %w", key, err)
	}
	if !won {
		slog.Warn("Orchestration already running, skipping", "instance_id", key)
		observability.GlobalMetrics().RecordOrchestration(ctx, string(AlreadyRunning))
		return StartResult{Status: AlreadyRunning, InstanceID: key}, nil
	}

	// Steps of earlier runs are unreachable under the new run id.
	if err := e.steps.Prune(ctx, key, rec.RunID); err != nil {
		slog.Warn("Failed to prune step log", "instance_id", key, "error", err)
	}

	slog.Info("Started orchestration", "instance_id", key, "run_id", rec.RunID)
	observability.GlobalMetrics().RecordOrchestration(ctx, string(Started))
	e.launch(ctx, rec, req)
	return StartResult{Status: Started, InstanceID: key}, nil
}

// Resume continues an unfinished instance from its step log. Terminal
// instances are left alone. The instance is claimed first; when another
// live worker owns it Resume returns an error wrapping
// registry.ErrLeaseLost and launches nothing.
func (e *Engine) Resume(ctx context.Context, key string) error {
	rec, claimed, err := e.registry.Claim(ctx, key, e.lease())
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		slog.Debug("Instance already finished, nothing to resume", "instance_id", key, "state", rec.State)
		return nil
	}
	if !claimed {
		return fmt.Errorf("instance %s is owned by %s: %w", key, rec.Owner, registry.ErrLeaseLost)
	}
	if e.running(key, rec.RunID) {
		slog.Debug("Instance already running in this worker", "instance_id", key)
		return nil
	}
	slog.Info("Claimed instance", "instance_id", key, "run_id", rec.RunID, "owner", e.owner)
	e.launch(ctx, rec, NewRequest(rec.Input))
	return nil
}

func (e *Engine) running(key, runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[key] == runID
}

func (e *Engine) launch(ctx context.Context, rec *registry.Record, req Request) {
	key, runID := rec.Key, rec.RunID
	e.mu.Lock()
	e.active[key] = runID
	e.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			if e.active[key] == runID {
				delete(e.active, key)
			}
			e.mu.Unlock()
		}()
		e.run(runCtx, key, runID, req)
	}()
}

// Wait blocks until every launched run has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// run executes one run of key synchronously and records its outcome.
func (e *Engine) run(ctx context.Context, key, runID string, req Request) (res Result) {
	ctx, span := observability.StartSpan(ctx, observability.SpanOrchestration,
		attribute.String(observability.AttrInstanceID, key))
	defer func() {
		span.SetAttributes(attribute.String(observability.AttrStatus, res.Status))
		var err error
		if res.Status == StatusError {
			err = errors.New(res.Reason)
		}
		observability.EndSpan(span, err)
		observability.GlobalMetrics().RecordOrchestration(ctx, res.Status)
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go e.heartbeat(ctx, cancel, key, runID)

	if err := e.markRunning(ctx, key); err != nil {
		return e.abort(ctx, key, err)
	}

	recorded, err := e.steps.Load(ctx, key, runID)
	if err != nil {
		return e.fail(ctx, key, fmt.Sprintf("failed to load step log: %v", err))
	}

	triage, err := e.step(ctx, key, runID, recorded, stepTriageIndex, StepTriage, func(ctx context.Context) (map[string]any, error) {
		resp := e.executor.Execute(ctx, agent.TriageAgent, req.Input)
		if resp == nil {
			resp = agent.ErrorResponse(agent.TriageAgent, "no response from agent: "+agent.TriageAgent)
		}
		return resp.ToMap()
	})
	if err != nil {
		return e.abort(ctx, key, err)
	}

	resp, err := decodeResponse(triage)
	if err != nil {
		return e.fail(ctx, key, err.Error())
	}
	if resp.IsError() {
		slog.Warn("Triage failed", "instance_id", key, "reason", resp.Reason)
		return e.fail(ctx, key, resp.Reason)
	}

	if action := resp.NextAction; action.IsActionable() {
		_, err := e.step(ctx, key, runID, recorded, stepDispatchIndex, StepDispatch, func(ctx context.Context) (map[string]any, error) {
			r := e.dispatch(ctx, action)
			if !r.OK() {
				slog.Error("Failed to route triage result",
					"instance_id", key,
					"queue", action.TargetQueue,
					"reason", r.Reason)
			}
			return toMap(r)
		})
		if err != nil {
			return e.abort(ctx, key, err)
		}
	}

	res = Result{Status: StatusCompleted, EventType: req.EventType(), TriageResult: triage}
	if err := e.registry.Transition(ctx, key, e.owner, registry.StateCompleted, res.ToMap()); err != nil {
		slog.Error("Failed to record completion", "instance_id", key, "error", err)
		return Result{Status: StatusError, Reason: err.Error()}
	}
	slog.Info("Orchestration completed", "instance_id", key, "event_type", res.EventType)
	return res
}

// heartbeat renews the lease of a live run and cancels it with
// registry.ErrLeaseLost once the lease is taken over or the run is reset.
func (e *Engine) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, key, runID string) {
	ticker := time.NewTicker(max(e.leaseTTL/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := e.registry.Renew(ctx, key, runID, e.lease())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Failed to renew lease", "instance_id", key, "error", err)
				continue
			}
			if !ok {
				cancel(fmt.Errorf("lease of %s expired: %w", key, registry.ErrLeaseLost))
				return
			}
		}
	}
}

// checkLease confirms this engine still owns runID of key, extending the
// lease as a side effect.
func (e *Engine) checkLease(ctx context.Context, key, runID string) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	ok, err := e.registry.Renew(ctx, key, runID, e.lease())
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if !ok {
		return fmt.Errorf("lease of %s expired: %w", key, registry.ErrLeaseLost)
	}
	return nil
}

// abort ends a run on err. A run that lost its lease writes nothing; the
// new owner decides the outcome.
func (e *Engine) abort(ctx context.Context, key string, err error) Result {
	if errors.Is(err, registry.ErrLeaseLost) {
		slog.Warn("Lost ownership of instance, abandoning run", "instance_id", key, "owner", e.owner, "error", err)
		return Result{Status: StatusError, Reason: err.Error()}
	}
	return e.fail(ctx, key, err.Error())
}

func (e *Engine) dispatch(ctx context.Context, action *agent.NextAction) dispatch.Result {
	if e.dispatcher == nil {
		return dispatch.Result{Status: dispatch.StatusError, Queue: action.TargetQueue, Reason: "queue transport not configured"}
	}
	return e.dispatcher.Dispatch(ctx, action.TargetQueue, action.Payload)
}

// markRunning moves a pending instance to running. A resumed instance may
// already be running.
func (e *Engine) markRunning(ctx context.Context, key string) error {
	err := e.registry.Transition(ctx, key, e.owner, registry.StateRunning, nil)
	if err == nil || !errors.Is(err, registry.ErrInvalidTransition) {
		return err
	}
	rec, getErr := e.registry.Get(ctx, key)
	if getErr != nil {
		return getErr
	}
	if rec.State != registry.StateRunning {
		return fmt.Errorf("instance %s is %s: %w", key, rec.State, err)
	}
	if rec.Owner != e.owner {
		return fmt.Errorf("instance %s is owned by %s: %w", key, rec.Owner, registry.ErrLeaseLost)
	}
	return nil
}

// step returns the recorded result of index, or runs fn and records its
// result before returning it. The lease is checked on both sides of fn so
// a run that lost ownership neither starts nor records a step.
func (e *Engine) step(ctx context.Context, key, runID string, recorded []checkpoint.Step, index int, name string, fn func(context.Context) (map[string]any, error)) (result map[string]any, err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanStep,
		attribute.String(observability.AttrInstanceID, key),
		attribute.String(observability.AttrStepName, name),
		attribute.Int(observability.AttrStepIndex, index))
	defer func() { observability.EndSpan(span, err) }()

	if prior, ok := checkpoint.Lookup(recorded, index); ok {
		span.SetAttributes(attribute.Bool(observability.AttrReplayed, true))
		observability.GlobalMetrics().RecordStepReplayed(ctx, name)
		slog.Info("Replaying recorded step", "instance_id", key, "step", name)
		return prior.Result, nil
	}

	if err := e.checkLease(ctx, key, runID); err != nil {
		return nil, err
	}
	result, err = fn(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.checkLease(ctx, key, runID); err != nil {
		return nil, err
	}

	stored, err := e.steps.Record(ctx, key, runID, index, name, result)
	if err != nil {
		return nil, fmt.Errorf("failed to record step %s: %w", name, err)
	}
	if !stored {
		// Another run recorded this step first; its result wins.
		steps, err := e.steps.Load(ctx, key, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload step %s: %w", name, err)
		}
		if prior, ok := checkpoint.Lookup(steps, index); ok {
			return prior.Result, nil
		}
	}
	return result, nil
}

func (e *Engine) fail(ctx context.Context, key, reason string) Result {
	res := Result{Status: StatusError, Reason: reason}
	if err := e.registry.Transition(ctx, key, e.owner, registry.StateFailed, res.ToMap()); err != nil {
		slog.Error("Failed to record failure", "instance_id", key, "error", err)
	}
	return res
}

// Status returns the state of key. It returns registry.ErrNotFound for
// keys that were never started.
func (e *Engine) Status(ctx context.Context, key string) (*Status, error) {
	rec, err := e.registry.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Status{
		InstanceID:      rec.Key,
		RuntimeStatus:   rec.State.RuntimeStatus(),
		Output:          rec.Output,
		CreatedTime:     rec.CreatedAt,
		LastUpdatedTime: rec.UpdatedAt,
	}, nil
}

func decodeResponse(m map[string]any) (*agent.Response, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode triage result: %w", err)
	}
	var resp agent.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode triage result: %w", err)
	}
	return &resp, nil
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
