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

package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	globalMetrics *Metrics
	metricsMu     sync.RWMutex
)

// Metrics records conductor metrics through OpenTelemetry instruments that
// are exported on a dedicated Prometheus registry.
//
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	agentRuns     metric.Int64Counter
	agentDuration metric.Float64Histogram
	agentTokens   metric.Int64Counter

	dispatches       metric.Int64Counter
	dispatchAttempts metric.Int64Histogram

	orchestrations metric.Int64Counter
	stepsReplayed  metric.Int64Counter

	queueMessages metric.Int64Counter
	webhooks      metric.Int64Counter

	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram
}

// NewMetrics builds the instruments. Returns nil when metrics are disabled.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.IsEnabled() {
		return nil, nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(InstrumentationName)

	m := &Metrics{registry: registry, provider: provider}

	if m.agentRuns, err = meter.Int64Counter("agent_runs",
		metric.WithDescription("Agent executions by agent type and status")); err != nil {
		return nil, fmt.Errorf("failed to create agent runs counter: %w", err)
	}
	if m.agentDuration, err = meter.Float64Histogram("agent_duration_seconds",
		metric.WithDescription("Agent execution duration in seconds")); err != nil {
		return nil, fmt.Errorf("failed to create agent duration histogram: %w", err)
	}
	if m.agentTokens, err = meter.Int64Counter("agent_tokens",
		metric.WithDescription("Tokens consumed by agent executions")); err != nil {
		return nil, fmt.Errorf("failed to create agent tokens counter: %w", err)
	}
	if m.dispatches, err = meter.Int64Counter("dispatches",
		metric.WithDescription("Queue dispatches by queue and status")); err != nil {
		return nil, fmt.Errorf("failed to create dispatches counter: %w", err)
	}
	if m.dispatchAttempts, err = meter.Int64Histogram("dispatch_attempts",
		metric.WithDescription("Attempts needed per dispatch")); err != nil {
		return nil, fmt.Errorf("failed to create dispatch attempts histogram: %w", err)
	}
	if m.orchestrations, err = meter.Int64Counter("orchestrations",
		metric.WithDescription("Orchestration starts and completions by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create orchestrations counter: %w", err)
	}
	if m.stepsReplayed, err = meter.Int64Counter("steps_replayed",
		metric.WithDescription("Workflow steps served from the step log")); err != nil {
		return nil, fmt.Errorf("failed to create steps replayed counter: %w", err)
	}
	if m.queueMessages, err = meter.Int64Counter("queue_messages",
		metric.WithDescription("Queue messages handled by queue and outcome")); err != nil {
		return nil, fmt.Errorf("failed to create queue messages counter: %w", err)
	}
	if m.webhooks, err = meter.Int64Counter("webhooks",
		metric.WithDescription("Webhook requests by source and status")); err != nil {
		return nil, fmt.Errorf("failed to create webhooks counter: %w", err)
	}
	if m.httpRequests, err = meter.Int64Counter("http_requests",
		metric.WithDescription("HTTP requests by method and status")); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}
	if m.httpDuration, err = meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds")); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	return m, nil
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordAgentRun records one executor call.
func (m *Metrics) RecordAgentRun(ctx context.Context, agentType, status string, duration time.Duration, tokens int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent_type", agentType),
		attribute.String("status", status),
	)
	m.agentRuns.Add(ctx, 1, attrs)
	m.agentDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("agent_type", agentType)))
	if tokens > 0 {
		m.agentTokens.Add(ctx, int64(tokens), metric.WithAttributes(attribute.String("agent_type", agentType)))
	}
}

// RecordDispatch records one dispatcher call.
func (m *Metrics) RecordDispatch(ctx context.Context, queue, status string, attempts int) {
	if m == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("status", status),
	))
	m.dispatchAttempts.Record(ctx, int64(attempts), metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordOrchestration records an engine outcome
// (started, already_running, completed, failed, recovered).
func (m *Metrics) RecordOrchestration(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.orchestrations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordStepReplayed records a step result reused from the step log.
func (m *Metrics) RecordStepReplayed(ctx context.Context, step string) {
	if m == nil {
		return
	}
	m.stepsReplayed.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}

// RecordQueueMessage records a consumed message (completed, abandoned).
func (m *Metrics) RecordQueueMessage(ctx context.Context, queue, outcome string) {
	if m == nil {
		return
	}
	m.queueMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}

// RecordWebhook records an inbound webhook.
func (m *Metrics) RecordWebhook(ctx context.Context, source, status string) {
	if m == nil {
		return
	}
	m.webhooks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("status", status),
	))
}

// RecordHTTPRequest records a served HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(status)),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
}

// SetGlobalMetrics installs m as the process-wide metrics.
func SetGlobalMetrics(m *Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GlobalMetrics returns the process-wide metrics, possibly nil.
func GlobalMetrics() *Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
