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

const (
	DefaultSamplingRate = 1.0
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
	DefaultNamespace    = "conductor"

	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"

	// InstrumentationName is the tracer and meter name used by conductor packages.
	InstrumentationName = "github.com/kadirpekel/conductor"
)

// Span names.
const (
	SpanHTTPRequest   = "http.request"
	SpanOrchestration = "orchestration.run"
	SpanStep          = "orchestration.step"
	SpanAgentExecute  = "agent.execute"
	SpanBackendCall   = "backend.call"
	SpanDispatch      = "dispatch.send"
	SpanQueueHandle   = "queue.handle"
)

// Attribute keys.
const (
	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"

	AttrInstanceID = "conductor.instance_id"
	AttrStepName   = "conductor.step.name"
	AttrStepIndex  = "conductor.step.index"
	AttrReplayed   = "conductor.step.replayed"
	AttrAgentType  = "conductor.agent_type"
	AttrModel      = "conductor.model"
	AttrQueue      = "conductor.queue"
	AttrAttempts   = "conductor.attempts"
	AttrStatus     = "conductor.status"

	AttrErrorType = "error.type"
)
