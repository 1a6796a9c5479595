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

// Package conductor is an event-driven orchestration service for AI agents.
//
// Events arrive through HTTP webhooks or message queues. Each event starts
// a durable orchestration instance, keyed by event type and id, that runs
// the triage agent and dispatches its routing decision to a downstream
// queue. Instance state and a step log are kept in SQL, so a restarted
// process resumes unfinished instances without repeating completed steps.
//
// # Quick Start
//
//	go install github.com/kadirpekel/conductor/cmd/conductor@latest
//	conductor serve --config conductor.yaml
//
// A minimal configuration:
//
//	backend:
//	  type: azure_openai
//	  endpoint: ${AZURE_OPENAI_ENDPOINT}
//	  api_key: ${AZURE_OPENAI_API_KEY}
//	webhooks:
//	  sources:
//	    github:
//	      handler: triage
//
// Without a config file, defaults and environment variables are used:
// SQLite under .conductor/, the azure_openai backend and the four standard
// queues (webhook-ingest, agent-orchestrator, agent-tasks, agent-results).
//
// # Packages
//
//   - pkg/orchestrator: the durable two-step workflow (triage, dispatch)
//   - pkg/workflow: single agent execution against an AI backend
//   - pkg/backend: Azure OpenAI, OpenAI, Gemini and stub adapters
//   - pkg/queue: SQL and in-memory message queues with worker pools
//   - pkg/dispatch: bounded-retry queue publishing
//   - pkg/registry, pkg/checkpoint: instance state, step log and recovery
//   - pkg/webhook, pkg/server: HTTP ingress and status endpoints
//   - pkg/audit, pkg/telemetry: event log and token usage tracking
//   - pkg/runtime: wiring of all of the above from pkg/config
package conductor
