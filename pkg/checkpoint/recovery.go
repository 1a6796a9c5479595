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

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/registry"
)

// ReasonRecoveryTimeout is recorded on instances too old to resume.
const ReasonRecoveryTimeout = "recovery timeout exceeded"

// ResumeCallback continues an interrupted instance from its step log.
type ResumeCallback func(ctx context.Context, key string) error

// RecoveryStats summarizes one recovery pass.
type RecoveryStats struct {
	Found   int `json:"found"`
	Resumed int `json:"resumed"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// RecoveryManager finds instances left pending or running by a worker that
// went away and resumes them.
//
// Each pass lists unfinished instances and:
//  1. skips instances whose lease is still held by a live worker
//  2. marks instances older than the recovery timeout as failed
//  3. resumes the rest through the resume callback, when auto-resume is on
//
// The resume callback is expected to claim the instance through the
// registry and to return registry.ErrLeaseLost when another worker got
// there first.
type RecoveryManager struct {
	config   config.CheckpointConfig
	registry registry.Store
	now      func() time.Time

	mu             sync.RWMutex
	resumeCallback ResumeCallback
}

// NewRecoveryManager creates a RecoveryManager.
func NewRecoveryManager(cfg config.CheckpointConfig, reg registry.Store) *RecoveryManager {
	cfg.SetDefaults()
	return &RecoveryManager{config: cfg, registry: reg, now: time.Now}
}

// SetResumeCallback sets the callback used to resume instances.
func (m *RecoveryManager) SetResumeCallback(cb ResumeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeCallback = cb
}

// RecoverPending runs one recovery pass. Per-instance failures are logged
// and counted; only a failure to list instances is returned.
func (m *RecoveryManager) RecoverPending(ctx context.Context) (RecoveryStats, error) {
	var stats RecoveryStats
	if !m.config.ShouldAutoResume() {
		slog.Debug("Checkpoint recovery disabled")
		return stats, nil
	}

	records, err := m.registry.List(ctx, registry.StatePending, registry.StateRunning)
	if err != nil {
		return stats, fmt.Errorf("failed to list unfinished instances: %w", err)
	}
	stats.Found = len(records)
	if len(records) == 0 {
		slog.Debug("No unfinished instances to recover")
		return stats, nil
	}

	slog.Info("Found unfinished instances, starting recovery", "count", len(records))

	m.mu.RLock()
	callback := m.resumeCallback
	m.mu.RUnlock()

	for _, rec := range records {
		if rec.Leased(m.now()) {
			slog.Debug("Instance is owned by a live worker, skipping", "instance_id", rec.Key, "owner", rec.Owner)
			stats.Skipped++
			continue
		}

		expired, err := m.recoverInstance(ctx, rec, callback)
		switch {
		case errors.Is(err, registry.ErrLeaseLost):
			slog.Debug("Instance was claimed by another worker", "instance_id", rec.Key)
			stats.Skipped++
		case err != nil:
			slog.Error("Failed to recover instance", "instance_id", rec.Key, "error", err)
			stats.Failed++
		case expired:
			stats.Expired++
		default:
			stats.Resumed++
		}
	}

	slog.Info("Checkpoint recovery completed",
		"resumed", stats.Resumed,
		"expired", stats.Expired,
		"skipped", stats.Skipped,
		"failed", stats.Failed)
	return stats, nil
}

// Run performs a recovery pass immediately and then every recovery
// interval until ctx ends, so instances whose owner dies while this worker
// is up are picked up once their lease expires.
func (m *RecoveryManager) Run(ctx context.Context) error {
	if !m.config.ShouldAutoResume() {
		return nil
	}
	if _, err := m.RecoverPending(ctx); err != nil {
		slog.Error("Checkpoint recovery failed", "error", err)
	}

	interval := m.config.Recovery.Interval
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.RecoverPending(ctx); err != nil {
				slog.Error("Checkpoint recovery failed", "error", err)
			}
		}
	}
}

func (m *RecoveryManager) recoverInstance(ctx context.Context, rec *registry.Record, callback ResumeCallback) (bool, error) {
	timeout := m.config.Recovery.Timeout
	if timeout > 0 && m.now().Sub(rec.CreatedAt) > timeout {
		slog.Warn("Instance expired before recovery",
			"instance_id", rec.Key,
			"created_time", rec.CreatedAt,
			"timeout", timeout)

		err := m.registry.Transition(ctx, rec.Key, "", registry.StateFailed, map[string]any{
			"status": "error",
			"reason": ReasonRecoveryTimeout,
		})
		if err != nil && !errors.Is(err, registry.ErrInvalidTransition) {
			return false, err
		}
		return true, nil
	}

	if callback == nil {
		return false, fmt.Errorf("no resume callback configured")
	}

	slog.Info("Resuming instance from checkpoint", "instance_id", rec.Key, "state", rec.State)
	return false, callback(ctx, rec.Key)
}
