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

// Package scheduler runs periodic timers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// HealthPing is the name of the built-in health ping timer.
const HealthPing = "health_ping"

// Tick describes one timer firing.
type Tick struct {
	Name    string
	At      time.Time
	PastDue bool
}

// Job runs on every tick.
type Job func(ctx context.Context, tick Tick)

// Timer fires Job every Interval.
type Timer struct {
	name     string
	interval time.Duration
	job      Job
	now      func() time.Time

	last time.Time
}

// NewTimer creates a timer.
func NewTimer(name string, interval time.Duration, job Job) (*Timer, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("timer %s: interval must be positive", name)
	}
	if job == nil {
		return nil, fmt.Errorf("timer %s: job is required", name)
	}
	return &Timer{name: name, interval: interval, job: job, now: time.Now}, nil
}

// NewHealthPing creates the health ping timer.
func NewHealthPing(interval time.Duration) (*Timer, error) {
	return NewTimer(HealthPing, interval, HealthPingJob)
}

// HealthPingJob logs that the timer fired, and warns when it ran late.
func HealthPingJob(_ context.Context, tick Tick) {
	if tick.PastDue {
		slog.Warn("Health ping timer is past due")
	}
	slog.Info("Health ping timer fired")
}

// Run fires the job until ctx is cancelled. The first tick comes one
// interval after Run starts.
func (t *Timer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.last = t.now()
	slog.Debug("Timer started", "timer", t.name, "interval", t.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Timer stopped", "timer", t.name)
			return nil
		case <-ticker.C:
			t.fire(ctx, t.now())
		}
	}
}

// fire runs the job for a tick at now. A tick is past due when it comes
// more than one interval later than scheduled.
func (t *Timer) fire(ctx context.Context, now time.Time) {
	tick := Tick{Name: t.name, At: now}
	if !t.last.IsZero() && now.Sub(t.last) > 2*t.interval {
		tick.PastDue = true
	}
	t.last = now

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Timer job panicked", "timer", t.name, "panic", r)
		}
	}()
	t.job(ctx, tick)
}
