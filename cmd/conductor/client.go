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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/dispatch"
	"github.com/kadirpekel/conductor/pkg/httpclient"
	"github.com/kadirpekel/conductor/pkg/queue"
)

// StatusCmd queries a running server for an instance.
type StatusCmd struct {
	InstanceID string        `arg:"" help:"Instance id (e.g. orchestrate-order-42)."`
	Server     string        `help:"Server base URL." default:"http://localhost:8080" env:"CONDUCTOR_URL"`
	Timeout    time.Duration `help:"Request timeout." default:"10s"`
}

func (c *StatusCmd) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	out, err := fetchStatus(ctx, httpclient.New(httpclient.WithMaxRetries(1)), c.Server, c.InstanceID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func fetchStatus(ctx context.Context, client *httpclient.Client, base, id string) (map[string]any, error) {
	endpoint := strings.TrimSuffix(base, "/") + "/tools/status/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unexpected response (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		if msg, ok := out["error"].(string); ok {
			return nil, fmt.Errorf("%s", msg)
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return out, nil
}

// SendCmd publishes a message through the configured queue transport,
// with the same retry policy the orchestrator uses.
type SendCmd struct {
	Queue   string `arg:"" help:"Target queue (e.g. agent-orchestrator)."`
	Payload string `arg:"" help:"JSON object body."`
}

func (c *SendCmd) Run(cli *CLI) error {
	ctx := context.Background()

	var payload map[string]any
	if err := json.Unmarshal([]byte(c.Payload), &payload); err != nil {
		return fmt.Errorf("payload must be a JSON object: %w", err)
	}

	cfg, loader, err := cli.loadConfig(ctx)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	if cfg.Queue.Backend != config.StoreSQL {
		return fmt.Errorf("send requires a shared queue backend (queue.backend: sql), got %q", cfg.Queue.Backend)
	}

	pool := config.NewDBPool()
	defer pool.Close()

	dbCfg, err := cfg.Database(cfg.Queue.Database)
	if err != nil {
		return err
	}
	db, err := pool.Get(ctx, dbCfg)
	if err != nil {
		return err
	}
	transport, err := queue.NewSQLTransport(ctx, db, dbCfg.Dialect(), queue.Options{
		LockDuration:  cfg.Queue.LockDuration,
		MaxDeliveries: cfg.Queue.MaxDeliveries,
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	res := dispatch.New(transport, cfg.Dispatch).Dispatch(ctx, c.Queue, payload)
	if !res.OK() {
		return fmt.Errorf("send to %s failed after %d attempts: %s", c.Queue, res.Attempts, res.Reason)
	}
	fmt.Printf("Sent to %s (attempts: %d)\n", res.Queue, res.Attempts)
	return nil
}
