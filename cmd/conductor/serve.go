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
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/conductor"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/runtime"
)

// ServeCmd starts the HTTP server, queue consumers and timers.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch the config source and log changes. Changes apply on restart."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, loader, err := cli.loadConfig(ctx, config.WithOnChange(func(_ *config.Config, changed []string) {
		slog.Warn("Configuration changed; restart to apply", "sections", changed)
	}))
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	cleanup, err := applyConfigLogger(cli, &cfg.Logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	defer rt.Close()

	printStartup(cfg)

	if err := rt.Run(ctx); err != nil {
		return err
	}
	slog.Info("Shut down cleanly")
	return nil
}

func printStartup(cfg *config.Config) {
	addr := cfg.Server.Address()
	fmt.Printf("\nconductor %s ready\n", conductor.GetVersion().Version)
	fmt.Printf("   Health:      http://%s/health\n", addr)
	fmt.Printf("   Webhooks:    http://%s/webhooks/{source}\n", addr)
	fmt.Printf("   Status:      http://%s/agents/status/{instanceId}\n", addr)
	if cfg.Observability.Metrics.IsEnabled() {
		fmt.Printf("   Metrics:     http://%s%s\n", addr, cfg.Observability.Metrics.Endpoint)
	}
	fmt.Printf("   Backend:     %s\n", cfg.Backend.Type)
	fmt.Printf("   Registry:    %s\n", cfg.Registry.Backend)
	fmt.Printf("   Queue:       %s (%d workers per queue)\n", cfg.Queue.Backend, cfg.Queue.Workers)
	fmt.Println("\nPress Ctrl+C to stop")
}
