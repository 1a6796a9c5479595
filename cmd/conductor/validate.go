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
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/conductor/pkg/config"
)

// ValidateCmd loads the configuration and reports errors.
type ValidateCmd struct {
	PrintConfig bool `name:"print-config" short:"p" help:"Print the effective configuration with defaults applied."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, loader, err := cli.loadConfig(context.Background())
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	return report(os.Stdout, cfg, c.PrintConfig)
}

func report(w io.Writer, cfg *config.Config, printConfig bool) error {
	fmt.Fprintf(w, "Configuration is valid: %s\n", cfg.Name)
	fmt.Fprintf(w, "  backend:   %s\n", cfg.Backend.Type)
	fmt.Fprintf(w, "  registry:  %s\n", cfg.Registry.Backend)
	fmt.Fprintf(w, "  queue:     %s\n", cfg.Queue.Backend)

	queues := make([]string, 0, len(cfg.Queue.Consumers))
	for q := range cfg.Queue.Consumers {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	for _, q := range queues {
		fmt.Fprintf(w, "    %s -> %s\n", q, cfg.Queue.Consumers[q])
	}

	if !printConfig {
		return nil
	}
	fmt.Fprintln(w, "---")
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(redacted(cfg)); err != nil {
		return fmt.Errorf("failed to print config: %w", err)
	}
	return enc.Close()
}

const redactedValue = "********"

// redacted returns a copy of cfg without credentials.
func redacted(cfg *config.Config) *config.Config {
	out := *cfg
	if out.Backend.APIKey != "" {
		out.Backend.APIKey = redactedValue
	}
	out.Databases = make(map[string]*config.DatabaseConfig, len(cfg.Databases))
	for name, db := range cfg.Databases {
		if db == nil {
			continue
		}
		d := *db
		if d.Password != "" {
			d.Password = redactedValue
		}
		out.Databases[name] = &d
	}
	return &out
}
