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
	"fmt"
	"os"

	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/logger"
)

const (
	// LogFileEnvVar is the environment variable name for log file path
	LogFileEnvVar = "LOG_FILE"
	// LogLevelEnvVar is the environment variable name for log level
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFormatEnvVar is the environment variable name for log format
	LogFormatEnvVar = "LOG_FORMAT"
	// DefaultLogFormat is the default log format
	DefaultLogFormat = "simple"
)

type logSettings struct {
	Level  string
	File   string
	Format string
}

// resolveLogSettings picks each setting by priority:
// CLI flag > env var > config file > default.
func resolveLogSettings(flagLevel, flagFile, flagFormat string, cfg *config.LoggerConfig) logSettings {
	if cfg == nil {
		cfg = &config.LoggerConfig{}
	}
	first := func(values ...string) string {
		for _, v := range values {
			if v != "" {
				return v
			}
		}
		return ""
	}
	return logSettings{
		Level:  first(flagLevel, os.Getenv(LogLevelEnvVar), cfg.Level, "info"),
		File:   first(flagFile, os.Getenv(LogFileEnvVar), cfg.File),
		Format: first(flagFormat, os.Getenv(LogFormatEnvVar), cfg.Format, DefaultLogFormat),
	}
}

// initLogger installs the default logger. The returned cleanup closes the
// log file, if any.
func initLogger(s logSettings) (func(), error) {
	level, err := logger.ParseLevel(s.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	cleanup := func() {}
	if s.File != "" {
		file, closeFn, err := logger.OpenLogFile(s.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFn
	}

	logger.Init(level, output, s.Format)
	return cleanup, nil
}

// applyConfigLogger re-initializes the logger from the config file section
// when neither flags nor environment set a value.
func applyConfigLogger(cli *CLI, cfg *config.LoggerConfig) (func(), error) {
	return initLogger(resolveLogSettings(cli.LogLevel, cli.LogFile, cli.LogFormat, cfg))
}
