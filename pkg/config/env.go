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

package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, and $VAR.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvString(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]
			if idx := strings.Index(inner, ":-"); idx != -1 {
				if val := os.Getenv(inner[:idx]); val != "" {
					return val
				}
				return inner[idx+2:]
			}
			return os.Getenv(inner)
		}
		return os.Getenv(match[1:])
	})
}

func expandEnvVars(input map[string]any) map[string]any {
	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = expandValue(v)
	}
	return result
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = expandValue(item)
		}
		return result
	default:
		return v
	}
}

// LoadEnvFiles loads .env.local then .env from the working directory.
// Variables already set in the environment win.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies deployment environment variables on top of the
// file configuration.
//
//	APP_NAME                  name
//	AI_BACKEND                backend.type
//	AZURE_OPENAI_ENDPOINT     backend.endpoint
//	AZURE_OPENAI_API_KEY      backend.api_key
//	AZURE_OPENAI_DEPLOYMENT   backend.deployment
//	AZURE_OPENAI_API_VERSION  backend.api_version
//	OPENAI_API_KEY            backend.api_key (openai, when unset)
//	GEMINI_API_KEY            backend.api_key (gemini, when unset)
//	DB_DRIVER, DB_SERVER, DB_PORT, DB_DATABASE, DB_USERNAME, DB_PASSWORD
//	                          databases.default (when DB_SERVER is set)
//	QUEUE_DATABASE            queue.database
//	INSTRUCTIONS_DIR          instructions.dir
func ApplyEnvOverrides(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&cfg.Name, "APP_NAME")
	setString(&cfg.Backend.Type, "AI_BACKEND")
	setString(&cfg.Backend.Endpoint, "AZURE_OPENAI_ENDPOINT")
	setString(&cfg.Backend.APIKey, "AZURE_OPENAI_API_KEY")
	setString(&cfg.Backend.Deployment, "AZURE_OPENAI_DEPLOYMENT")
	setString(&cfg.Backend.APIVersion, "AZURE_OPENAI_API_VERSION")

	if cfg.Backend.APIKey == "" {
		switch strings.ToLower(cfg.Backend.Type) {
		case BackendOpenAI:
			setString(&cfg.Backend.APIKey, "OPENAI_API_KEY")
		case BackendGemini:
			setString(&cfg.Backend.APIKey, "GEMINI_API_KEY")
		}
	}

	if server := os.Getenv("DB_SERVER"); server != "" {
		db := &DatabaseConfig{
			Driver:   os.Getenv("DB_DRIVER"),
			Host:     server,
			Database: os.Getenv("DB_DATABASE"),
			Username: os.Getenv("DB_USERNAME"),
			Password: os.Getenv("DB_PASSWORD"),
		}
		if db.Driver == "" {
			db.Driver = DialectPostgres
		}
		if port := os.Getenv("DB_PORT"); port != "" {
			if p, err := strconv.Atoi(port); err == nil {
				db.Port = p
			} else {
				slog.Warn("Ignoring invalid DB_PORT", "value", port)
			}
		}
		if cfg.Databases == nil {
			cfg.Databases = make(map[string]*DatabaseConfig)
		}
		cfg.Databases[DefaultDatabaseName] = db
	}

	setString(&cfg.Queue.Database, "QUEUE_DATABASE")
	setString(&cfg.Instructions.Dir, "INSTRUCTIONS_DIR")
}
