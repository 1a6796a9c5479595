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

// Package provider defines where conductor reads its configuration from.
//
// A provider returns raw YAML/JSON bytes and optionally signals changes.
// Sources: local file, Consul KV, etcd and ZooKeeper.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Type identifies a config source.
type Type string

const (
	TypeFile      Type = "file"
	TypeConsul    Type = "consul"
	TypeEtcd      Type = "etcd"
	TypeZookeeper Type = "zookeeper"
)

// DefaultDialTimeout bounds the initial connection to remote sources.
const DefaultDialTimeout = 10 * time.Second

// Provider is a config source. Implementations are safe for concurrent use.
type Provider interface {
	Type() Type

	// Load reads the raw config bytes.
	Load(ctx context.Context) ([]byte, error)

	// Watch signals whenever the config changes. The channel is closed
	// when ctx ends or the source goes away. A nil channel means the
	// source cannot be watched.
	Watch(ctx context.Context) (<-chan struct{}, error)

	Close() error
}

// ProviderConfig selects and locates a config source.
type ProviderConfig struct {
	Type Type

	// Path is the file path, KV key or znode holding the config.
	Path string

	// Endpoints of remote sources.
	Endpoints []string

	DialTimeout time.Duration
}

type factory func(cfg ProviderConfig) (Provider, error)

var factories = map[Type]factory{
	TypeFile: func(cfg ProviderConfig) (Provider, error) {
		return NewFileProvider(cfg.Path)
	},
	TypeConsul: func(cfg ProviderConfig) (Provider, error) {
		return NewConsulProvider(cfg.Endpoints, cfg.Path)
	},
	TypeEtcd: func(cfg ProviderConfig) (Provider, error) {
		return NewEtcdProvider(cfg.Endpoints, cfg.Path, cfg.DialTimeout)
	},
	TypeZookeeper: func(cfg ProviderConfig) (Provider, error) {
		return NewZookeeperProvider(cfg.Endpoints, cfg.Path, cfg.DialTimeout)
	},
}

var aliases = map[string]Type{"": TypeFile, "zk": TypeZookeeper}

// ParseType converts a case-insensitive name or alias to a Type.
func ParseType(s string) (Type, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if t, ok := aliases[name]; ok {
		return t, nil
	}
	if _, ok := factories[Type(name)]; ok {
		return Type(name), nil
	}
	return "", fmt.Errorf("unknown provider type %q (valid: %s)", s, strings.Join(Types(), ", "))
}

// Types lists the supported source types.
func Types() []string {
	out := make([]string, 0, len(factories))
	for t := range factories {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// New creates the provider selected by cfg.
func New(cfg ProviderConfig) (Provider, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	t, err := ParseType(string(cfg.Type))
	if err != nil {
		return nil, err
	}
	return factories[t](cfg)
}

// notify performs a non-blocking send; a pending signal already covers
// the change.
func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
