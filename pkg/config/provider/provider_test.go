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

package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	tests := map[string]Type{
		"":          TypeFile,
		"file":      TypeFile,
		"consul":    TypeConsul,
		"etcd":      TypeEtcd,
		"zookeeper": TypeZookeeper,
		"zk":        TypeZookeeper,
		" ETCD ":    TypeEtcd,
	}
	for in, want := range tests {
		got, err := ParseType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseType("s3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consul, etcd, file, zookeeper")
	assert.Equal(t, []string{"consul", "etcd", "file", "zookeeper"}, Types())
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(ProviderConfig{Type: TypeFile})
	assert.Error(t, err)

	_, err = New(ProviderConfig{Type: "s3", Path: "x"})
	assert.Error(t, err)
}

func TestFileProvider_LoadAndWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: one\n"), 0o644))

	p, err := New(ProviderConfig{Type: TypeFile, Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	assert.Equal(t, TypeFile, p.Type())

	data, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "name: one\n", string(data))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := p.Watch(ctx)
	require.NoError(t, err)
	require.NotNil(t, changes)

	require.NoError(t, os.WriteFile(path, []byte("name: two\n"), 0o644))

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}

	data, err = p.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "name: two\n", string(data))
}

func TestFileProvider_LoadMissing(t *testing.T) {
	p, err := NewFileProvider(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	_, err = p.Load(context.Background())
	assert.Error(t, err)
}

func TestFileProvider_WatchAfterClose(t *testing.T) {
	p, err := NewFileProvider(filepath.Join(t.TempDir(), "c.yaml"))
	require.NoError(t, err)
	require.NoError(t, p.Close())
	_, err = p.Watch(context.Background())
	assert.Error(t, err)
}

func TestNotify_DoesNotBlock(t *testing.T) {
	ch := make(chan struct{}, 1)
	notify(ch)
	notify(ch)
	assert.Len(t, ch, 1)
}
