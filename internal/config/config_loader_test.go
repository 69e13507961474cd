package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const oneServerJSON = `{
  "listen": ":8080",
  "servers": [
    {"tag": "prod", "host": "10.0.0.5", "port": 27015, "password": "s3cret"}
  ]
}`

const twoServersJSON = `{
  "listen": ":9999",
  "servers": [
    {"tag": "prod", "host": "10.0.0.5", "port": 27015, "password": "s3cret"},
    {"tag": "test", "host": "10.0.0.6", "port": 27015, "password": "other"}
  ]
}`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestNewLoader(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, configPath, oneServerJSON)

	loader, err := NewLoader(configPath, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, loader)
	assert.Equal(t, configPath, loader.configPath)
	assert.NotNil(t, loader.watcher)
	assert.NotNil(t, loader.logger)

	assert.NoError(t, loader.Stop())
	assert.NoError(t, loader.Stop(), "second Stop is a no-op")
}

func TestLoader_Load(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, configPath, oneServerJSON)

	loader, err := NewLoader(configPath, zap.NewNop())
	require.NoError(t, err)
	defer loader.Stop()

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "s3cret", cfg.Servers[0].Password)
	assert.Same(t, cfg, loader.GetConfig())
}

func TestLoader_LoadInvalid(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, configPath, `{"servers": [{"tag": "prod", "port": 27015}]}`)

	loader, err := NewLoader(configPath, zap.NewNop())
	require.NoError(t, err)
	defer loader.Stop()

	_, err = loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host is required")
	assert.Nil(t, loader.GetConfig())
}

func TestLoader_FileWatching(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, configPath, oneServerJSON)

	loader, err := NewLoader(configPath, zap.NewNop())
	require.NoError(t, err)
	defer loader.Stop()

	_, err = loader.Load()
	require.NoError(t, err)

	var mu sync.Mutex
	var diffs []ServerDiff
	err = loader.StartWatching(func(oldCfg, newCfg *Config) error {
		mu.Lock()
		diffs = append(diffs, DiffServers(oldCfg.Servers, newCfg.Servers))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	writeConfig(t, configPath, twoServersJSON)

	require.Eventually(t, func() bool {
		return loader.GetConfig().Listen == ":9999"
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, diffs)
	last := diffs[len(diffs)-1]
	require.Len(t, last.Added, 1)
	assert.Equal(t, "test", last.Added[0].Tag)
	assert.Empty(t, last.Removed)
	assert.Empty(t, last.Changed)
}

func TestLoader_RejectedChangeKeepsPrevious(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, configPath, oneServerJSON)

	loader, err := NewLoader(configPath, zap.NewNop())
	require.NoError(t, err)
	defer loader.Stop()

	_, err = loader.Load()
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	require.NoError(t, loader.StartWatching(func(_, _ *Config) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return assert.AnError
	}))

	writeConfig(t, configPath, twoServersJSON)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls > 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, ":8080", loader.GetConfig().Listen)
}

func TestLoader_BrokenFileKeepsPrevious(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, configPath, oneServerJSON)

	loader, err := NewLoader(configPath, zap.NewNop())
	require.NoError(t, err)
	defer loader.Stop()

	_, err = loader.Load()
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	require.NoError(t, loader.StartWatching(func(_, _ *Config) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}))

	writeConfig(t, configPath, `{"servers": [`)
	time.Sleep(600 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()
	assert.Equal(t, ":8080", loader.GetConfig().Listen)
}
