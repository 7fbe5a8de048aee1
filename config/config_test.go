package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cognexus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()

	require.NoError(t, Default().Validate())
}

func TestDefault_BreakerDisabled(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.False(t, cfg.Breaker.Enabled)
	assert.EqualValues(t, 5, cfg.Breaker.ConsecutiveFailures)
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
log:
  level: debug
  format: json
discovery:
  builtin_dir: /opt/cognexus/builtin
  plugins_dir: /home/me/plugins
  patterns: ["**/*.wasm"]
  workers: 3
  lazy_plugins: false
loader:
  timeout: 2s
  memory_limit_pages: 64
trust:
  level: strict
  grants_file: /tmp/grants.yaml
breaker:
  enabled: true
  consecutive_failures: 2
  timeout: 1m
`)

	cfg, err := Load(LoadOptions{ConfigFile: path})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/opt/cognexus/builtin", cfg.Discovery.BuiltinDir)
	assert.Equal(t, "/home/me/plugins", cfg.Discovery.PluginsDir)
	assert.Equal(t, []string{"**/*.wasm"}, cfg.Discovery.Patterns)
	assert.Equal(t, 3, cfg.Discovery.Workers)
	assert.False(t, cfg.Discovery.LazyPlugins)
	assert.Equal(t, 2*time.Second, cfg.Loader.Timeout)
	assert.EqualValues(t, 64, cfg.Loader.MemoryLimitPages)
	assert.EqualValues(t, 64<<20, cfg.Loader.MaxModuleSize)
	assert.Equal(t, "strict", cfg.Trust.Level)
	assert.Equal(t, "/tmp/grants.yaml", cfg.Trust.GrantsFile)
	assert.EqualValues(t, 2, cfg.Breaker.ConsecutiveFailures)
	assert.Equal(t, time.Minute, cfg.Breaker.Timeout)
	assert.True(t, cfg.Breaker.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "absent.yaml")})
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		field   string
	}{
		{name: "log level", content: "log:\n  level: loud\n", field: "Log.Level"},
		{name: "workers", content: "discovery:\n  workers: 0\n", field: "Discovery.Workers"},
		{name: "trust level", content: "trust:\n  level: paranoid\n", field: "Trust.Level"},
		{name: "memory pages", content: "loader:\n  memory_limit_pages: 70000\n", field: "Loader.MemoryLimitPages"},
		{name: "timeout", content: "loader:\n  timeout: 0s\n", field: "Loader.Timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(LoadOptions{ConfigFile: writeConfig(t, tt.content)})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("COGNEXUS_DISCOVERY_PLUGINS_DIR", "/env/plugins")
	t.Setenv("COGNEXUS_LOADER_TIMEOUT", "250ms")
	t.Setenv("COGNEXUS_TRUST_LEVEL", "standard")

	cfg, err := Load(LoadOptions{ConfigFile: writeConfig(t, "discovery:\n  plugins_dir: /file/plugins\n")})
	require.NoError(t, err)
	assert.Equal(t, "/env/plugins", cfg.Discovery.PluginsDir)
	assert.Equal(t, 250*time.Millisecond, cfg.Loader.Timeout)
	assert.Equal(t, "standard", cfg.Trust.Level)
}

func TestLoad_BoundViper(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("discovery.workers", 7)

	cfg, err := Load(LoadOptions{Viper: v, ConfigFile: writeConfig(t, "discovery:\n  workers: 2\n")})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Discovery.Workers)
}
