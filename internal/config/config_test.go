package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/config"
)

func TestLoad_DefaultsApplyWithNoOverrides(t *testing.T) {
	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 4327, cfg.Port)
	assert.Equal(t, "single_node", cfg.ClusterStrategy)
	assert.Equal(t, "memory", cfg.TaskStore)
	assert.Equal(t, "local", cfg.HubRegion)
	assert.Equal(t, ":4327", cfg.ListenAddr())
}

func TestLoad_EnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("RINGFORGE_CLUSTER_STRATEGY", "redis")
	t.Setenv("RINGFORGE_HUB_REGION", "us-east-1")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, "redis", cfg.ClusterStrategy)
	assert.Equal(t, "us-east-1", cfg.HubRegion)
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("RINGFORGE_HUB_REGION", "us-east-1")

	cfg, err := config.Load([]string{"-hub-region", "eu-west-1", "-port", "9000"})
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", cfg.HubRegion)
	assert.Equal(t, 9000, cfg.Port)
}

func TestLoad_UnsetFlagsDoNotClobberEnv(t *testing.T) {
	t.Setenv("RINGFORGE_HUB_REGION", "us-east-1")

	cfg, err := config.Load([]string{"-port", "9000"})
	require.NoError(t, err)

	assert.Equal(t, "us-east-1", cfg.HubRegion, "unset flag must not override the env-derived value")
	assert.Equal(t, 9000, cfg.Port)
}

func TestLoad_FileLayerBetweenDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "ringforge-hub.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("hub_region: file-region\nport: 5000\n"), 0o600))

	t.Setenv("PORT", "6000")

	cfg, err := config.Load([]string{"-config", yamlPath})
	require.NoError(t, err)

	assert.Equal(t, "file-region", cfg.HubRegion, "file layer should override the default")
	assert.Equal(t, 6000, cfg.Port, "bare PORT env var should override the file layer")
}

func TestValidate_RejectsMissingSecretKeyBase(t *testing.T) {
	cfg, err := config.Load([]string{"-data-dir", t.TempDir()})
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret-key-base")
}

func TestValidate_RejectsRedisStrategyWithoutURL(t *testing.T) {
	cfg, err := config.Load([]string{
		"-data-dir", t.TempDir(),
		"-cluster-strategy", "redis",
		"-secret-key-base", "s3cr3t",
	})
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis-url")
}

func TestValidate_CreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	cfg, err := config.Load([]string{"-data-dir", dir, "-secret-key-base", "s3cr3t"})
	require.NoError(t, err)

	require.NoError(t, cfg.Validate())
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDBPath_DefaultsUnderDataDir(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load([]string{"-data-dir", dir})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "hub.db"), cfg.DBPath())
}

func TestDBPath_ExplicitDatabaseURLWins(t *testing.T) {
	t.Setenv("DATABASE_URL", "/var/lib/ringforge/custom.db")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ringforge/custom.db", cfg.DBPath())
}
