package vimcord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultEnvironment, cfg.Environment)
	assert.Equal(t, DefaultCommandPrefix, cfg.Discord.CommandPrefix)
	assert.Equal(t, DefaultBucketSweepInterval, cfg.BucketSweepInterval)
	assert.NotNil(t, cfg.API)
	assert.False(t, cfg.API.Enabled)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "app"
	require.NoError(t, cfg.Validate())

	cfg.Discord.Token = ""
	require.Error(t, cfg.Validate(), "token is required")

	cfg.Discord.Token = "token"
	cfg.DatabaseType = "mongodb"
	require.Error(t, cfg.Validate(), "database type is constrained")
}

func TestConfigLogValueRedactsToken(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Discord.Token = "hunter2"

	rendered := cfg.LogValue().String()
	assert.NotContains(t, rendered, "hunter2")
	assert.Contains(t, rendered, "[redacted]")
}
