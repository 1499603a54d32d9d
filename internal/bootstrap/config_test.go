package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurify-goto/form-sender-orchestrator/config"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "runner,http", cfg.Services)
	assert.Equal(t, config.RPCTransportHTTP, cfg.Supabase.RPCTransport)
	assert.Equal(t, "fs:", cfg.Redis.KeyPrefix)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SERVICES", "runner")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co/")
	t.Setenv("QUEUE_SHARD_COUNT", "16")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.False(t, cfg.IsHTTPServerEnabled())
	assert.True(t, cfg.IsRunnerEnabled())
	// Sanitize strips the trailing slash.
	assert.Equal(t, "https://example.supabase.co", cfg.Supabase.URL)
	assert.Equal(t, 16, cfg.Dispatch.ShardCount)
}

func TestValidateServiceConfig(t *testing.T) {
	require.Error(t, ValidateServiceConfig(nil))

	cfg := &config.AppConfig{Services: "bogus"}
	require.Error(t, ValidateServiceConfig(cfg))

	cfg.Services = "http"
	require.NoError(t, ValidateServiceConfig(cfg))
}
