package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 10000, cfg.Worker.QueueCapacity)
	assert.Equal(t, 12000, cfg.Compaction.ContextThresholdBytes)
	assert.Equal(t, 3, cfg.Compaction.MaxDepth)
	assert.Equal(t, 30, cfg.LLM.TimeoutSeconds)
	assert.Equal(t, 0.6, cfg.Extraction.MinConfidence)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("QUEUE_CAPACITY", "500")
	t.Setenv("CONTEXT_THRESHOLD_BYTES", "24000")
	t.Setenv("MAX_COMPACTION_DEPTH", "2")
	t.Setenv("LLM_HOST", "http://inference:9000")
	t.Setenv("LLM_MODEL", "qwen2.5:7b")
	t.Setenv("LLM_TIMEOUT_SECONDS", "15")
	t.Setenv("DATABASE_URL", "postgres://localhost/komorebi")
	t.Setenv("MCP_CONFIG_PATH", "/etc/komorebi/servers.json")
	t.Setenv("KOMOREBI_EXTRACTION_MIN_CONFIDENCE", "0.8")
	t.Setenv("KOMOREBI_EXTRACTION_FALLBACK_MIN_CONFIDENCE", "0.4")
	t.Setenv("KOMOREBI_EXTRACTION_CONTEXT_WINDOW_CHARS", "80")
	t.Setenv("KOMOREBI_EVENTS_SUBSCRIBER_BUFFER", "250")
	t.Setenv("KOMOREBI_EVENTS_KEEP_ALIVE_SECONDS", "20")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, 500, cfg.Worker.QueueCapacity)
	assert.Equal(t, 24000, cfg.Compaction.ContextThresholdBytes)
	assert.Equal(t, 2, cfg.Compaction.MaxDepth)
	assert.Equal(t, "http://inference:9000", cfg.LLM.Host)
	assert.Equal(t, "qwen2.5:7b", cfg.LLM.Model)
	assert.Equal(t, 15, cfg.LLM.TimeoutSeconds)
	assert.Equal(t, "postgres://localhost/komorebi", cfg.Storage.DatabaseURL)
	assert.Equal(t, "/etc/komorebi/servers.json", cfg.MCP.ConfigPath)
	assert.Equal(t, 0.8, cfg.Extraction.MinConfidence)
	assert.Equal(t, 0.4, cfg.Extraction.FallbackMinConfidence)
	assert.Equal(t, 80, cfg.Extraction.ContextWindowChars)
	assert.Equal(t, 250, cfg.Events.SubscriberBuffer)
	assert.Equal(t, 20, cfg.Events.KeepAliveSeconds)
}

func TestLoadConfig_IgnoresUnparseableInts(t *testing.T) {
	t.Setenv("WORKER_COUNT", "not-a-number")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Worker.Count)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "empty database url",
			mutate:  func(c *Config) { c.Storage.DatabaseURL = "" },
			wantErr: "database URL",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Worker.Count = 0 },
			wantErr: "worker count",
		},
		{
			name:    "zero depth",
			mutate:  func(c *Config) { c.Compaction.MaxDepth = 0 },
			wantErr: "compaction depth",
		},
		{
			name:    "confidence out of range",
			mutate:  func(c *Config) { c.Extraction.MinConfidence = 1.5 },
			wantErr: "confidence",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
