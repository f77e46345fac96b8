// Package config provides environment-driven configuration for the
// Komorebi core service.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	LLM        LLMConfig        `json:"llm"`
	Worker     WorkerConfig     `json:"worker"`
	Compaction CompactionConfig `json:"compaction"`
	Capture    CaptureConfig    `json:"capture"`
	Extraction ExtractionConfig `json:"extraction"`
	MCP        MCPConfig        `json:"mcp"`
	Events     EventsConfig     `json:"events"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds"`
}

// StorageConfig represents persistence configuration
type StorageConfig struct {
	// DatabaseURL selects the backend: postgres:// uses the pq driver,
	// anything else is treated as a sqlite file path.
	DatabaseURL    string `json:"database_url"`
	MaxConnections int    `json:"max_connections"`
	QueryTimeout   int    `json:"query_timeout_seconds"`
}

// LLMConfig represents the local inference server configuration
type LLMConfig struct {
	Host               string `json:"host"`
	Model              string `json:"model"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
	MaxConnections     int    `json:"max_connections"`
	ContextWindowToken int    `json:"context_window_tokens"`
}

// WorkerConfig represents the background worker pool configuration
type WorkerConfig struct {
	Count          int `json:"count"`
	QueueCapacity  int `json:"queue_capacity"`
	EnqueueWaitMS  int `json:"enqueue_wait_ms"`
	ShutdownGraceS int `json:"shutdown_grace_seconds"`
}

// CompactionConfig represents the recursive compactor configuration
type CompactionConfig struct {
	ContextThresholdBytes int `json:"context_threshold_bytes"`
	MaxDepth              int `json:"max_depth"`
	MinBatch              int `json:"min_batch"`
	ReduceBatchSize       int `json:"reduce_batch_size"`
	TriggerChunkCount     int `json:"trigger_chunk_count"`
	CooldownSeconds       int `json:"cooldown_seconds"`
	FallbackSummaryChars  int `json:"fallback_summary_chars"`
}

// CaptureConfig represents capture validation limits
type CaptureConfig struct {
	MaxContentBytes int `json:"max_content_bytes"`
}

// ExtractionConfig represents entity extraction behavior
type ExtractionConfig struct {
	MinConfidence float64 `json:"min_confidence"`
	// FallbackMinConfidence applies when the LLM is unavailable. This
	// trade of precision for recall is a deployment-level choice.
	FallbackMinConfidence float64 `json:"fallback_min_confidence"`
	ContextWindowChars    int     `json:"context_window_chars"`
}

// MCPConfig represents MCP aggregation configuration
type MCPConfig struct {
	ConfigPath         string `json:"config_path"`
	CallTimeoutSeconds int    `json:"call_timeout_seconds"`
	CloseGraceSeconds  int    `json:"close_grace_seconds"`
}

// EventsConfig represents event bus configuration
type EventsConfig struct {
	SubscriberBuffer int `json:"subscriber_buffer"`
	KeepAliveSeconds int `json:"keep_alive_seconds"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8420,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Storage: StorageConfig{
			DatabaseURL:    "./data/komorebi.db",
			MaxConnections: 10,
			QueryTimeout:   10,
		},
		LLM: LLMConfig{
			Host:               "http://localhost:11434",
			Model:              "llama3.1:8b",
			TimeoutSeconds:     30,
			MaxConnections:     8,
			ContextWindowToken: 8192,
		},
		Worker: WorkerConfig{
			Count:          4,
			QueueCapacity:  10000,
			EnqueueWaitMS:  50,
			ShutdownGraceS: 30,
		},
		Compaction: CompactionConfig{
			ContextThresholdBytes: 12000,
			MaxDepth:              3,
			MinBatch:              5,
			ReduceBatchSize:       5,
			TriggerChunkCount:     20,
			CooldownSeconds:       300,
			FallbackSummaryChars:  240,
		},
		Capture: CaptureConfig{
			MaxContentBytes: 1 << 20,
		},
		Extraction: ExtractionConfig{
			MinConfidence:         0.6,
			FallbackMinConfidence: 0.5,
			ContextWindowChars:    100,
		},
		MCP: MCPConfig{
			ConfigPath:         "./mcp_servers.json",
			CallTimeoutSeconds: 30,
			CloseGraceSeconds:  3,
		},
		Events: EventsConfig{
			SubscriberBuffer: 100,
			KeepAliveSeconds: 15,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from environment variables and defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := DefaultConfig()
	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(config *Config) {
	loadServerConfig(config)
	loadStorageConfig(config)
	loadLLMConfig(config)
	loadWorkerConfig(config)
	loadCompactionConfig(config)
	loadExtractionConfig(config)
	loadEventsConfig(config)
	loadMCPConfig(config)
	loadLoggingConfig(config)
}

// loadServerConfig loads server configuration from environment
func loadServerConfig(config *Config) {
	if host := os.Getenv("KOMOREBI_HOST"); host != "" {
		config.Server.Host = host
	}
	setIntFromEnv(&config.Server.Port, "KOMOREBI_PORT")
	setIntFromEnv(&config.Server.ReadTimeout, "KOMOREBI_READ_TIMEOUT_SECONDS")
	setIntFromEnv(&config.Server.WriteTimeout, "KOMOREBI_WRITE_TIMEOUT_SECONDS")
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig(config *Config) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		config.Storage.DatabaseURL = url
	}
	setIntFromEnv(&config.Storage.MaxConnections, "KOMOREBI_DB_MAX_CONNECTIONS")
	setIntFromEnv(&config.Storage.QueryTimeout, "KOMOREBI_DB_QUERY_TIMEOUT_SECONDS")
}

// loadLLMConfig loads LLM client configuration from environment
func loadLLMConfig(config *Config) {
	if host := os.Getenv("LLM_HOST"); host != "" {
		config.LLM.Host = host
	}
	if model := os.Getenv("LLM_MODEL"); model != "" {
		config.LLM.Model = model
	}
	setIntFromEnv(&config.LLM.TimeoutSeconds, "LLM_TIMEOUT_SECONDS")
	setIntFromEnv(&config.LLM.MaxConnections, "LLM_MAX_CONNECTIONS")
	setIntFromEnv(&config.LLM.ContextWindowToken, "LLM_CONTEXT_WINDOW_TOKENS")
}

// loadWorkerConfig loads worker pool configuration from environment
func loadWorkerConfig(config *Config) {
	setIntFromEnv(&config.Worker.Count, "WORKER_COUNT")
	setIntFromEnv(&config.Worker.QueueCapacity, "QUEUE_CAPACITY")
	setIntFromEnv(&config.Worker.EnqueueWaitMS, "KOMOREBI_ENQUEUE_WAIT_MS")
	setIntFromEnv(&config.Worker.ShutdownGraceS, "KOMOREBI_SHUTDOWN_GRACE_SECONDS")
}

// loadCompactionConfig loads compactor configuration from environment
func loadCompactionConfig(config *Config) {
	setIntFromEnv(&config.Compaction.ContextThresholdBytes, "CONTEXT_THRESHOLD_BYTES")
	setIntFromEnv(&config.Compaction.MaxDepth, "MAX_COMPACTION_DEPTH")
	setIntFromEnv(&config.Compaction.MinBatch, "KOMOREBI_COMPACTION_MIN_BATCH")
	setIntFromEnv(&config.Compaction.TriggerChunkCount, "KOMOREBI_COMPACTION_TRIGGER_COUNT")
	setIntFromEnv(&config.Compaction.CooldownSeconds, "KOMOREBI_COMPACTION_COOLDOWN_SECONDS")
}

// loadExtractionConfig loads entity extraction configuration from environment
func loadExtractionConfig(config *Config) {
	setFloatFromEnv(&config.Extraction.MinConfidence, "KOMOREBI_EXTRACTION_MIN_CONFIDENCE")
	setFloatFromEnv(&config.Extraction.FallbackMinConfidence, "KOMOREBI_EXTRACTION_FALLBACK_MIN_CONFIDENCE")
	setIntFromEnv(&config.Extraction.ContextWindowChars, "KOMOREBI_EXTRACTION_CONTEXT_WINDOW_CHARS")
}

// loadEventsConfig loads event stream configuration from environment
func loadEventsConfig(config *Config) {
	setIntFromEnv(&config.Events.SubscriberBuffer, "KOMOREBI_EVENTS_SUBSCRIBER_BUFFER")
	setIntFromEnv(&config.Events.KeepAliveSeconds, "KOMOREBI_EVENTS_KEEP_ALIVE_SECONDS")
}

// loadMCPConfig loads MCP aggregation configuration from environment
func loadMCPConfig(config *Config) {
	if path := os.Getenv("MCP_CONFIG_PATH"); path != "" {
		config.MCP.ConfigPath = path
	}
	setIntFromEnv(&config.MCP.CallTimeoutSeconds, "KOMOREBI_MCP_CALL_TIMEOUT_SECONDS")
}

// loadLoggingConfig loads logging configuration from environment
func loadLoggingConfig(config *Config) {
	if level := os.Getenv("KOMOREBI_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("KOMOREBI_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}

// setIntFromEnv overrides *target when the variable parses as an integer.
func setIntFromEnv(target *int, key string) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*target = v
		}
	}
}

// setFloatFromEnv overrides *target when the variable parses as a float.
func setFloatFromEnv(target *float64, key string) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			*target = v
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Storage.DatabaseURL == "" {
		return fmt.Errorf("database URL cannot be empty")
	}
	if c.LLM.Host == "" {
		return fmt.Errorf("LLM host cannot be empty")
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}
	if c.Worker.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be at least 1")
	}
	if c.Compaction.MaxDepth < 1 {
		return fmt.Errorf("max compaction depth must be at least 1")
	}
	if c.Compaction.ContextThresholdBytes < 1 {
		return fmt.Errorf("context threshold must be positive")
	}
	if c.Compaction.MinBatch < 2 {
		return fmt.Errorf("compaction min batch must be at least 2")
	}
	if c.Extraction.MinConfidence < 0 || c.Extraction.MinConfidence > 1 {
		return fmt.Errorf("extraction confidence must be between 0 and 1")
	}
	if c.Capture.MaxContentBytes < 1 {
		return fmt.Errorf("max content bytes must be positive")
	}
	return nil
}
