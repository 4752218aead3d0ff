// Package config loads campusdesk configuration from YAML with environment
// overrides. Defaults are always valid; a missing config file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all campusdesk configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Storage paths
	Storage StorageConfig `yaml:"storage"`

	// Retrieval engine configuration
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Daily limits and governance
	Limits LimitsConfig `yaml:"limits"`

	// Flow-pause store
	Flow FlowConfig `yaml:"flow"`

	// Deduplication cache
	Dedup DedupConfig `yaml:"dedup"`

	// Intent confidence thresholds
	Thresholds ThresholdsConfig `yaml:"thresholds"`

	// HTTP server
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures the SQLite databases and data files.
type StorageConfig struct {
	// Main database (chat memory, flow states, governance, tickets, faculty)
	DatabasePath string `yaml:"database_path"`

	// Vector index database for the policy corpus
	VectorDBPath string `yaml:"vector_db_path"`

	// Turn log output file (JSONL)
	TurnLogPath string `yaml:"turn_log_path"`

	// Faculty directory seed file (YAML)
	FacultySeedPath string `yaml:"faculty_seed_path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	MaxConns        int    `yaml:"max_conns"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"` // debug, info, warn, error
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "campusdesk",
		Version: "1.0.0",

		LLM: LLMConfig{
			Provider:              "gemini",
			Model:                 "gemini-2.0-flash",
			Timeout:               "60s",
			Temperature:           0.2,
			RegenTemperatureSteps: []float64{0.3, 0.4},
		},

		Embedding: EmbeddingConfig{
			Provider:   "gemini",
			Model:      "text-embedding-004",
			Dimensions: 768,
		},

		Storage: StorageConfig{
			DatabasePath:    "data/campusdesk.db",
			VectorDBPath:    "data/policy_index.db",
			TurnLogPath:     "data/turns.jsonl",
			FacultySeedPath: "data/faculty.yaml",
		},

		Retrieval: RetrievalConfig{
			K:            5,
			CourseK:      7,
			ChunkSize:    500,
			ChunkOverlap: 50,
			CorpusDir:    "data/policies",
			WatchCorpus:  false,
		},

		Limits: LimitsConfig{
			EmailDailyMax:  5,
			TicketDailyMax: 3,
			CivilTimezone:  "Asia/Kolkata",
		},

		Flow: FlowConfig{
			TTL:            "30m",
			SessionTimeout: "30m",
		},

		Dedup: DedupConfig{
			TTL:        "30s",
			MaxEntries: 1024,
		},

		Thresholds: DefaultThresholds(),

		Server: ServerConfig{
			Addr:            ":8090",
			MaxConns:        256,
			ShutdownTimeout: "10s",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.Embedding.APIKey = key
	}
	if v := os.Getenv("EMAIL_DAILY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Limits.EmailDailyMax = n
		}
	}
	if v := os.Getenv("TICKET_DAILY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Limits.TicketDailyMax = n
		}
	}
	if tz := os.Getenv("CIVIL_TIMEZONE"); tz != "" {
		c.Limits.CivilTimezone = tz
	}
	if v := os.Getenv("FLOW_TTL"); v != "" {
		c.Flow.TTL = v
	}
	if v := os.Getenv("DEDUP_TTL"); v != "" {
		c.Dedup.TTL = v
	}
	if path := os.Getenv("CAMPUSDESK_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if addr := os.Getenv("CAMPUSDESK_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetFlowTTL returns the flow inactivity TTL as a duration.
func (c *Config) GetFlowTTL() time.Duration {
	d, err := time.ParseDuration(c.Flow.TTL)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetSessionTimeout returns the session inactivity timeout as a duration.
func (c *Config) GetSessionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Flow.SessionTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetDedupTTL returns the dedup cache TTL as a duration.
func (c *Config) GetDedupTTL() time.Duration {
	d, err := time.ParseDuration(c.Dedup.TTL)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetShutdownTimeout returns the server shutdown grace period.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
