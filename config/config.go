// Package config provides configuration loading and management for Buzzforge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/buzzforge/model"
)

// Config represents the complete Buzzforge configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	NATS     NATSConfig     `yaml:"nats"`
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Research ResearchConfig `yaml:"research"`
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	// Addr is the listen address (default: ":8080")
	Addr string `yaml:"addr"`
	// ReadTimeout bounds request reads
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout bounds response writes; step execution happens inside it
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
	// Name is the connection name shown in NATS monitoring
	Name string `yaml:"name"`
}

// LLMConfig configures model routing and completion behavior
type LLMConfig struct {
	// Registry maps capabilities to endpoints; empty uses the built-in defaults
	Registry model.RegistryConfig `yaml:"registry"`
	// Timeout is the maximum time to wait for one completion
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries is the per-endpoint retry count for transient failures
	MaxRetries int `yaml:"max_retries"`
}

// PipelineConfig configures session advancement
type PipelineConfig struct {
	// RetryDelay is how long a failed session waits before the poller retries it
	RetryDelay time.Duration `yaml:"retry_delay"`
	// StuckAfter is how long an in-progress session may sit before it is
	// swept to failed
	StuckAfter time.Duration `yaml:"stuck_after"`
	// PollInterval is how often the poller scans for due sessions
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollBatch caps how many sessions one poll cycle advances
	PollBatch int `yaml:"poll_batch"`
	// PromptDir holds prompt override YAML files (empty disables overrides)
	PromptDir string `yaml:"prompt_dir"`
	// PromptReloadDebounce batches file change events before reloading
	PromptReloadDebounce time.Duration `yaml:"prompt_reload_debounce"`
}

// ResearchConfig configures the phase 1 research step
type ResearchConfig struct {
	// MaxQuestions caps search questions per research step
	MaxQuestions int `yaml:"max_questions"`
	// MaxPages caps cited pages fetched per research step (0 disables)
	MaxPages int `yaml:"max_pages"`
	// FetchTimeout bounds one page fetch
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// MaxContentSize caps a fetched page body in bytes
	MaxContentSize int64 `yaml:"max_content_size"`
	// ExcerptMaxLen caps a condensed excerpt in bytes
	ExcerptMaxLen int `yaml:"excerpt_max_len"`
	// UserAgent identifies research fetches
	UserAgent string `yaml:"user_agent"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		NATS: NATSConfig{
			URL:  "nats://localhost:4222",
			Name: "buzzforge",
		},
		LLM: LLMConfig{
			Timeout:    2 * time.Minute,
			MaxRetries: 3,
		},
		Pipeline: PipelineConfig{
			RetryDelay:           5 * time.Minute,
			StuckAfter:           10 * time.Minute,
			PollInterval:         time.Minute,
			PollBatch:            5,
			PromptDir:            "",
			PromptReloadDebounce: 500 * time.Millisecond,
		},
		Research: ResearchConfig{
			MaxQuestions:   5,
			MaxPages:       3,
			FetchTimeout:   30 * time.Second,
			MaxContentSize: 5 * 1024 * 1024,
			ExcerptMaxLen:  4000,
			UserAgent:      "Buzzforge/1.0 (content research)",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Pipeline.RetryDelay <= 0 {
		return fmt.Errorf("pipeline.retry_delay must be positive")
	}
	if c.Pipeline.StuckAfter <= 0 {
		return fmt.Errorf("pipeline.stuck_after must be positive")
	}
	if c.Pipeline.PollInterval <= 0 {
		return fmt.Errorf("pipeline.poll_interval must be positive")
	}
	if c.Pipeline.PollBatch <= 0 {
		return fmt.Errorf("pipeline.poll_batch must be positive")
	}
	if c.Research.MaxQuestions <= 0 {
		return fmt.Errorf("research.max_questions must be positive")
	}
	if c.Research.MaxPages < 0 {
		return fmt.Errorf("research.max_pages cannot be negative")
	}
	if c.Research.MaxContentSize <= 0 {
		return fmt.Errorf("research.max_content_size must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. Values of the form
// ${VAR} are expanded from the environment before parsing, so credentials
// stay out of config files.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
