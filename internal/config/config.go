package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds static configuration for the vedfolnir server.
// Runtime-tunable values (concurrency, timeouts, queue bounds) live in
// Settings instead; changing those does not require a restart.
type ServerConfig struct {
	Addr        string `yaml:"addr"`         // Listen address (default ":8080")
	LogLevel    string `yaml:"log_level"`    // Log level: debug, info, warn, error
	LogFormat   string `yaml:"log_format"`   // Log format: text, json
	DBPath      string `yaml:"db_path"`      // SQLite database path (":memory:" for testing)
	RedisAddr   string `yaml:"redis_addr"`   // Redis address for sessions; empty uses in-memory sessions
	OllamaURL   string `yaml:"ollama_url"`   // Ollama base URL (default "http://localhost:11434")
	OllamaModel string `yaml:"ollama_model"` // Vision model name (default "llava")

	WakeInterval    time.Duration `yaml:"wake_interval"`    // Scheduler pass interval (default 2s)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Terminal-job sweep interval (default 1h)
	AdminsFile      string        `yaml:"admins_file"`      // Optional JSON file listing admin subjects
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		LogLevel:        "info",
		LogFormat:       "text",
		OllamaURL:       "http://localhost:11434",
		OllamaModel:     "llava",
		WakeInterval:    2 * time.Second,
		CleanupInterval: time.Hour,
	}
}

// LoadFile reads a YAML config file over the given base config.
// Fields absent from the file keep their base values.
func LoadFile(path string, base ServerConfig) (ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("reading config file: %w", err)
	}

	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}
