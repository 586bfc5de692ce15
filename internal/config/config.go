// Package config handles Scribe configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/scribe/config.yaml, /etc/scribe/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "scribe", "config.yaml"))
	}

	paths = append(paths, "/etc/scribe/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Scribe configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Model      string           `yaml:"model"`
	Agent      AgentConfig      `yaml:"agent"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Search     SearchConfig     `yaml:"search"`
	Email      EmailConfig      `yaml:"email"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	// GeneralStepLimit is the per-turn step budget in general mode.
	// One trailing step is always reserved for the synthesis response.
	GeneralStepLimit int `yaml:"general_step_limit"`
	// DeepStepLimit is the per-turn step budget in deep mode.
	DeepStepLimit int `yaml:"deep_step_limit"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`   // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"baseurl"` // Ollama URL
}

// SearchConfig defines web search provider settings.
type SearchConfig struct {
	Primary string        `yaml:"primary"` // "brave" or "searxng"
	Brave   BraveConfig   `yaml:"brave"`
	SearXNG SearXNGConfig `yaml:"searxng"`
}

// BraveConfig holds the Brave Search API key.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// SearXNGConfig holds the SearXNG instance URL.
type SearXNGConfig struct {
	BaseURL string `yaml:"baseurl"`
}

// EmailConfig defines outbound SMTP settings for the send_email tool.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	StartTLS bool   `yaml:"starttls"`
}

// Configured reports whether SMTP delivery is usable.
func (c EmailConfig) Configured() bool {
	return c.Host != "" && c.From != ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Model:  "claude-sonnet-4-20250514",
		Agent: AgentConfig{
			GeneralStepLimit: 7,
			DeepStepLimit:    12,
		},
		DataDir: "data",
	}
}
