package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath is the environment variable naming the JSON config file.
const EnvConfigPath = "ENTITYRAG_CONFIG"

// Config holds all service configuration. Every field has a default so the
// service starts with no config file at all.
type Config struct {
	DataDir         string  `json:"data_dir"`
	BackendPort     int     `json:"backend_port"`
	EmbeddingsModel string  `json:"embeddings_model"`
	GPTModel        string  `json:"gpt_model"`
	Temperature     float64 `json:"temperature"`

	// Chunker service. Empty base URL forces the fixed-size fallback.
	ChunkerBaseURL string `json:"chunker_base_url"`

	// LLM endpoint. Azure fields take precedence when Deployment is set.
	LLMEndpoint   string `json:"llm_endpoint"`
	LLMAPIKey     string `json:"llm_api_key"`
	LLMDeployment string `json:"llm_deployment"`
	LLMAPIVersion string `json:"llm_api_version"`

	// Embedder endpoint; defaults to the LLM endpoint when empty.
	EmbeddingsEndpoint string `json:"embeddings_endpoint"`
	EmbeddingsAPIKey   string `json:"embeddings_api_key"`

	// Pricing overrides merged over the built-in table:
	// model -> [input $/M, output $/M, cached read $/M].
	PricingOverrides map[string][3]float64 `json:"pricing_overrides,omitempty"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:         "./data",
		BackendPort:     8009,
		EmbeddingsModel: "text-embedding-3-small",
		GPTModel:        "gpt-4o",
		Temperature:     0.2,
		LLMAPIVersion:   "2024-08-01-preview",
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// Load reads the config file named by ENTITYRAG_CONFIG, merging it over the
// defaults. A missing env var or file yields the defaults; a malformed file
// is an error.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv(EnvConfigPath)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// StorageDir returns the global KV root.
func (c *Config) StorageDir() string {
	return filepath.Join(c.DataDir, "storage")
}

// EntitiesDir returns the root of per-entity directories.
func (c *Config) EntitiesDir() string {
	return filepath.Join(c.DataDir, "entities")
}

// UploadsDir returns the transient upload landing directory.
func (c *Config) UploadsDir() string {
	return filepath.Join(c.DataDir, "uploads")
}

// EnsureDirs creates the on-disk layout rooted at DataDir.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.StorageDir(), c.EntitiesDir(), c.UploadsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
