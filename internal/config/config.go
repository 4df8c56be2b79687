// Package config loads deepscholar configuration from YAML.
// The config file lives at <workspace>/.scholar/config.yaml; every field has a
// sensible default so a missing file yields a working local setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	// Workspace root; defaults to the current directory.
	Workspace string `yaml:"workspace"`

	// LLM provider configuration.
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine configuration.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Research loop tuning.
	Research ResearchConfig `yaml:"research"`

	// Outbound request courtesy tuning.
	Courtesy CourtesyConfig `yaml:"courtesy"`

	// Search lane toggles.
	Engines EngineConfig `yaml:"engines"`

	// Persistence settings.
	Store StoreConfig `yaml:"store"`

	// Debug logging settings.
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig selects the text-generation provider.
type LLMConfig struct {
	// Provider: "genai", "anthropic" or "ollama".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	GenAIAPIKey     string `yaml:"genai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OllamaEndpoint  string `yaml:"ollama_endpoint"`
	OllamaModel     string `yaml:"ollama_model"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	// Provider: "ollama", "genai" or "none".
	Provider       string `yaml:"provider"`
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
}

// ResearchConfig tunes the research loop.
type ResearchConfig struct {
	TargetSources   int           `yaml:"target_sources"`
	MaxIterations   int           `yaml:"max_iterations"`
	SearchPoolSize  int           `yaml:"search_pool_size"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	MaxContentBytes int64         `yaml:"max_content_bytes"`
	ChunkSize       int           `yaml:"chunk_size"`
	ChunkOverlap    int           `yaml:"chunk_overlap"`
	UserAgent       string        `yaml:"user_agent"`
}

// UnmarshalYAML decodes durations from "45s"-style strings, which yaml.v3
// does not do for time.Duration on its own. Absent fields keep their
// current (default) values.
func (r *ResearchConfig) UnmarshalYAML(value *yaml.Node) error {
	type alias struct {
		TargetSources   int    `yaml:"target_sources"`
		MaxIterations   int    `yaml:"max_iterations"`
		SearchPoolSize  int    `yaml:"search_pool_size"`
		FetchTimeout    string `yaml:"fetch_timeout"`
		MaxContentBytes int64  `yaml:"max_content_bytes"`
		ChunkSize       int    `yaml:"chunk_size"`
		ChunkOverlap    int    `yaml:"chunk_overlap"`
		UserAgent       string `yaml:"user_agent"`
	}
	a := alias{
		TargetSources:   r.TargetSources,
		MaxIterations:   r.MaxIterations,
		SearchPoolSize:  r.SearchPoolSize,
		FetchTimeout:    r.FetchTimeout.String(),
		MaxContentBytes: r.MaxContentBytes,
		ChunkSize:       r.ChunkSize,
		ChunkOverlap:    r.ChunkOverlap,
		UserAgent:       r.UserAgent,
	}
	if err := value.Decode(&a); err != nil {
		return err
	}
	timeout, err := time.ParseDuration(a.FetchTimeout)
	if err != nil {
		return fmt.Errorf("fetch_timeout: %w", err)
	}
	r.TargetSources = a.TargetSources
	r.MaxIterations = a.MaxIterations
	r.SearchPoolSize = a.SearchPoolSize
	r.FetchTimeout = timeout
	r.MaxContentBytes = a.MaxContentBytes
	r.ChunkSize = a.ChunkSize
	r.ChunkOverlap = a.ChunkOverlap
	r.UserAgent = a.UserAgent
	return nil
}

// CourtesyConfig tunes per-domain politeness.
type CourtesyConfig struct {
	PerDomainSlots  int           `yaml:"per_domain_slots"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxJitter       time.Duration `yaml:"max_jitter"`
	FailureLimit    int           `yaml:"failure_limit"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// UnmarshalYAML decodes the delay fields from duration strings.
func (c *CourtesyConfig) UnmarshalYAML(value *yaml.Node) error {
	type alias struct {
		PerDomainSlots  int    `yaml:"per_domain_slots"`
		BaseDelay       string `yaml:"base_delay"`
		MaxJitter       string `yaml:"max_jitter"`
		FailureLimit    int    `yaml:"failure_limit"`
		BreakerCooldown string `yaml:"breaker_cooldown"`
	}
	a := alias{
		PerDomainSlots:  c.PerDomainSlots,
		BaseDelay:       c.BaseDelay.String(),
		MaxJitter:       c.MaxJitter.String(),
		FailureLimit:    c.FailureLimit,
		BreakerCooldown: c.BreakerCooldown.String(),
	}
	if err := value.Decode(&a); err != nil {
		return err
	}
	baseDelay, err := time.ParseDuration(a.BaseDelay)
	if err != nil {
		return fmt.Errorf("base_delay: %w", err)
	}
	maxJitter, err := time.ParseDuration(a.MaxJitter)
	if err != nil {
		return fmt.Errorf("max_jitter: %w", err)
	}
	cooldown, err := time.ParseDuration(a.BreakerCooldown)
	if err != nil {
		return fmt.Errorf("breaker_cooldown: %w", err)
	}
	c.PerDomainSlots = a.PerDomainSlots
	c.BaseDelay = baseDelay
	c.MaxJitter = maxJitter
	c.FailureLimit = a.FailureLimit
	c.BreakerCooldown = cooldown
	return nil
}

// EngineConfig toggles individual search lanes.
type EngineConfig struct {
	DuckDuckGo bool   `yaml:"duckduckgo"`
	Wikipedia  bool   `yaml:"wikipedia"`
	SearxNG    bool   `yaml:"searxng"`
	SearxURL   string `yaml:"searx_url"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls the category file logs.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Workspace: ".",
		LLM: LLMConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "llama3.1",
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},
		Research: ResearchConfig{
			TargetSources:   8,
			MaxIterations:   3,
			SearchPoolSize:  6,
			FetchTimeout:    45 * time.Second,
			MaxContentBytes: 2 << 20,
			ChunkSize:       1200,
			ChunkOverlap:    150,
			UserAgent:       "deepscholar/0.3 (research assistant)",
		},
		Courtesy: CourtesyConfig{
			PerDomainSlots:  2,
			BaseDelay:       750 * time.Millisecond,
			MaxJitter:       500 * time.Millisecond,
			FailureLimit:    3,
			BreakerCooldown: 60 * time.Second,
		},
		Engines: EngineConfig{
			DuckDuckGo: true,
			Wikipedia:  true,
			SearxNG:    false,
			SearxURL:   "https://searx.be",
		},
		Store: StoreConfig{
			Path: filepath.Join(".scholar", "scholar.db"),
		},
		Logging: LoggingConfig{
			Debug: false,
			Level: "info",
		},
	}
}

// Load reads the config file under workspace, layering it over defaults.
// A missing file is not an error.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	if workspace != "" {
		cfg.Workspace = workspace
	}

	path := filepath.Join(cfg.Workspace, ".scholar", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.normalize()
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets environment variables supply API keys so they stay out of the
// config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.LLM.GenAIAPIKey == "" {
		c.LLM.GenAIAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.Embedding.GenAIAPIKey == "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.LLM.AnthropicAPIKey == "" {
		c.LLM.AnthropicAPIKey = v
	}
}

// normalize clamps nonsense values back to defaults.
func (c *Config) normalize() {
	def := Default()
	if c.Research.TargetSources <= 0 {
		c.Research.TargetSources = def.Research.TargetSources
	}
	if c.Research.MaxIterations <= 0 || c.Research.MaxIterations > 5 {
		c.Research.MaxIterations = def.Research.MaxIterations
	}
	if c.Research.SearchPoolSize <= 0 {
		c.Research.SearchPoolSize = def.Research.SearchPoolSize
	}
	if c.Research.ChunkSize <= 0 {
		c.Research.ChunkSize = def.Research.ChunkSize
	}
	if c.Research.ChunkOverlap < 0 || c.Research.ChunkOverlap >= c.Research.ChunkSize {
		c.Research.ChunkOverlap = def.Research.ChunkOverlap
		if c.Research.ChunkOverlap >= c.Research.ChunkSize {
			c.Research.ChunkOverlap = c.Research.ChunkSize / 8
		}
	}
	if c.Courtesy.PerDomainSlots <= 0 {
		c.Courtesy.PerDomainSlots = def.Courtesy.PerDomainSlots
	}
	if c.Courtesy.FailureLimit <= 0 {
		c.Courtesy.FailureLimit = def.Courtesy.FailureLimit
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
}
