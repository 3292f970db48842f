package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hession/researchmate/internal/apperr"
	"github.com/hession/researchmate/internal/knowledge"
	"github.com/hession/researchmate/internal/recall"
)

var (
	// configDir is the configuration directory path
	// Can be set via SetConfigDir before loading config
	configDir     string
	configDirInit bool
)

// SetConfigDir sets a custom configuration directory
// Must be called before any config loading functions
func SetConfigDir(dir string) {
	configDir = dir
	configDirInit = true
}

// GetConfigDir returns the configuration directory
// Priority: 1. Manually set via SetConfigDir, 2. ./config in current directory
func GetConfigDir() string {
	if !configDirInit {
		// Default to ./config in current working directory
		cwd, err := os.Getwd()
		if err == nil {
			configDir = filepath.Join(cwd, "config")
		}
		configDirInit = true
	}
	return configDir
}

// Config application configuration structure
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Database  DatabaseConfig  `yaml:"database"`
	Memory    MemoryConfig    `yaml:"memory"`
	Server    ServerConfig    `yaml:"server"`
	WebSearch WebSearchConfig `yaml:"web_search"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Report    ReportConfig    `yaml:"report"`
	Log       LogConfig       `yaml:"log"`
}

// ModelConfig LLM model configuration
type ModelConfig struct {
	Provider       string  `yaml:"provider"` // "openai" (any compatible API) | "anthropic"
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	ToolsEnabled   bool    `yaml:"tools_enabled"`
}

// EmbeddingConfig embedding model configuration
type EmbeddingConfig struct {
	Provider       string  `yaml:"provider"` // "hashing" (local) | "openai"
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	Dimension      int     `yaml:"dimension"`
	CacheEntries   int64   `yaml:"cache_entries"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// DatabaseConfig storage configuration
type DatabaseConfig struct {
	// URL is a SQLite file path or a postgres:// URL
	URL string `yaml:"url"`
}

// MemoryConfig conversation memory configuration
type MemoryConfig struct {
	Preset               string               `yaml:"preset"`
	LastMessages         int                  `yaml:"last_messages"`   // overrides the preset when > 0
	SemanticRecall       *recall.RecallConfig `yaml:"semantic_recall"` // overrides the preset when set
	DisableRecall        bool                 `yaml:"disable_recall"`
	MinScore             float64              `yaml:"min_score"`
	RecallTimeoutSeconds int                  `yaml:"recall_timeout_seconds"`
	IndexName            string               `yaml:"index_name"`
	StrictPhases         bool                 `yaml:"strict_phase_transitions"`
	Persistence          string               `yaml:"persistence"`    // "rows" | "thread"
	VectorBackend        string               `yaml:"vector_backend"` // "sql" | "pgvector" | "chromem"
}

// ServerConfig HTTP API configuration
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	APIKey         string   `yaml:"api_key"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSearchConfig web search configuration
type WebSearchConfig struct {
	Provider       string  `yaml:"provider"`
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	DefaultLimit   int     `yaml:"default_limit"`
	UserAgent      string  `yaml:"user_agent"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
}

// KnowledgeConfig long-term knowledge base configuration
type KnowledgeConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Collections []string `yaml:"collections"`
	TopK        int      `yaml:"top_k"`
	MinScore    float64  `yaml:"min_score"`
}

// ReportConfig report writer configuration
type ReportConfig struct {
	Dir           string `yaml:"dir"` // empty keeps reports off disk
	MaxInputChars int    `yaml:"max_input_chars"`
	Retries       int    `yaml:"retries"`
}

// LogConfig logging configuration
type LogConfig struct {
	Level   string `yaml:"level"`
	MaxDays int    `yaml:"max_days"`
	Console bool   `yaml:"console"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Model: ModelConfig{
			Provider:       "openai",
			APIKey:         "",
			BaseURL:        "https://api.deepseek.com",
			Model:          "deepseek-chat",
			Temperature:    0.7,
			MaxTokens:      4096,
			TimeoutSeconds: 120,
			ToolsEnabled:   true,
		},
		Embedding: EmbeddingConfig{
			Provider:       "hashing",
			BaseURL:        "https://api.openai.com",
			Model:          "text-embedding-3-small",
			Dimension:      256,
			CacheEntries:   10000,
			RateLimitRPS:   5,
			TimeoutSeconds: 30,
		},
		Database: DatabaseConfig{
			URL: filepath.Join(homeDir, ".researchmate", "researchmate.db"),
		},
		Memory: MemoryConfig{
			Preset:               "default",
			RecallTimeoutSeconds: 10,
			IndexName:            recall.DefaultIndexName,
			Persistence:          "rows",
			VectorBackend:        "sql",
		},
		Server: ServerConfig{
			Addr:           ":8080",
			RateLimitRPS:   10,
			RateLimitBurst: 20,
			AllowedOrigins: []string{"*"},
		},
		WebSearch: WebSearchConfig{
			Provider:       "duckduckgo",
			BaseURL:        "https://api.duckduckgo.com",
			APIKey:         "",
			TimeoutSeconds: 15,
			DefaultLimit:   5,
			UserAgent:      "ResearchMate/0.1",
			RateLimitRPS:   1,
		},
		Knowledge: KnowledgeConfig{
			Enabled:     true,
			Collections: append([]string(nil), knowledge.DefaultCollections...),
			TopK:        5,
		},
		Report: ReportConfig{
			Dir:           filepath.Join(homeDir, ".researchmate", "reports"),
			MaxInputChars: 50000,
			Retries:       2,
		},
		Log: LogConfig{
			Level:   "info",
			MaxDays: 7,
			Console: false,
		},
	}
}

// ConfigDir returns the configuration directory path
func ConfigDir() (string, error) {
	dir := GetConfigDir()
	if dir == "" {
		return "", fmt.Errorf("failed to determine config directory")
	}
	return dir, nil
}

// LogDir returns the log directory path
func LogDir() string {
	dir := GetConfigDir()
	if dir == "" {
		return "logs"
	}
	return filepath.Join(dir, "logs")
}

// ConfigPath returns the configuration file path
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load loads configuration from file and merges with secrets
func Load() (*Config, error) {
	configPath, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets: %w", err)
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config file doesn't exist, create default config without credentials
		cfg := DefaultConfig()
		if err := Save(cfg); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		cfg.applySecrets(secrets)
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse config
	cfg := DefaultConfig() // Use default values as base
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperr.Configuration("failed to parse config file: %v", err)
	}
	cfg.applySecrets(secrets)

	// Validate config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applySecrets fills credentials not set in the config file
func (c *Config) applySecrets(s *Secrets) {
	fill := func(dst *string, value string) {
		if *dst == "" {
			*dst = value
		}
	}
	if strings.EqualFold(c.Model.Provider, "anthropic") {
		fill(&c.Model.APIKey, s.GetAnthropicAPIKey())
	} else {
		fill(&c.Model.APIKey, s.GetModelAPIKey())
	}
	fill(&c.Embedding.APIKey, s.GetEmbeddingAPIKey())
	fill(&c.WebSearch.APIKey, s.GetWebSearchAPIKey())
	fill(&c.Server.APIKey, s.GetServerAPIKey())
	if url := s.GetDatabaseURL(); url != "" {
		c.Database.URL = url
	}
}

// Save saves configuration to file
func Save(cfg *Config) error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure config directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Serialize config
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	// Add header comment
	content := "# ResearchMate Configuration File\n# Credentials belong in .secrets next to this file.\n\n" + string(data)

	// Write file
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate model config
	switch strings.ToLower(c.Model.Provider) {
	case "openai", "anthropic":
	default:
		return apperr.Configuration("config error: model.provider must be openai or anthropic, got %q", c.Model.Provider)
	}
	if c.Model.BaseURL == "" && !strings.EqualFold(c.Model.Provider, "anthropic") {
		return apperr.Configuration("config error: model.base_url cannot be empty")
	}
	if c.Model.Model == "" {
		return apperr.Configuration("config error: model.model cannot be empty")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return apperr.Configuration("config error: model.temperature must be between 0 and 2")
	}
	if c.Model.MaxTokens <= 0 {
		return apperr.Configuration("config error: model.max_tokens must be greater than 0")
	}
	if c.Model.TimeoutSeconds <= 0 {
		return apperr.Configuration("config error: model.timeout_seconds must be greater than 0")
	}

	// Validate embedding config
	switch strings.ToLower(c.Embedding.Provider) {
	case "hashing":
	case "openai":
		if c.Embedding.BaseURL == "" || c.Embedding.Model == "" {
			return apperr.Configuration("config error: embedding.base_url and embedding.model are required for the openai provider")
		}
	default:
		return apperr.Configuration("config error: embedding.provider must be hashing or openai, got %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return apperr.Configuration("config error: embedding.dimension must be greater than 0")
	}

	// Validate database config
	if strings.TrimSpace(c.Database.URL) == "" {
		return apperr.Configuration("config error: database.url cannot be empty")
	}

	// Validate memory config
	if _, err := c.Memory.Policy(); err != nil {
		return apperr.Configuration("config error: memory: %v", err)
	}
	if c.Memory.RecallTimeoutSeconds <= 0 {
		return apperr.Configuration("config error: memory.recall_timeout_seconds must be greater than 0")
	}
	if c.Memory.MinScore < -1 || c.Memory.MinScore > 1 {
		return apperr.Configuration("config error: memory.min_score must be between -1 and 1")
	}
	switch c.Memory.Persistence {
	case "rows", "thread":
	default:
		return apperr.Configuration("config error: memory.persistence must be rows or thread, got %q", c.Memory.Persistence)
	}
	switch c.Memory.VectorBackend {
	case "sql", "chromem":
	case "pgvector":
		if !c.IsPostgres() {
			return apperr.Configuration("config error: memory.vector_backend pgvector needs a postgres database.url")
		}
	default:
		return apperr.Configuration("config error: memory.vector_backend must be sql, pgvector or chromem, got %q", c.Memory.VectorBackend)
	}

	// Validate server config
	if c.Server.Addr == "" {
		return apperr.Configuration("config error: server.addr cannot be empty")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		return apperr.Configuration("config error: server rate limits cannot be negative")
	}

	// Validate web search config
	provider := strings.ToLower(strings.TrimSpace(c.WebSearch.Provider))
	if provider == "" {
		provider = "duckduckgo"
	}
	if provider == "searxng" && strings.TrimSpace(c.WebSearch.BaseURL) == "" {
		return apperr.Configuration("config error: web_search.base_url cannot be empty for searxng provider")
	}
	if c.WebSearch.TimeoutSeconds <= 0 {
		return apperr.Configuration("config error: web_search.timeout_seconds must be greater than 0")
	}
	if c.WebSearch.DefaultLimit <= 0 {
		return apperr.Configuration("config error: web_search.default_limit must be greater than 0")
	}

	// Validate knowledge config
	if c.Knowledge.Enabled {
		if len(c.Knowledge.Collections) == 0 {
			return apperr.Configuration("config error: knowledge.collections cannot be empty")
		}
		for _, name := range c.Knowledge.Collections {
			if !knowledge.ValidCollectionName(name) {
				return apperr.Configuration("config error: knowledge collection %q must match [a-z0-9_]+", name)
			}
		}
		if c.Knowledge.TopK <= 0 {
			return apperr.Configuration("config error: knowledge.top_k must be greater than 0")
		}
		if c.Knowledge.MinScore < -1 || c.Knowledge.MinScore > 1 {
			return apperr.Configuration("config error: knowledge.min_score must be between -1 and 1")
		}
	}

	// Validate report config
	if c.Report.MaxInputChars <= 0 {
		return apperr.Configuration("config error: report.max_input_chars must be greater than 0")
	}
	if c.Report.Retries < 0 {
		return apperr.Configuration("config error: report.retries cannot be negative")
	}

	return nil
}

// RequireCredentials checks the API keys needed to talk to the model and,
// when remote, the embedding service
func (c *Config) RequireCredentials() error {
	if !c.IsAPIKeyConfigured() {
		return apperr.Configuration("config error: model API key is not configured (set it in %s)", secretsHint())
	}
	if strings.EqualFold(c.Embedding.Provider, "openai") && c.Embedding.APIKey == "" {
		return apperr.Configuration("config error: embedding API key is not configured (set EMBEDDING_API_KEY in %s)", secretsHint())
	}
	return nil
}

func secretsHint() string {
	if path, err := SecretsPath(); err == nil {
		return path
	}
	return ".secrets"
}

// Policy resolves the conversation memory policy from the preset and overrides
func (m MemoryConfig) Policy() (recall.Policy, error) {
	name := m.Preset
	if name == "" {
		name = "default"
	}
	p, err := recall.PolicyByName(name)
	if err != nil {
		return recall.Policy{}, err
	}
	if m.LastMessages > 0 {
		p.RecentMessageCount = m.LastMessages
	}
	if m.SemanticRecall != nil {
		rc := *m.SemanticRecall
		if rc.Scope == "" {
			rc.Scope = recall.ScopeResource
		}
		p.SemanticRecall = &rc
	}
	if m.DisableRecall {
		p.SemanticRecall = nil
	}
	if err := p.Validate(); err != nil {
		return recall.Policy{}, err
	}
	return p, nil
}

// RecallTimeout returns the embedding and vector query budget
func (m MemoryConfig) RecallTimeout() time.Duration {
	return time.Duration(m.RecallTimeoutSeconds) * time.Second
}

// ModelTimeout returns the model call budget
func (c *Config) ModelTimeout() time.Duration {
	return time.Duration(c.Model.TimeoutSeconds) * time.Second
}

// IsPostgres reports whether the database URL points at PostgreSQL
func (c *Config) IsPostgres() bool {
	u := c.Database.URL
	return strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://")
}

// IsAPIKeyConfigured checks if API key is configured
func (c *Config) IsAPIKeyConfigured() bool {
	return c.Model.APIKey != ""
}

// String returns string representation of config (hides sensitive info)
func (c *Config) String() string {
	return fmt.Sprintf(`ResearchMate Configuration:
  Model:
    Provider: %s
    API Key: %s
    Base URL: %s
    Model: %s
    Temperature: %.1f
    Max Tokens: %d
    Timeout Seconds: %d
    Tools Enabled: %v
  Embedding:
    Provider: %s
    API Key: %s
    Model: %s
    Dimension: %d
  Database:
    URL: %s
  Memory:
    Preset: %s
    Last Messages: %d
    Persistence: %s
    Vector Backend: %s
    Strict Phases: %v
  Server:
    Addr: %s
    API Key: %s
  Web Search:
    Provider: %s
    Base URL: %s
    API Key: %s
    Timeout Seconds: %d
    Default Limit: %d
    User Agent: %s
  Knowledge:
    Enabled: %v
    Collections: %s
    Top K: %d
  Report:
    Dir: %s
    Max Input Chars: %d
  Log:
    Level: %s
    Max Days: %d`,
		c.Model.Provider,
		redactAPIKey(c.Model.APIKey),
		c.Model.BaseURL,
		c.Model.Model,
		c.Model.Temperature,
		c.Model.MaxTokens,
		c.Model.TimeoutSeconds,
		c.Model.ToolsEnabled,
		c.Embedding.Provider,
		redactAPIKey(c.Embedding.APIKey),
		c.Embedding.Model,
		c.Embedding.Dimension,
		redactURL(c.Database.URL),
		c.Memory.Preset,
		c.Memory.LastMessages,
		c.Memory.Persistence,
		c.Memory.VectorBackend,
		c.Memory.StrictPhases,
		c.Server.Addr,
		redactAPIKey(c.Server.APIKey),
		c.WebSearch.Provider,
		c.WebSearch.BaseURL,
		redactAPIKey(c.WebSearch.APIKey),
		c.WebSearch.TimeoutSeconds,
		c.WebSearch.DefaultLimit,
		c.WebSearch.UserAgent,
		c.Knowledge.Enabled,
		strings.Join(c.Knowledge.Collections, ", "),
		c.Knowledge.TopK,
		c.Report.Dir,
		c.Report.MaxInputChars,
		c.Log.Level,
		c.Log.MaxDays,
	)
}

func redactAPIKey(value string) string {
	if value == "" {
		return "(not configured)"
	}
	if len(value) > 8 {
		return value[:8] + "..." // Only show first 8 chars
	}
	return "***"
}

// redactURL hides the password of a database URL
func redactURL(value string) string {
	at := strings.LastIndex(value, "@")
	scheme := strings.Index(value, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return value
	}
	userinfo := value[scheme+3 : at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		return value[:scheme+3] + userinfo[:colon] + ":***" + value[at:]
	}
	return value
}
