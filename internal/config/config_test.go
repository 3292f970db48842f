package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hession/researchmate/internal/apperr"
	"github.com/hession/researchmate/internal/recall"
)

func useTempConfigDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "config")
	SetConfigDir(dir)
	t.Cleanup(func() { configDirInit = false })
	return dir
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Model.BaseURL != "https://api.deepseek.com" {
		t.Errorf("Expected BaseURL to be https://api.deepseek.com, got %s", cfg.Model.BaseURL)
	}

	if cfg.Model.Provider != "openai" {
		t.Errorf("Expected Provider to be openai, got %s", cfg.Model.Provider)
	}

	if cfg.WebSearch.Provider != "duckduckgo" {
		t.Errorf("Expected WebSearch provider to be duckduckgo, got %s", cfg.WebSearch.Provider)
	}

	if cfg.Memory.Persistence != "rows" || cfg.Memory.VectorBackend != "sql" {
		t.Errorf("Unexpected memory defaults: %+v", cfg.Memory)
	}

	if !cfg.Knowledge.Enabled || len(cfg.Knowledge.Collections) != 3 || cfg.Knowledge.TopK != 5 {
		t.Errorf("Unexpected knowledge defaults: %+v", cfg.Knowledge)
	}

	if cfg.Report.MaxInputChars != 50000 || !strings.HasSuffix(cfg.Report.Dir, "reports") {
		t.Errorf("Unexpected report defaults: %+v", cfg.Report)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"empty BaseURL", func(c *Config) { c.Model.BaseURL = "" }},
		{"invalid Temperature", func(c *Config) { c.Model.Temperature = 3.0 }},
		{"unknown model provider", func(c *Config) { c.Model.Provider = "llama" }},
		{"unknown preset", func(c *Config) { c.Memory.Preset = "huge" }},
		{"negative recall topK", func(c *Config) { c.Memory.SemanticRecall = &recall.RecallConfig{TopK: -1} }},
		{"bad persistence", func(c *Config) { c.Memory.Persistence = "files" }},
		{"pgvector on sqlite", func(c *Config) { c.Memory.VectorBackend = "pgvector" }},
		{"empty database", func(c *Config) { c.Database.URL = " " }},
		{"searxng without url", func(c *Config) { c.WebSearch.Provider = "searxng"; c.WebSearch.BaseURL = "" }},
		{"bad embedding provider", func(c *Config) { c.Embedding.Provider = "onnx" }},
		{"bad collection name", func(c *Config) { c.Knowledge.Collections = []string{"Research Notes"} }},
		{"no collections", func(c *Config) { c.Knowledge.Collections = nil }},
		{"knowledge topK", func(c *Config) { c.Knowledge.TopK = 0 }},
		{"report input size", func(c *Config) { c.Report.MaxInputChars = 0 }},
		{"negative report retries", func(c *Config) { c.Report.Retries = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !apperr.IsConfiguration(err) {
				t.Errorf("Expected configuration error, got %v", err)
			}
			if !strings.Contains(err.Error(), "config error") {
				t.Errorf("Unexpected message: %v", err)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Model.Provider = "anthropic"
	cfg.Model.BaseURL = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("anthropic needs no base url: %v", err)
	}

	cfg = DefaultConfig()
	cfg.Knowledge.Enabled = false
	cfg.Knowledge.Collections = nil
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled knowledge base needs no collections: %v", err)
	}

	cfg = DefaultConfig()
	cfg.Database.URL = "postgres://user:pw@localhost/db"
	cfg.Memory.VectorBackend = "pgvector"
	if err := cfg.Validate(); err != nil {
		t.Errorf("pgvector on postgres should be valid: %v", err)
	}
}

func TestMemoryPolicy(t *testing.T) {
	m := DefaultConfig().Memory
	p, err := m.Policy()
	if err != nil {
		t.Fatal(err)
	}
	if p.RecentMessageCount != 20 || p.SemanticRecall == nil || p.SemanticRecall.TopK != 3 {
		t.Errorf("Unexpected default policy: %+v", p)
	}

	m.Preset = "research"
	m.LastMessages = 12
	m.SemanticRecall = &recall.RecallConfig{TopK: 7, MessageRange: 1}
	p, err = m.Policy()
	if err != nil {
		t.Fatal(err)
	}
	if p.RecentMessageCount != 12 || p.SemanticRecall.TopK != 7 || p.SemanticRecall.Scope != recall.ScopeResource {
		t.Errorf("Overrides not applied: %+v %+v", p, p.SemanticRecall)
	}

	m.DisableRecall = true
	p, _ = m.Policy()
	if p.SemanticRecall != nil {
		t.Error("DisableRecall should drop semantic recall")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := useTempConfigDir(t)

	// Create and save config
	cfg := DefaultConfig()
	cfg.Model.APIKey = "test-api-key"
	cfg.Memory.Preset = "analysis"

	if err := Save(cfg); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	// Verify file exists
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); os.IsNotExist(err) {
		t.Fatal("Config file not created")
	}

	// Load config
	loadedCfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if loadedCfg.Model.APIKey != cfg.Model.APIKey {
		t.Errorf("API Key mismatch: expected %s, got %s", cfg.Model.APIKey, loadedCfg.Model.APIKey)
	}
	if loadedCfg.Memory.Preset != "analysis" {
		t.Errorf("Preset mismatch: got %s", loadedCfg.Memory.Preset)
	}
}

func TestLoad_CreatesDefaultWithoutSecrets(t *testing.T) {
	dir := useTempConfigDir(t)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	secrets := "# credentials\nMODEL_API_KEY=sk-from-secrets-file\nexport SERVER_API_KEY=\"token\"\n"
	if err := os.WriteFile(filepath.Join(dir, ".secrets"), []byte(secrets), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Model.APIKey != "sk-from-secrets-file" || cfg.Server.APIKey != "token" {
		t.Errorf("Secrets not merged: model=%q server=%q", cfg.Model.APIKey, cfg.Server.APIKey)
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-from-secrets-file") {
		t.Error("Secrets must not be written to config.yaml")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := useTempConfigDir(t)
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("model: [unclosed"), 0644)

	if _, err := Load(); !apperr.IsConfiguration(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestSecrets_EnvFallback(t *testing.T) {
	t.Setenv("WEB_SEARCH_API_KEY", "from-env")
	s := NewSecrets()
	if got := s.GetWebSearchAPIKey(); got != "from-env" {
		t.Errorf("Expected env fallback, got %q", got)
	}
	s.values["WEB_SEARCH_API_KEY"] = "from-file"
	if got := s.GetWebSearchAPIKey(); got != "from-file" {
		t.Errorf("File value should win, got %q", got)
	}
	if !s.Has("WEB_SEARCH_API_KEY") || s.Has("MISSING") {
		t.Error("Has should only report file keys")
	}
}

func TestRequireCredentials(t *testing.T) {
	useTempConfigDir(t)
	cfg := DefaultConfig()

	if err := cfg.RequireCredentials(); !apperr.IsConfiguration(err) {
		t.Errorf("Missing model key should be a configuration error, got %v", err)
	}

	cfg.Model.APIKey = "test-key"
	if !cfg.IsAPIKeyConfigured() {
		t.Error("Should return true after setting API Key")
	}
	if err := cfg.RequireCredentials(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	cfg.Embedding.Provider = "openai"
	if err := cfg.RequireCredentials(); err == nil {
		t.Error("Remote embeddings need a key")
	}
}

func TestString_Redacts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.APIKey = "sk-1234567890abcdef"
	cfg.Database.URL = "postgres://admin:hunter2@db:5432/app"

	s := cfg.String()
	if strings.Contains(s, "abcdef") || strings.Contains(s, "hunter2") {
		t.Errorf("String leaks secrets:\n%s", s)
	}
	if !strings.Contains(s, "postgres://admin:***@db:5432/app") {
		t.Errorf("Database URL not redacted as expected:\n%s", s)
	}
}

func TestPromptConfig(t *testing.T) {
	p := DefaultPromptConfig()
	if p.GetErrorPrefix() != "Error" {
		t.Errorf("Unexpected error prefix %q", p.GetErrorPrefix())
	}
	if !strings.Contains(p.GetResearchPrompt(), "search_web") {
		t.Error("Research prompt should describe the tools")
	}

	if !strings.Contains(p.GetKnowledgePrompt(), "retrieve_knowledge") ||
		!strings.HasPrefix(p.GetKnowledgePrompt(), p.GetResearchPrompt()) {
		t.Error("Knowledge prompt should extend the research prompt")
	}
	analysis, format := p.GetReportPrompts()
	if analysis == "" || format == "" {
		t.Error("Report prompts should have defaults")
	}

	p.Language = "zh"
	if p.GetErrorPrefix() != "错误" {
		t.Errorf("Unexpected zh error prefix %q", p.GetErrorPrefix())
	}

	p.Language = "fr"
	if p.GetSystemPrompt() != p.Prompts["en"].System {
		t.Error("Unknown language should fall back to English")
	}
}
