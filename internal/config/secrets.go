package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Secrets sensitive configuration loaded from .secrets file. Keys missing
// from the file are looked up in the environment.
type Secrets struct {
	values map[string]string
}

// NewSecrets creates a new Secrets instance
func NewSecrets() *Secrets {
	return &Secrets{
		values: make(map[string]string),
	}
}

// SecretsPath returns the secrets file path
func SecretsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".secrets"), nil
}

// LoadSecrets loads secrets from the .secrets file
func LoadSecrets() (*Secrets, error) {
	secrets := NewSecrets()

	secretsPath, err := SecretsPath()
	if err != nil {
		return secrets, nil // Return empty secrets if path can't be determined
	}

	// Open and read the file
	file, err := os.Open(secretsPath)
	if os.IsNotExist(err) {
		return secrets, nil // Return empty secrets if file doesn't exist
	}
	if err != nil {
		return secrets, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		// Parse key=value pairs
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
			secrets.values[key] = value
		}
	}

	return secrets, scanner.Err()
}

// Get returns the value for a key, falling back to the environment
func (s *Secrets) Get(key string) string {
	if s != nil && s.values != nil {
		if v := s.values[key]; v != "" {
			return v
		}
	}
	return os.Getenv(key)
}

// GetOrDefault returns the value for a key, or the default value if not found
func (s *Secrets) GetOrDefault(key, defaultValue string) string {
	if value := s.Get(key); value != "" {
		return value
	}
	return defaultValue
}

// Has checks if a key exists in the file
func (s *Secrets) Has(key string) bool {
	if s == nil || s.values == nil {
		return false
	}
	_, ok := s.values[key]
	return ok
}

func (s *Secrets) first(keys ...string) string {
	for _, k := range keys {
		if v := s.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// GetModelAPIKey returns the key of an OpenAI-compatible chat API
func (s *Secrets) GetModelAPIKey() string {
	return s.first("MODEL_API_KEY", "OPENAI_API_KEY", "DEEPSEEK_API_KEY")
}

// GetAnthropicAPIKey returns the Anthropic API key
func (s *Secrets) GetAnthropicAPIKey() string {
	return s.first("ANTHROPIC_API_KEY", "MODEL_API_KEY")
}

// GetEmbeddingAPIKey returns the embedding API key
func (s *Secrets) GetEmbeddingAPIKey() string {
	return s.first("EMBEDDING_API_KEY", "OPENAI_API_KEY")
}

// GetWebSearchAPIKey returns the Web Search API key from secrets
func (s *Secrets) GetWebSearchAPIKey() string {
	return s.Get("WEB_SEARCH_API_KEY")
}

// GetServerAPIKey returns the bearer token required by the HTTP API
func (s *Secrets) GetServerAPIKey() string {
	return s.Get("SERVER_API_KEY")
}

// GetDatabaseURL returns a database URL overriding the config file
func (s *Secrets) GetDatabaseURL() string {
	return s.Get("DATABASE_URL")
}
