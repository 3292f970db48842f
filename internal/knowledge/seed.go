package knowledge

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk seed layout. JSON parses as YAML, so either works.
type seedFile struct {
	Documents []Document `yaml:"documents"`
}

// LoadDocuments reads seed documents from path. The file holds either a
// top-level list or a `documents:` list.
func LoadDocuments(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var list []Document
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapped seedFile
	if err := yaml.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return wrapped.Documents, nil
}

// Seed creates every collection and stores docs.
func (b *Base) Seed(ctx context.Context, docs []Document) ([]string, error) {
	if err := b.Initialize(ctx); err != nil {
		return nil, err
	}
	return b.Add(ctx, docs)
}
