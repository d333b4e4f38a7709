// Package catalog holds the list of sources the scheduler refreshes.
package catalog

import (
	"context"
	"fmt"
	"os"

	"fixturesync/internal/config"
	"fixturesync/internal/models"

	"gopkg.in/yaml.v2"
)

// StaticCatalog is a fixed, validated list of sources.
type StaticCatalog struct {
	sources []models.Source
}

// New validates sources and builds a catalog from them.
func New(sources []models.Source) (*StaticCatalog, error) {
	if err := config.ValidateSources(sources); err != nil {
		return nil, err
	}
	return &StaticCatalog{sources: cloneSources(sources)}, nil
}

type sourcesFile struct {
	Sources []models.Source `yaml:"sources"`
}

// LoadFile reads sources from a YAML file with a top-level "sources" list
// and appends them to extra.
func LoadFile(path string, extra ...models.Source) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	var file sourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse sources: %w", err)
	}
	all := append(cloneSources(extra), file.Sources...)
	if len(all) == 0 {
		return nil, fmt.Errorf("no sources in %s", path)
	}
	return New(all)
}

// FromConfig builds the catalog from the inline sources and, when set,
// the sources file.
func FromConfig(cfg *config.Config) (*StaticCatalog, error) {
	if cfg.SourcesFile != "" {
		return LoadFile(cfg.SourcesFile, cfg.Sources...)
	}
	return New(cfg.Sources)
}

// ListSources returns a copy so callers may reorder it.
func (c *StaticCatalog) ListSources(_ context.Context) ([]models.Source, error) {
	return cloneSources(c.sources), nil
}

// Get looks a source up by key.
func (c *StaticCatalog) Get(key string) (models.Source, bool) {
	for _, src := range c.sources {
		if src.Key == key {
			return cloneSource(src), true
		}
	}
	return models.Source{}, false
}

func (c *StaticCatalog) Len() int { return len(c.sources) }

func cloneSources(in []models.Source) []models.Source {
	out := make([]models.Source, len(in))
	for i, src := range in {
		out[i] = cloneSource(src)
	}
	return out
}

func cloneSource(src models.Source) models.Source {
	if src.Params != nil {
		params := make(map[string]string, len(src.Params))
		for k, v := range src.Params {
			params[k] = v
		}
		src.Params = params
	}
	return src
}
