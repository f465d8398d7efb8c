// Package flags provides versioned feature-flag documents used to gate tools.
package flags

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/jsonc"
)

// DefaultEnvVar names the environment variable holding a JSON override map.
const DefaultEnvVar = "TOOLGATE_FEATURE_FLAGS"

// Document is the on-disk flag format. The file may contain comments.
type Document struct {
	Version   string          `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Flags     map[string]bool `json:"flags"`
}

type Provider interface {
	// Enabled reports whether key is on. Unknown keys are enabled.
	Enabled(key string) bool
	Refresh() error
	Snapshot() Document
}

// ToolKey returns the flag key gating a tool.
func ToolKey(toolName string) string {
	return "tool." + toolName
}

type FileProvider struct {
	path   string
	envVar string
	logger zerolog.Logger

	mu  sync.RWMutex
	doc Document
}

// NewFileProvider loads the flag document at path (optional) and applies the
// override map from envVar (DefaultEnvVar when empty).
func NewFileProvider(path, envVar string, logger zerolog.Logger) (*FileProvider, error) {
	if envVar == "" {
		envVar = DefaultEnvVar
	}
	p := &FileProvider{
		path:   path,
		envVar: envVar,
		logger: logger.With().Str("component", "flags").Logger(),
	}
	if err := p.Refresh(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FileProvider) Refresh() error {
	doc := Document{Flags: map[string]bool{}}

	if p.path != "" {
		data, err := os.ReadFile(p.path)
		if err != nil {
			return fmt.Errorf("failed to read flag file %s: %w", p.path, err)
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return fmt.Errorf("failed to parse flag file %s: %w", p.path, err)
		}
		if doc.Flags == nil {
			doc.Flags = map[string]bool{}
		}
	}

	if raw := os.Getenv(p.envVar); raw != "" {
		var overrides map[string]bool
		if err := json.Unmarshal(jsonc.ToJSON([]byte(raw)), &overrides); err != nil {
			return fmt.Errorf("failed to parse %s: %w", p.envVar, err)
		}
		maps.Copy(doc.Flags, overrides)
	}

	p.mu.Lock()
	p.doc = doc
	p.mu.Unlock()

	p.logger.Debug().Str("version", doc.Version).Int("flags", len(doc.Flags)).Msg("Feature flags loaded")
	return nil
}

func (p *FileProvider) Enabled(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	on, ok := p.doc.Flags[key]
	return !ok || on
}

func (p *FileProvider) Snapshot() Document {
	p.mu.RLock()
	defer p.mu.RUnlock()

	doc := p.doc
	doc.Flags = maps.Clone(p.doc.Flags)
	return doc
}

// Static is an in-memory provider.
type Static struct {
	mu  sync.RWMutex
	doc Document
}

func NewStatic(values map[string]bool) *Static {
	return &Static{doc: Document{Version: "static", Flags: maps.Clone(values)}}
}

func (s *Static) Set(key string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Flags == nil {
		s.doc.Flags = map[string]bool{}
	}
	s.doc.Flags[key] = on
	s.doc.UpdatedAt = time.Now().UTC()
}

func (s *Static) Enabled(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	on, ok := s.doc.Flags[key]
	return !ok || on
}

func (s *Static) Refresh() error { return nil }

func (s *Static) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := s.doc
	doc.Flags = maps.Clone(s.doc.Flags)
	return doc
}
