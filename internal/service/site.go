package service

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/sakif/webdeploy/internal/apperror"
	"github.com/sakif/webdeploy/internal/gateway"
	"github.com/sakif/webdeploy/internal/search"
)

// MaxPromptLength bounds generation prompts.
const MaxPromptLength = 4000

// SearchIndex is the part of search.Index the service uses.
type SearchIndex interface {
	Query(text string) iter.Seq[search.Entry]
	Rebuild(ctx context.Context) error
	Len() int
}

// Generator turns a prompt into site source.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Prober reports gateway node status.
type Prober interface {
	Probe(ctx context.Context) []gateway.Node
}

// SiteService backs the public endpoints: search, generation and the CDN view.
type SiteService struct {
	index     SearchIndex
	generator Generator
	prober    Prober
	logger    *slog.Logger
}

// NewSiteService creates a SiteService. A nil generator disables generation.
func NewSiteService(index SearchIndex, generator Generator, prober Prober, logger *slog.Logger) *SiteService {
	return &SiteService{index: index, generator: generator, prober: prober, logger: logger}
}

// Search returns every indexed site matching query. An empty query matches all.
func (s *SiteService) Search(query string) []search.Entry {
	results := slices.Collect(s.index.Query(strings.TrimSpace(query)))
	if results == nil {
		results = []search.Entry{}
	}
	return results
}

// Reindex rebuilds the whole search index from the database.
func (s *SiteService) Reindex(ctx context.Context) (int, error) {
	if err := s.index.Rebuild(ctx); err != nil {
		return 0, fmt.Errorf("service/site: rebuilding index: %w", err)
	}
	return s.index.Len(), nil
}

// Generate asks the AI generator for a site.
func (s *SiteService) Generate(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", apperror.ValidationFailed("prompt", "prompt is required")
	}
	if len(prompt) > MaxPromptLength {
		return "", apperror.ValidationFailed("prompt",
			fmt.Sprintf("prompt must be %d characters or less", MaxPromptLength))
	}
	if s.generator == nil {
		return "", fmt.Errorf("service/site: generator is not configured")
	}

	code, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("service/site: generating website: %w", err)
	}
	return code, nil
}

// Nodes probes every configured gateway.
func (s *SiteService) Nodes(ctx context.Context) []gateway.Node {
	return s.prober.Probe(ctx)
}
