// Package search is an in-memory full-text index over published sites.
//
// Entries are upserted one by one as sites are published and can be rebuilt from
// scratch from the relational store. A query is a case-insensitive substring match
// against domain or content; it returns every match ordered by domain, with no
// ranking and no pagination.
package search

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/sakif/webdeploy/internal/gateway"
	"github.com/sakif/webdeploy/internal/model"
)

// rebuildConcurrency bounds parallel content fetches during Rebuild.
const rebuildConcurrency = 8

// Entry is one indexed site. ID is the webpage ID.
type Entry struct {
	ID      string `json:"-"`
	Domain  string `json:"domain"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Source lists every webpage with its current deployment.
type Source interface {
	ListWebpages(ctx context.Context, userID string) ([]model.WebpageWithDeployment, error)
}

// Fetcher reads published content by CID.
type Fetcher interface {
	Fetch(ctx context.Context, cid string) ([]byte, error)
}

// Index is safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	entries map[string]Entry

	source  Source
	fetcher Fetcher
	content *cache.Cache
	logger  *slog.Logger
}

// New creates an empty index. Fetched content is cached by CID for contentTTL.
func New(source Source, fetcher Fetcher, contentTTL time.Duration, logger *slog.Logger) *Index {
	return &Index{
		entries: make(map[string]Entry),
		source:  source,
		fetcher: fetcher,
		content: cache.New(contentTTL, 2*contentTTL),
		logger:  logger,
	}
}

// EntryFor builds the index entry of a webpage. Named pages link to the path
// gateway; others link to their deployment URL.
func EntryFor(w model.Webpage, d *model.Deployment, content string) Entry {
	url := gateway.DeploymentURL(w.CID)
	switch {
	case w.Name != "":
		url = gateway.PathURL(w.CID)
	case d != nil && d.DeploymentURL != "":
		url = d.DeploymentURL
	}
	return Entry{ID: w.ID, Domain: w.Domain, URL: url, Content: content}
}

// Upsert adds or replaces the entry with e.ID.
func (ix *Index) Upsert(e Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries[e.ID] = e
}

// Remove drops the entry with id, if present.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.entries, id)
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Query returns the entries whose domain or content contains text, ignoring case.
// The matches are taken when Query is called; the sequence can be ranged over any
// number of times and always yields the same entries.
func (ix *Index) Query(text string) iter.Seq[Entry] {
	needle := strings.ToLower(text)

	ix.mu.RLock()
	var matches []Entry
	for _, e := range ix.entries {
		if strings.Contains(strings.ToLower(e.Domain), needle) ||
			strings.Contains(strings.ToLower(e.Content), needle) {
			matches = append(matches, e)
		}
	}
	ix.mu.RUnlock()

	slices.SortFunc(matches, func(a, b Entry) int {
		if c := strings.Compare(a.Domain, b.Domain); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	return slices.Values(matches)
}

// Rebuild re-fetches every published site and replaces the whole index with a new
// entry set. Sites whose content cannot be fetched are skipped and logged; only a
// failure to list webpages fails the rebuild, leaving the old index in place.
func (ix *Index) Rebuild(ctx context.Context) error {
	pages, err := ix.source.ListWebpages(ctx, "")
	if err != nil {
		return fmt.Errorf("search: listing webpages: %w", err)
	}

	results := make([]*Entry, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildConcurrency)
	for i, p := range pages {
		g.Go(func() error {
			content, err := ix.Content(gctx, p.Webpage.CID)
			if err != nil {
				ix.logger.Warn("search: skipping site",
					slog.String("domain", p.Webpage.Domain),
					slog.String("cid", p.Webpage.CID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			e := EntryFor(p.Webpage, p.Deployment, content)
			results[i] = &e
			return nil
		})
	}
	g.Wait()

	fresh := make(map[string]Entry, len(pages))
	for _, e := range results {
		if e != nil {
			fresh[e.ID] = *e
		}
	}

	ix.mu.Lock()
	ix.entries = fresh
	ix.mu.Unlock()

	ix.logger.Info("search index rebuilt",
		slog.Int("webpages", len(pages)),
		slog.Int("indexed", len(fresh)),
	)
	return nil
}

// Content returns the published content of cid, served from cache when possible.
// Content is immutable per CID, so cached values never go stale.
func (ix *Index) Content(ctx context.Context, cid string) (string, error) {
	if v, ok := ix.content.Get(cid); ok {
		return v.(string), nil
	}
	data, err := ix.fetcher.Fetch(ctx, cid)
	if err != nil {
		return "", err
	}
	ix.content.SetDefault(cid, string(data))
	return string(data), nil
}
