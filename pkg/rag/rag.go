package rag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/connexus-ai/entityrag/pkg/chunker"
	"github.com/connexus-ai/entityrag/pkg/embed"
	"github.com/connexus-ai/entityrag/pkg/log"
	"github.com/connexus-ai/entityrag/pkg/pricing"
	"github.com/connexus-ai/entityrag/pkg/types"
	"github.com/connexus-ai/entityrag/pkg/vectorstore"
)

const (
	// perDocTimeout bounds one document ingest inside a parallel batch.
	perDocTimeout = 5 * time.Minute
	// perEntitySearchTimeout bounds one entity's search in a fan-out.
	perEntitySearchTimeout = 30 * time.Second
)

// Manager owns the registry of per-entity vector stores. Stores are built
// lazily on first use and reused afterwards.
type Manager struct {
	entitiesDir string
	embedder    embed.Embedder
	chunker     chunker.Chunker
	meter       *pricing.Meter

	mu     sync.Mutex
	stores map[string]*vectorstore.EntityVectorStore
}

// Config wires a Manager's collaborators.
type Config struct {
	EntitiesDir string
	Embedder    embed.Embedder
	Chunker     chunker.Chunker
	Meter       *pricing.Meter
}

// NewManager builds a Manager with an empty store registry.
func NewManager(cfg Config) *Manager {
	return &Manager{
		entitiesDir: cfg.EntitiesDir,
		embedder:    cfg.Embedder,
		chunker:     cfg.Chunker,
		meter:       cfg.Meter,
		stores:      make(map[string]*vectorstore.EntityVectorStore),
	}
}

// GetEntityStore returns the vector store for entityID, constructing it on
// first use. entityDir overrides the default location when non-empty.
func (m *Manager) GetEntityStore(entityID, entityDir string) (*vectorstore.EntityVectorStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[entityID]; ok {
		return s, nil
	}
	if entityDir == "" {
		entityDir = filepath.Join(m.entitiesDir, entityID)
	}
	// Opening a store creates its storage layout, so refuse directories that
	// do not exist yet. Entity creation is the only place that makes them.
	if _, err := os.Stat(entityDir); err != nil {
		return nil, fmt.Errorf("entity directory for %s not found: %w", entityID, err)
	}
	s, err := vectorstore.New(vectorstore.Config{
		EntityID: entityID,
		Dir:      entityDir,
		Embedder: m.embedder,
		Chunker:  m.chunker,
		Meter:    m.meter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store for entity %s: %w", entityID, err)
	}
	m.stores[entityID] = s
	return s, nil
}

// HasStore reports whether a store for entityID is currently loaded.
func (m *Manager) HasStore(entityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[entityID]
	return ok
}

// AddDocumentsParallel ingests filePaths into entityID with bounded
// parallelism. A failing document is logged and reported in its slot as a
// zero-value result; it never aborts the batch.
func (m *Manager) AddDocumentsParallel(ctx context.Context, entityID, entityDir string, filePaths []string) ([]types.IngestResult, error) {
	store, err := m.GetEntityStore(entityID, entityDir)
	if err != nil {
		return nil, err
	}

	logger := log.WithEntityID(entityID)
	sem := semaphore.NewWeighted(int64(runtime.NumCPU()))
	results := make([]types.IngestResult, len(filePaths))
	var wg sync.WaitGroup

	for i, path := range filePaths {
		if err := sem.Acquire(ctx, 1); err != nil {
			return results, fmt.Errorf("failed to acquire ingest slot: %w", err)
		}
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			defer sem.Release(1)

			docCtx, cancel := context.WithTimeout(ctx, perDocTimeout)
			defer cancel()

			res, err := store.AddDocument(docCtx, path, nil)
			if err != nil {
				logger.Error().Err(err).Str("file", path).Msg("document ingest failed")
				return
			}
			results[i] = res
		}(i, path)
	}
	wg.Wait()
	return results, nil
}

// EntitySearchResult is one entity's slice of a multi-entity search.
type EntitySearchResult struct {
	EntityID string
	Chunks   []types.ScoredChunk
	Services []pricing.Service
}

// SearchMultipleEntities fans a query out to every listed entity. Entities
// without a store or whose search fails contribute an empty result.
func (m *Manager) SearchMultipleEntities(ctx context.Context, entityIDs []string, query string, k int) (map[string]EntitySearchResult, error) {
	results := make(map[string]EntitySearchResult, len(entityIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, entityID := range entityIDs {
		wg.Add(1)
		go func(entityID string) {
			defer wg.Done()

			out := EntitySearchResult{EntityID: entityID, Chunks: []types.ScoredChunk{}}
			defer func() {
				mu.Lock()
				results[entityID] = out
				mu.Unlock()
			}()

			logger := log.WithEntityID(entityID)
			store, err := m.GetEntityStore(entityID, "")
			if err != nil {
				logger.Warn().Err(err).Msg("skipping entity in multi-entity search")
				return
			}

			searchCtx, cancel := context.WithTimeout(ctx, perEntitySearchTimeout)
			defer cancel()

			chunks, services, err := store.Search(searchCtx, query, k, nil)
			if err != nil {
				logger.Error().Err(err).Msg("entity search failed")
				return
			}
			out.Chunks = chunks
			out.Services = services
		}(entityID)
	}
	wg.Wait()
	return results, nil
}

// CleanupEntity drops the loaded store for entityID, if any. Files on disk
// are untouched; entity deletion handles those.
func (m *Manager) CleanupEntity(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, entityID)
}

// Shutdown releases every loaded store.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores = make(map[string]*vectorstore.EntityVectorStore)
}
