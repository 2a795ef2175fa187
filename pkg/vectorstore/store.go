package vectorstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"

	"github.com/connexus-ai/entityrag/pkg/chunker"
	"github.com/connexus-ai/entityrag/pkg/embed"
	"github.com/connexus-ai/entityrag/pkg/kvstore"
	"github.com/connexus-ai/entityrag/pkg/log"
	"github.com/connexus-ai/entityrag/pkg/pricing"
	"github.com/connexus-ai/entityrag/pkg/types"
)

var (
	// ErrIngest reports a chunking failure or empty content.
	ErrIngest = errors.New("ingest failed")
	// ErrEmbedding reports an unavailable or failing embedder.
	ErrEmbedding = errors.New("embedding failed")
	// ErrInvariant reports vector/chunk sidecar divergence found during a
	// rebuild. The operation aborts; other operations continue.
	ErrInvariant = errors.New("vector index and chunk records diverged")
)

const (
	collDocuments  = "documents"
	vectorStoreDir = "vector_store"
)

// EntityVectorStore owns one entity's dense index and chunk records. Searches
// run concurrently; writes exclude everything.
type EntityVectorStore struct {
	entityID string
	dir      string

	kv       *kvstore.Store
	embedder embed.Embedder
	chunker  chunker.Chunker
	meter    *pricing.Meter

	mu     sync.RWMutex
	index  *denseIndex
	hashes map[string]string // content hash -> doc_id, seeded at construction

	logger zerolog.Logger
}

// Config holds construction parameters for an EntityVectorStore.
type Config struct {
	EntityID string
	Dir      string
	Embedder embed.Embedder
	Chunker  chunker.Chunker
	Meter    *pricing.Meter
}

type metadataFile struct {
	EntityID  string    `json:"entity_id"`
	Dimension int       `json:"dimension"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates or reopens the store for one entity, creating
// <dir>/vector_store and <dir>/metadata.json and seeding the dedup hash map
// from the entity's document records.
func New(cfg Config) (*EntityVectorStore, error) {
	if err := os.MkdirAll(filepath.Join(cfg.Dir, vectorStoreDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create entity directory: %w", err)
	}

	kv, err := kvstore.NewStore(filepath.Join(cfg.Dir, "storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to open entity storage: %w", err)
	}

	index, err := loadDenseIndex(filepath.Join(cfg.Dir, vectorStoreDir), cfg.Embedder.Dimension())
	if err != nil {
		return nil, err
	}

	s := &EntityVectorStore{
		entityID: cfg.EntityID,
		dir:      cfg.Dir,
		kv:       kv,
		embedder: cfg.Embedder,
		chunker:  cfg.Chunker,
		meter:    cfg.Meter,
		index:    index,
		hashes:   make(map[string]string),
		logger:   log.WithEntityID(cfg.EntityID),
	}

	if err := s.writeMetadata(); err != nil {
		return nil, err
	}
	if err := s.seedHashes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EntityVectorStore) writeMetadata() error {
	path := filepath.Join(s.dir, "metadata.json")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(metadataFile{
		EntityID:  s.entityID,
		Dimension: s.embedder.Dimension(),
		CreatedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode entity metadata: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write entity metadata: %w", err)
	}
	return nil
}

func (s *EntityVectorStore) seedHashes() error {
	docs, err := s.kv.Find(collDocuments, kvstore.Query{"entity_ids": s.entityID}, nil)
	if err != nil {
		return fmt.Errorf("failed to seed dedup hashes: %w", err)
	}
	for _, d := range docs {
		hash, _ := d["content_hash"].(string)
		docID, _ := d["doc_id"].(string)
		if hash != "" && docID != "" {
			s.hashes[hash] = docID
		}
	}
	return nil
}

// EntityID returns the owning entity id.
func (s *EntityVectorStore) EntityID() string { return s.entityID }

// Dir returns the entity's on-disk directory.
func (s *EntityVectorStore) Dir() string { return s.dir }

func (s *EntityVectorStore) chunksColl() string {
	return "chunks_" + s.entityID
}

// embeddingTokens prefers the embedder's own usage accounting over the local
// estimate. The OpenAI embedder accumulates billed tokens between calls.
func (s *EntityVectorStore) embeddingTokens(estimated int) int {
	if counter, ok := s.embedder.(interface{ TakeTokens() int }); ok {
		if n := counter.TakeTokens(); n > 0 {
			return n
		}
	}
	return estimated
}

// ChunkCount returns the number of indexed vectors.
func (s *EntityVectorStore) ChunkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

// AddDocument ingests a file: chunk, embed, index, persist. The content hash
// is computed outside the write lock; a fast in-memory check short-circuits
// duplicates and a re-check under the lock closes the race window.
func (s *EntityVectorStore) AddDocument(ctx context.Context, filePath string, metadata map[string]any) (types.IngestResult, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return types.IngestResult{}, fmt.Errorf("%w: failed to read file: %v", ErrIngest, err)
	}
	if len(data) == 0 {
		return types.IngestResult{}, fmt.Errorf("%w: file is empty", ErrIngest)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	s.mu.RLock()
	dupID, isDup := s.hashes[hash]
	s.mu.RUnlock()
	if isDup {
		return s.duplicateResult(dupID), nil
	}

	source := filepath.Base(filePath)
	raw, err := s.chunker.Chunk(ctx, data, source)
	if err != nil {
		return types.IngestResult{}, fmt.Errorf("%w: chunker: %v", ErrIngest, err)
	}
	if len(raw) == 0 {
		return types.IngestResult{}, fmt.Errorf("%w: chunker returned zero chunks", ErrIngest)
	}

	docID := uuid.NewString()
	chunks := chunker.Bind(raw, s.entityID, docID)

	texts := make([]string, len(chunks))
	tokens := 0
	for i, c := range chunks {
		texts[i] = c.Content
		tokens += c.Tokens
	}

	vectors, err := s.embedder.EmbedMany(ctx, texts)
	if err != nil {
		return types.IngestResult{}, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	cost := s.meter.EmbeddingCost(s.embedder.Model(), s.embeddingTokens(tokens))

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check: another goroutine may have ingested the same bytes while we
	// were chunking and embedding.
	if dupID, isDup := s.hashes[hash]; isDup {
		return s.duplicateResult(dupID), nil
	}

	for i, c := range chunks {
		if err := s.index.Add(ChunkKey{DocID: docID, OrderIndex: c.ChunkOrderIndex}, vectors[i]); err != nil {
			return types.IngestResult{}, fmt.Errorf("%w: %v", ErrIngest, err)
		}
	}

	if err := s.persistChunks(chunks); err != nil {
		return types.IngestResult{}, err
	}

	doc := types.Document{
		DocID:       docID,
		DocName:     source,
		DocPath:     filePath,
		ContentHash: hash,
		FileSize:    int64(len(data)),
		IndexedAt:   time.Now().UTC(),
		EntityIDs:   []string{s.entityID},
		Metadata:    metadata,
	}
	if err := s.persistDocument(doc); err != nil {
		return types.IngestResult{}, err
	}

	if err := s.index.Save(filepath.Join(s.dir, vectorStoreDir)); err != nil {
		return types.IngestResult{}, err
	}
	s.hashes[hash] = docID

	s.logger.Info().Str("doc_id", docID).Int("chunks", len(chunks)).Msg("document indexed")
	return types.IngestResult{
		DocID:            docID,
		EntityID:         s.entityID,
		ChunksCount:      len(chunks),
		EstimatedCostUSD: cost,
	}, nil
}

func (s *EntityVectorStore) duplicateResult(docID string) types.IngestResult {
	chunks := 0
	if docs, err := s.kv.Find(s.chunksColl(), kvstore.Query{"doc_id": docID}, nil); err == nil {
		chunks = len(docs)
	}
	return types.IngestResult{
		DocID:       docID,
		EntityID:    s.entityID,
		ChunksCount: chunks,
		IsDuplicate: true,
	}
}

// AddChunksBatch indexes externally pre-chunked content, bypassing the
// chunker. All chunks must share docID.
func (s *EntityVectorStore) AddChunksBatch(ctx context.Context, chunks []types.Chunk, docID string) (float64, error) {
	if len(chunks) == 0 {
		return 0, fmt.Errorf("%w: empty chunk batch", ErrIngest)
	}
	texts := make([]string, len(chunks))
	tokens := 0
	for i, c := range chunks {
		if c.DocID != docID {
			return 0, fmt.Errorf("%w: chunk %s has doc_id %s, want %s", ErrIngest, c.ChunkID, c.DocID, docID)
		}
		if c.Content == "" {
			return 0, fmt.Errorf("%w: chunk %s has empty content", ErrIngest, c.ChunkID)
		}
		texts[i] = c.Content
		tokens += c.Tokens
	}

	vectors, err := s.embedder.EmbedMany(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	cost := s.meter.EmbeddingCost(s.embedder.Model(), s.embeddingTokens(tokens))

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range chunks {
		if err := s.index.Add(ChunkKey{DocID: c.DocID, OrderIndex: c.ChunkOrderIndex}, vectors[i]); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrIngest, err)
		}
	}
	if err := s.persistChunks(chunks); err != nil {
		return 0, err
	}

	doc := types.Document{
		DocID:     docID,
		DocName:   chunks[0].Source,
		IndexedAt: time.Now().UTC(),
		EntityIDs: []string{s.entityID},
	}
	if err := s.persistDocument(doc); err != nil {
		return 0, err
	}
	if err := s.index.Save(filepath.Join(s.dir, vectorStoreDir)); err != nil {
		return 0, err
	}
	return cost, nil
}

func (s *EntityVectorStore) persistChunks(chunks []types.Chunk) error {
	for _, c := range chunks {
		doc, err := kvstore.ToDoc(c)
		if err != nil {
			return err
		}
		if _, err := s.kv.UpdateOne(s.chunksColl(), kvstore.Query{"chunk_id": c.ChunkID}, kvstore.Update{Set: doc}, true); err != nil {
			return fmt.Errorf("failed to persist chunk %s: %w", c.ChunkID, err)
		}
	}
	return nil
}

func (s *EntityVectorStore) persistDocument(doc types.Document) error {
	d, err := kvstore.ToDoc(doc)
	if err != nil {
		return err
	}
	delete(d, "entity_ids")
	if _, err := s.kv.UpdateOne(collDocuments, kvstore.Query{"doc_id": doc.DocID}, kvstore.Update{
		Set:      d,
		AddToSet: map[string]any{"entity_ids": s.entityID},
	}, true); err != nil {
		return fmt.Errorf("failed to persist document %s: %w", doc.DocID, err)
	}
	return nil
}

// Search returns the top-k chunks of this entity by cosine similarity. When
// docIDs is non-empty the index is over-fetched 3x and filtered.
func (s *EntityVectorStore) Search(ctx context.Context, query string, k int, docIDs []string) ([]types.ScoredChunk, []pricing.Service, error) {
	if k <= 0 {
		k = 10
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	queryTokens := s.embeddingTokens(chunker.EstimateTokens(query))
	services := []pricing.Service{{
		ServiceType: pricing.ServiceOpenAI,
		Breakdown: map[string]any{
			"operation": "embedding",
			"model":     s.embedder.Model(),
			"tokens":    queryTokens,
		},
		EstimatedCostUSD: s.meter.EmbeddingCost(s.embedder.Model(), queryTokens),
	}}

	fetch := k
	if len(docIDs) > 0 {
		fetch = 3 * k
	}

	s.mu.RLock()
	hits := s.index.Search(vec, fetch)
	s.mu.RUnlock()

	byKey, err := s.chunksByKey()
	if err != nil {
		return nil, nil, err
	}

	allowed := map[string]bool{}
	for _, id := range docIDs {
		allowed[id] = true
	}

	var out []types.ScoredChunk
	for _, h := range hits {
		if len(allowed) > 0 && !allowed[h.Key.DocID] {
			continue
		}
		c, ok := byKey[h.Key]
		if !ok {
			continue
		}
		out = append(out, types.ScoredChunk{Chunk: c, Score: h.Score})
		if len(out) == k {
			break
		}
	}
	return out, services, nil
}

func (s *EntityVectorStore) chunksByKey() (map[ChunkKey]types.Chunk, error) {
	docs, err := s.kv.Find(s.chunksColl(), nil, nil)
	if err != nil {
		return nil, err
	}
	byKey := make(map[ChunkKey]types.Chunk, len(docs))
	for _, d := range docs {
		var c types.Chunk
		if err := kvstore.DecodeDoc(d, &c); err != nil {
			return nil, err
		}
		byKey[ChunkKey{DocID: c.DocID, OrderIndex: c.ChunkOrderIndex}] = c
	}
	return byKey, nil
}

// DeleteDocument removes the document's chunks and vectors from this entity,
// unlinks the document, deletes it when no owners remain, and rebuilds the
// index. Unknown doc ids are a no-op.
func (s *EntityVectorStore) DeleteDocument(docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.kv.DeleteMany(s.chunksColl(), kvstore.Query{"doc_id": docID}); err != nil {
		return err
	}

	doc, err := s.kv.FindOne(collDocuments, kvstore.Query{"doc_id": docID})
	if err != nil {
		return err
	}
	if doc != nil {
		hash, _ := doc["content_hash"].(string)
		delete(s.hashes, hash)

		var record types.Document
		if err := kvstore.DecodeDoc(doc, &record); err != nil {
			return err
		}
		owners := record.EntityIDs[:0:0]
		for _, id := range record.EntityIDs {
			if id != s.entityID {
				owners = append(owners, id)
			}
		}
		if len(owners) == 0 {
			// Last owner unlinked: remove the record.
			if _, err := s.kv.DeleteOne(collDocuments, kvstore.Query{"doc_id": docID}); err != nil {
				return err
			}
		} else {
			ids := make([]any, len(owners))
			for i, id := range owners {
				ids[i] = id
			}
			if _, err := s.kv.UpdateOne(collDocuments, kvstore.Query{"doc_id": docID}, kvstore.Update{
				Set: map[string]any{"entity_ids": ids},
			}, false); err != nil {
				return err
			}
		}
	}

	s.index.Rebuild(func(k ChunkKey) bool { return k.DocID != docID })

	// The rebuilt index must agree with the surviving chunk records.
	surviving, err := s.kv.Find(s.chunksColl(), nil, nil)
	if err != nil {
		return err
	}
	if len(surviving) != s.index.Len() {
		s.logger.Error().
			Int("chunk_records", len(surviving)).
			Int("index_vectors", s.index.Len()).
			Msg("sidecar divergence detected during rebuild")
		return fmt.Errorf("%w: %d chunk records vs %d vectors", ErrInvariant, len(surviving), s.index.Len())
	}

	if err := s.index.Save(filepath.Join(s.dir, vectorStoreDir)); err != nil {
		return err
	}
	s.logger.Info().Str("doc_id", docID).Msg("document deleted")
	return nil
}

// GetChunkByID returns the chunk at (docID, orderIndex), or nil when absent.
func (s *EntityVectorStore) GetChunkByID(docID string, orderIndex int) (*types.Chunk, error) {
	doc, err := s.kv.FindOne(s.chunksColl(), kvstore.Query{"doc_id": docID, "chunk_order_index": orderIndex})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	var c types.Chunk
	if err := kvstore.DecodeDoc(doc, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetPreviousChunk returns the chunk before (docID, orderIndex), or nil.
func (s *EntityVectorStore) GetPreviousChunk(docID string, orderIndex int) (*types.Chunk, error) {
	if orderIndex <= 0 {
		return nil, nil
	}
	return s.GetChunkByID(docID, orderIndex-1)
}

// GetNextChunk returns the chunk after (docID, orderIndex), or nil.
func (s *EntityVectorStore) GetNextChunk(docID string, orderIndex int) (*types.Chunk, error) {
	return s.GetChunkByID(docID, orderIndex+1)
}

// GetChunkContext returns the chunk at (docID, orderIndex) with up to size
// chunks on each side. A missing current chunk yields nil.
func (s *EntityVectorStore) GetChunkContext(docID string, orderIndex, size int) (*types.ChunkContext, error) {
	current, err := s.GetChunkByID(docID, orderIndex)
	if err != nil || current == nil {
		return nil, err
	}
	if size < 0 {
		size = 0
	}

	ctx := &types.ChunkContext{Current: current}
	for i := orderIndex - size; i < orderIndex; i++ {
		if i < 0 {
			continue
		}
		c, err := s.GetChunkByID(docID, i)
		if err != nil {
			return nil, err
		}
		if c != nil {
			ctx.Before = append(ctx.Before, *c)
		}
	}
	for i := orderIndex + 1; i <= orderIndex+size; i++ {
		c, err := s.GetChunkByID(docID, i)
		if err != nil {
			return nil, err
		}
		if c == nil {
			break
		}
		ctx.After = append(ctx.After, *c)
	}
	return ctx, nil
}

// GetChunkNeighbors returns the ordered window of chunks within window
// positions of (docID, orderIndex), including the chunk itself.
func (s *EntityVectorStore) GetChunkNeighbors(docID string, orderIndex, window int) ([]types.Chunk, error) {
	ctx, err := s.GetChunkContext(docID, orderIndex, window)
	if err != nil || ctx == nil {
		return nil, err
	}
	out := make([]types.Chunk, 0, len(ctx.Before)+1+len(ctx.After))
	out = append(out, ctx.Before...)
	out = append(out, *ctx.Current)
	out = append(out, ctx.After...)
	return out, nil
}

// GetDocumentChunksInOrder returns all chunks of a document ordered by
// chunk_order_index.
func (s *EntityVectorStore) GetDocumentChunksInOrder(docID string) ([]types.Chunk, error) {
	docs, err := s.kv.Find(s.chunksColl(), kvstore.Query{"doc_id": docID}, nil)
	if err != nil {
		return nil, err
	}
	chunks := make([]types.Chunk, 0, len(docs))
	for _, d := range docs {
		var c types.Chunk
		if err := kvstore.DecodeDoc(d, &c); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkOrderIndex < chunks[j].ChunkOrderIndex })
	return chunks, nil
}

// GetEntityDocuments lists the documents linked to this entity.
func (s *EntityVectorStore) GetEntityDocuments() ([]types.Document, error) {
	docs, err := s.kv.Find(collDocuments, kvstore.Query{"entity_ids": s.entityID}, nil)
	if err != nil {
		return nil, err
	}
	out := make([]types.Document, 0, len(docs))
	for _, d := range docs {
		var rec types.Document
		if err := kvstore.DecodeDoc(d, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocName < out[j].DocName })
	return out, nil
}

// AllChunks returns every chunk record of this entity. Used for knowledge
// graph materialization.
func (s *EntityVectorStore) AllChunks() ([]types.Chunk, error) {
	docs, err := s.kv.Find(s.chunksColl(), nil, nil)
	if err != nil {
		return nil, err
	}
	chunks := make([]types.Chunk, 0, len(docs))
	for _, d := range docs {
		var c types.Chunk
		if err := kvstore.DecodeDoc(d, &c); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].DocID != chunks[j].DocID {
			return chunks[i].DocID < chunks[j].DocID
		}
		return chunks[i].ChunkOrderIndex < chunks[j].ChunkOrderIndex
	})
	return chunks, nil
}

// HasChunk reports whether a chunk id already exists in this entity.
func (s *EntityVectorStore) HasChunk(chunkID string) (bool, error) {
	doc, err := s.kv.FindOne(s.chunksColl(), kvstore.Query{"chunk_id": chunkID})
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}
