package vectorstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/natefinch/atomic"
)

// ChunkKey addresses one vector in an entity's index.
type ChunkKey struct {
	DocID      string `json:"doc_id"`
	OrderIndex int    `json:"chunk_order_index"`
}

// denseIndex is a flat inner-product index. Vectors are L2-normalized on
// insert so inner product equals cosine similarity. It has no removal
// operation; deletion is handled by rebuilding.
type denseIndex struct {
	dimension int
	keys      []ChunkKey
	vectors   [][]float32
}

func newDenseIndex(dimension int) *denseIndex {
	return &denseIndex{dimension: dimension}
}

// Len returns the number of stored vectors.
func (ix *denseIndex) Len() int { return len(ix.keys) }

// Add inserts a vector under key.
func (ix *denseIndex) Add(key ChunkKey, vec []float32) error {
	if len(vec) != ix.dimension {
		return fmt.Errorf("vector dimension %d does not match index dimension %d", len(vec), ix.dimension)
	}
	ix.keys = append(ix.keys, key)
	ix.vectors = append(ix.vectors, normalize(vec))
	return nil
}

type scoredKey struct {
	Key   ChunkKey
	Score float64
}

// Search returns the top-k keys by cosine similarity to query.
func (ix *denseIndex) Search(query []float32, k int) []scoredKey {
	if k <= 0 || len(ix.keys) == 0 {
		return nil
	}
	q := normalize(query)

	scored := make([]scoredKey, len(ix.keys))
	for i, v := range ix.vectors {
		scored[i] = scoredKey{Key: ix.keys[i], Score: dot(q, v)}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k]
}

// Rebuild replaces the index contents with the pairs that pass keep.
func (ix *denseIndex) Rebuild(keep func(ChunkKey) bool) {
	keys := ix.keys[:0:0]
	vectors := ix.vectors[:0:0]
	for i, key := range ix.keys {
		if keep(key) {
			keys = append(keys, key)
			vectors = append(vectors, ix.vectors[i])
		}
	}
	ix.keys = keys
	ix.vectors = vectors
}

// Keys returns a copy of all stored keys.
func (ix *denseIndex) Keys() []ChunkKey {
	out := make([]ChunkKey, len(ix.keys))
	copy(out, ix.keys)
	return out
}

type indexFile struct {
	Dimension int         `json:"dimension"`
	Keys      []ChunkKey  `json:"keys"`
	Vectors   [][]float32 `json:"vectors"`
}

const indexFileName = "index.json"

// Save serializes the index into dir atomically.
func (ix *denseIndex) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create vector store directory: %w", err)
	}
	data, err := json.Marshal(indexFile{Dimension: ix.dimension, Keys: ix.keys, Vectors: ix.vectors})
	if err != nil {
		return fmt.Errorf("failed to encode vector index: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(dir, indexFileName), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write vector index: %w", err)
	}
	return nil
}

// loadDenseIndex reads a serialized index from dir. A missing file yields an
// empty index of the requested dimension.
func loadDenseIndex(dir string, dimension int) (*denseIndex, error) {
	data, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return newDenseIndex(dimension), nil
		}
		return nil, fmt.Errorf("failed to read vector index: %w", err)
	}
	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode vector index: %w", err)
	}
	return &denseIndex{dimension: f.Dimension, keys: f.Keys, vectors: f.Vectors}, nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
