package chunker

import (
	"context"

	"github.com/connexus-ai/entityrag/pkg/types"
)

// RawChunk is one chunk as produced by the chunking service, before it is
// bound to a document and entity.
type RawChunk struct {
	Content         string         `json:"content"`
	ChunkOrderIndex int            `json:"chunk_order_index"`
	Source          string         `json:"source"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Chunker converts raw file bytes into ordered chunks.
type Chunker interface {
	Chunk(ctx context.Context, data []byte, source string) ([]RawChunk, error)
}

// Bind turns raw chunks into persistable chunk records for an entity and
// document, assigning dense order indexes in slice order.
func Bind(raw []RawChunk, entityID, docID string) []types.Chunk {
	chunks := make([]types.Chunk, len(raw))
	for i, rc := range raw {
		chunks[i] = types.Chunk{
			ChunkID:         types.ChunkIDFor(docID, i),
			DocID:           docID,
			EntityID:        entityID,
			ChunkOrderIndex: i,
			Content:         rc.Content,
			Source:          rc.Source,
			Tokens:          EstimateTokens(rc.Content),
			Metadata:        rc.Metadata,
		}
	}
	return chunks
}

// EstimateTokens approximates the token count of a text at four characters
// per token.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
