package chunker

import (
	"context"
)

// FallbackChunkSize is the window size of the degraded chunking mode.
const FallbackChunkSize = 1000

// FixedSizeChunker windows text into fixed-size chunks. It is the degraded
// mode used when the chunking service is unreachable.
type FixedSizeChunker struct {
	Size int
}

// NewFixedSizeChunker returns a chunker with the default window size.
func NewFixedSizeChunker() *FixedSizeChunker {
	return &FixedSizeChunker{Size: FallbackChunkSize}
}

// Chunk splits data into consecutive windows of at most Size runes. Windows
// are rune-aligned so multi-byte characters never straddle a chunk boundary.
func (c *FixedSizeChunker) Chunk(_ context.Context, data []byte, source string) ([]RawChunk, error) {
	size := c.Size
	if size <= 0 {
		size = FallbackChunkSize
	}

	runes := []rune(string(data))
	var chunks []RawChunk
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, RawChunk{
			Content:         string(runes[i:end]),
			ChunkOrderIndex: len(chunks),
			Source:          source,
		})
	}
	return chunks, nil
}
