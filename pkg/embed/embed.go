package embed

import (
	"context"
)

// Embedder converts text into dense vectors. The dimension is fixed at
// process start; every vector returned has exactly Dimension() elements.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Model() string
}
