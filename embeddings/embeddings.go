// Package embeddings obtains dense query vectors from the embedding
// service.
package embeddings

import (
	"context"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options configure an embedder instance.
type Options struct {
	Host      string
	Model     string
	Dimension int
}
