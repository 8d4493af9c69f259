// Package embeddings defines the Provider interface for vector embedding
// backends. The dialog memory layer uses embeddings to recall semantically
// similar past turns; when no provider is configured the memory store falls
// back to the plain recency window.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different providers
// must not be mixed in one similarity computation.
type Provider interface {
	// Embed computes the embedding vector for one text string. Returns a
	// float32 slice of length Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for a slice of texts in a single provider
	// call. The i-th result corresponds to texts[i]. On error the entire
	// result is nil; partial results are not returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, for logging
	// and schema validation.
	ModelID() string
}
