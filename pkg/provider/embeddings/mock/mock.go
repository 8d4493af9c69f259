// Package mock provides a test double for the embeddings package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/jmallek/edgevox/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider. It returns the
// configured Vector for every input, or derives a deterministic vector from
// the text length when Vector is nil.
type Provider struct {
	mu sync.Mutex

	// Vector is returned for every Embed call when non-nil.
	Vector []float32

	// Dim is the reported dimensionality. Zero defaults to 4.
	Dim int

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	// EmbedCalls records the texts passed to Embed and EmbedBatch.
	EmbedCalls []string
}

var _ embeddings.Provider = (*Provider)(nil)

func (p *Provider) dims() int {
	if p.Dim > 0 {
		return p.Dim
	}
	return 4
}

func (p *Provider) vectorFor(text string) []float32 {
	if p.Vector != nil {
		return append([]float32(nil), p.Vector...)
	}
	v := make([]float32, p.dims())
	v[0] = float32(len(text))
	return v
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vectorFor(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, texts...)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vectorFor(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims()
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock-embeddings" }
