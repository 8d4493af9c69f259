// Package mock provides an in-memory test double for the memory package
// interfaces. Similarity search ranks by exact cosine distance over the
// stored embeddings, so retrieval-order tests behave like the real store.
package mock

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/jmallek/edgevox/pkg/memory"
)

// Store is an in-memory implementation of memory.Store.
type Store struct {
	mu    sync.Mutex
	turns []memory.Turn

	// AppendErr, if non-nil, is returned by AppendTurn.
	AppendErr error

	// QueryErr, if non-nil, is returned by Recent and SearchSimilar.
	QueryErr error
}

var _ memory.Store = (*Store)(nil)

// AppendTurn implements memory.Store.
func (s *Store) AppendTurn(ctx context.Context, turn memory.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.turns = append(s.turns, turn)
	return nil
}

// Recent implements memory.Store.
func (s *Store) Recent(ctx context.Context, deviceID string, limit int) ([]memory.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	if limit <= 0 {
		limit = 20
	}
	matched := []memory.Turn{}
	for _, t := range s.turns {
		if t.DeviceID == deviceID {
			matched = append(matched, t)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// SearchSimilar implements memory.Store.
func (s *Store) SearchSimilar(ctx context.Context, deviceID string, embedding []float32, topK int) ([]memory.SimilarTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	if topK <= 0 {
		topK = 5
	}
	results := []memory.SimilarTurn{}
	for _, t := range s.turns {
		if t.DeviceID != deviceID || t.Embedding == nil {
			continue
		}
		results = append(results, memory.SimilarTurn{
			Turn:     t,
			Distance: cosineDistance(embedding, t.Embedding),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Turns returns a copy of all stored turns. Thread-safe.
func (s *Store) Turns() []memory.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]memory.Turn(nil), s.turns...)
}

// cosineDistance returns 1 - cosine similarity, matching pgvector's <=>
// operator.
func cosineDistance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
