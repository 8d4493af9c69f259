// Package memory defines the dialog memory store.
//
// The store is a per-device log of conversation turns. It serves two needs:
// the dialog driver loads the recent window to seed each LLM request, and —
// when an embedding provider is configured — recalls semantically similar
// turns from past sessions so a device "remembers" earlier conversations.
//
// All implementations must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Turn is one utterance in a conversation, from either side.
type Turn struct {
	// ID is the unique identifier for this turn (e.g. a UUID). Empty lets
	// the store assign one.
	ID string

	// DeviceID is the device the conversation belongs to. Memory is scoped
	// per device, not per connection: history survives reconnects.
	DeviceID string

	// SessionID is the connection session this turn was recorded in.
	SessionID string

	// Role is "user" or "assistant".
	Role string

	// Speaker is the identified speaker label for user turns, empty when
	// voiceprint matching found no enrolled speaker.
	Speaker string

	// Content is the turn text.
	Content string

	// Embedding is the optional vector representation of Content. Nil when
	// no embedding provider is configured; such turns are excluded from
	// similarity recall but still appear in the recency window.
	Embedding []float32

	// CreatedAt is when the turn was recorded.
	CreatedAt time.Time
}

// SimilarTurn pairs a recalled turn with its vector-space distance from the
// query embedding. Lower distance means higher similarity.
type SimilarTurn struct {
	Turn     Turn
	Distance float64
}

// Store is the abstraction over any dialog memory backend.
type Store interface {
	// AppendTurn records one turn. turn.DeviceID must be non-empty.
	AppendTurn(ctx context.Context, turn Turn) error

	// Recent returns up to limit of the device's most recent turns in
	// chronological order. Returns an empty (non-nil) slice when the device
	// has no history.
	Recent(ctx context.Context, deviceID string, limit int) ([]Turn, error)

	// SearchSimilar finds the topK stored turns for the device whose
	// embeddings are closest to the query embedding, ordered by ascending
	// distance. Turns without embeddings are skipped. Returns an empty
	// (non-nil) slice when nothing matches.
	SearchSimilar(ctx context.Context, deviceID string, embedding []float32, topK int) ([]SimilarTurn, error)
}
