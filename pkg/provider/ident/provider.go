// Package ident defines the Provider interface for speaker identification.
//
// Identification runs on whole utterances, in parallel with transcription:
// the recognition dispatcher submits the same audio to both and joins the
// results. A provider matches the utterance against enrolled voiceprints and
// returns the best label, or an empty label when no enrolled speaker matches.
package ident

import "context"

// Match is the outcome of identifying one utterance.
type Match struct {
	// Speaker is the enrolled label of the best match, empty when the
	// utterance matches no enrolled voiceprint above the provider's
	// acceptance threshold.
	Speaker string

	// Score is the provider-specific similarity of the best match.
	Score float64
}

// Provider is the abstraction over any speaker-identification backend.
//
// Implementations must be safe for concurrent use. Identify blocks until a
// result is available, ctx is cancelled, or the provider fails; callers bound
// the call with a deadline and treat failure as "unknown speaker".
type Provider interface {
	Identify(ctx context.Context, pcm []byte) (Match, error)
}
