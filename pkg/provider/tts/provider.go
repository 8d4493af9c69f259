// Package tts defines the Provider interface for text-to-speech backends.
//
// Synthesis is per-sentence: the dialog driver splits the language model's
// token stream into sentence chunks, and the synthesis pump hands each chunk
// to a provider as it completes. Providers emit 16 kHz mono PCM16LE in
// arbitrarily sized slices over a channel so the pump can start pacing audio
// to the device before the sentence is fully synthesised.
//
// Implementations must be safe for concurrent use; sentences from different
// connections synthesise in parallel.
package tts

import "context"

// Voice selects the synthesis voice and delivery rate.
type Voice struct {
	// ID is the provider-specific voice identifier (e.g. "alloy").
	ID string

	// Speed is the playback rate multiplier. Zero means the provider default
	// (1.0).
	Speed float64
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders one sentence to 16 kHz mono PCM16LE. The returned
	// channel emits PCM slices as they become available and is closed when
	// the sentence is fully synthesised or ctx is cancelled. The caller must
	// drain the channel.
	//
	// A non-nil error is returned only when synthesis cannot start. Mid-stream
	// failures close the channel early; callers check ctx.Err() to tell
	// cancellation from provider failure.
	Synthesize(ctx context.Context, text string, voice Voice) (<-chan []byte, error)
}
