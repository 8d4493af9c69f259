// Package stt defines the Provider interface for speech-to-text backends.
//
// Recognition is batch-oriented: the end-of-speech controller hands over one
// complete utterance of 16 kHz mono PCM and expects a single authoritative
// transcript back. Providers wrap either a hosted API (OpenAI) or a local
// inference runtime (whisper.cpp).
//
// Implementations must be safe for concurrent use; utterances from different
// connections are transcribed in parallel.
package stt

import (
	"context"
	"time"
)

// Result is the transcript of one utterance.
type Result struct {
	// Text is the transcribed speech, trimmed. An empty Text is a valid
	// outcome (breathing, noise, an aborted utterance) and must not be
	// treated as an error by callers.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// Language is the detected or configured BCP-47 language tag, when known.
	Language string

	// Elapsed is the wall-clock inference time, for latency accounting.
	Elapsed time.Duration
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe recognises one utterance of 16 kHz mono PCM16LE. It blocks
	// until the transcript is available, ctx is cancelled, or the provider
	// fails. Callers bound the call with a deadline.
	Transcribe(ctx context.Context, pcm []byte) (Result, error)
}
