// Package mock provides a test double for the stt package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/jmallek/edgevox/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// PCM is a copy of the audio bytes passed to Transcribe.
	PCM []byte
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by every Transcribe call.
	Result stt.Result

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Block makes Transcribe wait for ctx cancellation instead of returning.
	// Used to exercise caller-side timeouts.
	Block bool

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns Result, Err. With Block set it
// waits for ctx instead, returning ctx.Err().
func (p *Provider) Transcribe(ctx context.Context, pcm []byte) (stt.Result, error) {
	p.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, PCM: cp})
	block := p.Block
	res, err := p.Result, p.Err
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return stt.Result{}, ctx.Err()
	}
	if err != nil {
		return stt.Result{}, err
	}
	return res, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
