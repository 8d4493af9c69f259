// Package mock provides a test double for the ident package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/jmallek/edgevox/pkg/provider/ident"
)

// IdentifyCall records a single invocation of Provider.Identify.
type IdentifyCall struct {
	// Ctx is the context passed to Identify.
	Ctx context.Context
	// PCM is a copy of the audio bytes passed to Identify.
	PCM []byte
}

// Provider is a mock implementation of ident.Provider.
type Provider struct {
	mu sync.Mutex

	// Match is returned by every Identify call.
	Match ident.Match

	// Err, if non-nil, is returned as the error from Identify.
	Err error

	// Block makes Identify wait for ctx cancellation instead of returning.
	Block bool

	// IdentifyCalls records every call to Identify.
	IdentifyCalls []IdentifyCall
}

// Identify records the call and returns Match, Err. With Block set it waits
// for ctx instead, returning ctx.Err().
func (p *Provider) Identify(ctx context.Context, pcm []byte) (ident.Match, error) {
	p.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.IdentifyCalls = append(p.IdentifyCalls, IdentifyCall{Ctx: ctx, PCM: cp})
	block := p.Block
	match, err := p.Match, p.Err
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return ident.Match{}, ctx.Err()
	}
	if err != nil {
		return ident.Match{}, err
	}
	return match, nil
}

// CallCount returns the number of Identify calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.IdentifyCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.IdentifyCalls = nil
}

// Ensure Provider implements ident.Provider at compile time.
var _ ident.Provider = (*Provider)(nil)
