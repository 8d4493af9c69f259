// Package mock provides a scriptable VAD engine for tests.
package mock

import (
	"sync"

	"github.com/jmallek/edgevox/pkg/provider/vad"
)

// Engine is a mock [vad.Engine]. Sessions it creates replay the scripted
// per-call results; once the script is exhausted every packet classifies as
// silence.
type Engine struct {
	mu       sync.Mutex
	sessions []*Session

	// Script holds the results returned by successive ProcessPacket calls on
	// every session created by this engine.
	Script []vad.Result

	// SessionErr, when set, is returned by NewSession.
	SessionErr error
}

var _ vad.Engine = (*Engine)(nil)

// NewSession records the config and returns a replaying session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.SessionErr != nil {
		return nil, e.SessionErr
	}
	s := &Session{cfg: cfg, script: e.Script}
	e.sessions = append(e.sessions, s)
	return s, nil
}

// Sessions returns all sessions created so far.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session(nil), e.sessions...)
}

// Session is a mock VAD session. It records every packet it receives and
// replays its script in order.
type Session struct {
	mu     sync.Mutex
	cfg    vad.Config
	script []vad.Result
	pos    int

	packets [][]byte
	resets  int
	closed  bool

	// Err, when set, is returned by every subsequent ProcessPacket call.
	Err error
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessPacket records pcm and returns the next scripted result.
func (s *Session) ProcessPacket(pcm []byte) (vad.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), pcm...)
	s.packets = append(s.packets, cp)
	if s.Err != nil {
		return vad.Result{}, s.Err
	}
	if s.pos < len(s.script) {
		r := s.script[s.pos]
		s.pos++
		return r, nil
	}
	return vad.Result{}, nil
}

// Reset increments the reset counter.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Config returns the config the session was created with.
func (s *Session) Config() vad.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Packets returns copies of all packets received.
func (s *Session) Packets() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.packets...)
}

// Resets returns how many times Reset was called.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
