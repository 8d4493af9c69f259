// Package vad defines the Engine interface for voice-activity detection.
//
// A VAD engine classifies 20 ms frames of 16 kHz mono PCM as voiced or
// unvoiced and folds the per-frame classifications into a sliding-window vote
// that gates the end-of-speech controller. Each connection gets its own
// session so concurrent streams never share smoothing state.
//
// Classification is synchronous by design: ProcessPacket returns immediately,
// making it suitable for the serialized inbound audio path.
//
// Engines must be safe for concurrent NewSession calls; a single
// SessionHandle belongs to one session goroutine and is not shared.
package vad

import "github.com/jmallek/edgevox/pkg/audio"

// Config holds the parameters for a VAD session.
type Config struct {
	// SpeechThreshold is the probability (model variant) or integrator level
	// in dB (energy variant) at or above which a frame is voiced. Typical
	// model value: 0.5.
	SpeechThreshold float64

	// SilenceThreshold is the level at or below which a frame is unvoiced.
	// Between the two thresholds a frame inherits the previous
	// classification (hysteresis). Must be ≤ SpeechThreshold.
	SilenceThreshold float64

	// WindowFrames is the length N of the sliding classification window.
	// Default 5.
	WindowFrames int

	// WindowVotes is how many of the last WindowFrames classifications must
	// be voiced for the packet-level Speech vote. Default 2.
	WindowVotes int
}

// WithDefaults returns a copy of c with zero-valued window fields filled.
func (c Config) WithDefaults() Config {
	if c.WindowFrames <= 0 {
		c.WindowFrames = 5
	}
	if c.WindowVotes <= 0 {
		c.WindowVotes = 2
	}
	return c
}

// Result is the outcome of classifying one decoded packet. Frames lists the
// per-frame voiced flags in arrival order; Speech is the sliding-window vote
// after the last frame of the packet.
type Result struct {
	// Speech is true when at least WindowVotes of the last WindowFrames
	// classifications are voiced.
	Speech bool

	// Frames holds one voiced flag per complete 20 ms frame consumed from
	// this packet, in order. Partial trailing audio is stashed for the next
	// packet and does not appear here.
	Frames []bool

	// LastProbability is the raw score of the final frame (model variant) or
	// the normalised integrator level (energy variant). Diagnostic only.
	LastProbability float64
}

// SessionHandle is an active VAD session for one audio stream. Reset clears
// the sliding window, stash, and any calibration state without closing the
// session; it is called on wake and after every utterance flush.
type SessionHandle interface {
	// ProcessPacket classifies one decoded packet of 16 kHz mono PCM16LE of
	// any length; partial frames are carried over to the next call.
	ProcessPacket(pcm []byte) (Result, error)

	// Reset clears accumulated detection state.
	Reset()

	// Close releases session resources. Calling Close twice is safe.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each variant.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}

// Stash accumulates PCM bytes and yields complete 20 ms frames. It is the
// shared framing discipline of all VAD variants: packets rarely align with
// frame boundaries, so the remainder is carried between packets.
type Stash struct {
	buf []byte
}

// Add appends pcm to the stash.
func (s *Stash) Add(pcm []byte) { s.buf = append(s.buf, pcm...) }

// Next pops one complete frame, or nil when less than a frame is buffered.
func (s *Stash) Next() []byte {
	if len(s.buf) < audio.FrameBytes {
		return nil
	}
	frame := s.buf[:audio.FrameBytes]
	s.buf = s.buf[audio.FrameBytes:]
	return frame
}

// Reset discards buffered audio.
func (s *Stash) Reset() { s.buf = nil }

// Window is a fixed-length sliding window of frame classifications with a
// vote count, shared by all VAD variants.
type Window struct {
	flags  []bool
	next   int
	filled int
	voiced int
}

// NewWindow creates a window of n frames.
func NewWindow(n int) *Window {
	return &Window{flags: make([]bool, n)}
}

// Push records one classification, evicting the oldest when full.
func (w *Window) Push(voiced bool) {
	if w.filled == len(w.flags) {
		if w.flags[w.next] {
			w.voiced--
		}
	} else {
		w.filled++
	}
	w.flags[w.next] = voiced
	if voiced {
		w.voiced++
	}
	w.next = (w.next + 1) % len(w.flags)
}

// Voiced returns the number of voiced classifications currently in the window.
func (w *Window) Voiced() int { return w.voiced }

// Reset clears the window.
func (w *Window) Reset() {
	for i := range w.flags {
		w.flags[i] = false
	}
	w.next = 0
	w.filled = 0
	w.voiced = 0
}
