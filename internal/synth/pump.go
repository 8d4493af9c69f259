// Package synth turns reply sentences into the ordered, paced stream of
// Opus frames the device plays. The pump owns one Opus encoder per session
// and annotates every frame with its position in the turn: the FIRST frame
// triggers the speak-start control (and the session's speak-lock), the LAST
// frame closes the turn. Pacing holds emission near real time so the device's
// small jitter buffer neither starves nor overflows.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"layeh.com/gopus"

	"github.com/jmallek/edgevox/pkg/audio"
	"github.com/jmallek/edgevox/pkg/provider/tts"
)

// Position marks where a frame sits within one reply turn.
type Position int

const (
	PositionFirst Position = iota
	PositionMiddle
	PositionLast
)

func (p Position) String() string {
	switch p {
	case PositionFirst:
		return "first"
	case PositionMiddle:
		return "middle"
	case PositionLast:
		return "last"
	default:
		return "unknown"
	}
}

// Output receives the pump's ordered stream. Implemented by the session's
// outbound writer; all calls come from the turn's goroutine.
type Output interface {
	// SpeakStart announces reply playback (TTS start control message).
	SpeakStart(ctx context.Context) error

	// SentenceStart announces the text of the sentence about to play.
	SentenceStart(ctx context.Context, text string) error

	// Frame delivers one encoded Opus frame.
	Frame(ctx context.Context, opus []byte, pos Position) error

	// SpeakStop announces the end of playback (TTS stop control message).
	SpeakStop(ctx context.Context) error
}

// Gate is the speak-lock hook, armed when playback starts and released when
// it ends.
type Gate interface {
	BeginSpeaking()
	EndSpeaking()
}

// Option is a functional option for the Pump.
type Option func(*Pump)

// WithVoice selects the synthesis voice.
func WithVoice(v tts.Voice) Option {
	return func(p *Pump) { p.voice = v }
}

// WithGate installs the speak-lock hook.
func WithGate(g Gate) Option {
	return func(p *Pump) { p.gate = g }
}

// WithPace overrides the inter-frame emission interval. Zero disables pacing
// (tests).
func WithPace(d time.Duration) Option {
	return func(p *Pump) { p.pace = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pump) { p.log = l }
}

// Pump converts one turn's sentences to paced Opus frames. Not safe for
// concurrent use: one turn runs at a time and owns the pump.
type Pump struct {
	tts   tts.Provider
	voice tts.Voice
	out   Output
	gate  Gate
	enc   *gopus.Encoder
	pace  time.Duration
	log   *slog.Logger

	started    bool
	firstFrame bool
	carry      []byte
	nextAt     time.Time
}

// New creates a Pump writing to out.
func New(ttsP tts.Provider, out Output, opts ...Option) (*Pump, error) {
	enc, err := gopus.NewEncoder(audio.SampleRate, 1, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("synth: create opus encoder: %w", err)
	}
	p := &Pump{
		tts:        ttsP,
		out:        out,
		enc:        enc,
		pace:       audio.FrameMs * time.Millisecond,
		log:        slog.Default(),
		firstFrame: true,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Sentence synthesizes one sentence and streams its frames. The first
// sentence of a turn sends the speak-start control and arms the speak-lock
// before any audio.
func (p *Pump) Sentence(ctx context.Context, text string) error {
	if !p.started {
		if err := p.out.SpeakStart(ctx); err != nil {
			return err
		}
		if p.gate != nil {
			p.gate.BeginSpeaking()
		}
		p.started = true
	}
	if err := p.out.SentenceStart(ctx, text); err != nil {
		return err
	}

	pcmCh, err := p.tts.Synthesize(ctx, text, p.voice)
	if err != nil {
		return fmt.Errorf("synth: synthesize: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			go drainPCM(pcmCh)
			return ctx.Err()
		case chunk, ok := <-pcmCh:
			if !ok {
				return nil
			}
			p.carry = append(p.carry, chunk...)
			for len(p.carry) >= audio.FrameBytes {
				frame := p.carry[:audio.FrameBytes]
				p.carry = p.carry[audio.FrameBytes:]
				if err := p.emit(ctx, frame, p.position()); err != nil {
					go drainPCM(pcmCh)
					return err
				}
			}
		}
	}
}

// Finish completes the turn: the remaining partial frame is padded with
// silence and emitted as LAST, then the speak-stop control goes out and the
// speak-lock releases. A turn that never produced audio still emits one
// silent LAST frame so the device sees a well-formed turn.
func (p *Pump) Finish(ctx context.Context) error {
	if !p.started {
		return nil
	}
	defer p.endSpeaking()

	tail := make([]byte, audio.FrameBytes)
	copy(tail, p.carry)
	p.carry = nil
	if err := p.emit(ctx, tail, PositionLast); err != nil {
		return err
	}
	return p.out.SpeakStop(ctx)
}

// Abort ends the turn on cancellation: buffered audio is dropped, no further
// frames go out, and the speak-stop control is sent so the device stops
// waiting. The passed ctx should not be the cancelled turn context.
func (p *Pump) Abort(ctx context.Context) error {
	if !p.started {
		return nil
	}
	p.carry = nil
	p.endSpeaking()
	return p.out.SpeakStop(ctx)
}

// Speaking reports whether the turn has started playback.
func (p *Pump) Speaking() bool { return p.started }

func (p *Pump) endSpeaking() {
	p.started = false
	p.firstFrame = true
	p.nextAt = time.Time{}
	if p.gate != nil {
		p.gate.EndSpeaking()
	}
}

func (p *Pump) position() Position {
	if p.firstFrame {
		p.firstFrame = false
		return PositionFirst
	}
	return PositionMiddle
}

// emit encodes and sends one PCM frame, holding to the pacing schedule.
func (p *Pump) emit(ctx context.Context, pcmFrame []byte, pos Position) error {
	if p.pace > 0 {
		now := time.Now()
		if p.nextAt.IsZero() {
			p.nextAt = now
		}
		if wait := p.nextAt.Sub(now); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else {
			// Synthesis fell behind real time; do not bank the deficit.
			p.nextAt = now
		}
		p.nextAt = p.nextAt.Add(p.pace)
	}

	opus, err := p.enc.Encode(audio.BytesToInt16s(pcmFrame), audio.FrameSamples, audio.FrameBytes)
	if err != nil {
		return fmt.Errorf("synth: opus encode: %w", err)
	}
	return p.out.Frame(ctx, opus, pos)
}

func drainPCM(ch <-chan []byte) {
	for range ch {
	}
}
