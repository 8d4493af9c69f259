// Package model implements a VAD engine backed by a neural frame classifier.
//
// The classifier itself is injected: anything that scores a 20 ms frame with a
// speech probability in [0, 1] plugs in, whether an ONNX runtime binding, a
// sidecar process, or a test fake. The engine owns everything around the
// score: framing, dual-threshold hysteresis, and the sliding-window vote.
package model

import (
	"errors"
	"fmt"

	"github.com/jmallek/edgevox/pkg/provider/vad"
)

// FrameClassifier scores one 20 ms frame of 16 kHz mono PCM16LE with a speech
// probability in [0, 1]. Implementations may keep internal recurrent state;
// Reset clears it.
type FrameClassifier interface {
	Probability(frame []byte) (float64, error)
	Reset()
}

// Default hysteresis thresholds, applied when Config leaves them zero.
const (
	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35
)

// Engine implements [vad.Engine] over an injected classifier factory. Each
// session receives its own classifier instance so recurrent state is never
// shared between streams.
type Engine struct {
	newClassifier func() (FrameClassifier, error)
}

// New creates a model VAD engine. newClassifier is invoked once per session.
func New(newClassifier func() (FrameClassifier, error)) (*Engine, error) {
	if newClassifier == nil {
		return nil, errors.New("model vad: nil classifier factory")
	}
	return &Engine{newClassifier: newClassifier}, nil
}

var _ vad.Engine = (*Engine)(nil)

// NewSession creates a detector session with its own classifier instance.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("model vad: silence threshold %.2f above speech threshold %.2f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	clf, err := e.newClassifier()
	if err != nil {
		return nil, fmt.Errorf("model vad: create classifier: %w", err)
	}
	return &session{
		cfg:        cfg,
		classifier: clf,
		window:     vad.NewWindow(cfg.WindowFrames),
	}, nil
}

type session struct {
	cfg        vad.Config
	classifier FrameClassifier

	stash  vad.Stash
	window *vad.Window
	voiced bool // hysteresis memory
	closed bool
}

var _ vad.SessionHandle = (*session)(nil)

var errClosed = errors.New("model vad: session closed")

// ProcessPacket scores each complete 20 ms frame in pcm and applies
// dual-threshold hysteresis. A classifier error marks the frame unvoiced and
// continues: a transient scoring failure must not stall the stream, and the
// end-of-speech watchdog covers a classifier that goes silent for good.
func (s *session) ProcessPacket(pcm []byte) (vad.Result, error) {
	if s.closed {
		return vad.Result{}, errClosed
	}
	s.stash.Add(pcm)

	var res vad.Result
	for {
		frame := s.stash.Next()
		if frame == nil {
			break
		}
		p, err := s.classifier.Probability(frame)
		if err != nil {
			p = 0
		}
		switch {
		case p >= s.cfg.SpeechThreshold:
			s.voiced = true
		case p <= s.cfg.SilenceThreshold:
			s.voiced = false
		}
		s.window.Push(s.voiced)
		res.Frames = append(res.Frames, s.voiced)
		res.LastProbability = p
	}
	res.Speech = s.window.Voiced() >= s.cfg.WindowVotes
	return res, nil
}

// Reset clears stash, window, hysteresis, and the classifier's recurrent
// state.
func (s *session) Reset() {
	s.stash.Reset()
	s.window.Reset()
	s.voiced = false
	s.classifier.Reset()
}

// Close marks the session closed. Idempotent.
func (s *session) Close() error {
	s.closed = true
	return nil
}
