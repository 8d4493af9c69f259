// Package energy implements an RMS-gate VAD with hysteresis and a leaky
// integrator. It needs no model download and is the default engine for
// deployments without an inference runtime.
//
// Per 20 ms frame the detector computes RMS in dBFS, estimates the ambient
// noise floor from the 20th percentile of an initial calibration window, and
// accumulates the excess over the floor in a leaky integrator with a ≈250 ms
// time constant. The integrator crossing the on-gate marks the frame voiced;
// it must fall to the off-gate (4 dB below) before frames go unvoiced again.
package energy

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/jmallek/edgevox/pkg/audio"
	"github.com/jmallek/edgevox/pkg/provider/vad"
)

const (
	// defaultGateOnDB is the integrator level that switches the detector to
	// voiced when Config.SpeechThreshold is zero.
	defaultGateOnDB = 9.0

	// gateHysteresisDB is the drop below the on-gate required to return to
	// unvoiced.
	gateHysteresisDB = 4.0

	// integratorTau is the leaky-integrator time constant.
	integratorTau = 250 * time.Millisecond

	// defaultCalibration is the duration of the initial noise-floor
	// estimation window.
	defaultCalibration = 800 * time.Millisecond

	// floorPercentile selects the calibration RMS sample used as the noise
	// floor estimate.
	floorPercentile = 0.20

	// silenceFloorDB is the dBFS value reported for an all-zero frame.
	silenceFloorDB = -96.0
)

// Engine implements [vad.Engine] with the energy detector. The zero value is
// usable; Option values tune calibration.
type Engine struct {
	calibration time.Duration
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithCalibrationWindow overrides the noise-floor calibration duration.
func WithCalibrationWindow(d time.Duration) Option {
	return func(e *Engine) { e.calibration = d }
}

// New creates an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{calibration: defaultCalibration}
	for _, o := range opts {
		o(e)
	}
	return e
}

var _ vad.Engine = (*Engine)(nil)

// NewSession creates a detector session. cfg.SpeechThreshold, when non-zero,
// is the on-gate level in dB above the noise floor; cfg.SilenceThreshold is
// ignored (the off-gate is derived from the on-gate).
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	gateOn := cfg.SpeechThreshold
	if gateOn <= 0 {
		gateOn = defaultGateOnDB
	}
	calibFrames := int(e.calibration / (audio.FrameMs * time.Millisecond))
	if calibFrames < 1 {
		calibFrames = 1
	}
	return &session{
		cfg:         cfg,
		gateOn:      gateOn,
		gateOff:     gateOn - gateHysteresisDB,
		calibFrames: calibFrames,
		window:      vad.NewWindow(cfg.WindowFrames),
	}, nil
}

// session holds the per-stream detector state.
type session struct {
	cfg     vad.Config
	gateOn  float64
	gateOff float64

	stash  vad.Stash
	window *vad.Window

	// Calibration: RMS samples collected until calibFrames are seen.
	calibFrames int
	calibRMS    []float64
	floorDB     float64
	calibrated  bool

	// Leaky integrator over the excess above the noise floor.
	integrator float64
	voiced     bool // hysteresis memory
	closed     bool
}

var _ vad.SessionHandle = (*session)(nil)

// errClosed is returned by ProcessPacket after Close.
var errClosed = errors.New("energy vad: session closed")

// ProcessPacket classifies each complete 20 ms frame in pcm.
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
		voiced, level := s.classify(frame)
		s.window.Push(voiced)
		res.Frames = append(res.Frames, voiced)
		res.LastProbability = level
	}
	res.Speech = s.window.Voiced() >= s.cfg.WindowVotes
	return res, nil
}

// classify runs one frame through calibration, the integrator, and the
// hysteresis gate. Returns the voiced flag and the integrator level.
func (s *session) classify(frame []byte) (bool, float64) {
	db := rmsDB(frame)

	if !s.calibrated {
		s.calibRMS = append(s.calibRMS, db)
		if len(s.calibRMS) >= s.calibFrames {
			s.floorDB = percentile(s.calibRMS, floorPercentile)
			s.calibrated = true
			s.calibRMS = nil
		} else {
			// During calibration nothing is voiced; the caller's wake-guard
			// covers the first utterance onset.
			return false, 0
		}
	}

	excess := db - s.floorDB
	if excess < 0 {
		excess = 0
	}
	decay := math.Exp(-float64(audio.FrameMs*time.Millisecond) / float64(integratorTau))
	s.integrator = s.integrator*decay + excess*(1-decay)

	// Hysteresis: rise past gateOn, fall below gateOff.
	if s.integrator >= s.gateOn {
		s.voiced = true
	} else if s.integrator <= s.gateOff {
		s.voiced = false
	}
	return s.voiced, s.integrator
}

// Reset clears window, stash, integrator, and hysteresis memory. The
// calibrated noise floor survives: ambient conditions do not change because
// an utterance ended.
func (s *session) Reset() {
	s.stash.Reset()
	s.window.Reset()
	s.integrator = 0
	s.voiced = false
}

// Close marks the session closed. Idempotent.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// rmsDB computes the RMS level of a 16-bit PCM frame in dBFS.
func rmsDB(frame []byte) float64 {
	samples := audio.BytesToInt16s(frame)
	if len(samples) == 0 {
		return silenceFloorDB
	}
	var sum float64
	for _, v := range samples {
		f := float64(v)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1 {
		return silenceFloorDB
	}
	return 20 * math.Log10(rms/32768.0)
}

// percentile returns the p-quantile (0–1) of values by nearest-rank on a
// sorted copy.
func percentile(values []float64, p float64) float64 {
	cp := make([]float64, len(values))
	copy(cp, values)
	sort.Float64s(cp)
	idx := int(p * float64(len(cp)))
	if idx >= len(cp) {
		idx = len(cp) - 1
	}
	return cp[idx]
}
