// Package eos implements end-of-speech detection: the per-session state
// machine that watches the stream of classified audio frames and decides when
// the user has finished talking.
//
// The controller owns the utterance [Buffer] and the silence/voice-run
// counters. It consumes one classified frame at a time from the session's
// serialized inbound path, so none of its state needs locking. Two guard
// windows suppress premature flushes: the wake-guard right after speech
// onset, and the speak-lock right after the device starts playing a reply
// (the device's own speaker leaks into its microphone).
//
// A flush can fire on three paths: the consecutive unvoiced frame counter,
// the minimum-silence timer, or the independent last-voice watchdog driven by
// [Controller.Tick]. The watchdog exists because DTX suppression can starve
// the frame paths entirely: a device that stops sending audio produces no
// frames to count.
package eos

import "time"

// Defaults for the controller guard windows and thresholds.
const (
	DefaultWakeGuard          = 300 * time.Millisecond
	DefaultSpeakLock          = 1200 * time.Millisecond
	DefaultSilenceFalseFrames = 10
	DefaultMinSilence         = 600 * time.Millisecond
	DefaultWatchdog           = time.Second
	DefaultMinPCMBytes        = 12000
	DefaultVoiceDebounce      = 100 * time.Millisecond

	// preRollBytes caps the audio retained before speech onset. 300 ms of
	// pre-roll preserves the utterance onset without letting the buffer grow
	// during long silences.
	preRollBytes = 9600
)

// State is the controller's position in the capture lifecycle. FLUSHING is
// transient (it resolves within one event) and suppression is an overlay
// condition, so neither appears as a stored state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateVoiced
	StateTrailingSilence
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateVoiced:
		return "voiced"
	case StateTrailingSilence:
		return "trailing_silence"
	default:
		return "unknown"
	}
}

// Config holds the controller thresholds. Zero values take the defaults.
type Config struct {
	// WakeGuard is the post-onset window during which flushes are
	// suppressed so early phonemes are not cut off.
	WakeGuard time.Duration

	// SpeakLock is the post-playback-start window during which flushes and
	// barge-in are suppressed.
	SpeakLock time.Duration

	// SilenceFalseFrames is the consecutive unvoiced frame count that ends
	// an utterance.
	SilenceFalseFrames int

	// MinSilence is the trailing silence duration that ends an utterance.
	// Whichever of the counter and the timer fires first wins.
	MinSilence time.Duration

	// Watchdog is the last-voice age at which Tick forces a flush.
	Watchdog time.Duration

	// MinPCMBytes is the smallest utterance worth transcribing. A flush
	// below this size is aborted and capture continues.
	MinPCMBytes int

	// VoiceDebounce is the minimum spacing between last-voice timestamp
	// refreshes, so a single spiky frame cannot keep resetting the silence
	// timer.
	VoiceDebounce time.Duration
}

// WithDefaults returns a copy of c with zero fields filled.
func (c Config) WithDefaults() Config {
	if c.WakeGuard <= 0 {
		c.WakeGuard = DefaultWakeGuard
	}
	if c.SpeakLock <= 0 {
		c.SpeakLock = DefaultSpeakLock
	}
	if c.SilenceFalseFrames <= 0 {
		c.SilenceFalseFrames = DefaultSilenceFalseFrames
	}
	if c.MinSilence <= 0 {
		c.MinSilence = DefaultMinSilence
	}
	if c.Watchdog <= 0 {
		c.Watchdog = DefaultWatchdog
	}
	if c.MinPCMBytes <= 0 {
		c.MinPCMBytes = DefaultMinPCMBytes
	}
	if c.VoiceDebounce <= 0 {
		c.VoiceDebounce = DefaultVoiceDebounce
	}
	return c
}

// Event is the outcome of feeding one frame (or one watchdog tick) to the
// controller.
type Event struct {
	// Woke is true when this frame was the first voiced frame of a new
	// utterance. The session resets VAD state and refreshes activity
	// timestamps on wake.
	Woke bool

	// Flush is true when the utterance is complete. PCM, Seq, and Cause are
	// populated only then.
	Flush bool

	// PCM is the flushed utterance audio.
	PCM []byte

	// Seq is the utterance sequence number within the session.
	Seq int

	// Cause is why capture stopped.
	Cause StopCause
}

// Option is a functional option for the Controller.
type Option func(*Controller)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller is the per-session end-of-speech state machine. Not safe for
// concurrent use: every method is called from the session's inbound path.
type Controller struct {
	cfg Config
	buf Buffer
	now func() time.Time

	state State

	lastVoice      time.Time
	lastRefresh    time.Time
	wakeUntil      time.Time
	speakLockUntil time.Time
	speaking       bool

	silenceFrames int
	voiceRun      int
	voicedBytes   int
}

// NewController creates a controller with the given thresholds.
func NewController(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:   cfg.WithDefaults(),
		now:   time.Now,
		state: StateIdle,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ready moves the controller out of IDLE once the session handshake is done.
func (c *Controller) Ready() {
	if c.state == StateIdle {
		c.state = StateListening
	}
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// BufferedBytes returns the size of the utterance being captured.
func (c *Controller) BufferedBytes() int { return c.buf.Size() }

// Suppressed reports whether a flush is currently blocked by the wake-guard
// or the speak-lock.
func (c *Controller) Suppressed() bool {
	now := c.now()
	if now.Before(c.wakeUntil) {
		return true
	}
	return c.speaking && now.Before(c.speakLockUntil)
}

// BeginSpeaking marks reply playback started and arms the speak-lock.
func (c *Controller) BeginSpeaking() {
	c.speaking = true
	c.speakLockUntil = c.now().Add(c.cfg.SpeakLock)
}

// EndSpeaking marks reply playback finished and releases the speak-lock.
func (c *Controller) EndSpeaking() {
	c.speaking = false
	c.speakLockUntil = time.Time{}
}

// Speaking reports whether a reply is currently playing.
func (c *Controller) Speaking() bool { return c.speaking }

// BargeInAllowed reports whether a voiced frame right now may abort the
// active reply. Voice inside the speak-lock window is assumed to be the
// device hearing itself.
func (c *Controller) BargeInAllowed() bool {
	return c.speaking && !c.now().Before(c.speakLockUntil)
}

// OnFrame feeds one classified 20 ms frame. pcm is the frame's decoded audio
// (nil for DTX markers, which advance no counters and append nothing).
func (c *Controller) OnFrame(voiced bool, pcm []byte) Event {
	if c.state == StateIdle {
		return Event{}
	}
	now := c.now()

	switch c.state {
	case StateListening:
		c.buf.Append(pcm)
		c.buf.TrimFront(preRollBytes)
		if voiced {
			c.state = StateVoiced
			c.wakeUntil = now.Add(c.cfg.WakeGuard)
			c.lastVoice = now
			c.lastRefresh = now
			c.silenceFrames = 0
			c.voiceRun = 1
			c.voicedBytes = len(pcm)
			return Event{Woke: true}
		}

	case StateVoiced:
		c.buf.Append(pcm)
		if voiced {
			c.voiceRun++
			c.voicedBytes += len(pcm)
			if now.Sub(c.lastRefresh) >= c.cfg.VoiceDebounce {
				c.lastVoice = now
				c.lastRefresh = now
			}
		} else if pcm != nil {
			c.state = StateTrailingSilence
			c.silenceFrames = 1
		}

	case StateTrailingSilence:
		c.buf.Append(pcm)
		if voiced {
			c.state = StateVoiced
			c.silenceFrames = 0
			c.voiceRun++
			c.voicedBytes += len(pcm)
			c.lastVoice = now
			c.lastRefresh = now
			break
		}
		if pcm != nil {
			c.silenceFrames++
		}
		if cause, ok := c.flushCause(now); ok {
			return c.tryFlush(cause)
		}
	}
	return Event{}
}

// flushCause decides whether either silence threshold has been reached.
// Counter and timer race; whichever holds first wins.
func (c *Controller) flushCause(now time.Time) (StopCause, bool) {
	if c.Suppressed() {
		return StopCause{}, false
	}
	if c.silenceFrames >= c.cfg.SilenceFalseFrames {
		return StopCause{Kind: StopSilenceFrames, Frames: c.silenceFrames}, true
	}
	if silence := now.Sub(c.lastVoice); silence >= c.cfg.MinSilence {
		return StopCause{Kind: StopSilenceDuration, SilenceMs: silence.Milliseconds()}, true
	}
	return StopCause{}, false
}

// Tick runs the independent last-voice watchdog. The session schedules it
// whenever capture is active; it backstops DTX streams that deliver no
// frames for the counter path.
func (c *Controller) Tick() Event {
	if c.state != StateVoiced && c.state != StateTrailingSilence {
		return Event{}
	}
	if c.Suppressed() {
		return Event{}
	}
	if c.now().Sub(c.lastVoice) >= c.cfg.Watchdog {
		return c.tryFlush(StopCause{Kind: StopWatchdog})
	}
	return Event{}
}

// RequestStop ends capture on a client listen-stop control message
// (manual mode). The minimum-size guard still applies.
func (c *Controller) RequestStop() Event {
	if c.state != StateVoiced && c.state != StateTrailingSilence {
		return Event{}
	}
	return c.tryFlush(StopCause{Kind: StopManual})
}

// tryFlush performs the FLUSHING transition. The minimum-size guard counts
// voiced bytes only — trailing silence is in the buffer too and must not
// qualify an obviously truncated clip for transcription. An undersized
// utterance is abandoned: capture returns to LISTENING with the audio kept
// as pre-roll in case the speaker was merely pausing.
func (c *Controller) tryFlush(cause StopCause) Event {
	if c.voicedBytes < c.cfg.MinPCMBytes {
		c.state = StateListening
		c.buf.TrimFront(preRollBytes)
		c.silenceFrames = 0
		c.voiceRun = 0
		c.voicedBytes = 0
		c.wakeUntil = time.Time{}
		return Event{}
	}

	seq := c.buf.Seq()
	pcm := c.buf.Flush()
	c.state = StateListening
	c.silenceFrames = 0
	c.voiceRun = 0
	c.voicedBytes = 0
	return Event{Flush: true, PCM: pcm, Seq: seq, Cause: cause}
}

// Reset returns the controller to LISTENING and discards any captured audio.
// Called on client abort and when a session is re-armed after a reply.
func (c *Controller) Reset() {
	if c.state != StateIdle {
		c.state = StateListening
	}
	c.buf.Reset()
	c.silenceFrames = 0
	c.voiceRun = 0
	c.voicedBytes = 0
	c.wakeUntil = time.Time{}
}
