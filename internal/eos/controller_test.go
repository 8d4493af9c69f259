package eos

import (
	"testing"
	"time"

	"github.com/jmallek/edgevox/pkg/audio"
)

// fakeClock advances 20 ms per frame unless moved explicitly.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }
func (f *fakeClock) frame()                  { f.advance(audio.FrameMs * time.Millisecond) }

func newController(clk *fakeClock, cfg Config) *Controller {
	c := NewController(cfg, WithClock(clk.now))
	c.Ready()
	return c
}

func pcmFrame() []byte { return make([]byte, audio.FrameBytes) }

// feedVoiced pushes n voiced frames, advancing the clock per frame.
func feedVoiced(c *Controller, clk *fakeClock, n int) Event {
	var ev Event
	for range n {
		clk.frame()
		ev = c.OnFrame(true, pcmFrame())
	}
	return ev
}

func feedSilence(c *Controller, clk *fakeClock, n int) Event {
	var ev Event
	for range n {
		clk.frame()
		ev = c.OnFrame(false, pcmFrame())
		if ev.Flush {
			return ev
		}
	}
	return ev
}

func TestWakeOnFirstVoicedFrame(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	c := newController(clk, Config{})

	if ev := feedSilence(c, clk, 3); ev.Woke || ev.Flush {
		t.Fatal("silence must not wake or flush")
	}
	if c.State() != StateListening {
		t.Fatalf("state = %v, want listening", c.State())
	}

	ev := feedVoiced(c, clk, 1)
	if !ev.Woke {
		t.Fatal("first voiced frame must report wake")
	}
	if c.State() != StateVoiced {
		t.Fatalf("state = %v, want voiced", c.State())
	}
}

func TestCounterPathFlushesOnTenthSilentFrame(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	// A long MinSilence so only the counter path can fire.
	c := newController(clk, Config{MinSilence: 10 * time.Second, Watchdog: 20 * time.Second})

	feedVoiced(c, clk, 60) // 1.2 s of voice, past wake-guard and min size
	clk.advance(DefaultWakeGuard)

	var flushed Event
	for i := 1; i <= DefaultSilenceFalseFrames; i++ {
		clk.frame()
		ev := c.OnFrame(false, pcmFrame())
		if ev.Flush {
			if i != DefaultSilenceFalseFrames {
				t.Fatalf("flushed on silent frame %d, want %d", i, DefaultSilenceFalseFrames)
			}
			flushed = ev
		}
	}
	if !flushed.Flush {
		t.Fatal("counter path never flushed")
	}
	if flushed.Cause.Kind != StopSilenceFrames {
		t.Fatalf("cause = %v, want consecutive-frames", flushed.Cause)
	}
	if flushed.Cause.String() != "vad:consecutive_false(false=10)" {
		t.Errorf("cause renders as %q", flushed.Cause)
	}
	if c.State() != StateListening {
		t.Fatalf("post-flush state = %v, want listening", c.State())
	}
}

func TestTimerPathFlushes(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	// A high frame threshold so only the timer path can fire.
	c := newController(clk, Config{SilenceFalseFrames: 1000, MinSilence: 300 * time.Millisecond})

	feedVoiced(c, clk, 60)
	clk.advance(DefaultWakeGuard)

	ev := feedSilence(c, clk, 30) // 600 ms of silence
	if !ev.Flush {
		t.Fatal("timer path never flushed")
	}
	if ev.Cause.Kind != StopSilenceDuration {
		t.Fatalf("cause = %v, want silence-duration", ev.Cause)
	}
	if ev.Cause.SilenceMs < 300 {
		t.Errorf("silence ms = %d, want >= 300", ev.Cause.SilenceMs)
	}
}

func TestVoicedFrameCancelsTrailingSilence(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	c := newController(clk, Config{})

	feedVoiced(c, clk, 60)
	clk.advance(DefaultWakeGuard)
	feedSilence(c, clk, 5)
	if c.State() != StateTrailingSilence {
		t.Fatalf("state = %v, want trailing_silence", c.State())
	}

	feedVoiced(c, clk, 1)
	if c.State() != StateVoiced {
		t.Fatalf("state = %v, want voiced after speech resumed", c.State())
	}

	// The counter restarted: five more silent frames must not flush.
	if ev := feedSilence(c, clk, 5); ev.Flush {
		t.Fatal("trailing counter did not reset")
	}
}

func TestWakeGuardSuppressesFlush(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	// Aggressive thresholds that would fire immediately without the guard.
	c := newController(clk, Config{
		SilenceFalseFrames: 2,
		MinSilence:         40 * time.Millisecond,
		MinPCMBytes:        audio.FrameBytes,
	})

	feedVoiced(c, clk, 1)
	// Both thresholds are crossed within the 300 ms wake-guard.
	if ev := feedSilence(c, clk, 10); ev.Flush {
		t.Fatal("flush fired inside the wake-guard window")
	}

	// Once the guard expires the pending silence flushes.
	clk.advance(DefaultWakeGuard)
	if ev := feedSilence(c, clk, 1); !ev.Flush {
		t.Fatal("flush still suppressed after the wake-guard expired")
	}
}

func TestSpeakLockSuppressesFlush(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	c := newController(clk, Config{})

	feedVoiced(c, clk, 60)
	clk.advance(DefaultWakeGuard)

	c.BeginSpeaking()
	if c.BargeInAllowed() {
		t.Fatal("barge-in allowed inside the speak-lock window")
	}
	if ev := feedSilence(c, clk, 20); ev.Flush {
		t.Fatal("flush fired inside the speak-lock window")
	}

	clk.advance(DefaultSpeakLock)
	if !c.BargeInAllowed() {
		t.Fatal("barge-in still blocked after the speak-lock expired")
	}
	c.EndSpeaking()
	if ev := feedSilence(c, clk, 1); !ev.Flush {
		t.Fatal("flush still suppressed after speaking ended")
	}
}

func TestMinSizeGuardAbortsFlush(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	c := newController(clk, Config{})

	// 200 ms of voice: 10 frames = 6400 voiced bytes, under the 12000-byte
	// guard. A second of silence must abandon the capture, not flush it.
	feedVoiced(c, clk, 10)
	clk.advance(DefaultWakeGuard)

	if ev := feedSilence(c, clk, 50); ev.Flush {
		t.Fatal("too-short utterance must not flush")
	}
	if c.State() != StateListening {
		t.Fatalf("state = %v, want listening after abandoned capture", c.State())
	}

	// A full-length utterance afterwards flushes normally.
	feedVoiced(c, clk, 60)
	if c.State() != StateVoiced {
		t.Fatal("controller did not re-arm after abandoned capture")
	}
	clk.advance(DefaultWakeGuard)
	if ev := feedSilence(c, clk, DefaultSilenceFalseFrames); !ev.Flush {
		t.Fatal("full-length utterance never flushed")
	}
}

func TestWatchdogBackstopsDTXStarvation(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	c := newController(clk, Config{})

	feedVoiced(c, clk, 60)
	clk.advance(DefaultWakeGuard)

	// The device goes DTX: no frames arrive at all. Only Tick can fire.
	clk.advance(DefaultWatchdog)
	ev := c.Tick()
	if !ev.Flush {
		t.Fatal("watchdog did not flush after 1 s without voice")
	}
	if ev.Cause.Kind != StopWatchdog {
		t.Fatalf("cause = %v, want watchdog", ev.Cause)
	}
	if ev.Cause.String() != "watchdog_silence_1s" {
		t.Errorf("cause renders as %q", ev.Cause)
	}
}

func TestWatchdogIdleIsNoop(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	c := newController(clk, Config{})
	clk.advance(time.Minute)
	if ev := c.Tick(); ev.Flush {
		t.Fatal("watchdog fired while listening with no capture")
	}
}

func TestManualStop(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	c := newController(clk, Config{})

	feedVoiced(c, clk, 60)
	ev := c.RequestStop()
	if !ev.Flush {
		t.Fatal("manual stop did not flush")
	}
	if ev.Cause.Kind != StopManual {
		t.Fatalf("cause = %v, want manual", ev.Cause)
	}
}

func TestFlushSequenceIncrements(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	c := newController(clk, Config{})

	feedVoiced(c, clk, 60)
	clk.advance(DefaultWakeGuard)
	first := feedSilence(c, clk, DefaultSilenceFalseFrames)

	feedVoiced(c, clk, 60)
	clk.advance(DefaultWakeGuard)
	second := feedSilence(c, clk, DefaultSilenceFalseFrames)

	if !first.Flush || !second.Flush {
		t.Fatal("expected two flushes")
	}
	if second.Seq != first.Seq+1 {
		t.Fatalf("sequence %d then %d, want consecutive", first.Seq, second.Seq)
	}
}

func TestPreRollIsCapped(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	c := newController(clk, Config{})

	// A minute of silence while listening must not grow the buffer past the
	// pre-roll cap.
	feedSilence(c, clk, 3000)
	if got := c.BufferedBytes(); got > preRollBytes {
		t.Fatalf("pre-roll buffer = %d bytes, cap is %d", got, preRollBytes)
	}
}

func TestResetDiscardsCapture(t *testing.T) {
	clk := &fakeClock{t: time.Unix(100, 0)}
	c := newController(clk, Config{})

	feedVoiced(c, clk, 60)
	c.Reset()
	if c.State() != StateListening {
		t.Fatalf("state = %v, want listening", c.State())
	}
	if c.BufferedBytes() != 0 {
		t.Fatal("reset kept buffered audio")
	}
}
