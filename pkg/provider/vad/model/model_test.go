package model

import (
	"errors"
	"testing"

	"github.com/jmallek/edgevox/pkg/audio"
	"github.com/jmallek/edgevox/pkg/provider/vad"
)

// scriptedClassifier replays a fixed probability sequence; past the end it
// returns 0.
type scriptedClassifier struct {
	probs  []float64
	errs   []error
	pos    int
	resets int
}

func (c *scriptedClassifier) Probability(frame []byte) (float64, error) {
	i := c.pos
	c.pos++
	var p float64
	var err error
	if i < len(c.probs) {
		p = c.probs[i]
	}
	if i < len(c.errs) {
		err = c.errs[i]
	}
	return p, err
}

func (c *scriptedClassifier) Reset() { c.resets++ }

func newSession(t *testing.T, clf *scriptedClassifier, cfg vad.Config) vad.SessionHandle {
	t.Helper()
	e, err := New(func() (FrameClassifier, error) { return clf, nil })
	if err != nil {
		t.Fatal(err)
	}
	s, err := e.NewSession(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func frame() []byte { return make([]byte, audio.FrameBytes) }

func feed(t *testing.T, s vad.SessionHandle, n int) vad.Result {
	t.Helper()
	var res vad.Result
	for range n {
		r, err := s.ProcessPacket(frame())
		if err != nil {
			t.Fatal(err)
		}
		res = r
	}
	return res
}

func TestHysteresisBand(t *testing.T) {
	// 0.9 crosses the speech threshold; 0.4 sits inside the band and must
	// inherit voiced; 0.2 crosses the silence threshold.
	clf := &scriptedClassifier{probs: []float64{0.9, 0.4, 0.2, 0.4}}
	s := newSession(t, clf, vad.Config{SpeechThreshold: 0.5, SilenceThreshold: 0.35})

	want := []bool{true, true, false, false}
	for i, w := range want {
		res := feed(t, s, 1)
		if len(res.Frames) != 1 || res.Frames[0] != w {
			t.Errorf("frame %d voiced = %v, want %v", i, res.Frames[0], w)
		}
	}
}

func TestSpeechVoteNeedsTwoOfFive(t *testing.T) {
	clf := &scriptedClassifier{probs: []float64{0.9, 0.1, 0.1, 0.9}}
	s := newSession(t, clf, vad.Config{})

	// One voiced frame of one: short of the two-vote quorum.
	if res := feed(t, s, 1); res.Speech {
		t.Fatal("single voiced frame must not carry the vote")
	}
	feed(t, s, 2)
	// Second voiced frame arrives while the first is still in the window.
	if res := feed(t, s, 1); !res.Speech {
		t.Fatal("two voiced frames within the window must carry the vote")
	}
}

func TestClassifierErrorCountsAsSilence(t *testing.T) {
	boom := errors.New("inference failed")
	clf := &scriptedClassifier{
		probs: []float64{0.9, 0, 0.9},
		errs:  []error{nil, boom, nil},
	}
	s := newSession(t, clf, vad.Config{})

	feed(t, s, 1)
	res := feed(t, s, 1)
	if res.Frames[0] {
		t.Fatal("errored frame classified as voiced")
	}
	// The stream keeps going after the error.
	if res = feed(t, s, 1); !res.Frames[0] {
		t.Fatal("stream did not recover after classifier error")
	}
}

func TestResetClearsClassifierState(t *testing.T) {
	clf := &scriptedClassifier{}
	s := newSession(t, clf, vad.Config{})
	s.Reset()
	if clf.resets != 1 {
		t.Fatalf("classifier resets = %d, want 1", clf.resets)
	}
}

func TestRejectsInvertedThresholds(t *testing.T) {
	e, err := New(func() (FrameClassifier, error) { return &scriptedClassifier{}, nil })
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.NewSession(vad.Config{SpeechThreshold: 0.3, SilenceThreshold: 0.6}); err == nil {
		t.Fatal("expected error for silence threshold above speech threshold")
	}
}

func TestNilFactoryRejected(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil factory")
	}
}
