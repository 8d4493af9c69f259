package synth

import (
	"context"
	"sync"
	"testing"

	"github.com/jmallek/edgevox/pkg/audio"
	ttsmock "github.com/jmallek/edgevox/pkg/provider/tts/mock"
)

// event is one recorded Output call.
type event struct {
	kind string // "start", "sentence", "frame", "stop"
	text string
	pos  Position
	size int
}

type recordingOutput struct {
	mu     sync.Mutex
	events []event
}

func (o *recordingOutput) SpeakStart(ctx context.Context) error {
	return o.add(event{kind: "start"})
}

func (o *recordingOutput) SentenceStart(ctx context.Context, text string) error {
	return o.add(event{kind: "sentence", text: text})
}

func (o *recordingOutput) Frame(ctx context.Context, opus []byte, pos Position) error {
	return o.add(event{kind: "frame", pos: pos, size: len(opus)})
}

func (o *recordingOutput) SpeakStop(ctx context.Context) error {
	return o.add(event{kind: "stop"})
}

func (o *recordingOutput) add(e event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
	return nil
}

type recordingGate struct {
	begins, ends int
}

func (g *recordingGate) BeginSpeaking() { g.begins++ }
func (g *recordingGate) EndSpeaking()   { g.ends++ }

func newTestPump(t *testing.T, ttsP *ttsmock.Provider, out Output, opts ...Option) *Pump {
	t.Helper()
	opts = append([]Option{WithPace(0)}, opts...)
	p, err := New(ttsP, out, opts...)
	if err != nil {
		t.Fatalf("new pump: %v", err)
	}
	return p
}

func TestTurnLifecycleOrdering(t *testing.T) {
	// Two full frames of audio per sentence.
	ttsP := &ttsmock.Provider{PCM: [][]byte{make([]byte, 2*audio.FrameBytes)}}
	out := &recordingOutput{}
	gate := &recordingGate{}
	p := newTestPump(t, ttsP, out, WithGate(gate))

	ctx := context.Background()
	if err := p.Sentence(ctx, "Hello there."); err != nil {
		t.Fatalf("sentence: %v", err)
	}
	if err := p.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}

	kinds := make([]string, len(out.events))
	for i, e := range out.events {
		kinds[i] = e.kind
	}
	want := []string{"start", "sentence", "frame", "frame", "frame", "stop"}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}

	frames := framesOf(out.events)
	if frames[0].pos != PositionFirst {
		t.Errorf("first frame pos = %v", frames[0].pos)
	}
	if frames[1].pos != PositionMiddle {
		t.Errorf("second frame pos = %v", frames[1].pos)
	}
	if frames[2].pos != PositionLast {
		t.Errorf("final frame pos = %v", frames[2].pos)
	}
	if gate.begins != 1 || gate.ends != 1 {
		t.Errorf("gate begins=%d ends=%d", gate.begins, gate.ends)
	}
}

func TestCarryPersistsAcrossSentences(t *testing.T) {
	// Each sentence yields one and a half frames; the half must carry over
	// instead of being dropped or padded mid-turn.
	ttsP := &ttsmock.Provider{PCM: [][]byte{make([]byte, audio.FrameBytes+audio.FrameBytes/2)}}
	out := &recordingOutput{}
	p := newTestPump(t, ttsP, out)

	ctx := context.Background()
	if err := p.Sentence(ctx, "one"); err != nil {
		t.Fatalf("sentence: %v", err)
	}
	if err := p.Sentence(ctx, "two"); err != nil {
		t.Fatalf("sentence: %v", err)
	}
	if err := p.Finish(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}

	// 3 frames worth of audio total: sentence one emits 1 (half carried),
	// sentence two completes the carry and emits 2, Finish pads the rest.
	if got := len(framesOf(out.events)); got != 4 {
		t.Fatalf("frames = %d, want 4", got)
	}
}

func TestAbortDropsBufferedAudio(t *testing.T) {
	// Half a frame buffered, never completed.
	ttsP := &ttsmock.Provider{PCM: [][]byte{make([]byte, audio.FrameBytes/2)}}
	out := &recordingOutput{}
	gate := &recordingGate{}
	p := newTestPump(t, ttsP, out, WithGate(gate))

	ctx := context.Background()
	if err := p.Sentence(ctx, "interrupted"); err != nil {
		t.Fatalf("sentence: %v", err)
	}
	if err := p.Abort(ctx); err != nil {
		t.Fatalf("abort: %v", err)
	}

	if got := len(framesOf(out.events)); got != 0 {
		t.Errorf("aborted turn emitted %d frames", got)
	}
	last := out.events[len(out.events)-1]
	if last.kind != "stop" {
		t.Errorf("last event = %+v, want stop", last)
	}
	if gate.ends != 1 {
		t.Error("abort did not release the speak gate")
	}
}

func TestFinishWithoutSentencesIsNoop(t *testing.T) {
	out := &recordingOutput{}
	p := newTestPump(t, &ttsmock.Provider{}, out)
	if err := p.Finish(context.Background()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(out.events) != 0 {
		t.Errorf("idle finish produced events: %v", out.events)
	}
}

func TestSpeakingTracksTurn(t *testing.T) {
	ttsP := &ttsmock.Provider{PCM: [][]byte{make([]byte, audio.FrameBytes)}}
	p := newTestPump(t, ttsP, &recordingOutput{})

	if p.Speaking() {
		t.Error("speaking before any sentence")
	}
	if err := p.Sentence(context.Background(), "hi"); err != nil {
		t.Fatalf("sentence: %v", err)
	}
	if !p.Speaking() {
		t.Error("not speaking mid-turn")
	}
	if err := p.Finish(context.Background()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if p.Speaking() {
		t.Error("still speaking after finish")
	}
}

func framesOf(events []event) []event {
	var out []event
	for _, e := range events {
		if e.kind == "frame" {
			out = append(out, e)
		}
	}
	return out
}
