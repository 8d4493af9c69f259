package recognize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmallek/edgevox/pkg/provider/ident"
	identmock "github.com/jmallek/edgevox/pkg/provider/ident/mock"
	"github.com/jmallek/edgevox/pkg/provider/stt"
	sttmock "github.com/jmallek/edgevox/pkg/provider/stt/mock"
)

func clip(n int) []byte { return make([]byte, n) }

func TestRecognizeJoinsBothLegs(t *testing.T) {
	sp := &sttmock.Provider{Result: stt.Result{Text: "turn on the lights", Elapsed: 80 * time.Millisecond}}
	ip := &identmock.Provider{Match: ident.Match{Speaker: "ada", Score: 0.91}}
	d := New(sp, WithIdent(ip))

	res, err := d.Recognize(context.Background(), "s1", 1, clip(16000))
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.Text != "turn on the lights" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Speaker != "ada" || res.SpeakerScore != 0.91 {
		t.Errorf("speaker = %q score %v", res.Speaker, res.SpeakerScore)
	}
	if res.STTElapsed != 80*time.Millisecond {
		t.Errorf("elapsed = %v", res.STTElapsed)
	}
}

func TestRecognizeShortClipSkipsProviders(t *testing.T) {
	sp := &sttmock.Provider{Result: stt.Result{Text: "should not run"}}
	ip := &identmock.Provider{Match: ident.Match{Speaker: "ada"}}
	d := New(sp, WithIdent(ip))

	res, err := d.Recognize(context.Background(), "s1", 1, clip(DefaultMinPCMBytes-1))
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.Text != "" || res.Speaker != "" {
		t.Errorf("short clip produced %+v, want empty result", res)
	}
	if sp.CallCount() != 0 {
		t.Error("transcription ran for a short clip")
	}
	if ip.CallCount() != 0 {
		t.Error("identification ran for a short clip")
	}
}

func TestRecognizeTranscriptionFailureIsEmptyTranscript(t *testing.T) {
	sp := &sttmock.Provider{Err: errors.New("backend down")}
	ip := &identmock.Provider{Match: ident.Match{Speaker: "ada", Score: 0.9}}
	d := New(sp, WithIdent(ip))

	res, err := d.Recognize(context.Background(), "s1", 1, clip(16000))
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.Text != "" {
		t.Errorf("text = %q, want empty after transcription failure", res.Text)
	}
	// The other leg still contributes.
	if res.Speaker != "ada" {
		t.Errorf("speaker = %q, want ada", res.Speaker)
	}
}

func TestRecognizeIdentFailureOnlyCostsLabel(t *testing.T) {
	sp := &sttmock.Provider{Result: stt.Result{Text: "hello"}}
	ip := &identmock.Provider{Err: errors.New("service unavailable")}
	d := New(sp, WithIdent(ip))

	res, err := d.Recognize(context.Background(), "s1", 1, clip(16000))
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Speaker != "" {
		t.Errorf("speaker = %q, want empty", res.Speaker)
	}
}

func TestRecognizeTranscriptionTimeout(t *testing.T) {
	sp := &sttmock.Provider{Block: true}
	d := New(sp, WithTaskTimeout(20*time.Millisecond))

	start := time.Now()
	res, err := d.Recognize(context.Background(), "s1", 1, clip(16000))
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.Text != "" {
		t.Errorf("text = %q, want empty after timeout", res.Text)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout did not bound the transcription leg")
	}
}

func TestRecognizeWithoutIdentProvider(t *testing.T) {
	sp := &sttmock.Provider{Result: stt.Result{Text: "solo"}}
	d := New(sp)

	res, err := d.Recognize(context.Background(), "s1", 1, clip(16000))
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.Text != "solo" || res.Speaker != "" {
		t.Errorf("got %+v", res)
	}
}

func TestRecognizeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := New(&sttmock.Provider{})
	if _, err := d.Recognize(ctx, "s1", 1, clip(16000)); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestWrapSpeaker(t *testing.T) {
	if got := WrapSpeaker("", "hello"); got != "hello" {
		t.Errorf("unlabelled = %q", got)
	}
	got := WrapSpeaker("ada", "hello")
	want := `{"speaker":"ada","content":"hello"}`
	if got != want {
		t.Errorf("labelled = %q, want %q", got, want)
	}
}
