package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmallek/edgevox/pkg/audio"
	"github.com/jmallek/edgevox/pkg/provider/tts"
)

func TestNewValidation(t *testing.T) {
	if _, err := New("", "tts-1"); err == nil {
		t.Fatal("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestSynthesizeResamplesToPipelineRate(t *testing.T) {
	// 240 ms of silence at the 24 kHz source rate.
	srcPCM := make([]byte, sourceRate*2*240/1000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/pcm")
		w.Write(srcPCM)
	}))
	defer srv.Close()

	p, err := New("sk-test", "tts-1", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	ch, err := p.Synthesize(context.Background(), "hello", tts.Voice{})
	if err != nil {
		t.Fatal(err)
	}

	var total int
	for slice := range ch {
		total += len(slice)
	}

	// 240 ms at 16 kHz mono PCM16 is 7680 bytes; allow resampler edge slack.
	want := audio.SampleRate * 2 * 240 / 1000
	if total < want-8 || total > want+8 {
		t.Fatalf("resampled bytes = %d, want ≈%d", total, want)
	}
}

func TestSynthesizeErrorBeforeStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad voice"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p, err := New("sk-test", "tts-1", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Synthesize(context.Background(), "hello", tts.Voice{}); err == nil {
		t.Fatal("expected error from 400 response")
	}
}
