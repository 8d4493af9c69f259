package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jmallek/edgevox/internal/dialog"
	"github.com/jmallek/edgevox/internal/eos"
	"github.com/jmallek/edgevox/internal/intent"
	"github.com/jmallek/edgevox/internal/observe"
	"github.com/jmallek/edgevox/internal/recognize"
	"github.com/jmallek/edgevox/pkg/audio"
	"github.com/jmallek/edgevox/pkg/provider/llm"
	llmmock "github.com/jmallek/edgevox/pkg/provider/llm/mock"
	"github.com/jmallek/edgevox/pkg/provider/stt"
	sttmock "github.com/jmallek/edgevox/pkg/provider/stt/mock"
	ttsmock "github.com/jmallek/edgevox/pkg/provider/tts/mock"
	"github.com/jmallek/edgevox/pkg/provider/vad"
)

const waitTimeout = 3 * time.Second

// fakeSocket scripts the client side of a session without a network.
type fakeSocket struct {
	in chan outboundMsg

	mu     sync.Mutex
	writes []outboundMsg
	closed bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan outboundMsg, 256)}
}

func (s *fakeSocket) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case m, ok := <-s.in:
		if !ok {
			return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
		}
		return m.typ, m.data, nil
	}
}

func (s *fakeSocket) Write(_ context.Context, typ websocket.MessageType, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, outboundMsg{typ: typ, data: append([]byte(nil), data...)})
	return nil
}

func (s *fakeSocket) Ping(context.Context) error { return nil }

func (s *fakeSocket) Close(websocket.StatusCode, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) sendJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal client message: %v", err)
	}
	s.in <- outboundMsg{typ: websocket.MessageText, data: data}
}

func (s *fakeSocket) sendFrame(data []byte) {
	s.in <- outboundMsg{typ: websocket.MessageBinary, data: data}
}

func (s *fakeSocket) disconnect() { close(s.in) }

// labels renders the outbound stream as ["hello", "stt", "tts:start",
// "audio", ...] for ordering assertions and failure diagnostics.
func (s *fakeSocket) labels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.writes))
	for _, m := range s.writes {
		if m.typ == websocket.MessageBinary {
			out = append(out, "audio")
			continue
		}
		var c struct {
			Type  string `json:"type"`
			State string `json:"state"`
		}
		if err := json.Unmarshal(m.data, &c); err != nil {
			out = append(out, "garbled")
			continue
		}
		if c.State != "" {
			out = append(out, c.Type+":"+c.State)
		} else {
			out = append(out, c.Type)
		}
	}
	return out
}

func (s *fakeSocket) controls() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, m := range s.writes {
		if m.typ != websocket.MessageText {
			continue
		}
		var c map[string]any
		if json.Unmarshal(m.data, &c) == nil {
			out = append(out, c)
		}
	}
	return out
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// waitFor polls until the outbound stream satisfies pred.
func (s *fakeSocket) waitFor(t *testing.T, what string, pred func(labels []string) bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if pred(s.labels()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; wire: %v", what, s.labels())
}

func contains(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// fakeVAD classifies a frame as voiced when its first byte is nonzero.
type fakeVAD struct{}

func (fakeVAD) NewSession(vad.Config) (vad.SessionHandle, error) {
	return &fakeVADSession{}, nil
}

type fakeVADSession struct{}

func (*fakeVADSession) ProcessPacket(pcm []byte) (vad.Result, error) {
	voiced := len(pcm) > 0 && pcm[0] != 0
	return vad.Result{Speech: voiced, Frames: []bool{voiced}}, nil
}

func (*fakeVADSession) Reset()       {}
func (*fakeVADSession) Close() error { return nil }

func voicedFrame() []byte {
	f := make([]byte, audio.FrameBytes)
	f[0] = 1
	return f
}

func silentFrame() []byte { return make([]byte, audio.FrameBytes) }

// slowLLM emits one sentence then holds the stream open until cancellation,
// for barge-in and abort tests.
type slowLLM struct{}

func (slowLLM) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Text: "One moment please. "}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (slowLLM) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{}, nil
}

type fixture struct {
	sock *fakeSocket
	sess *Session
	stt  *sttmock.Provider
	done chan error
}

type fixtureOpts struct {
	cfg     Config
	model   llm.Provider
	intents *intent.Engine
	stt     string
	met     *observe.Metrics
}

// fastEoS shrinks the controller thresholds so utterances flush on the frame
// counter within a test's patience.
func fastEoS() eos.Config {
	return eos.Config{
		WakeGuard:          time.Nanosecond,
		SpeakLock:          time.Nanosecond,
		SilenceFalseFrames: 2,
		MinSilence:         40 * time.Millisecond,
		Watchdog:           150 * time.Millisecond,
		MinPCMBytes:        audio.FrameBytes,
		VoiceDebounce:      time.Nanosecond,
	}
}

func startSession(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()

	sock := newFakeSocket()
	transcript := o.stt
	if transcript == "" {
		transcript = "hello there"
	}
	sttP := &sttmock.Provider{Result: stt.Result{Text: transcript}}
	ttsP := &ttsmock.Provider{PCM: [][]byte{make([]byte, audio.FrameBytes)}}
	if o.model == nil {
		o.model = &llmmock.Provider{Chunks: []llm.Chunk{
			{Text: "Hi there. "},
			{FinishReason: "stop"},
		}}
	}
	var dopts []dialog.Option
	if o.intents != nil {
		dopts = append(dopts, dialog.WithIntents(o.intents))
	}

	cfg := o.cfg
	if cfg.EoS == (eos.Config{}) {
		cfg.EoS = fastEoS()
	}
	sess, err := New(sock, "dev-1", cfg, Deps{
		VAD:        fakeVAD{},
		Recognizer: recognize.New(sttP, recognize.WithMinPCMBytes(1)),
		Driver:     dialog.New(o.model, dopts...),
		TTS:        ttsP,
		Met:        o.met,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Error("session did not shut down")
		}
	})

	return &fixture{sock: sock, sess: sess, stt: sttP, done: done}
}

func (f *fixture) hello(t *testing.T) {
	t.Helper()
	f.sock.sendJSON(t, map[string]any{
		"type":      "hello",
		"version":   1,
		"transport": "websocket",
		"audio_params": map[string]any{
			"format": "pcm", "sample_rate": 16000, "channels": 1,
		},
	})
	f.sock.waitFor(t, "hello ack", func(labels []string) bool {
		return contains(labels, "hello")
	})
}

// speak sends an utterance and the trailing silence that ends it.
func (f *fixture) speak(voicedFrames int) {
	for i := 0; i < voicedFrames; i++ {
		f.sock.sendFrame(voicedFrame())
	}
	for i := 0; i < 3; i++ {
		f.sock.sendFrame(silentFrame())
	}
}

func TestHelloNegotiationAck(t *testing.T) {
	f := startSession(t, fixtureOpts{})
	f.hello(t)

	var ack map[string]any
	for _, c := range f.sock.controls() {
		if c["type"] == "hello" {
			ack = c
		}
	}
	if ack == nil {
		t.Fatal("no hello ack")
	}
	if ack["transport"] != "websocket" {
		t.Errorf("transport = %v", ack["transport"])
	}
	if ack["session_id"] != f.sess.ID() {
		t.Errorf("session_id = %v, want %v", ack["session_id"], f.sess.ID())
	}
	params, _ := ack["audio_params"].(map[string]any)
	if params["format"] != "opus" || params["sample_rate"] != float64(16000) {
		t.Errorf("audio_params = %v", params)
	}
}

func TestCleanUtteranceSpeaksReply(t *testing.T) {
	f := startSession(t, fixtureOpts{})
	f.hello(t)
	f.speak(2)

	f.sock.waitFor(t, "reply turn", func(labels []string) bool {
		return contains(labels, "tts:stop")
	})

	// One content frame plus the padded final frame.
	want := []string{"hello", "stt", "tts:start", "tts:sentence_start", "audio", "audio", "tts:stop"}
	got := f.sock.labels()
	if len(got) != len(want) {
		t.Fatalf("wire = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("wire = %v, want %v", got, want)
		}
	}

	for _, c := range f.sock.controls() {
		switch {
		case c["type"] == "stt" && c["text"] != "hello there":
			t.Errorf("stt text = %v", c["text"])
		case c["type"] == "tts" && c["state"] == "sentence_start" && c["text"] != "Hi there.":
			t.Errorf("sentence text = %v", c["text"])
		}
	}
}

func TestShortUtteranceIsAbandoned(t *testing.T) {
	cfg := Config{EoS: fastEoS()}
	cfg.EoS.MinPCMBytes = 10 * audio.FrameBytes

	f := startSession(t, fixtureOpts{cfg: cfg})
	f.hello(t)
	f.speak(2)

	time.Sleep(250 * time.Millisecond)
	if got := f.stt.CallCount(); got != 0 {
		t.Errorf("transcriber called %d times for an undersized clip", got)
	}
	if contains(f.sock.labels(), "stt") {
		t.Errorf("wire = %v, want no transcript", f.sock.labels())
	}
}

func TestAudioBeforeHelloIsDropped(t *testing.T) {
	f := startSession(t, fixtureOpts{})
	f.speak(5)

	time.Sleep(150 * time.Millisecond)
	if got := f.stt.CallCount(); got != 0 {
		t.Errorf("transcriber called %d times before hello", got)
	}
	if got := f.sock.labels(); len(got) != 0 {
		t.Errorf("wire = %v, want empty", got)
	}
}

func TestManualListenStopFlushes(t *testing.T) {
	f := startSession(t, fixtureOpts{})
	f.hello(t)

	f.sock.sendJSON(t, map[string]any{"type": "listen", "state": "start", "mode": "manual"})
	// Manual mode captures regardless of signal content.
	f.sock.sendFrame(silentFrame())
	f.sock.sendFrame(silentFrame())
	f.sock.sendJSON(t, map[string]any{"type": "listen", "state": "stop"})

	f.sock.waitFor(t, "manual turn", func(labels []string) bool {
		return contains(labels, "tts:stop")
	})
	if !contains(f.sock.labels(), "stt") {
		t.Errorf("wire = %v, want a transcript", f.sock.labels())
	}
}

func TestBargeInStopsReply(t *testing.T) {
	f := startSession(t, fixtureOpts{model: slowLLM{}})
	f.hello(t)
	f.speak(2)

	// Reply playback underway, stream still open.
	f.sock.waitFor(t, "playback start", func(labels []string) bool {
		return contains(labels, "tts:sentence_start")
	})

	f.sock.sendFrame(voicedFrame())

	f.sock.waitFor(t, "barge-in stop", func(labels []string) bool {
		return contains(labels, "tts:stop")
	})
	select {
	case err := <-f.done:
		t.Fatalf("session ended after barge-in: %v", err)
	default:
	}
}

func TestDisabledBargeInDropsSpeechDuringPlayback(t *testing.T) {
	f := startSession(t, fixtureOpts{
		cfg:   Config{DisableBargeIn: true},
		model: slowLLM{},
	})
	f.hello(t)
	f.speak(2)

	f.sock.waitFor(t, "playback start", func(labels []string) bool {
		return contains(labels, "tts:sentence_start")
	})

	// Speech over the reply must not abort it.
	for i := 0; i < 5; i++ {
		f.sock.sendFrame(voicedFrame())
	}

	time.Sleep(300 * time.Millisecond)
	if contains(f.sock.labels(), "tts:stop") {
		t.Fatalf("reply aborted with barge-in disabled; wire: %v", f.sock.labels())
	}
	select {
	case err := <-f.done:
		t.Fatalf("session ended: %v", err)
	default:
	}
}

func TestRealtimeModeIgnoresBargeInDisable(t *testing.T) {
	f := startSession(t, fixtureOpts{
		cfg:   Config{ListenMode: ModeRealtime, DisableBargeIn: true},
		model: slowLLM{},
	})
	f.hello(t)
	f.speak(2)

	f.sock.waitFor(t, "playback start", func(labels []string) bool {
		return contains(labels, "tts:sentence_start")
	})

	f.sock.sendFrame(voicedFrame())

	f.sock.waitFor(t, "barge-in stop", func(labels []string) bool {
		return contains(labels, "tts:stop")
	})
}

func TestClientAbortStopsReply(t *testing.T) {
	f := startSession(t, fixtureOpts{model: slowLLM{}})
	f.hello(t)
	f.speak(2)

	f.sock.waitFor(t, "playback start", func(labels []string) bool {
		return contains(labels, "tts:sentence_start")
	})

	f.sock.sendJSON(t, map[string]any{"type": "abort"})

	f.sock.waitFor(t, "abort stop", func(labels []string) bool {
		return contains(labels, "tts:stop")
	})
}

func TestExitIntentEndsSession(t *testing.T) {
	intents := intent.New()
	if err := intents.Register(intent.ExitCommand("Talk to you later.")); err != nil {
		t.Fatalf("register exit: %v", err)
	}

	f := startSession(t, fixtureOpts{intents: intents, stt: "goodbye"})
	f.hello(t)
	f.speak(2)

	select {
	case err := <-f.done:
		if err != nil {
			t.Fatalf("session ended with error: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("session did not close on exit intent")
	}

	farewell := false
	for _, c := range f.sock.controls() {
		if c["type"] == "tts" && c["state"] == "sentence_start" && c["text"] == "Talk to you later." {
			farewell = true
		}
	}
	if !farewell {
		t.Errorf("wire = %v, want farewell before close", f.sock.labels())
	}
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	f := startSession(t, fixtureOpts{cfg: Config{IdleClose: 80 * time.Millisecond}})
	f.hello(t)

	select {
	case err := <-f.done:
		if err != nil {
			t.Fatalf("idle close returned error: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("session did not idle out")
	}
	if !f.sock.isClosed() {
		t.Error("socket left open after idle close")
	}
}

func TestClientDisconnectIsClean(t *testing.T) {
	f := startSession(t, fixtureOpts{})
	f.hello(t)
	f.sock.disconnect()

	select {
	case err := <-f.done:
		if err != nil {
			t.Fatalf("clean disconnect returned error: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("session did not end on disconnect")
	}
}

func TestMalformedControlMessageIsIgnored(t *testing.T) {
	f := startSession(t, fixtureOpts{})
	f.sock.in <- outboundMsg{typ: websocket.MessageText, data: []byte("{not json")}
	f.hello(t)

	select {
	case err := <-f.done:
		t.Fatalf("session died on malformed message: %v", err)
	default:
	}
}

// newTestMetrics builds an isolated instrument set backed by a manual reader
// so tests can assert on recorded values.
func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	met := findMetric(t, reader, name)
	if met == nil {
		return 0
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s is not an int64 sum", name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestTurnRecordsMetrics(t *testing.T) {
	met, reader := newTestMetrics(t)
	f := startSession(t, fixtureOpts{met: met})
	f.hello(t)
	f.speak(2)

	f.sock.waitFor(t, "reply turn", func(labels []string) bool {
		return contains(labels, "tts:stop")
	})

	if got := counterTotal(t, reader, "edgevox.turns"); got != 1 {
		t.Errorf("turns = %d, want 1", got)
	}
	turnsMetric := findMetric(t, reader, "edgevox.turns")
	sum := turnsMetric.Data.(metricdata.Sum[int64])
	outcome, _ := sum.DataPoints[0].Attributes.Value("outcome")
	if outcome.AsString() != "reply" {
		t.Errorf("turn outcome = %q, want reply", outcome.AsString())
	}

	for _, name := range []string{"edgevox.stt.duration", "edgevox.turn.duration"} {
		m := findMetric(t, reader, name)
		if m == nil {
			t.Errorf("%s not recorded", name)
			continue
		}
		hist, ok := m.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
			t.Errorf("%s has no single-sample datapoint", name)
		}
	}
}

func TestBargeInRecordsCounter(t *testing.T) {
	met, reader := newTestMetrics(t)
	f := startSession(t, fixtureOpts{met: met, model: slowLLM{}})
	f.hello(t)
	f.speak(2)

	f.sock.waitFor(t, "playback start", func(labels []string) bool {
		return contains(labels, "tts:sentence_start")
	})
	f.sock.sendFrame(voicedFrame())
	f.sock.waitFor(t, "barge-in stop", func(labels []string) bool {
		return contains(labels, "tts:stop")
	})

	if got := counterTotal(t, reader, "edgevox.barge_ins"); got != 1 {
		t.Errorf("barge_ins = %d, want 1", got)
	}
}
