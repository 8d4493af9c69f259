// Package session owns one device connection end to end: it reads the
// socket, demultiplexes binary audio from JSON control messages, runs the
// decode → VAD → end-of-speech pipeline on the serialized inbound path,
// launches at most one reply turn at a time, and funnels every outbound
// message through a single ordered writer.
//
// Three goroutines per session: the inbound reader, the supervisor (watchdog
// ticks, idle close, heartbeat pings), and the outbound writer. Reply turns
// run on short-lived goroutines serialized by the turn latch; barge-in,
// idle close, and socket loss all cancel the active turn through its
// context.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jmallek/edgevox/internal/dialog"
	"github.com/jmallek/edgevox/internal/eos"
	"github.com/jmallek/edgevox/internal/observe"
	"github.com/jmallek/edgevox/internal/recognize"
	"github.com/jmallek/edgevox/internal/synth"
	"github.com/jmallek/edgevox/pkg/audio"
	"github.com/jmallek/edgevox/pkg/provider/tts"
	"github.com/jmallek/edgevox/pkg/provider/vad"
)

// Defaults for the session supervisor.
const (
	DefaultIdleClose    = 120 * time.Second
	DefaultPingInterval = 5 * time.Second

	// superviseInterval is the watchdog tick period. Fine enough that the
	// 1 s last-voice watchdog fires close to its deadline.
	superviseInterval = 100 * time.Millisecond

	// abortGrace bounds the delivery of the TTS-stop after a turn is
	// cancelled.
	abortGrace = time.Second
)

// errIdleClosed ends a session that heard no voice for the idle window.
var errIdleClosed = errors.New("session: closed for inactivity")

// Config is the per-session snapshot of all pipeline thresholds. A config
// reload never touches sessions already running.
type Config struct {
	// ListenMode is auto, manual, or realtime. Auto lets the VAD drive
	// capture; manual replaces VAD voting with client listen start/stop;
	// realtime is auto with barge-in always armed.
	ListenMode string

	// DisableBargeIn drops device speech heard during reply playback
	// instead of aborting the reply. Realtime mode keeps barge-in armed
	// regardless.
	DisableBargeIn bool

	// IdleClose ends the session after this long without a voiced frame.
	IdleClose time.Duration

	// PingInterval is the heartbeat period.
	PingInterval time.Duration

	// EoS holds the end-of-speech controller thresholds.
	EoS eos.Config

	// VAD holds the voice-activity detection parameters.
	VAD vad.Config

	// Voice selects the synthesis voice.
	Voice tts.Voice

	// OutputBudget caps the total reply characters of the session; once
	// exceeded the session closes after the current reply. Zero disables.
	OutputBudget int
}

// WithDefaults returns a copy of c with zero fields filled.
func (c Config) WithDefaults() Config {
	if c.ListenMode == "" {
		c.ListenMode = ModeAuto
	}
	if c.IdleClose <= 0 {
		c.IdleClose = DefaultIdleClose
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	return c
}

// Deps are the process-scoped collaborators a session borrows. All of them
// must be safe for concurrent use across sessions.
type Deps struct {
	VAD        vad.Engine
	Recognizer *recognize.Dispatcher
	Driver     *dialog.Driver
	TTS        tts.Provider
	Log        *slog.Logger

	// Met holds the metric instruments. Defaults to
	// [observe.DefaultMetrics].
	Met *observe.Metrics
}

// Session is one device connection.
type Session struct {
	id       string
	deviceID string
	cfg      Config
	deps     Deps
	log      *slog.Logger

	sock Socket
	out  *writer
	pump *synth.Pump

	baseCtx context.Context
	cancel  context.CancelFunc

	// mu guards the inbound pipeline state: decoder, VAD session, stash,
	// controller, mode flags, and activity timestamps. The reader and the
	// supervisor both touch them.
	mu           sync.Mutex
	dec          *audio.Decoder
	vadSess      vad.SessionHandle
	stash        vad.Stash
	ctrl         *eos.Controller
	mode         string
	manualActive bool
	ready        bool
	lastActivity time.Time
	outputChars  int

	// turnMu serializes reply turns: at most one active, the next waits for
	// the previous to finish or cancel.
	turnMu     sync.Mutex
	turnCancel context.CancelFunc
	turnDone   chan struct{}
}

// New creates a session over an accepted socket. deviceID comes from
// authentication and scopes the device's conversation memory.
func New(sock Socket, deviceID string, cfg Config, deps Deps) (*Session, error) {
	cfg = cfg.WithDefaults()
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Met == nil {
		deps.Met = observe.DefaultMetrics()
	}

	s := &Session{
		id:       uuid.NewString(),
		deviceID: deviceID,
		cfg:      cfg,
		deps:     deps,
		sock:     sock,
		out:      newWriter(sock),
		ctrl:     eos.NewController(cfg.EoS),
		mode:     cfg.ListenMode,
	}
	s.log = deps.Log.With("session", s.id, "device", deviceID)

	vadSess, err := deps.VAD.NewSession(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("session: create vad session: %w", err)
	}
	s.vadSess = vadSess

	pump, err := synth.New(deps.TTS, (*pumpOutput)(s),
		synth.WithVoice(cfg.Voice),
		synth.WithGate((*speakGate)(s)),
		synth.WithLogger(s.log),
	)
	if err != nil {
		_ = vadSess.Close()
		return nil, err
	}
	s.pump = pump
	return s, nil
}

// ID returns the session identifier sent to the device in the hello ack.
func (s *Session) ID() string { return s.id }

// Run drives the session until the socket closes, the device idles out, or
// ctx ends. It always returns with the socket closed, the active turn
// cancelled, and the VAD session released. A clean client disconnect returns
// nil.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.baseCtx = ctx
	s.cancel = cancel
	defer cancel()
	defer s.sock.Close(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.out.run(gctx) })
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.supervise(gctx) })
	err := g.Wait()

	s.abortTurnAndWait()
	s.mu.Lock()
	_ = s.vadSess.Close()
	s.mu.Unlock()

	switch {
	case err == nil || errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, errIdleClosed):
		s.log.Info("session: idle close")
		return nil
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		return nil
	default:
		return err
	}
}

// readLoop is the serialized inbound path.
func (s *Session) readLoop(ctx context.Context) error {
	for {
		typ, data, err := s.sock.Read(ctx)
		if err != nil {
			return fmt.Errorf("session: socket read: %w", err)
		}
		switch typ {
		case websocket.MessageBinary:
			s.handleAudio(data)
		case websocket.MessageText:
			if err := s.handleControl(ctx, data); err != nil {
				return err
			}
		}
	}
}

// handleAudio runs one binary frame through decode → classify → controller.
// Decode failures drop the packet; DTX markers advance nothing.
func (s *Session) handleAudio(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready || s.dec == nil {
		return
	}
	pkt := s.dec.Decode(data)
	if pkt.DTX || len(pkt.PCM) == 0 {
		return
	}

	s.stash.Add(pkt.PCM)
	for {
		frame := s.stash.Next()
		if frame == nil {
			return
		}
		voiced := s.classify(frame)
		if voiced {
			s.lastActivity = time.Now()
			if s.ctrl.BargeInAllowed() {
				if !s.bargeInArmed() {
					// Speech over playback is dropped, not captured.
					continue
				}
				s.log.Debug("session: barge-in")
				s.deps.Met.BargeIns.Add(s.baseCtx, 1)
				s.cancelTurn()
			}
		}
		ev := s.ctrl.OnFrame(voiced, frame)
		if ev.Woke {
			s.log.Debug("session: speech onset")
		}
		if ev.Flush {
			s.vadSess.Reset()
			s.startTurn(ev)
		}
	}
}

// bargeInArmed reports whether device speech during playback aborts the
// reply. Realtime mode is always armed; otherwise the config decides.
func (s *Session) bargeInArmed() bool {
	return s.mode == ModeRealtime || !s.cfg.DisableBargeIn
}

// classify returns the frame's voiced flag. Manual mode replaces VAD voting
// with the client's listen start/stop; a classifier error counts as silence.
func (s *Session) classify(frame []byte) bool {
	if s.mode == ModeManual {
		return s.manualActive
	}
	res, err := s.vadSess.ProcessPacket(frame)
	if err != nil {
		s.log.Debug("session: vad classify failed", "error", err)
		return false
	}
	return res.Speech
}

// handleControl routes one JSON control message. A malformed message is
// logged and ignored; the session keeps running.
func (s *Session) handleControl(ctx context.Context, data []byte) error {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("session: malformed control message", "error", err)
		return nil
	}

	switch msg.Type {
	case "hello":
		return s.handleHello(ctx, msg)
	case "listen":
		return s.handleListen(msg)
	case "abort":
		s.cancelTurn()
	default:
		s.log.Debug("session: ignoring control message", "type", msg.Type)
	}
	return nil
}

// handleHello negotiates the audio format, arms the pipeline, and acks with
// the session id. Audio before hello is dropped.
func (s *Session) handleHello(ctx context.Context, msg inboundMessage) error {
	codec := audio.CodecOpus
	srcRate := audio.SampleRate
	srcChannels := audio.Channels
	if p := msg.AudioParams; p != nil {
		if p.Format != "" {
			codec = audio.Codec(p.Format)
		}
		if p.SampleRate > 0 {
			srcRate = p.SampleRate
		}
		if p.Channels > 0 {
			srcChannels = p.Channels
		}
	}

	dec, err := audio.NewDecoder(codec,
		audio.WithSourceFormat(srcRate, srcChannels),
		audio.WithLogger(s.log),
	)
	if err != nil {
		return fmt.Errorf("session: hello negotiation: %w", err)
	}

	s.mu.Lock()
	s.dec = dec
	s.ready = true
	s.ctrl.Ready()
	s.mu.Unlock()

	s.log.Info("session: hello",
		"codec", codec, "rate", srcRate, "channels", srcChannels, "mode", s.mode)
	return s.out.enqueueJSON(ctx, newHelloAck(s.id))
}

// handleListen processes listen start/stop/detect/abort.
func (s *Session) handleListen(msg inboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Mode {
	case ModeAuto, ModeManual, ModeRealtime:
		s.mode = msg.Mode
	}

	switch msg.State {
	case "start":
		s.ctrl.Ready()
		s.manualActive = true
		s.lastActivity = time.Now()
	case "stop":
		s.manualActive = false
		if ev := s.ctrl.RequestStop(); ev.Flush {
			s.vadSess.Reset()
			s.startTurn(ev)
		}
	case "detect":
		// The device heard its wake word locally; start a fresh capture.
		s.log.Info("session: wake word detected", "text", msg.Text)
		s.ctrl.Reset()
		s.vadSess.Reset()
		s.stash.Reset()
		s.lastActivity = time.Now()
	case "abort":
		s.cancelTurn()
		s.ctrl.Reset()
	default:
		s.log.Debug("session: unknown listen state", "state", msg.State)
	}
	return nil
}

// supervise runs the watchdog tick, the idle close, and the heartbeat.
func (s *Session) supervise(ctx context.Context) error {
	tick := time.NewTicker(superviseInterval)
	defer tick.Stop()
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			s.mu.Lock()
			ev := s.ctrl.Tick()
			if ev.Flush {
				s.vadSess.Reset()
			}
			idle := time.Since(s.lastActivity) > s.cfg.IdleClose
			s.mu.Unlock()
			if ev.Flush {
				s.startTurn(ev)
			}
			if idle {
				return errIdleClosed
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
			err := s.sock.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("session: heartbeat: %w", err)
			}
		}
	}
}

// startTurn launches the reply turn for one flushed utterance.
func (s *Session) startTurn(ev eos.Event) {
	go s.runTurn(ev)
}

// runTurn executes recognition → dialog → synthesis for one utterance. It
// first cancels and joins any previous turn so pump output never interleaves
// across turns.
func (s *Session) runTurn(ev eos.Event) {
	s.turnMu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	prev := s.turnDone
	s.turnMu.Unlock()
	if prev != nil {
		<-prev
	}

	tctx, cancel := context.WithCancel(s.baseCtx)
	done := make(chan struct{})
	s.turnMu.Lock()
	s.turnCancel = cancel
	s.turnDone = done
	s.turnMu.Unlock()
	defer close(done)
	defer cancel()

	start := time.Now()
	tctx, span := observe.StartSpan(tctx, "turn")
	defer span.End()

	log := s.log.With("seq", ev.Seq)
	if cid := observe.CorrelationID(tctx); cid != "" {
		log = log.With("trace_id", cid)
	}
	log.Info("session: utterance complete",
		"cause", ev.Cause.String(), "bytes", len(ev.PCM))

	res, err := s.deps.Recognizer.Recognize(tctx, s.id, ev.Seq, ev.PCM)
	if err != nil {
		log.Debug("session: recognition cancelled", "error", err)
		s.deps.Met.RecordTurn(tctx, "aborted")
		return
	}
	s.deps.Met.STTDuration.Record(tctx, res.STTElapsed.Seconds())
	if res.Text == "" {
		log.Info("session: empty transcript, skipping turn")
		s.deps.Met.RecordTurn(tctx, "empty")
		return
	}
	log.Info("session: transcript",
		"text", res.Text, "speaker", res.Speaker, "stt_elapsed", res.STTElapsed)

	reply, err := s.deps.Driver.Run(tctx, dialog.Request{
		DeviceID:   s.deviceID,
		SessionID:  s.id,
		Transcript: res.Text,
		Speaker:    res.Speaker,
	}, &turnSink{s: s, ctx: tctx})
	if err != nil {
		log.Warn("session: turn failed", "error", err)
		s.deps.Met.RecordTurn(tctx, turnFailureOutcome(err))
		s.abortPump()
		return
	}
	if err := s.pump.Finish(tctx); err != nil {
		log.Warn("session: synthesis finish failed", "error", err)
		s.deps.Met.RecordTurn(tctx, turnFailureOutcome(err))
		s.abortPump()
		return
	}
	s.deps.Met.TurnDuration.Record(tctx, time.Since(start).Seconds())
	outcome := "reply"
	if reply.IntentHandled {
		outcome = "intent"
	}
	s.deps.Met.RecordTurn(tctx, outcome)

	s.mu.Lock()
	s.outputChars += len(reply.Text)
	overBudget := s.cfg.OutputBudget > 0 && s.outputChars > s.cfg.OutputBudget
	s.mu.Unlock()

	if reply.IntentHandled && reply.Intent.SetVolume {
		log.Info("session: volume change requested", "volume", reply.Intent.Volume)
	}
	if (reply.IntentHandled && reply.Intent.Close) || overBudget {
		if overBudget {
			log.Info("session: output budget exhausted", "chars", s.outputChars)
		}
		// The writer drains queued frames before the socket closes.
		s.cancel()
	}
}

// turnFailureOutcome distinguishes a turn the session cut short from one a
// collaborator genuinely failed.
func turnFailureOutcome(err error) string {
	if errors.Is(err, context.Canceled) {
		return "aborted"
	}
	return "error"
}

// abortPump sends the TTS-stop for a cancelled or failed turn on a fresh
// context so it still goes out after cancellation.
func (s *Session) abortPump() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), abortGrace)
	defer cancel()
	if err := s.pump.Abort(ctx); err != nil {
		s.log.Warn("session: pump abort failed", "error", err)
	}
}

// cancelTurn cancels the active reply turn, if any. Non-blocking; the turn
// goroutine observes cancellation at its next chunk boundary.
func (s *Session) cancelTurn() {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
}

func (s *Session) abortTurnAndWait() {
	s.turnMu.Lock()
	cancel, done := s.turnCancel, s.turnDone
	s.turnMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// turnSink adapts the session to the dialog driver's output contract.
type turnSink struct {
	s   *Session
	ctx context.Context
}

func (t *turnSink) ShowTranscript(text string) {
	err := t.s.out.enqueueJSON(t.ctx, sttMessage{
		Type: "stt", Text: text, SessionID: t.s.id,
	})
	if err != nil {
		t.s.log.Debug("session: transcript display dropped", "error", err)
	}
}

func (t *turnSink) Sentence(ctx context.Context, text string) error {
	return t.s.pump.Sentence(ctx, text)
}

// pumpOutput adapts the ordered writer to the synthesis pump.
type pumpOutput Session

func (o *pumpOutput) SpeakStart(ctx context.Context) error {
	return o.out.enqueueJSON(ctx, ttsMessage{Type: "tts", State: "start", SessionID: o.id})
}

func (o *pumpOutput) SentenceStart(ctx context.Context, text string) error {
	return o.out.enqueueJSON(ctx, ttsMessage{Type: "tts", State: "sentence_start", Text: text, SessionID: o.id})
}

func (o *pumpOutput) Frame(ctx context.Context, opus []byte, _ synth.Position) error {
	return o.out.enqueueBinary(ctx, opus)
}

func (o *pumpOutput) SpeakStop(ctx context.Context) error {
	return o.out.enqueueJSON(ctx, ttsMessage{Type: "tts", State: "stop", SessionID: o.id})
}

// speakGate arms and releases the speak-lock on the controller, which the
// inbound path consults for barge-in and flush suppression.
type speakGate Session

func (g *speakGate) BeginSpeaking() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctrl.BeginSpeaking()
}

func (g *speakGate) EndSpeaking() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctrl.EndSpeaking()
}
