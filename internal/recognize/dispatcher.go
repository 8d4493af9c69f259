// Package recognize turns a flushed utterance into a transcript and an
// optional speaker label. Transcription and speaker identification run
// concurrently against the same PCM; the dispatcher joins both before
// returning so the dialog driver always sees a consistent pair.
//
// The two legs fail differently: a transcription failure or timeout is fatal
// to the utterance (reported as an empty transcript, which suppresses the
// dialog turn), while an identification failure only costs the label.
package recognize

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmallek/edgevox/pkg/provider/ident"
	"github.com/jmallek/edgevox/pkg/provider/stt"
)

// DefaultTaskTimeout bounds each recognition leg independently.
const DefaultTaskTimeout = 15 * time.Second

// DefaultMinPCMBytes mirrors the end-of-speech minimum-size guard; shorter
// clips skip both providers outright.
const DefaultMinPCMBytes = 12000

// Result is the joined outcome of one utterance.
type Result struct {
	// Text is the transcript, empty when nothing was recognised (silence,
	// noise, provider failure, timeout). Empty text suppresses the dialog
	// turn.
	Text string

	// Speaker is the identified speaker label, empty when unknown.
	Speaker string

	// SpeakerScore is the identification similarity for diagnostics.
	SpeakerScore float64

	// STTElapsed is the transcription wall-clock time.
	STTElapsed time.Duration
}

// Dispatcher fans an utterance out to the configured providers.
type Dispatcher struct {
	stt         stt.Provider
	ident       ident.Provider // nil when identification is not configured
	taskTimeout time.Duration
	minPCMBytes int
	log         *slog.Logger
}

// Option is a functional option for the Dispatcher.
type Option func(*Dispatcher)

// WithIdent enables speaker identification.
func WithIdent(p ident.Provider) Option {
	return func(d *Dispatcher) { d.ident = p }
}

// WithTaskTimeout overrides the per-leg timeout.
func WithTaskTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.taskTimeout = t }
}

// WithMinPCMBytes overrides the minimum-audio guard.
func WithMinPCMBytes(n int) Option {
	return func(d *Dispatcher) { d.minPCMBytes = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// New creates a Dispatcher around the transcription provider.
func New(sttProvider stt.Provider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		stt:         sttProvider,
		taskTimeout: DefaultTaskTimeout,
		minPCMBytes: DefaultMinPCMBytes,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Recognize runs both legs and joins the results. It never returns an error
// for provider failures — those degrade to an empty transcript or a missing
// label — only for ctx cancellation before dispatch.
func (d *Dispatcher) Recognize(ctx context.Context, sessionID string, seq int, pcm []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(pcm) < d.minPCMBytes {
		d.log.Debug("recognize: skipping short clip",
			"session", sessionID, "seq", seq, "bytes", len(pcm))
		return Result{}, nil
	}

	var res Result
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tctx, cancel := context.WithTimeout(gctx, d.taskTimeout)
		defer cancel()
		out, err := d.stt.Transcribe(tctx, pcm)
		if err != nil {
			// Fatal to the utterance, not to the session: the empty
			// transcript suppresses the turn downstream.
			d.log.Warn("recognize: transcription failed",
				"session", sessionID, "seq", seq, "error", err)
			return nil
		}
		res.Text = out.Text
		res.STTElapsed = out.Elapsed
		return nil
	})

	if d.ident != nil {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, d.taskTimeout)
			defer cancel()
			m, err := d.ident.Identify(tctx, pcm)
			if err != nil {
				d.log.Debug("recognize: identification failed",
					"session", sessionID, "seq", seq, "error", err)
				return nil
			}
			res.Speaker = m.Speaker
			res.SpeakerScore = m.Score
			return nil
		})
	}

	// Legs report their failures as degraded results, so the only join
	// error is context cancellation.
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// WrapSpeaker renders a transcript with its speaker label as the JSON object
// downstream language models are prompted to expect. Without a label the
// plain text passes through.
func WrapSpeaker(speaker, text string) string {
	if speaker == "" {
		return text
	}
	b, err := json.Marshal(struct {
		Speaker string `json:"speaker"`
		Content string `json:"content"`
	}{Speaker: speaker, Content: text})
	if err != nil {
		return text
	}
	return string(b)
}
