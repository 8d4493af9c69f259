// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// The API streams 24 kHz mono PCM16LE; the provider resamples to the 16 kHz
// pipeline format on the fly so the first slice reaches the synthesis pump
// before the sentence finishes rendering.
package openai

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/jmallek/edgevox/pkg/audio"
	"github.com/jmallek/edgevox/pkg/provider/tts"
)

// sourceRate is the PCM sample rate of the OpenAI speech endpoint.
const sourceRate = 24000

// readChunkBytes is the read size per slice before resampling. 4800 bytes is
// 100 ms at the source rate.
const readChunkBytes = 4800

// defaultVoice is used when the caller leaves Voice.ID empty.
const defaultVoice = "alloy"

// Provider implements tts.Provider using the OpenAI speech endpoint.
type Provider struct {
	client oai.Client
	model  string
	log    *slog.Logger
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
	log     *slog.Logger
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout. It bounds the whole synthesis
// stream, not just connection setup.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithLogger sets the logger for mid-stream failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// New constructs an OpenAI TTS provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai tts: model must not be empty")
	}

	cfg := &config{log: slog.Default()}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		log:    cfg.log,
	}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, error) {
	id := voice.ID
	if id == "" {
		id = defaultVoice
	}
	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(id),
		Input:          text,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.Speed > 0 {
		params.Speed = oai.Float(voice.Speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: synthesize: %w", err)
	}

	out := make(chan []byte, 8)
	go p.pump(ctx, resp.Body, out)
	return out, nil
}

// pump reads source-rate PCM from body, resamples to the pipeline rate, and
// forwards slices until EOF, error, or cancellation.
func (p *Provider) pump(ctx context.Context, body io.ReadCloser, out chan<- []byte) {
	defer close(out)
	defer body.Close()

	resampler := audio.NewResampler(sourceRate, audio.SampleRate)
	buf := make([]byte, readChunkBytes)
	var carry byte
	var hasCarry bool

	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			// Network reads can split a 16-bit sample; carry the odd byte to
			// the next chunk.
			if hasCarry {
				chunk = append([]byte{carry}, chunk...)
				hasCarry = false
			}
			if len(chunk)%2 != 0 {
				carry = chunk[len(chunk)-1]
				chunk = chunk[:len(chunk)-1]
				hasCarry = true
			}
			if pcm := resampler.Process(chunk); len(pcm) > 0 {
				select {
				case out <- pcm:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				p.log.Warn("openai tts: stream ended early", "error", err)
			}
			return
		}
	}
}

var _ tts.Provider = (*Provider)(nil)
