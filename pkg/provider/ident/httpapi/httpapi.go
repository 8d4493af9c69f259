// Package httpapi provides an ident provider backed by a voiceprint HTTP
// service. The service accepts a WAV upload and returns the best-matching
// enrolled speaker as JSON.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/jmallek/edgevox/pkg/audio"
	"github.com/jmallek/edgevox/pkg/provider/ident"
)

// defaultTimeout bounds one identification request end to end.
const defaultTimeout = 15 * time.Second

// Provider implements ident.Provider against a voiceprint HTTP service.
type Provider struct {
	endpoint   string
	apiKey     string
	threshold  float64
	httpClient *http.Client
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithThreshold sets the minimum score below which a match is reported as
// unknown even if the service names a speaker.
func WithThreshold(score float64) Option {
	return func(p *Provider) { p.threshold = score }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a voiceprint Provider for the given service endpoint.
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("voiceprint: endpoint must not be empty")
	}
	p := &Provider{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// identifyResponse mirrors the service's JSON reply.
type identifyResponse struct {
	Speaker string  `json:"speaker"`
	Score   float64 `json:"score"`
}

// Identify implements ident.Provider. The utterance is uploaded as a WAV
// multipart part named "file".
func (p *Provider) Identify(ctx context.Context, pcm []byte) (ident.Match, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return ident.Match{}, fmt.Errorf("voiceprint: build request: %w", err)
	}
	if _, err := part.Write(audio.WAV(pcm)); err != nil {
		return ident.Match{}, fmt.Errorf("voiceprint: build request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return ident.Match{}, fmt.Errorf("voiceprint: build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, &body)
	if err != nil {
		return ident.Match{}, fmt.Errorf("voiceprint: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ident.Match{}, fmt.Errorf("voiceprint: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ident.Match{}, fmt.Errorf("voiceprint: service returned %d: %s", resp.StatusCode, snippet)
	}

	var out identifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ident.Match{}, fmt.Errorf("voiceprint: decode response: %w", err)
	}

	if p.threshold > 0 && out.Score < p.threshold {
		return ident.Match{Score: out.Score}, nil
	}
	return ident.Match{Speaker: out.Speaker, Score: out.Score}, nil
}

var _ ident.Provider = (*Provider)(nil)
