// Package server accepts device connections. It owns the HTTP listener: the
// WebSocket upgrade path for audio sessions, the OTA provisioning endpoint,
// the health probes, and the metrics endpoint. Each accepted socket becomes
// one [session.Session] run to completion inside its handler; shutdown stops
// accepting, cancels every running session, and waits out a short join
// grace.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jmallek/edgevox/internal/auth"
	"github.com/jmallek/edgevox/internal/health"
	"github.com/jmallek/edgevox/internal/observe"
	"github.com/jmallek/edgevox/internal/session"
)

const (
	// WSPath is the audio WebSocket endpoint.
	WSPath = "/xiaozhi/v1/"

	// OTAPath is the device provisioning endpoint.
	OTAPath = "/xiaozhi/ota/"

	// SubprotocolV1 is the current wire protocol; SubprotocolLegacy is the
	// bare name older firmware offers.
	SubprotocolV1     = "xiaozhi-v1"
	SubprotocolLegacy = "v1"

	// DefaultShutdownGrace bounds the session join during shutdown.
	DefaultShutdownGrace = 3 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// Config holds the listener settings.
type Config struct {
	// Addr is the listen address, e.g. ":8000".
	Addr string

	// WebsocketURL is the audio endpoint advertised to devices via OTA,
	// e.g. "ws://192.168.1.10:8000/xiaozhi/v1/".
	WebsocketURL string

	// FirmwareVersion is reported by the OTA endpoint.
	FirmwareVersion string

	// ShutdownGrace bounds the wait for sessions to finish on shutdown.
	ShutdownGrace time.Duration

	// Session is the per-connection pipeline configuration snapshot.
	Session session.Config
}

// WithDefaults returns a copy of c with zero fields filled.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	if c.FirmwareVersion == "" {
		c.FirmwareVersion = "1.0.0"
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// Option is a functional option for the Server.
type Option func(*Server)

// WithHealth mounts the health probe handler.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts an exporter at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.met = m }
}

// Server is the device-facing listener.
type Server struct {
	cfg  Config
	auth *auth.Authenticator
	deps session.Deps
	log  *slog.Logger

	health  *health.Handler
	metrics http.Handler
	met     *observe.Metrics

	sessionCtx context.Context
	wg         sync.WaitGroup
	active     atomic.Int64

	// sessCfg is replaced on config reload; running sessions keep their
	// snapshot.
	sessCfgMu sync.RWMutex
	sessCfg   session.Config
}

// New creates a Server. authn guards the upgrade path; deps are shared by all
// sessions.
func New(cfg Config, authn *auth.Authenticator, deps session.Deps, opts ...Option) *Server {
	s := &Server{
		cfg:  cfg.WithDefaults(),
		auth: authn,
		deps: deps,
		log:  slog.Default(),
		// Replaced by Run; lets tests drive the handler directly.
		sessionCtx: context.Background(),
	}
	s.sessCfg = s.cfg.Session
	for _, o := range opts {
		o(s)
	}
	if s.met == nil {
		s.met = observe.DefaultMetrics()
	}
	return s
}

// ActiveSessions returns the number of sessions currently running.
func (s *Server) ActiveSessions() int64 { return s.active.Load() }

// UpdateSessionConfig swaps the pipeline snapshot handed to new sessions.
// Sessions already running are unaffected.
func (s *Server) UpdateSessionConfig(cfg session.Config) {
	s.sessCfgMu.Lock()
	s.sessCfg = cfg
	s.sessCfgMu.Unlock()
	s.log.Info("server: session config updated; applies to new connections")
}

func (s *Server) sessionConfig() session.Config {
	s.sessCfgMu.RLock()
	defer s.sessCfgMu.RUnlock()
	return s.sessCfg
}

// Handler returns the routed HTTP handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mw := observe.Middleware(s.met)
	mux := http.NewServeMux()
	// The upgrade path stays outside the middleware: its status-recording
	// wrapper hides http.Hijacker from the websocket handshake.
	mux.HandleFunc(WSPath, s.handleWS)
	mux.Handle(OTAPath, mw(&otaHandler{
		wsURL:           s.cfg.WebsocketURL,
		firmwareVersion: s.cfg.FirmwareVersion,
		log:             s.log,
	}))
	if s.health != nil {
		probes := http.NewServeMux()
		s.health.Register(probes)
		mux.Handle("/healthz", mw(probes))
		mux.Handle("/readyz", mw(probes))
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Run serves until ctx ends, then shuts down: stop accepting, cancel every
// session, and wait for them within the shutdown grace.
func (s *Server) Run(ctx context.Context) error {
	sessionCtx, cancelSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSessions()
	s.sessionCtx = sessionCtx

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("server: listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		cancelSessions()
		return fmt.Errorf("server: listen on %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	s.log.Info("server: shutting down", "active_sessions", s.active.Load())
	shCtx, shCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
	cancelSessions()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("server: all sessions drained")
	case <-shCtx.Done():
		s.log.Warn("server: shutdown grace expired with sessions running",
			"remaining", s.active.Load())
	}
	return nil
}

// handleWS authenticates, upgrades, and runs one session to completion. The
// handler blocks for the session's lifetime; shutdown reaches it through the
// session context.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ident, err := s.auth.Authenticate(r)
	if err != nil {
		s.log.Warn("server: upgrade refused", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{SubprotocolV1, SubprotocolLegacy},
		InsecureSkipVerify: true, // embedded firmware sends no meaningful Origin
	})
	if err != nil {
		s.log.Warn("server: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	deviceID := ident.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	sess, err := session.New(conn, deviceID, s.sessionConfig(), s.deps)
	if err != nil {
		s.log.Error("server: session init failed", "device", deviceID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "session init failed")
		return
	}

	s.wg.Add(1)
	s.active.Add(1)
	s.met.ActiveSessions.Add(r.Context(), 1)
	defer func() {
		s.met.ActiveSessions.Add(context.Background(), -1)
		s.active.Add(-1)
		s.wg.Done()
	}()

	s.log.Info("server: session accepted",
		"session", sess.ID(), "device", deviceID, "auth", ident.Method, "remote", r.RemoteAddr)
	if err := sess.Run(s.sessionCtx); err != nil {
		s.log.Warn("server: session ended with error", "session", sess.ID(), "error", err)
		return
	}
	s.log.Info("server: session closed", "session", sess.ID())
}
