// Command edgevox is the voice-interaction edge server for embedded audio
// devices.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmallek/edgevox/internal/auth"
	"github.com/jmallek/edgevox/internal/config"
	"github.com/jmallek/edgevox/internal/dialog"
	"github.com/jmallek/edgevox/internal/eos"
	"github.com/jmallek/edgevox/internal/health"
	"github.com/jmallek/edgevox/internal/intent"
	"github.com/jmallek/edgevox/internal/observe"
	"github.com/jmallek/edgevox/internal/recognize"
	"github.com/jmallek/edgevox/internal/resilience"
	"github.com/jmallek/edgevox/internal/server"
	"github.com/jmallek/edgevox/internal/session"
	"github.com/jmallek/edgevox/internal/tools"
	"github.com/jmallek/edgevox/pkg/memory"
	memorypg "github.com/jmallek/edgevox/pkg/memory/postgres"
	"github.com/jmallek/edgevox/pkg/provider/embeddings"
	oaembed "github.com/jmallek/edgevox/pkg/provider/embeddings/openai"
	"github.com/jmallek/edgevox/pkg/provider/ident"
	"github.com/jmallek/edgevox/pkg/provider/ident/httpapi"
	"github.com/jmallek/edgevox/pkg/provider/llm"
	"github.com/jmallek/edgevox/pkg/provider/llm/anyllm"
	"github.com/jmallek/edgevox/pkg/provider/stt"
	oastt "github.com/jmallek/edgevox/pkg/provider/stt/openai"
	"github.com/jmallek/edgevox/pkg/provider/stt/whisper"
	"github.com/jmallek/edgevox/pkg/provider/tts"
	oatts "github.com/jmallek/edgevox/pkg/provider/tts/openai"
	"github.com/jmallek/edgevox/pkg/provider/vad"
	energyvad "github.com/jmallek/edgevox/pkg/provider/vad/energy"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "edgevox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "edgevox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("edgevox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "edgevox",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Conversation memory (optional) ────────────────────────────────────────
	var store memory.Store
	if dsn := cfg.Memory.PostgresDSN; dsn != "" {
		pg, err := memorypg.NewStore(ctx, dsn, cfg.Memory.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to open memory store", "err", err)
			return 1
		}
		defer pg.Close()
		store = pg
		slog.Info("memory store connected")
	}

	// ── MCP tool host ─────────────────────────────────────────────────────────
	host := tools.New(tools.WithLogger(logger))
	defer func() {
		if err := host.Close(); err != nil {
			slog.Warn("tool host close error", "err", err)
		}
	}()
	for _, sc := range cfg.MCP.Servers {
		err := host.RegisterServer(ctx, tools.ServerConfig{
			Name:      sc.Name,
			Transport: sc.Transport,
			Command:   sc.Command,
			URL:       sc.URL,
			Env:       sc.Env,
		})
		if err != nil {
			slog.Error("failed to register MCP server", "server", sc.Name, "err", err)
			return 1
		}
		slog.Info("MCP server registered", "server", sc.Name, "transport", sc.Transport)
	}

	// ── Intent engine ─────────────────────────────────────────────────────────
	intents := buildIntents(cfg.Intent)

	// ── Dialog driver ─────────────────────────────────────────────────────────
	dialogOpts := []dialog.Option{
		dialog.WithTools(host),
		dialog.WithLogger(logger),
	}
	if intents != nil {
		dialogOpts = append(dialogOpts, dialog.WithIntents(intents))
	}
	if store != nil {
		dialogOpts = append(dialogOpts, dialog.WithMemory(store))
	}
	if providers.Embeddings != nil {
		dialogOpts = append(dialogOpts, dialog.WithEmbeddings(providers.Embeddings))
	}
	if cfg.Dialog.SystemPrompt != "" {
		dialogOpts = append(dialogOpts, dialog.WithSystemPrompt(cfg.Dialog.SystemPrompt))
	}
	if cfg.Dialog.HistoryLimit > 0 {
		dialogOpts = append(dialogOpts, dialog.WithHistoryLimit(cfg.Dialog.HistoryLimit))
	}
	if cfg.Dialog.RecallLimit > 0 {
		dialogOpts = append(dialogOpts, dialog.WithRecallLimit(cfg.Dialog.RecallLimit))
	}
	if cfg.Dialog.MaxToolRounds > 0 {
		dialogOpts = append(dialogOpts, dialog.WithMaxToolRounds(cfg.Dialog.MaxToolRounds))
	}
	driver := dialog.New(providers.LLM, dialogOpts...)

	// ── Recognition dispatcher ────────────────────────────────────────────────
	recognizeOpts := []recognize.Option{recognize.WithLogger(logger)}
	if providers.Ident != nil {
		recognizeOpts = append(recognizeOpts, recognize.WithIdent(providers.Ident))
	}
	recognizer := recognize.New(providers.STT, recognizeOpts...)

	// ── Server ────────────────────────────────────────────────────────────────
	authn := auth.New(auth.Config{
		Enabled:        cfg.Auth.Enabled,
		Tokens:         tokenTable(cfg.Auth.Tokens),
		AllowedDevices: cfg.Auth.AllowedDevices,
		JWTSecret:      cfg.Auth.JWTSecret,
	}, auth.WithLogger(logger))

	checkers := []health.Checker{}
	if pg, ok := store.(*memorypg.Store); ok {
		checkers = append(checkers, health.Checker{
			Name: "memory",
			Check: func(ctx context.Context) error {
				_, err := pg.Recent(ctx, "healthcheck", 1)
				return err
			},
		})
	}
	probes := health.New(checkers...)
	probes.SetVersion(version)

	srv := server.New(server.Config{
		Addr:            cfg.Server.ListenAddr,
		WebsocketURL:    cfg.Server.WebsocketURL,
		FirmwareVersion: cfg.Server.FirmwareVersion,
		Session:         sessionConfig(cfg.Pipeline),
	}, authn, session.Deps{
		VAD:        providers.VAD,
		Recognizer: recognizer,
		Driver:     driver,
		TTS:        providers.TTS,
		Log:        logger,
	},
		server.WithHealth(probes),
		server.WithMetricsHandler(promhttp.Handler()),
		server.WithLogger(logger),
	)

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Pipeline threshold changes apply to sessions accepted after the reload.
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		srv.UpdateSessionConfig(sessionConfig(next.Pipeline))
	}, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmBackends are the hosted/local LLM APIs reachable through the any-llm
// client with the usual APIKey + BaseURL pattern.
var anyllmBackends = []string{
	"openai", "anthropic", "gemini", "deepseek", "mistral", "groq",
	"llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, providerName := range anyllmBackends {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// "anyllm" selects the backend via options.backend, defaulting to openai.
	reg.RegisterLLM("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		backend := optString(entry.Options, "backend")
		if backend == "" {
			backend = "openai"
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oastt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		return oastt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		return oatts.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Speaker identification ────────────────────────────────────────────────

	reg.RegisterIdent("httpapi", func(entry config.ProviderEntry) (ident.Provider, error) {
		var opts []httpapi.Option
		if entry.APIKey != "" {
			opts = append(opts, httpapi.WithAPIKey(entry.APIKey))
		}
		if threshold := optFloat(entry.Options, "threshold"); threshold > 0 {
			opts = append(opts, httpapi.WithThreshold(threshold))
		}
		return httpapi.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	// The model-backed engine needs a frame classifier binding linked in; only
	// the energy engine ships as a built-in.

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energyvad.New(), nil
	})
}

// providerSet holds the instantiated providers the pipeline needs.
type providerSet struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	Ident      ident.Provider
	VAD        vad.Engine
}

// buildProviders instantiates every provider named in cfg, wrapping the STT
// primary in a failover chain when fallbacks are configured.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}
	var err error

	if ps.LLM, err = reg.CreateLLM(cfg.Providers.LLM); err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if entries := cfg.Providers.LLMFallbacks; len(entries) > 0 {
		chain := resilience.NewLLMFallback(ps.LLM, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
		for _, entry := range entries {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			chain.AddFallback(entry.Name, p)
			slog.Info("llm fallback registered", "name", entry.Name)
		}
		ps.LLM = chain
	}

	if ps.STT, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if entries := cfg.Providers.STTFallbacks; len(entries) > 0 {
		chain := resilience.NewSTTFallback(ps.STT, cfg.Providers.STT.Name, resilience.FallbackConfig{})
		for _, entry := range entries {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			chain.AddFallback(entry.Name, p)
			slog.Info("stt fallback registered", "name", entry.Name)
		}
		ps.STT = chain
	}

	if ps.TTS, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	if entries := cfg.Providers.TTSFallbacks; len(entries) > 0 {
		chain := resilience.NewTTSFallback(ps.TTS, cfg.Providers.TTS.Name, resilience.FallbackConfig{})
		for _, entry := range entries {
			p, err := reg.CreateTTS(entry)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
			}
			chain.AddFallback(entry.Name, p)
			slog.Info("tts fallback registered", "name", entry.Name)
		}
		ps.TTS = chain
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		if ps.Embeddings, err = reg.CreateEmbeddings(cfg.Providers.Embeddings); err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	if name := cfg.Providers.Ident.Name; name != "" {
		if ps.Ident, err = reg.CreateIdent(cfg.Providers.Ident); err != nil {
			return nil, fmt.Errorf("create ident provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "ident", "name", name)
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		if ps.VAD, err = reg.CreateVAD(cfg.Providers.VAD); err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "vad", "name", name)
	} else {
		ps.VAD = energyvad.New()
	}

	return ps, nil
}

// buildIntents assembles the command engine, or returns nil when the intent
// stage is disabled.
func buildIntents(cfg config.IntentConfig) *intent.Engine {
	if !cfg.Enabled && cfg.Farewell == "" && len(cfg.ExitPhrases) == 0 {
		return nil
	}
	eng := intent.New()
	farewell := cfg.Farewell
	if farewell == "" {
		farewell = "Goodbye."
	}
	if err := eng.Register(intent.ExitCommand(farewell, cfg.ExitPhrases...)); err != nil {
		slog.Warn("failed to register exit command", "err", err)
	}
	if err := eng.Register(intent.VolumeCommand(func() int { return 50 })); err != nil {
		slog.Warn("failed to register volume command", "err", err)
	}
	return eng
}

// sessionConfig maps the pipeline block onto the per-connection snapshot.
func sessionConfig(p config.PipelineConfig) session.Config {
	return session.Config{
		ListenMode:     string(p.ListenMode),
		IdleClose:      p.IdleClose.Std(),
		OutputBudget:   p.OutputBudget,
		DisableBargeIn: p.DisableBargeIn,
		Voice: tts.Voice{
			ID:    p.Voice,
			Speed: p.VoiceSpeed,
		},
		VAD: vad.Config{
			SpeechThreshold:  p.VAD.SpeechThreshold,
			SilenceThreshold: p.VAD.SilenceThreshold,
			WindowFrames:     p.VAD.WindowFrames,
			WindowVotes:      p.VAD.WindowVotes,
		},
		EoS: eos.Config{
			WakeGuard:          p.EoS.WakeGuard.Std(),
			SpeakLock:          p.EoS.SpeakLock.Std(),
			SilenceFalseFrames: p.EoS.SilenceFrames,
			MinSilence:         p.EoS.MinSilence.Std(),
			Watchdog:           p.EoS.Watchdog.Std(),
			MinPCMBytes:        p.EoS.MinPCMBytes,
			VoiceDebounce:      p.EoS.VoiceDebounce.Std(),
		},
	}
}

// tokenTable converts the config token list into the lookup map the
// authenticator wants.
func tokenTable(entries []config.TokenEntry) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[e.Token] = e.Name
	}
	return m
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         edgevox — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("Ident", cfg.Providers.Ident.Name, "")
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	fallbacks := fmt.Sprintf("stt:%d llm:%d tts:%d",
		len(cfg.Providers.STTFallbacks),
		len(cfg.Providers.LLMFallbacks),
		len(cfg.Providers.TTSFallbacks),
	)
	fmt.Printf("║  Fallbacks       : %-19s ║\n", fallbacks)
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optFloat extracts a numeric value from a provider Options map[string]any.
// YAML decodes numbers as int or float64 depending on their spelling.
func optFloat(opts map[string]any, key string) float64 {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
