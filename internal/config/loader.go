package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jmallek/edgevox/internal/tools"
)

// Environment variables that override file-configured secrets, so credentials
// never have to live in the YAML.
const (
	EnvJWTSecret   = "EDGEVOX_JWT_SECRET"
	EnvPostgresDSN = "EDGEVOX_POSTGRES_DSN"

	envLLMKey        = "EDGEVOX_LLM_API_KEY"
	envSTTKey        = "EDGEVOX_STT_API_KEY"
	envTTSKey        = "EDGEVOX_TTS_API_KEY"
	envEmbeddingsKey = "EDGEVOX_EMBEDDINGS_API_KEY"
	envIdentKey      = "EDGEVOX_IDENT_API_KEY"
)

// Load reads, decodes, env-overrides, and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Unknown YAML fields are errors.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secret-bearing fields from the environment.
func applyEnv(cfg *Config) {
	setIfEnv(&cfg.Auth.JWTSecret, EnvJWTSecret)
	setIfEnv(&cfg.Memory.PostgresDSN, EnvPostgresDSN)
	setIfEnv(&cfg.Providers.LLM.APIKey, envLLMKey)
	setIfEnv(&cfg.Providers.STT.APIKey, envSTTKey)
	setIfEnv(&cfg.Providers.TTS.APIKey, envTTSKey)
	setIfEnv(&cfg.Providers.Embeddings.APIKey, envEmbeddingsKey)
	setIfEnv(&cfg.Providers.Ident.APIKey, envIdentKey)
}

func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks that cfg is coherent, returning a joined error listing
// every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Auth.Enabled && len(cfg.Auth.Tokens) == 0 && len(cfg.Auth.AllowedDevices) == 0 && cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.enabled is true but no tokens, allowed_devices, or jwt_secret are configured; every connection would be refused"))
	}
	seenTokens := make(map[string]int, len(cfg.Auth.Tokens))
	for i, t := range cfg.Auth.Tokens {
		if t.Token == "" {
			errs = append(errs, fmt.Errorf("auth.tokens[%d].token is required", i))
			continue
		}
		if prev, ok := seenTokens[t.Token]; ok {
			errs = append(errs, fmt.Errorf("auth.tokens[%d] duplicates auth.tokens[%d]", i, prev))
		}
		seenTokens[t.Token] = i
	}

	p := cfg.Pipeline
	if p.ListenMode != "" && !p.ListenMode.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.listen_mode %q is invalid; valid values: auto, manual, realtime", p.ListenMode))
	}
	if p.IdleClose < 0 {
		errs = append(errs, fmt.Errorf("pipeline.idle_close %v is negative", p.IdleClose))
	}
	if p.OutputBudget < 0 {
		errs = append(errs, fmt.Errorf("pipeline.output_budget %d is negative", p.OutputBudget))
	}
	if p.VoiceSpeed != 0 && (p.VoiceSpeed < 0.5 || p.VoiceSpeed > 2.0) {
		errs = append(errs, fmt.Errorf("pipeline.voice_speed %.2f is out of range [0.5, 2.0]", p.VoiceSpeed))
	}
	if p.VAD.SilenceThreshold > p.VAD.SpeechThreshold {
		errs = append(errs, fmt.Errorf("pipeline.vad.silence_threshold %.2f exceeds speech_threshold %.2f", p.VAD.SilenceThreshold, p.VAD.SpeechThreshold))
	}
	if p.VAD.WindowVotes > p.VAD.WindowFrames && p.VAD.WindowFrames > 0 {
		errs = append(errs, fmt.Errorf("pipeline.vad.window_votes %d exceeds window_frames %d", p.VAD.WindowVotes, p.VAD.WindowFrames))
	}
	if e := p.EoS; e.SilenceFrames < 0 || e.MinPCMBytes < 0 {
		errs = append(errs, errors.New("pipeline.eos thresholds must not be negative"))
	}

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required; the pipeline cannot run without transcription"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required; the pipeline cannot run without a language model"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required; the pipeline cannot run without synthesis"))
	}
	fallbackLists := []struct {
		field   string
		entries []ProviderEntry
	}{
		{"stt_fallbacks", cfg.Providers.STTFallbacks},
		{"llm_fallbacks", cfg.Providers.LLMFallbacks},
		{"tts_fallbacks", cfg.Providers.TTSFallbacks},
	}
	for _, list := range fallbackLists {
		for i, fb := range list.entries {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s[%d].name is required", list.field, i))
			}
		}
	}

	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("providers.embeddings is configured but memory.postgres_dsn is empty; semantic recall needs the store"))
	}
	if cfg.Memory.PostgresDSN != "" && cfg.Memory.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("memory.embedding_dimensions %d is negative", cfg.Memory.EmbeddingDimensions))
	}

	seenServers := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seenServers[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q duplicates mcp.servers[%d]", prefix, srv.Name, prev))
			}
			seenServers[srv.Name] = i
		}
		switch srv.Transport {
		case tools.TransportStdio:
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case tools.TransportStreamableHTTP:
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
	}

	return errors.Join(errs...)
}
