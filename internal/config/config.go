// Package config provides the configuration schema, strict YAML loader,
// provider registry, and file watcher for the edgevox voice server.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmallek/edgevox/internal/tools"
)

// Duration decodes YAML duration strings ("600ms", "2s") and bare integers
// (seconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("config: duration must be a string or integer seconds: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ListenMode selects how utterance capture is driven.
type ListenMode string

const (
	// ListenAuto lets the VAD decide when the user speaks.
	ListenAuto ListenMode = "auto"

	// ListenManual replaces VAD voting with client listen start/stop.
	ListenManual ListenMode = "manual"

	// ListenRealtime is auto capture with barge-in always armed.
	ListenRealtime ListenMode = "realtime"
)

// IsValid reports whether m is a recognised listen mode.
func (m ListenMode) IsValid() bool {
	switch m {
	case ListenAuto, ListenManual, ListenRealtime:
		return true
	}
	return false
}

// Config is the root configuration, loaded from YAML via [Load]. Running
// sessions hold the snapshot they started with; a reload affects new
// connections only.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Dialog    DialogConfig    `yaml:"dialog"`
	Intent    IntentConfig    `yaml:"intent"`
	Memory    MemoryConfig    `yaml:"memory"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds network, provisioning, and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g. ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// WebsocketURL is the audio endpoint advertised to devices by the OTA
	// responder, e.g. "ws://192.168.1.10:8000/xiaozhi/v1/".
	WebsocketURL string `yaml:"websocket_url"`

	// FirmwareVersion is reported by the OTA responder.
	FirmwareVersion string `yaml:"firmware_version"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AuthConfig gates WebSocket upgrades.
type AuthConfig struct {
	// Enabled turns authentication on.
	Enabled bool `yaml:"enabled"`

	// Tokens is the static bearer-token table.
	Tokens []TokenEntry `yaml:"tokens"`

	// AllowedDevices lists device ids that skip token checks.
	AllowedDevices []string `yaml:"allowed_devices"`

	// JWTSecret enables the signed-token fallback. Overridden by the
	// EDGEVOX_JWT_SECRET environment variable.
	JWTSecret string `yaml:"jwt_secret"`
}

// TokenEntry names one static bearer token.
type TokenEntry struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// ProvidersConfig selects the backend for each pipeline stage. Name fields
// look up constructors in the [Registry].
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	STT        ProviderEntry `yaml:"stt"`
	TTS        ProviderEntry `yaml:"tts"`
	Embeddings ProviderEntry `yaml:"embeddings"`
	Ident      ProviderEntry `yaml:"ident"`
	VAD        ProviderEntry `yaml:"vad"`

	// STTFallbacks are tried in order when the primary STT provider's
	// circuit breaker is open.
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	// LLMFallbacks are tried in order when the primary model fails or its
	// circuit breaker is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// TTSFallbacks are tried in order when the primary synthesis provider
	// fails or its circuit breaker is open.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g. "openai", "anyllm",
	// "whisper-native", "energy").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider, when required. Overridden
	// by EDGEVOX_<KIND>_API_KEY environment variables.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider (e.g. "gpt-4o-mini",
	// "whisper-1").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// PipelineConfig holds the per-session audio pipeline thresholds. Zero
// values take the component defaults.
type PipelineConfig struct {
	// ListenMode is auto, manual, or realtime.
	ListenMode ListenMode `yaml:"listen_mode"`

	// IdleClose ends a session after this long without voiced audio.
	// Default 120s.
	IdleClose Duration `yaml:"idle_close"`

	// OutputBudget caps reply characters per session; 0 disables.
	OutputBudget int `yaml:"output_budget"`

	// Voice is the synthesis voice identifier.
	Voice string `yaml:"voice"`

	// VoiceSpeed is the playback rate multiplier; 0 means provider default.
	VoiceSpeed float64 `yaml:"voice_speed"`

	// DisableBargeIn drops device speech heard during reply playback instead
	// of aborting the reply. Realtime mode keeps barge-in armed regardless.
	DisableBargeIn bool `yaml:"disable_barge_in"`

	VAD VADConfig `yaml:"vad"`
	EoS EoSConfig `yaml:"eos"`
}

// VADConfig holds voice-activity detection parameters.
type VADConfig struct {
	// SpeechThreshold is the score at or above which a frame is voiced.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// SilenceThreshold is the score at or below which a frame is unvoiced;
	// between the two a frame inherits the previous classification.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// WindowFrames / WindowVotes configure the sliding packet vote.
	WindowFrames int `yaml:"window_frames"`
	WindowVotes  int `yaml:"window_votes"`
}

// EoSConfig holds end-of-speech controller thresholds.
type EoSConfig struct {
	WakeGuard     Duration `yaml:"wake_guard"`
	SpeakLock     Duration `yaml:"speak_lock"`
	SilenceFrames int      `yaml:"silence_frames"`
	MinSilence    Duration `yaml:"min_silence"`
	Watchdog      Duration `yaml:"watchdog"`
	MinPCMBytes   int      `yaml:"min_pcm_bytes"`
	VoiceDebounce Duration `yaml:"voice_debounce"`
}

// DialogConfig shapes the conversation turn.
type DialogConfig struct {
	// SystemPrompt is the assistant persona.
	SystemPrompt string `yaml:"system_prompt"`

	// HistoryLimit bounds the recency window loaded per turn.
	HistoryLimit int `yaml:"history_limit"`

	// RecallLimit bounds semantically recalled turns per request.
	RecallLimit int `yaml:"recall_limit"`

	// MaxToolRounds bounds consecutive tool-call rounds in one turn.
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

// IntentConfig configures the command stage tried before the model.
type IntentConfig struct {
	// Enabled turns the intent stage on. Default true when omitted alongside
	// a farewell or phrases.
	Enabled bool `yaml:"enabled"`

	// Farewell is spoken when an exit phrase matches.
	Farewell string `yaml:"farewell"`

	// ExitPhrases override the built-in exit phrase list.
	ExitPhrases []string `yaml:"exit_phrases"`
}

// MemoryConfig holds the conversation store settings.
type MemoryConfig struct {
	// PostgresDSN is the connection string for the pgvector-backed store.
	// Empty disables persistent memory. Overridden by EDGEVOX_POSTGRES_DSN.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions must match the configured embeddings model.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// MCPConfig lists the external tool servers offered to the model.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one Model Context Protocol server.
type MCPServerConfig struct {
	// Name identifies the server in logs and tool routing.
	Name string `yaml:"name"`

	// Transport is stdio or streamable-http.
	Transport tools.Transport `yaml:"transport"`

	// Command launches the stdio server. Ignored for streamable-http.
	Command string `yaml:"command"`

	// URL is the streamable-http endpoint. Ignored for stdio.
	URL string `yaml:"url"`

	// Env holds extra environment variables for stdio subprocesses.
	Env map[string]string `yaml:"env"`
}
