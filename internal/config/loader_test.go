package config

import (
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
server:
  listen_addr: ":8000"
providers:
  llm:
    name: anyllm
    model: gpt-4o-mini
  stt:
    name: openai
  tts:
    name: openai
    model: tts-1
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8000" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Providers.LLM.Name != "anyllm" || cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("llm entry = %+v", cfg.Providers.LLM)
	}
}

func TestLoadFull(t *testing.T) {
	yaml := `
server:
  listen_addr: ":8000"
  websocket_url: "ws://voice.local:8000/xiaozhi/v1/"
  firmware_version: "2.0.0"
  log_level: debug
auth:
  enabled: true
  tokens:
    - token: tok-abc
      name: living room
  allowed_devices: ["aa:bb:cc:dd:ee:ff"]
providers:
  llm:
    name: anyllm
    model: gpt-4o-mini
  stt:
    name: openai
  stt_fallbacks:
    - name: whisper-native
      options:
        model_path: /models/ggml-base.bin
  llm_fallbacks:
    - name: ollama
      base_url: "http://localhost:11434"
      model: llama3.1
  tts:
    name: openai
    model: tts-1
  tts_fallbacks:
    - name: openai
      base_url: "http://tts-mirror.local:8080"
      model: tts-1
  embeddings:
    name: openai
    model: text-embedding-3-small
  vad:
    name: energy
pipeline:
  listen_mode: auto
  idle_close: 120s
  output_budget: 4000
  voice: alloy
  disable_barge_in: true
  vad:
    speech_threshold: 0.5
    silence_threshold: 0.35
    window_frames: 5
    window_votes: 2
  eos:
    wake_guard: 300ms
    min_silence: 600ms
    silence_frames: 10
    watchdog: 1s
    min_pcm_bytes: 12000
dialog:
  system_prompt: "You are a helpful voice assistant."
  history_limit: 10
intent:
  enabled: true
  farewell: "Talk to you later."
memory:
  postgres_dsn: "postgres://edgevox@localhost:5432/edgevox"
  embedding_dimensions: 1536
mcp:
  servers:
    - name: files
      transport: stdio
      command: "mcp-files --root /srv"
    - name: weather
      transport: streamable-http
      url: "https://mcp.example.com/weather"
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.IdleClose.Std() != 120*time.Second {
		t.Errorf("idle_close = %v", cfg.Pipeline.IdleClose.Std())
	}
	if cfg.Pipeline.EoS.WakeGuard.Std() != 300*time.Millisecond {
		t.Errorf("wake_guard = %v", cfg.Pipeline.EoS.WakeGuard.Std())
	}
	if len(cfg.Providers.STTFallbacks) != 1 || cfg.Providers.STTFallbacks[0].Name != "whisper-native" {
		t.Errorf("stt_fallbacks = %+v", cfg.Providers.STTFallbacks)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "ollama" {
		t.Errorf("llm_fallbacks = %+v", cfg.Providers.LLMFallbacks)
	}
	if len(cfg.Providers.TTSFallbacks) != 1 || cfg.Providers.TTSFallbacks[0].Name != "openai" {
		t.Errorf("tts_fallbacks = %+v", cfg.Providers.TTSFallbacks)
	}
	if !cfg.Pipeline.DisableBargeIn {
		t.Error("disable_barge_in = false, want true")
	}
	if len(cfg.MCP.Servers) != 2 {
		t.Fatalf("mcp servers = %d", len(cfg.MCP.Servers))
	}
	if cfg.Auth.Tokens[0].Name != "living room" {
		t.Errorf("token name = %q", cfg.Auth.Tokens[0].Name)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	yaml := minimalYAML + `
banana: true
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	yaml := minimalYAML + `
pipeline:
  idle_close: 90
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.IdleClose.Std() != 90*time.Second {
		t.Errorf("idle_close = %v, want 90s", cfg.Pipeline.IdleClose.Std())
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvJWTSecret, "env-secret")
	t.Setenv(EnvPostgresDSN, "postgres://env@db/edgevox")
	t.Setenv("EDGEVOX_LLM_API_KEY", "sk-env")

	yaml := minimalYAML + `
auth:
  enabled: true
  jwt_secret: file-secret
memory:
  postgres_dsn: "postgres://file@db/edgevox"
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("jwt_secret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Memory.PostgresDSN != "postgres://env@db/edgevox" {
		t.Errorf("postgres_dsn = %q", cfg.Memory.PostgresDSN)
	}
	if cfg.Providers.LLM.APIKey != "sk-env" {
		t.Errorf("llm api_key = %q", cfg.Providers.LLM.APIKey)
	}
}
