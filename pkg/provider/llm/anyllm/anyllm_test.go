package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/jmallek/edgevox/pkg/provider/llm"
)

func TestNewValidation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Fatal("expected error for empty provider name")
	}
	if _, err := New("ollama", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
	if _, err := New("not-a-provider", "some-model"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "qwen2.5:7b"}

	req := llm.CompletionRequest{
		SystemPrompt: "You are a concise voice assistant.",
		Messages: []llm.Message{
			{Role: "user", Content: "what time is it", Name: "alice"},
		},
		Temperature: 0.7,
		MaxTokens:   256,
		Tools: []llm.ToolDefinition{
			{Name: "get_time", Description: "Current wall-clock time"},
		},
	}

	params := p.buildParams(req)

	if params.Model != "qwen2.5:7b" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("message count = %d, want 2 (system + user)", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first message role = %q, want system", params.Messages[0].Role)
	}
	if params.Messages[1].Name != "alice" {
		t.Errorf("speaker name = %q, want alice", params.Messages[1].Name)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Error("temperature not forwarded")
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Error("max tokens not forwarded")
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "get_time" {
		t.Error("tool definition not forwarded")
	}
}

func TestBuildParamsOmitsZeroSampling(t *testing.T) {
	p := &Provider{model: "m"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if params.Temperature != nil {
		t.Error("zero temperature must use the provider default")
	}
	if params.MaxTokens != nil {
		t.Error("zero max tokens must use the provider default")
	}
}

func TestConvertMessageToolRoundTrip(t *testing.T) {
	m := llm.Message{
		Role:       "assistant",
		ToolCalls:  []llm.ToolCall{{ID: "c1", Name: "get_time", Arguments: "{}"}},
		ToolCallID: "",
	}
	got := convertMessage(m)
	if len(got.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(got.ToolCalls))
	}
	if got.ToolCalls[0].Function.Name != "get_time" || got.ToolCalls[0].Type != "function" {
		t.Errorf("tool call = %+v", got.ToolCalls[0])
	}
}
