// Package tools hosts the function tools offered to the language model
// during dialog. Tools come from two places: external MCP servers (connected
// over stdio or streamable HTTP) and in-process Go functions. The dialog
// driver advertises every definition on each model call and routes returned
// tool calls back through Execute.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jmallek/edgevox/internal/observe"
	"github.com/jmallek/edgevox/pkg/provider/llm"
)

// DefaultCallTimeout bounds a single tool execution. A reply turn stalls
// while a tool runs, so the ceiling is tight.
const DefaultCallTimeout = 10 * time.Second

// Transport selects how an external server is reached.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
)

// ServerConfig describes one external MCP server.
type ServerConfig struct {
	// Name identifies the server; tool names are qualified with it in logs.
	Name string

	// Transport is stdio or streamable-http.
	Transport Transport

	// Command is the executable plus arguments for stdio servers, split on
	// whitespace.
	Command string

	// Env holds extra environment variables for stdio servers.
	Env map[string]string

	// URL is the endpoint for streamable-http servers.
	URL string
}

// Result is the outcome of one tool execution. IsError marks an
// application-level failure; the text still goes back to the model so it can
// recover in conversation.
type Result struct {
	Content string
	IsError bool
}

// BuiltinTool is an in-process tool.
type BuiltinTool struct {
	Definition llm.ToolDefinition
	Handler    func(ctx context.Context, args string) (string, error)
}

type toolEntry struct {
	def     llm.ToolDefinition
	server  string
	builtin func(ctx context.Context, args string) (string, error)
}

// Option is a functional option for the Host.
type Option func(*Host)

// WithCallTimeout overrides the per-execution ceiling.
func WithCallTimeout(t time.Duration) Option {
	return func(h *Host) { h.callTimeout = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.log = l }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Host) { h.met = m }
}

// Host owns the tool registry and the MCP server sessions. Safe for
// concurrent use after startup registration.
type Host struct {
	mu       sync.RWMutex
	tools    map[string]toolEntry
	sessions map[string]*mcpsdk.ClientSession

	client      *mcpsdk.Client
	callTimeout time.Duration
	log         *slog.Logger
	met         *observe.Metrics
}

// New creates an empty Host.
func New(opts ...Option) *Host {
	h := &Host{
		tools:    make(map[string]toolEntry),
		sessions: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "edgevox", Version: "1.0.0"}, nil),
		callTimeout: DefaultCallTimeout,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.met == nil {
		h.met = observe.DefaultMetrics()
	}
	return h
}

// RegisterBuiltin adds an in-process tool. A tool with the same name replaces
// the old registration.
func (h *Host) RegisterBuiltin(t BuiltinTool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("tools: builtin needs a name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: builtin %q needs a handler", t.Definition.Name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[t.Definition.Name] = toolEntry{def: t.Definition, builtin: t.Handler}
	return nil
}

// RegisterServer connects to an external MCP server and imports its tool
// catalogue. Re-registering a name replaces the old connection and its tools.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: server config needs a name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		fields := strings.Fields(cfg.Command)
		if len(fields) == 0 {
			return fmt.Errorf("tools: stdio server %q needs a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http server %q needs a URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("tools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to server %q: %w", cfg.Name, err)
	}

	var defs []llm.ToolDefinition
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools of server %q: %w", cfg.Name, err)
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.sessions[cfg.Name]; ok {
		_ = old.Close()
		for name, e := range h.tools {
			if e.server == cfg.Name {
				delete(h.tools, name)
			}
		}
	}
	h.sessions[cfg.Name] = session
	for _, def := range defs {
		h.tools[def.Name] = toolEntry{def: def, server: cfg.Name}
	}
	h.log.Info("tools: server registered", "server", cfg.Name, "tools", len(defs))
	return nil
}

// Definitions returns every registered tool, sorted by name so the model
// prompt is stable across calls.
func (h *Host) Definitions() []llm.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the named tool with JSON-encoded arguments. Application-level
// failures come back as Result.IsError with explanatory content; a Go error
// means the tool could not be invoked at all.
func (h *Host) Execute(ctx context.Context, name, args string) (Result, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	session := h.sessions[entry.server]
	h.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("tools: tool %q not registered", name)
	}

	ctx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	start := time.Now()
	res, err := h.execute(ctx, entry, session, args)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil || res.IsError {
		status = "error"
	}
	h.met.RecordToolCall(ctx, name, status)
	h.met.ToolExecutionDuration.Record(ctx, elapsed.Seconds())

	h.log.Debug("tools: executed",
		"tool", name, "elapsed", elapsed, "error", err)
	return res, err
}

func (h *Host) execute(ctx context.Context, entry toolEntry, session *mcpsdk.ClientSession, args string) (Result, error) {
	if entry.builtin != nil {
		out, err := entry.builtin(ctx, args)
		if err != nil {
			return Result{Content: err.Error(), IsError: true}, nil
		}
		return Result{Content: out}, nil
	}

	if session == nil {
		return Result{}, fmt.Errorf("tools: server %q for tool %q is gone", entry.server, entry.def.Name)
	}
	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return Result{}, fmt.Errorf("tools: invalid args for tool %q: %w", entry.def.Name, err)
		}
	}
	call, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return Result{}, fmt.Errorf("tools: call tool %q: %w", entry.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range call.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return Result{Content: sb.String(), IsError: call.IsError}, nil
}

// Close shuts every server session down and clears the registry.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for name, s := range h.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close server %q: %w", name, err)
		}
		delete(h.sessions, name)
	}
	h.tools = make(map[string]toolEntry)
	return firstErr
}

// schemaToMap normalizes whatever schema representation the SDK hands back
// into the map form the model providers expect.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
