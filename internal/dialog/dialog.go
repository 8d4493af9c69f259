// Package dialog drives one conversation turn: transcript in, spoken reply
// out. The driver tries the intent engine first (a consumed turn never
// reaches the model), then assembles the model request from the device's
// conversation memory, streams the completion sentence-by-sentence to the
// synthesis sink, executes any tool calls the model issues, and finally
// records both sides of the turn.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmallek/edgevox/internal/intent"
	"github.com/jmallek/edgevox/internal/observe"
	"github.com/jmallek/edgevox/internal/recognize"
	"github.com/jmallek/edgevox/internal/tools"
	"github.com/jmallek/edgevox/pkg/memory"
	"github.com/jmallek/edgevox/pkg/provider/embeddings"
	"github.com/jmallek/edgevox/pkg/provider/llm"
)

// Defaults for the driver's request assembly and stream supervision.
const (
	DefaultHistoryLimit     = 10
	DefaultRecallLimit      = 3
	DefaultMaxToolRounds    = 4
	DefaultChunkIdleTimeout = 30 * time.Second
)

// Sink receives the driver's output in order. Both methods are called from
// the turn's goroutine only.
type Sink interface {
	// ShowTranscript displays the recognised transcript on the device.
	ShowTranscript(text string)

	// Sentence hands one complete reply sentence to synthesis. An error
	// aborts the turn.
	Sentence(ctx context.Context, text string) error
}

// Request is one recognised utterance entering the driver.
type Request struct {
	DeviceID   string
	SessionID  string
	Transcript string
	Speaker    string
}

// Reply is the driver's account of a finished turn.
type Reply struct {
	// Text is the full assistant reply, sentences joined.
	Text string

	// IntentHandled marks a turn the intent engine consumed; Intent carries
	// its outcome (reply text, close request, volume change).
	IntentHandled bool
	Intent        intent.Outcome
}

// Option is a functional option for the Driver.
type Option func(*Driver)

// WithIntents installs the command engine tried before the model.
func WithIntents(e *intent.Engine) Option {
	return func(d *Driver) { d.intents = e }
}

// WithTools installs the tool host whose definitions are offered to the
// model.
func WithTools(h *tools.Host) Option {
	return func(d *Driver) { d.tools = h }
}

// WithMemory installs the conversation store.
func WithMemory(s memory.Store) Option {
	return func(d *Driver) { d.store = s }
}

// WithEmbeddings enables semantic recall from the store.
func WithEmbeddings(p embeddings.Provider) Option {
	return func(d *Driver) { d.embed = p }
}

// WithSystemPrompt sets the assistant persona.
func WithSystemPrompt(s string) Option {
	return func(d *Driver) { d.systemPrompt = s }
}

// WithHistoryLimit bounds the recency window loaded per turn.
func WithHistoryLimit(n int) Option {
	return func(d *Driver) { d.historyLimit = n }
}

// WithRecallLimit bounds the semantically recalled turns per request.
func WithRecallLimit(n int) Option {
	return func(d *Driver) { d.recallLimit = n }
}

// WithMaxToolRounds bounds consecutive tool-call rounds in one turn.
func WithMaxToolRounds(n int) Option {
	return func(d *Driver) { d.maxToolRounds = n }
}

// WithChunkIdleTimeout bounds the wait for the next stream chunk.
func WithChunkIdleTimeout(t time.Duration) Option {
	return func(d *Driver) { d.chunkIdle = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Driver) { d.met = m }
}

// Driver owns the per-turn conversation flow. Safe for concurrent use; each
// Run call is independent.
type Driver struct {
	model llm.Provider

	intents *intent.Engine
	tools   *tools.Host
	store   memory.Store
	embed   embeddings.Provider

	systemPrompt  string
	historyLimit  int
	recallLimit   int
	maxToolRounds int
	chunkIdle     time.Duration
	log           *slog.Logger
	met           *observe.Metrics
}

// New creates a Driver around the language model provider.
func New(model llm.Provider, opts ...Option) *Driver {
	d := &Driver{
		model:         model,
		historyLimit:  DefaultHistoryLimit,
		recallLimit:   DefaultRecallLimit,
		maxToolRounds: DefaultMaxToolRounds,
		chunkIdle:     DefaultChunkIdleTimeout,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.met == nil {
		d.met = observe.DefaultMetrics()
	}
	return d
}

// Run executes one turn. An empty transcript is a silent no-op: nothing is
// displayed, spoken, or recorded.
func (d *Driver) Run(ctx context.Context, req Request, sink Sink) (Reply, error) {
	req.Transcript = strings.TrimSpace(req.Transcript)
	if req.Transcript == "" {
		return Reply{}, nil
	}

	if d.intents != nil {
		out, handled, err := d.intents.Dispatch(ctx, req.Transcript)
		if err != nil {
			return Reply{}, fmt.Errorf("dialog: intent dispatch: %w", err)
		}
		if handled {
			sink.ShowTranscript(req.Transcript)
			if out.Reply != "" {
				if err := sink.Sentence(ctx, out.Reply); err != nil {
					return Reply{}, err
				}
			}
			d.record(ctx, req, out.Reply)
			return Reply{Text: out.Reply, IntentHandled: true, Intent: out}, nil
		}
	}

	sink.ShowTranscript(req.Transcript)

	sys, msgs := d.assemble(ctx, req)
	text, err := d.stream(ctx, sys, msgs, sink)
	if err != nil {
		return Reply{}, err
	}

	d.record(ctx, req, text)
	return Reply{Text: text}, nil
}

// assemble builds the system prompt and message history for the turn.
// Memory failures degrade to a history-free request; the turn must not die
// because the store is down.
func (d *Driver) assemble(ctx context.Context, req Request) (string, []llm.Message) {
	sys := d.systemPrompt

	if d.store != nil && d.embed != nil && d.recallLimit > 0 {
		if block := d.recall(ctx, req); block != "" {
			sys = sys + "\n\nRelevant earlier conversation:\n" + block
		}
	}

	var msgs []llm.Message
	if d.store != nil && d.historyLimit > 0 {
		history, err := d.store.Recent(ctx, req.DeviceID, d.historyLimit)
		if err != nil {
			d.log.Warn("dialog: history load failed",
				"device", req.DeviceID, "error", err)
		}
		for _, t := range history {
			content := t.Content
			if t.Role == "user" {
				content = recognize.WrapSpeaker(t.Speaker, t.Content)
			}
			msgs = append(msgs, llm.Message{Role: t.Role, Content: content})
		}
	}

	msgs = append(msgs, llm.Message{
		Role:    "user",
		Content: recognize.WrapSpeaker(req.Speaker, req.Transcript),
	})
	return sys, msgs
}

// recall embeds the transcript and renders the nearest stored turns.
func (d *Driver) recall(ctx context.Context, req Request) string {
	vec, err := d.embed.Embed(ctx, req.Transcript)
	if err != nil {
		d.log.Warn("dialog: query embedding failed",
			"device", req.DeviceID, "error", err)
		return ""
	}
	similar, err := d.store.SearchSimilar(ctx, req.DeviceID, vec, d.recallLimit)
	if err != nil {
		d.log.Warn("dialog: similarity recall failed",
			"device", req.DeviceID, "error", err)
		return ""
	}
	var sb strings.Builder
	for _, s := range similar {
		fmt.Fprintf(&sb, "- [%s] %s\n", s.Turn.Role, s.Turn.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// stream runs the completion, forwarding sentences as they complete and
// looping through tool rounds until the model finishes with text.
func (d *Driver) stream(ctx context.Context, sys string, msgs []llm.Message, sink Sink) (string, error) {
	var toolDefs []llm.ToolDefinition
	if d.tools != nil {
		toolDefs = d.tools.Definitions()
	}

	var full strings.Builder
	for round := 0; ; round++ {
		roundStart := time.Now()
		ch, err := d.model.StreamCompletion(ctx, llm.CompletionRequest{
			SystemPrompt: sys,
			Messages:     msgs,
			Tools:        toolDefs,
		})
		if err != nil {
			d.met.RecordProviderError(ctx, "llm", "stream")
			return "", fmt.Errorf("dialog: model stream: %w", err)
		}

		roundText, calls, err := d.consume(ctx, ch, sink)
		d.met.LLMDuration.Record(ctx, time.Since(roundStart).Seconds())
		full.WriteString(roundText)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				d.met.RecordProviderError(ctx, "llm", "stream")
			}
			return "", err
		}

		if len(calls) == 0 || d.tools == nil || round >= d.maxToolRounds {
			break
		}
		msgs = d.executeTools(ctx, msgs, roundText, calls)
	}

	return strings.TrimSpace(full.String()), nil
}

// consume drains one completion stream, pushing sentences to the sink. It
// returns the round's text and any tool calls from the final chunk.
func (d *Driver) consume(ctx context.Context, ch <-chan llm.Chunk, sink Sink) (string, []llm.ToolCall, error) {
	var (
		split splitter
		full  strings.Builder
		calls []llm.ToolCall
	)

	emit := func(sentences []string) error {
		for _, s := range sentences {
			full.WriteString(s)
			full.WriteByte(' ')
			if err := sink.Sentence(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}

	idle := time.NewTimer(d.chunkIdle)
	defer idle.Stop()

	for {
		idle.Reset(d.chunkIdle)
		select {
		case <-ctx.Done():
			go drain(ch)
			return full.String(), nil, ctx.Err()
		case <-idle.C:
			go drain(ch)
			return full.String(), nil, fmt.Errorf("dialog: model stream idle for %s", d.chunkIdle)
		case chunk, ok := <-ch:
			if !ok {
				rest := split.flush()
				if rest != "" {
					if err := emit([]string{rest}); err != nil {
						return full.String(), nil, err
					}
				}
				return full.String(), calls, nil
			}
			if chunk.FinishReason == "error" {
				go drain(ch)
				return full.String(), nil, fmt.Errorf("dialog: model stream failed: %s", chunk.Text)
			}
			if chunk.Text != "" {
				if err := emit(split.push(chunk.Text)); err != nil {
					go drain(ch)
					return full.String(), nil, err
				}
			}
			if len(chunk.ToolCalls) > 0 {
				calls = chunk.ToolCalls
			}
		}
	}
}

// executeTools runs the model's tool calls and extends the message history
// with the assistant request and the tool results.
func (d *Driver) executeTools(ctx context.Context, msgs []llm.Message, roundText string, calls []llm.ToolCall) []llm.Message {
	msgs = append(msgs, llm.Message{
		Role:      "assistant",
		Content:   strings.TrimSpace(roundText),
		ToolCalls: calls,
	})
	for _, call := range calls {
		res, err := d.tools.Execute(ctx, call.Name, call.Arguments)
		content := res.Content
		if err != nil {
			d.log.Warn("dialog: tool execution failed",
				"tool", call.Name, "error", err)
			content = "tool error: " + err.Error()
		}
		msgs = append(msgs, llm.Message{
			Role:       "tool",
			Content:    content,
			Name:       call.Name,
			ToolCallID: call.ID,
		})
	}
	return msgs
}

// record persists both sides of the turn, best effort. Embeddings are
// attached when a provider is configured so the turn joins semantic recall.
func (d *Driver) record(ctx context.Context, req Request, replyText string) {
	if d.store == nil || req.DeviceID == "" {
		return
	}

	turns := []memory.Turn{{
		DeviceID:  req.DeviceID,
		SessionID: req.SessionID,
		Role:      "user",
		Speaker:   req.Speaker,
		Content:   req.Transcript,
	}}
	if replyText != "" {
		turns = append(turns, memory.Turn{
			DeviceID:  req.DeviceID,
			SessionID: req.SessionID,
			Role:      "assistant",
			Content:   replyText,
		})
	}

	if d.embed != nil {
		texts := make([]string, len(turns))
		for i, t := range turns {
			texts[i] = t.Content
		}
		vecs, err := d.embed.EmbedBatch(ctx, texts)
		if err != nil {
			d.log.Warn("dialog: turn embedding failed",
				"device", req.DeviceID, "error", err)
		} else {
			for i := range turns {
				turns[i].Embedding = vecs[i]
			}
		}
	}

	for _, t := range turns {
		if err := d.store.AppendTurn(ctx, t); err != nil {
			d.log.Warn("dialog: turn persist failed",
				"device", req.DeviceID, "role", t.Role, "error", err)
		}
	}
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
