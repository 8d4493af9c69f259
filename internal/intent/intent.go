// Package intent short-circuits device commands before the language model
// sees them. Each registered command carries trigger phrases matched fuzzily
// (speech recognizers mangle short commands) and an optional regular
// expression for commands with parameters. A handled utterance consumes the
// turn: the dialog driver speaks the command's reply, applies its effect, and
// never invokes the model.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Default acceptance thresholds for the fuzzy phrase matcher. Commands have
// side effects, so both tiers sit above the thresholds a pure transcript
// corrector would use.
const (
	DefaultPhoneticThreshold = 0.75
	DefaultFuzzyThreshold    = 0.88
)

// Outcome describes how a consumed turn affects the session.
type Outcome struct {
	// Command is the name of the command that consumed the turn.
	Command string

	// Score is the match confidence, 1.0 for pattern matches.
	Score float64

	// Reply is spoken to the user before any effect is applied. May be
	// empty for silent commands.
	Reply string

	// Close requests the session end after the reply finishes playing.
	Close bool

	// SetVolume and Volume carry a device volume change (0-100).
	SetVolume bool
	Volume    int
}

// Match is the evidence handed to a command handler.
type Match struct {
	// Utterance is the full transcript.
	Utterance string

	// Phrase is the trigger phrase that matched, empty for pattern matches.
	Phrase string

	// Score is the fuzzy match confidence, 1.0 for pattern matches.
	Score float64

	// Groups holds the capture groups when the command's pattern matched.
	Groups []string
}

// HandlerFunc turns a match into an outcome. Returning an error lets the
// utterance fall through to the language model.
type HandlerFunc func(ctx context.Context, m Match) (Outcome, error)

// Command is one registrable device command.
type Command struct {
	// Name identifies the command in outcomes and logs.
	Name string

	// Phrases are the fuzzy trigger phrases.
	Phrases []string

	// Pattern, when set, is tried verbatim before any fuzzy matching. Use it
	// for commands with parameters the phrases cannot carry.
	Pattern *regexp.Regexp

	// Handle produces the outcome. When nil, a matched command consumes the
	// turn with an empty outcome.
	Handle HandlerFunc
}

// Option is a functional option for the Engine.
type Option func(*Engine)

// WithPhoneticThreshold overrides the phonetic-tier acceptance score.
func WithPhoneticThreshold(t float64) Option {
	return func(e *Engine) { e.phoneticThreshold = t }
}

// WithFuzzyThreshold overrides the fuzzy-tier acceptance score.
func WithFuzzyThreshold(t float64) Option {
	return func(e *Engine) { e.fuzzyThreshold = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine matches utterances against the registered commands. Read-only after
// construction and registration, so safe for concurrent Dispatch.
type Engine struct {
	commands          []Command
	phoneticThreshold float64
	fuzzyThreshold    float64
	log               *slog.Logger
}

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		phoneticThreshold: DefaultPhoneticThreshold,
		fuzzyThreshold:    DefaultFuzzyThreshold,
		log:               slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Register adds a command. Registration is not safe concurrently with
// Dispatch; register everything at startup.
func (e *Engine) Register(cmd Command) error {
	if cmd.Name == "" {
		return fmt.Errorf("intent: command needs a name")
	}
	if len(cmd.Phrases) == 0 && cmd.Pattern == nil {
		return fmt.Errorf("intent: command %q has no phrases and no pattern", cmd.Name)
	}
	e.commands = append(e.commands, cmd)
	return nil
}

// Dispatch tests the utterance against every command and runs the best
// match's handler. handled is false when no command claims the utterance or
// the winning handler declined with an error.
func (e *Engine) Dispatch(ctx context.Context, utterance string) (Outcome, bool, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return Outcome{}, false, nil
	}

	// Pattern commands win outright; they encode exact parameter syntax.
	for _, cmd := range e.commands {
		if cmd.Pattern == nil {
			continue
		}
		groups := cmd.Pattern.FindStringSubmatch(strings.ToLower(utterance))
		if groups == nil {
			continue
		}
		return e.run(ctx, cmd, Match{Utterance: utterance, Score: 1.0, Groups: groups})
	}

	var (
		bestCmd   Command
		bestMatch Match
	)
	for _, cmd := range e.commands {
		for _, phrase := range cmd.Phrases {
			s, ok := matchPhrase(utterance, phrase, e.phoneticThreshold, e.fuzzyThreshold)
			if ok && s.value > bestMatch.Score {
				bestCmd = cmd
				bestMatch = Match{Utterance: utterance, Phrase: s.phrase, Score: s.value}
			}
		}
	}
	if bestMatch.Score == 0 {
		return Outcome{}, false, nil
	}
	return e.run(ctx, bestCmd, bestMatch)
}

func (e *Engine) run(ctx context.Context, cmd Command, m Match) (Outcome, bool, error) {
	e.log.Debug("intent: command matched",
		"command", cmd.Name, "phrase", m.Phrase, "score", m.Score)
	if cmd.Handle == nil {
		return Outcome{Command: cmd.Name, Score: m.Score}, true, nil
	}
	out, err := cmd.Handle(ctx, m)
	if err != nil {
		e.log.Warn("intent: handler declined", "command", cmd.Name, "error", err)
		return Outcome{}, false, nil
	}
	out.Command = cmd.Name
	if out.Score == 0 {
		out.Score = m.Score
	}
	return out, true, nil
}
