package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jmallek/edgevox/pkg/provider/embeddings"
	"github.com/jmallek/edgevox/pkg/provider/ident"
	"github.com/jmallek/edgevox/pkg/provider/llm"
	"github.com/jmallek/edgevox/pkg/provider/stt"
	"github.com/jmallek/edgevox/pkg/provider/tts"
	"github.com/jmallek/edgevox/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds one provider instance from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

// kind holds the registered factories for one provider kind.
type kind[T any] struct {
	name string
	mu   sync.RWMutex
	m    map[string]Factory[T]
}

func newKind[T any](name string) *kind[T] {
	return &kind[T]{name: name, m: make(map[string]Factory[T])}
}

func (k *kind[T]) register(name string, f Factory[T]) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[name] = f
}

func (k *kind[T]) create(entry ProviderEntry) (T, error) {
	k.mu.RLock()
	f, ok := k.m[entry.Name]
	k.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, k.name, entry.Name)
	}
	return f(entry)
}

// Registry maps provider names to constructors for each pipeline stage. Safe
// for concurrent use; a later registration under the same name overwrites.
type Registry struct {
	llm        *kind[llm.Provider]
	stt        *kind[stt.Provider]
	tts        *kind[tts.Provider]
	embeddings *kind[embeddings.Provider]
	ident      *kind[ident.Provider]
	vad        *kind[vad.Engine]
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm:        newKind[llm.Provider]("llm"),
		stt:        newKind[stt.Provider]("stt"),
		tts:        newKind[tts.Provider]("tts"),
		embeddings: newKind[embeddings.Provider]("embeddings"),
		ident:      newKind[ident.Provider]("ident"),
		vad:        newKind[vad.Engine]("vad"),
	}
}

// RegisterLLM registers a language model provider factory under name.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) { r.llm.register(name, f) }

// RegisterSTT registers a transcription provider factory under name.
func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) { r.stt.register(name, f) }

// RegisterTTS registers a synthesis provider factory under name.
func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) { r.tts.register(name, f) }

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, f Factory[embeddings.Provider]) {
	r.embeddings.register(name, f)
}

// RegisterIdent registers a speaker-identification provider factory under name.
func (r *Registry) RegisterIdent(name string, f Factory[ident.Provider]) { r.ident.register(name, f) }

// RegisterVAD registers a voice-activity engine factory under name.
func (r *Registry) RegisterVAD(name string, f Factory[vad.Engine]) { r.vad.register(name, f) }

// CreateLLM instantiates the language model provider entry.Name selects.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) { return r.llm.create(entry) }

// CreateSTT instantiates the transcription provider entry.Name selects.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) { return r.stt.create(entry) }

// CreateTTS instantiates the synthesis provider entry.Name selects.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) { return r.tts.create(entry) }

// CreateEmbeddings instantiates the embeddings provider entry.Name selects.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	return r.embeddings.create(entry)
}

// CreateIdent instantiates the speaker-identification provider entry.Name
// selects.
func (r *Registry) CreateIdent(entry ProviderEntry) (ident.Provider, error) {
	return r.ident.create(entry)
}

// CreateVAD instantiates the voice-activity engine entry.Name selects.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) { return r.vad.create(entry) }
