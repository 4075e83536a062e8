package ai

import (
	"fmt"
	"strings"
	"sync"
)

// Registry routes model ids to backends. A model id whose first path
// segment names a registered backend ("ollama/llama3") goes to that
// backend with the prefix stripped. Every other id goes, unchanged, to
// the default backend.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Provider
	fallback string
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Provider)}
}

func (r *Registry) Register(name string, p Provider) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = p
}

// SetDefault names the backend used for ids without a known prefix.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = strings.ToLower(strings.TrimSpace(name))
}

// Resolve returns the backend for modelID and the model name to send it.
func (r *Registry) Resolve(modelID string) (Provider, string, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return nil, "", fmt.Errorf("%w: empty model id", ErrUnknownModel)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if prefix, rest, ok := strings.Cut(modelID, "/"); ok && rest != "" {
		if p, ok := r.backends[strings.ToLower(prefix)]; ok {
			return p, rest, nil
		}
	}
	if p, ok := r.backends[r.fallback]; ok {
		return p, modelID, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
}
