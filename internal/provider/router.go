package provider

import (
	"context"
	"fmt"
	"sort"
)

// Router dispatches chat calls by provider name and tracks per-provider
// enablement. Registration happens once at startup; lookups are read-only
// afterwards, so no locking is needed.
type Router struct {
	providers map[string]Provider
	enabled   map[string]bool
}

func NewRouter() *Router {
	return &Router{
		providers: make(map[string]Provider),
		enabled:   make(map[string]bool),
	}
}

// Register adds a provider. Names must be unique.
func (r *Router) Register(p Provider, enabled bool) {
	r.providers[p.Name()] = p
	r.enabled[p.Name()] = enabled
}

// Get resolves a provider by name, failing before any network contact when
// the name is unknown or the provider is disabled.
func (r *Router) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if !r.enabled[name] {
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, name)
	}
	return p, nil
}

// Names returns all registered provider names, sorted.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enabled reports whether the named provider is enabled.
func (r *Router) Enabled(name string) bool { return r.enabled[name] }

// Chat dispatches a non-streaming chat call.
func (r *Router) Chat(ctx context.Context, name string, messages []Message, opts Options) (*Response, error) {
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return p.Chat(ctx, messages, opts)
}

// ChatStream dispatches a streaming chat call.
func (r *Router) ChatStream(ctx context.Context, name string, messages []Message, opts Options) (<-chan Chunk, error) {
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return p.ChatStream(ctx, messages, opts)
}
