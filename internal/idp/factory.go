package idp

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownKind is returned by Factory.New for unregistered kinds
var ErrUnknownKind = errors.New("unknown provider kind")

// Constructor creates an uninitialized provider
type Constructor func() Provider

// Factory maps provider kinds to constructors. Registering a kind notifies
// listeners so the registry can pick up providers that were configured
// before their implementation was available.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	listeners    []func(kind string)
}

// NewFactory creates an empty factory
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

// DefaultFactory creates a factory with the built-in providers
func DefaultFactory() *Factory {
	f := NewFactory()
	f.Register("google", NewGoogleProvider)
	f.Register("github", NewGitHubProvider)
	f.Register("oidc", NewOIDCProvider)
	f.Register("azure", NewAzureProvider)
	return f
}

// Register adds or replaces the constructor for kind
func (f *Factory) Register(kind string, c Constructor) {
	f.mu.Lock()
	f.constructors[kind] = c
	listeners := slices.Clone(f.listeners)
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(kind)
	}
}

// OnRegister adds a listener called after every Register
func (f *Factory) OnRegister(fn func(kind string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// New creates a fresh provider of the given kind
func (f *Factory) New(kind string) (Provider, error) {
	f.mu.RLock()
	c, ok := f.constructors[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return c(), nil
}

// Kinds lists registered kinds in sorted order
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]string, 0, len(f.constructors))
	for k := range f.constructors {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
