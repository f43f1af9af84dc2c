package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/dgellow/idfront/internal/idp"
	"github.com/dgellow/idfront/internal/log"
	"github.com/dgellow/idfront/internal/metrics"
	"github.com/dgellow/idfront/internal/storage"
	"golang.org/x/sync/singleflight"
)

// ProviderConfig describes one configured provider
type ProviderConfig = storage.ProviderConfig

// ErrProviderUnavailable is returned for providers that are not configured,
// not active or not ready
var ErrProviderUnavailable = errors.New("provider unavailable")

// Entry is a retained provider together with the configuration it was
// built from. Entries belong to one snapshot and are dropped on rebuild.
type Entry struct {
	Config   ProviderConfig
	Provider idp.Provider
}

type snapshot struct {
	entries map[string]*Entry
	order   []string
	widgets []Widget
	builtAt time.Time
}

// Options configures a Registry
type Options struct {
	Factory *idp.Factory
	Source  storage.ProviderSource
	// Attachments resolves image markers in login templates. Optional.
	Attachments storage.AttachmentStore
	// ReturnURL is the external URL providers redirect back to. It fills
	// in an empty redirectUrl value.
	ReturnURL string
}

// Registry holds the providers built from the last successful reload.
// The whole provider set is replaced atomically, so readers see either the
// previous or the next set and never a partial one.
type Registry struct {
	factory     *idp.Factory
	source      storage.ProviderSource
	attachments storage.AttachmentStore
	returnURL   string

	current atomic.Pointer[snapshot]
	reloads singleflight.Group
}

// New creates an empty registry. Call Reload to load providers.
func New(opts Options) (*Registry, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("provider factory is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("provider source is required")
	}

	r := &Registry{
		factory:     opts.Factory,
		source:      opts.Source,
		attachments: opts.Attachments,
		returnURL:   opts.ReturnURL,
	}
	r.current.Store(&snapshot{
		entries: map[string]*Entry{},
		widgets: buildWidgets(nil),
	})

	// A provider kind registered after startup may unlock configs that
	// were skipped as unknown
	opts.Factory.OnRegister(func(kind string) {
		log.LogInfoWithFields("registry", "Provider kind registered, reloading", map[string]any{
			"kind": kind,
		})
		if err := r.Reload(context.Background()); err != nil {
			log.LogErrorWithFields("registry", "Reload after registration failed", map[string]any{
				"kind":  kind,
				"error": err.Error(),
			})
		}
	})

	return r, nil
}

// ApplyDefaults returns a copy of values where an empty redirectUrl is
// replaced by returnURL
func ApplyDefaults(values map[string]string, returnURL string) map[string]string {
	out := maps.Clone(values)
	if out == nil {
		out = make(map[string]string)
	}
	if out["redirectUrl"] == "" && returnURL != "" {
		out["redirectUrl"] = returnURL
	}
	return out
}

// Reload loads the configurations from the source and rebuilds. Concurrent
// calls share one load. When the source fails the current providers stay
// in place and the error is returned.
func (r *Registry) Reload(ctx context.Context) error {
	_, err, shared := r.reloads.Do("reload", func() (any, error) {
		configs, err := r.source.LoadProviderConfigs(ctx)
		if err != nil {
			metrics.RegistryReload(err, 0)
			log.LogErrorWithFields("registry", "Failed to load provider configurations, keeping current providers", map[string]any{
				"error": err.Error(),
			})
			return nil, fmt.Errorf("loading provider configurations: %w", err)
		}
		r.Rebuild(ctx, configs)
		return nil, nil
	})
	if shared {
		log.LogTraceWithFields("registry", "Joined in-flight reload", nil)
	}
	return err
}

// Rebuild replaces the provider set with providers built from configs.
// Configs are ordered by OrderHint, keeping input order on ties. A config
// that fails to build is logged and skipped; inactive providers are not
// retained.
func (r *Registry) Rebuild(ctx context.Context, configs []ProviderConfig) {
	sorted := slices.Clone(configs)
	slices.SortStableFunc(sorted, func(a, b ProviderConfig) int {
		return cmp.Compare(a.OrderHint, b.OrderHint)
	})

	next := &snapshot{
		entries: make(map[string]*Entry, len(sorted)),
		builtAt: time.Now(),
	}
	var retained []*Entry

	for _, cfg := range sorted {
		if _, dup := next.entries[cfg.Name]; dup {
			log.LogWarnWithFields("registry", "Skipping duplicate provider name", map[string]any{
				"provider": cfg.Name,
				"ref":      cfg.ConfigRef,
			})
			continue
		}

		entry, err := r.build(ctx, cfg)
		if err != nil {
			log.LogErrorWithFields("registry", "Skipping provider", map[string]any{
				"provider": cfg.Name,
				"kind":     cfg.KindOrName(),
				"ref":      cfg.ConfigRef,
				"error":    err.Error(),
			})
			continue
		}
		if !entry.Provider.IsActive() {
			log.LogDebugWithFields("registry", "Provider is not active", map[string]any{
				"provider": cfg.Name,
			})
			continue
		}

		next.entries[cfg.Name] = entry
		next.order = append(next.order, cfg.Name)
		retained = append(retained, entry)
	}

	next.widgets = r.widgetsFor(ctx, retained)
	r.current.Store(next)

	metrics.RegistryReload(nil, len(next.order))
	log.LogInfoWithFields("registry", "Provider registry rebuilt", map[string]any{
		"configured": len(configs),
		"active":     len(next.order),
		"providers":  next.order,
	})
}

func (r *Registry) build(ctx context.Context, cfg ProviderConfig) (*Entry, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: provider name is empty", idp.ErrMissingConfig)
	}
	provider, err := r.factory.New(cfg.KindOrName())
	if err != nil {
		return nil, err
	}

	cfg.Values = ApplyDefaults(cfg.Values, r.returnURL)
	provider.SetHint(cfg.Name)
	provider.SetConfigRef(cfg.ConfigRef)
	if err := provider.Initialize(ctx, cfg.Values); err != nil {
		return nil, err
	}
	return &Entry{Config: cfg, Provider: provider}, nil
}

// Get returns any retained provider, ready or not. It performs no
// authorization; callers exposing it must check the caller themselves.
func (r *Registry) Get(name string) (*Entry, bool) {
	entry, ok := r.current.Load().entries[name]
	return entry, ok
}

// Active returns the provider named name if it is active and ready
func (r *Registry) Active(name string) (idp.Provider, error) {
	entry, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", ErrProviderUnavailable, name)
	}
	if !entry.Provider.IsActive() || !entry.Provider.IsReady() {
		return nil, fmt.Errorf("%w: %q is not ready", ErrProviderUnavailable, name)
	}
	return entry.Provider, nil
}

// Names lists the retained providers in display order
func (r *Registry) Names() []string {
	return slices.Clone(r.current.Load().order)
}

// Entries lists the retained providers in display order
func (r *Registry) Entries() []*Entry {
	snap := r.current.Load()
	entries := make([]*Entry, 0, len(snap.order))
	for _, name := range snap.order {
		entries = append(entries, snap.entries[name])
	}
	return entries
}

// BuiltAt is when the current provider set was built. Zero before the
// first rebuild.
func (r *Registry) BuiltAt() time.Time {
	return r.current.Load().builtAt
}

// Source returns the configuration source
func (r *Registry) Source() storage.ProviderSource {
	return r.source
}
