package registry

import (
	"context"
	"sync"
	"time"

	"github.com/dgellow/idfront/internal/log"
	"github.com/dgellow/idfront/internal/storage"
)

// Watcher reloads the registry when its provider source changes. Sources
// that push changes are subscribed to; others are polled, and a poll only
// reloads when a storage.Versioned source reports a new version.
type Watcher struct {
	registry *Registry
	interval time.Duration
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once

	lastVersion string
}

// NewWatcher creates a watcher polling every interval
func NewWatcher(registry *Registry, interval time.Duration) *Watcher {
	return &Watcher{
		registry: registry,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins watching in a goroutine
func (w *Watcher) Start(ctx context.Context) {
	source := w.registry.Source()
	if watcher, ok := pushSource(source); ok {
		log.LogInfoWithFields("registry", "Subscribing to provider configuration changes", nil)
		go w.subscribe(ctx, watcher)
		return
	}

	log.LogInfoWithFields("registry", "Polling provider configuration", map[string]any{
		"interval": w.interval.String(),
	})
	go w.poll(ctx)
}

// Stop stops the loop and waits for it to finish
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		log.LogInfo("Stopping provider configuration watcher...")
		close(w.stopChan)
	})
	<-w.doneChan
}

func pushSource(source storage.ProviderSource) (storage.ProviderWatcher, bool) {
	if c, ok := source.(interface{ CanWatch() bool }); ok && !c.CanWatch() {
		return nil, false
	}
	watcher, ok := source.(storage.ProviderWatcher)
	return watcher, ok
}

func (w *Watcher) subscribe(ctx context.Context, watcher storage.ProviderWatcher) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- watcher.WatchProviderConfigs(watchCtx, func() {
			w.reload(watchCtx)
		})
	}()

	select {
	case err := <-errChan:
		if err != nil {
			log.LogErrorWithFields("registry", "Provider subscription ended, falling back to polling", map[string]any{
				"error": err.Error(),
			})
			w.poll(ctx)
			return
		}
		close(w.doneChan)
	case <-w.stopChan:
		cancel()
		<-errChan
		close(w.doneChan)
	case <-ctx.Done():
		<-errChan
		close(w.doneChan)
	}
}

// poll is the polling loop
func (w *Watcher) poll(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Remember the version the registry was loaded from
	w.changed(ctx)

	for {
		select {
		case <-ticker.C:
			if w.changed(ctx) {
				w.reload(ctx)
			}
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// changed reports whether the source moved to a new version since the last
// call. Sources without versions always count as changed.
func (w *Watcher) changed(ctx context.Context) bool {
	versioned, ok := w.registry.Source().(storage.Versioned)
	if !ok {
		return true
	}
	version, err := versioned.Version(ctx)
	if err != nil {
		log.LogWarnWithFields("registry", "Failed to read provider configuration version", map[string]any{
			"error": err.Error(),
		})
		return false
	}
	if version == w.lastVersion {
		return false
	}
	w.lastVersion = version
	return true
}

func (w *Watcher) reload(ctx context.Context) {
	if err := w.registry.Reload(ctx); err != nil {
		log.LogErrorWithFields("registry", "Provider reload failed", map[string]any{
			"error": err.Error(),
		})
	}
}
