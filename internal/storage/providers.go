package storage

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/dgellow/idfront/internal/log"
	"gopkg.in/yaml.v3"
)

// ProviderSource loads the current provider configurations
type ProviderSource interface {
	LoadProviderConfigs(ctx context.Context) ([]ProviderConfig, error)
}

// ProviderWatcher is implemented by sources that push change notifications
type ProviderWatcher interface {
	WatchProviderConfigs(ctx context.Context, onChange func()) error
}

// Versioned is implemented by sources that can report when they last changed
// without being loaded
type Versioned interface {
	Version(ctx context.Context) (string, error)
}

// FileProviderSource reads provider configurations from a YAML file:
//
//	providers:
//	  - name: google
//	    orderHint: -10
//	    values:
//	      active: "true"
//	      clientId: 1234.apps.googleusercontent.com
//	      clientSecret: {$env: GOOGLE_CLIENT_SECRET}
//	    loginTemplate: <a href="...">Sign in with -PROVIDER-</a>
//	    templateSyntax: html
//
// Values are strings or {$env: VAR} references. Secret values must be
// references.
type FileProviderSource struct {
	path string
}

// NewFileProviderSource creates a source reading path on every load
func NewFileProviderSource(path string) *FileProviderSource {
	return &FileProviderSource{path: path}
}

type providerFile struct {
	Providers []providerEntry `yaml:"providers"`
}

type providerEntry struct {
	Name           string         `yaml:"name"`
	Kind           string         `yaml:"kind"`
	OrderHint      int            `yaml:"orderHint"`
	Values         map[string]any `yaml:"values"`
	LoginTemplate  string         `yaml:"loginTemplate"`
	TemplateSyntax string         `yaml:"templateSyntax"`
}

// LoadProviderConfigs parses the file. An entry whose values cannot be
// resolved is logged and skipped so the other providers still load.
func (s *FileProviderSource) LoadProviderConfigs(_ context.Context) ([]ProviderConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading provider file: %w", err)
	}

	var file providerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing provider file: %w", err)
	}

	configs := make([]ProviderConfig, 0, len(file.Providers))
	seen := make(map[string]bool)
	for i, entry := range file.Providers {
		if entry.Name == "" {
			log.LogErrorWithFields("storage", "Skipping provider without a name", map[string]any{
				"file":  s.path,
				"index": i,
			})
			continue
		}
		if seen[entry.Name] {
			log.LogErrorWithFields("storage", "Skipping duplicate provider", map[string]any{
				"file":     s.path,
				"provider": entry.Name,
			})
			continue
		}
		seen[entry.Name] = true

		values, err := resolveProviderValues(entry.Values)
		if err != nil {
			log.LogErrorWithFields("storage", "Skipping provider with unresolvable values", map[string]any{
				"file":     s.path,
				"provider": entry.Name,
				"error":    err.Error(),
			})
			continue
		}

		configs = append(configs, ProviderConfig{
			Name:           entry.Name,
			Kind:           entry.Kind,
			OrderHint:      entry.OrderHint,
			Values:         values,
			ConfigRef:      "file:" + s.path + "#" + entry.Name,
			LoginTemplate:  entry.LoginTemplate,
			TemplateSyntax: entry.TemplateSyntax,
		})
	}
	return configs, nil
}

// Version returns the file's modification time
func (s *FileProviderSource) Version(_ context.Context) (string, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return "", fmt.Errorf("stat provider file: %w", err)
	}
	return info.ModTime().UTC().Format(time.RFC3339Nano) + "/" + strconv.FormatInt(info.Size(), 10), nil
}

func resolveProviderValues(raw map[string]any) (map[string]string, error) {
	values := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			values[key] = ""
		case string:
			if slices.Contains(secretValueKeys, key) && v != "" {
				return nil, fmt.Errorf("%s must use environment variable reference for security", key)
			}
			values[key] = v
		case bool, int, float64:
			values[key] = fmt.Sprint(v)
		case map[string]any:
			envVar, ok := v["$env"].(string)
			if !ok {
				return nil, fmt.Errorf("%s: unknown reference type", key)
			}
			resolved := os.Getenv(envVar)
			if resolved == "" {
				return nil, fmt.Errorf("%s: environment variable %s not set", key, envVar)
			}
			values[key] = resolved
		default:
			return nil, fmt.Errorf("%s: value must be a string or {$env: VAR} reference", key)
		}
	}
	return values, nil
}

// StoreProviderSource loads provider configurations from a ProviderStore
type StoreProviderSource struct {
	store ProviderStore
}

// NewStoreProviderSource wraps store as a ProviderSource
func NewStoreProviderSource(store ProviderStore) *StoreProviderSource {
	return &StoreProviderSource{store: store}
}

// LoadProviderConfigs lists the store's configurations
func (s *StoreProviderSource) LoadProviderConfigs(ctx context.Context) ([]ProviderConfig, error) {
	configs, err := s.store.ListProviderConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing provider configs: %w", err)
	}
	return configs, nil
}

// WatchProviderConfigs forwards to the store when it can push changes
func (s *StoreProviderSource) WatchProviderConfigs(ctx context.Context, onChange func()) error {
	watcher, ok := s.store.(ProviderWatcher)
	if !ok {
		return fmt.Errorf("provider store does not support watching")
	}
	return watcher.WatchProviderConfigs(ctx, onChange)
}

// CanWatch reports whether the wrapped store pushes change notifications
func (s *StoreProviderSource) CanWatch() bool {
	_, ok := s.store.(ProviderWatcher)
	return ok
}
