package server

import (
	"encoding/json"
	"net/http"
	"time"

	jsonwriter "github.com/dgellow/idfront/internal/json"
	"github.com/dgellow/idfront/internal/log"
	"github.com/dgellow/idfront/internal/registry"
)

// AdminHandlers exposes the provider registry to administrators. Every
// handler expects NewAdminMiddleware in front of it.
type AdminHandlers struct {
	registry *registry.Registry
}

// NewAdminHandlers creates a new admin handlers instance
func NewAdminHandlers(reg *registry.Registry) *AdminHandlers {
	return &AdminHandlers{registry: reg}
}

// ProviderStatus describes one retained provider
type ProviderStatus struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	OrderHint int    `json:"orderHint"`
	Active    bool   `json:"active"`
	Ready     bool   `json:"ready"`
	ConfigRef string `json:"configRef,omitempty"`
}

func providerStatus(e *registry.Entry) ProviderStatus {
	return ProviderStatus{
		Name:      e.Config.Name,
		Kind:      e.Config.KindOrName(),
		OrderHint: e.Config.OrderHint,
		Active:    e.Provider.IsActive(),
		Ready:     e.Provider.IsReady(),
		ConfigRef: e.Config.ConfigRef,
	}
}

// ReloadHandler reloads provider configurations from their source
func (h *AdminHandlers) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonwriter.WriteStatus(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := h.registry.Reload(r.Context()); err != nil {
		jsonwriter.WriteError(w, http.StatusBadGateway, "reload_failed", err.Error())
		return
	}

	log.LogInfoWithFields("admin", "Provider registry reloaded", map[string]any{
		"providers": h.registry.Names(),
	})
	jsonwriter.WriteResponse(w, http.StatusOK, map[string]any{
		"providers": h.registry.Names(),
		"builtAt":   h.registry.BuiltAt().Format(time.RFC3339),
	})
}

// ListProvidersHandler lists the retained providers in display order
func (h *AdminHandlers) ListProvidersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteStatus(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	entries := h.registry.Entries()
	providers := make([]ProviderStatus, 0, len(entries))
	for _, e := range entries {
		providers = append(providers, providerStatus(e))
	}
	jsonwriter.WriteResponse(w, http.StatusOK, map[string]any{
		"providers": providers,
		"builtAt":   h.registry.BuiltAt().Format(time.RFC3339),
	})
}

// GetProviderHandler describes the provider named in the path
func (h *AdminHandlers) GetProviderHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonwriter.WriteStatus(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	entry, ok := h.registry.Get(r.PathValue("name"))
	if !ok {
		jsonwriter.WriteNotFound(w, "Provider not found")
		return
	}
	jsonwriter.WriteResponse(w, http.StatusOK, providerStatus(entry))
}

// LoggingHandler changes the log level at runtime
func (h *AdminHandlers) LoggingHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jsonwriter.WriteResponse(w, http.StatusOK, map[string]string{"level": log.GetLogLevel()})
	case http.MethodPost:
		var body struct {
			Level string `json:"level"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil {
			jsonwriter.WriteBadRequest(w, "Invalid request body")
			return
		}
		if err := log.SetLogLevel(body.Level); err != nil {
			jsonwriter.WriteBadRequest(w, err.Error())
			return
		}
		log.LogInfoWithFields("admin", "Log level changed", map[string]any{"level": body.Level})
		jsonwriter.WriteResponse(w, http.StatusOK, map[string]string{"level": log.GetLogLevel()})
	default:
		jsonwriter.WriteStatus(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}
