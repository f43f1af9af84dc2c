package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dgellow/idfront/internal/log"
)

const supportedVersionPrefix = "v0.0.1"

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse resolves a config document that has already been read
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, supportedVersionPrefix) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	ApplyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateRawConfig checks that secrets are env references before anything
// is resolved
func validateRawConfig(rawConfig map[string]any) error {
	secrets := []struct {
		section string
		name    string
	}{
		{"cookie", "encryptionKey"},
		{"sessions", "redisPassword"},
	}

	for _, secret := range secrets {
		section, ok := rawConfig[secret.section].(map[string]any)
		if !ok {
			continue
		}
		value, exists := section[secret.name]
		if !exists {
			continue
		}
		if _, isString := value.(string); isString {
			return fmt.Errorf("%s.%s must use environment variable reference for security", secret.section, secret.name)
		}
		if refMap, isMap := value.(map[string]any); isMap {
			if _, hasEnv := refMap["$env"]; !hasEnv {
				return fmt.Errorf("%s.%s must use {\"$env\": \"VAR_NAME\"} format", secret.section, secret.name)
			}
		}
	}
	return nil
}

// ApplyDefaults fills in every optional field that was left empty
func ApplyDefaults(c *Config) {
	if c.Server.LoginPath == "" {
		c.Server.LoginPath = "/login"
	}
	c.Server.LoginPath = "/" + strings.Trim(c.Server.LoginPath, "/")
	if c.Server.LogoutPattern == "" {
		c.Server.LogoutPattern = "^/logout"
	}

	if c.Cookie.Path == "" {
		c.Cookie.Path = "/"
	}
	if c.Cookie.MaxAge == 0 {
		c.Cookie.MaxAge = time.Hour
	}
	if c.Cookie.SessionCookie == "" {
		c.Cookie.SessionCookie = "idfront_session"
	}

	if c.Sessions.Store == "" {
		c.Sessions.Store = SessionStoreMemory
	}
	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = 30 * time.Minute
	}

	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageMemory
	}
	if c.Storage.UserCollection == "" {
		c.Storage.UserCollection = "idfront_users"
	}
	if c.Storage.AttachmentCollection == "" {
		c.Storage.AttachmentCollection = "idfront_attachments"
	}

	if c.Providers.Source == "" {
		c.Providers.Source = ProviderSourceFile
	}
	if c.Providers.Collection == "" {
		c.Providers.Collection = "idfront_providers"
	}
	if c.Providers.PollInterval == 0 {
		c.Providers.PollInterval = 30 * time.Second
	}
	if c.Providers.Matching == "" {
		c.Providers.Matching = MatchingBinding
	}
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.BaseURL == "" {
		return fmt.Errorf("server.baseURL is required")
	}
	baseURL, err := url.Parse(config.Server.BaseURL)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return fmt.Errorf("server.baseURL must be an absolute URL")
	}
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	logoutRegex, err := regexp.Compile(config.Server.LogoutPattern)
	if err != nil {
		return fmt.Errorf("server.logoutPattern: %w", err)
	}
	config.Server.LogoutRegex = logoutRegex

	if len(config.Cookie.EncryptionKey) < MinCookieKeyLength {
		return fmt.Errorf("cookie.encryptionKey must be at least %d characters (got %d). Generate with: openssl rand -base64 32", MinCookieKeyLength, len(config.Cookie.EncryptionKey))
	}
	if config.Cookie.MaxAge < 0 {
		return fmt.Errorf("cookie.maxAge cannot be negative")
	}

	switch config.Sessions.Store {
	case SessionStoreMemory:
	case SessionStoreRedis:
		if config.Sessions.RedisAddr == "" {
			return fmt.Errorf("sessions.redisAddr is required when using redis session store")
		}
	default:
		return fmt.Errorf("sessions.store has invalid value: %s", config.Sessions.Store)
	}
	if config.Sessions.TTL < 0 {
		return fmt.Errorf("sessions.ttl cannot be negative")
	}

	switch config.Storage.Kind {
	case StorageMemory:
	case StorageFirestore:
		if config.Storage.GCPProject == "" {
			return fmt.Errorf("storage.gcpProject is required when using firestore storage")
		}
	case StorageSQLite:
		if config.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlitePath is required when using sqlite storage")
		}
	default:
		return fmt.Errorf("storage.kind has invalid value: %s", config.Storage.Kind)
	}

	switch config.Providers.Source {
	case ProviderSourceFile:
		if config.Providers.File == "" {
			return fmt.Errorf("providers.file is required when using file provider source")
		}
	case ProviderSourceFirestore:
		if config.Storage.GCPProject == "" {
			return fmt.Errorf("storage.gcpProject is required when providers are loaded from firestore")
		}
	case ProviderSourceStorage:
		if config.Storage.Kind == StorageFirestore {
			log.LogWarn("providers.source 'storage' with firestore storage: use 'firestore' to get live reloads")
		}
	default:
		return fmt.Errorf("providers.source has invalid value: %s", config.Providers.Source)
	}

	switch config.Providers.Matching {
	case MatchingBinding, MatchingEmail:
	default:
		return fmt.Errorf("providers.matching has invalid value: %s", config.Providers.Matching)
	}

	if config.Providers.PollInterval < time.Second {
		log.LogWarn("providers.pollInterval below one second, provider reloads may be frequent")
	}

	return nil
}
