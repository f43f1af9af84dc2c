package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// MinCookieKeyLength is the shortest accepted cookie encryption key.
const MinCookieKeyLength = 24

// SessionStoreKind selects where per-session flow state is kept
type SessionStoreKind string

const (
	SessionStoreMemory SessionStoreKind = "memory"
	SessionStoreRedis  SessionStoreKind = "redis"
)

// StorageKind selects the user and attachment store
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageFirestore StorageKind = "firestore"
	StorageSQLite    StorageKind = "sqlite"
)

// ProviderSourceKind selects where provider definitions are loaded from
type ProviderSourceKind string

const (
	ProviderSourceFile      ProviderSourceKind = "file"
	ProviderSourceFirestore ProviderSourceKind = "firestore"
	ProviderSourceStorage   ProviderSourceKind = "storage"
)

// MatchingStrategy selects how a remote identity is matched to a local user
type MatchingStrategy string

const (
	// MatchingBinding looks up the explicit identity binding first and
	// falls back to the primary email.
	MatchingBinding MatchingStrategy = "binding"
	// MatchingEmail delegates matching to the user store's email index.
	MatchingEmail MatchingStrategy = "email"
)

// ServerConfig holds the externally visible HTTP settings
type ServerConfig struct {
	BaseURL       string   `json:"baseURL"`
	Addr          string   `json:"addr"`
	LoginPath     string   `json:"loginPath"`
	LogoutPattern string   `json:"logoutPattern"`
	AdminEmails   []string `json:"adminEmails,omitempty"`

	// Computed fields
	LogoutRegex *regexp.Regexp `json:"-"`
}

// CookieConfig configures the long-lived encrypted identity cookie and the
// session id cookie
type CookieConfig struct {
	EncryptionKey Secret        `json:"encryptionKey"`
	Prefix        string        `json:"prefix,omitempty"`
	Path          string        `json:"path"`
	Domains       []string      `json:"domains,omitempty"`
	MaxAge        time.Duration `json:"maxAge"`
	SessionCookie string        `json:"sessionCookie"`
}

// SessionsConfig configures the transient per-session state store
type SessionsConfig struct {
	Store         SessionStoreKind `json:"store"`
	TTL           time.Duration    `json:"ttl"`
	RedisAddr     string           `json:"redisAddr,omitempty"`
	RedisDB       int              `json:"redisDB,omitempty"`
	RedisPassword Secret           `json:"redisPassword,omitempty"`
}

// StorageConfig configures the user, attachment and provider store
type StorageConfig struct {
	Kind                 StorageKind `json:"kind"`
	GCPProject           string      `json:"gcpProject,omitempty"`
	FirestoreDatabase    string      `json:"firestoreDatabase,omitempty"`
	UserCollection       string      `json:"userCollection,omitempty"`
	AttachmentCollection string      `json:"attachmentCollection,omitempty"`
	SQLitePath           string      `json:"sqlitePath,omitempty"`
}

// ProvidersConfig configures where provider definitions come from and how
// returning identities are matched
type ProvidersConfig struct {
	Source       ProviderSourceKind `json:"source"`
	File         string             `json:"file,omitempty"`
	Collection   string             `json:"collection,omitempty"`
	PollInterval time.Duration      `json:"pollInterval"`
	Matching     MatchingStrategy   `json:"matching"`
}

// Config represents the config structure with resolved values
type Config struct {
	Version   string          `json:"version"`
	Server    ServerConfig    `json:"server"`
	Cookie    CookieConfig    `json:"cookie"`
	Sessions  SessionsConfig  `json:"sessions"`
	Storage   StorageConfig   `json:"storage"`
	Providers ProvidersConfig `json:"providers"`
}

// ReturnPath is the path the identity providers redirect back to
func (c *Config) ReturnPath() string {
	return c.Server.LoginPath + "/return"
}

// StartPath is the path that begins an authorization flow
func (c *Config) StartPath() string {
	return c.Server.LoginPath + "/start"
}

// RawConfigValue is a value that is either a literal string or an env
// reference. Only used during parsing.
type RawConfigValue struct {
	value string
}

// ParseConfigValue parses a JSON value that could be a string or reference object
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return nil, fmt.Errorf("unknown reference type in config value")
	}

	value := os.Getenv(envVar)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return &RawConfigValue{value: value}, nil
}

// ResolveString parses an optional raw value into a string. A nil raw
// message yields the empty string.
func ResolveString(raw json.RawMessage, field string) (string, error) {
	if raw == nil {
		return "", nil
	}
	parsed, err := ParseConfigValue(raw)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", field, err)
	}
	return parsed.value, nil
}
