package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCookieKey = "cookie-key-with-at-least-24-chars"

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("IDFRONT_COOKIE_KEY", testCookieKey)

	path := writeConfig(t, `{
		"version": "v0.0.1",
		"server": {"baseURL": "https://auth.example.com", "addr": ":8080"},
		"cookie": {"encryptionKey": {"$env": "IDFRONT_COOKIE_KEY"}},
		"providers": {"file": "providers.yaml"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/login", cfg.Server.LoginPath)
	assert.Equal(t, "/login/return", cfg.ReturnPath())
	assert.Equal(t, "/login/start", cfg.StartPath())
	assert.Equal(t, "^/logout", cfg.Server.LogoutPattern)
	require.NotNil(t, cfg.Server.LogoutRegex)
	assert.True(t, cfg.Server.LogoutRegex.MatchString("/logout"))

	assert.Equal(t, Secret(testCookieKey), cfg.Cookie.EncryptionKey)
	assert.Equal(t, "/", cfg.Cookie.Path)
	assert.Equal(t, time.Hour, cfg.Cookie.MaxAge)
	assert.Equal(t, "idfront_session", cfg.Cookie.SessionCookie)

	assert.Equal(t, SessionStoreMemory, cfg.Sessions.Store)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.TTL)
	assert.Equal(t, StorageMemory, cfg.Storage.Kind)
	assert.Equal(t, ProviderSourceFile, cfg.Providers.Source)
	assert.Equal(t, MatchingBinding, cfg.Providers.Matching)
	assert.Equal(t, 30*time.Second, cfg.Providers.PollInterval)
}

func TestLoad_FullDocument(t *testing.T) {
	t.Setenv("IDFRONT_COOKIE_KEY", testCookieKey)
	t.Setenv("IDFRONT_REDIS_PASSWORD", "'quoted-password'")
	t.Setenv("IDFRONT_BASE_URL", "https://wiki.example.com")

	path := writeConfig(t, `{
		"version": "v0.0.1-beta",
		"server": {
			"baseURL": {"$env": "IDFRONT_BASE_URL"},
			"addr": ":9090",
			"loginPath": "auth/",
			"logoutPattern": "^/(logout|signout)",
			"adminEmails": ["admin@example.com"]
		},
		"cookie": {
			"encryptionKey": {"$env": "IDFRONT_COOKIE_KEY"},
			"prefix": "wiki_",
			"path": "/app",
			"domains": ["example.com", ".example.org"],
			"maxAge": "2h"
		},
		"sessions": {
			"store": "redis",
			"ttl": "15m",
			"redisAddr": "localhost:6379",
			"redisDB": 2,
			"redisPassword": {"$env": "IDFRONT_REDIS_PASSWORD"}
		},
		"storage": {"kind": "sqlite", "sqlitePath": "/var/lib/idfront.db"},
		"providers": {"source": "storage", "matching": "email", "pollInterval": "1m"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://wiki.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "/auth", cfg.Server.LoginPath)
	assert.True(t, cfg.Server.LogoutRegex.MatchString("/signout"))
	assert.Equal(t, []string{"admin@example.com"}, cfg.Server.AdminEmails)
	assert.Equal(t, "wiki_", cfg.Cookie.Prefix)
	assert.Equal(t, []string{"example.com", ".example.org"}, cfg.Cookie.Domains)
	assert.Equal(t, 2*time.Hour, cfg.Cookie.MaxAge)
	assert.Equal(t, SessionStoreRedis, cfg.Sessions.Store)
	assert.Equal(t, Secret("quoted-password"), cfg.Sessions.RedisPassword)
	assert.Equal(t, 2, cfg.Sessions.RedisDB)
	assert.Equal(t, StorageSQLite, cfg.Storage.Kind)
	assert.Equal(t, MatchingEmail, cfg.Providers.Matching)
	assert.Equal(t, time.Minute, cfg.Providers.PollInterval)
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("IDFRONT_COOKIE_KEY", testCookieKey)
	t.Setenv("IDFRONT_SHORT_KEY", "too-short")

	base := func(cookie, extra string) string {
		return fmt.Sprintf(`{
			"version": "v0.0.1",
			"server": {"baseURL": "https://auth.example.com", "addr": ":8080"},
			"cookie": %s,
			"providers": {"file": "providers.yaml"}%s
		}`, cookie, extra)
	}

	tests := []struct {
		name        string
		doc         string
		errContains string
	}{
		{
			name:        "missing_version",
			doc:         `{"server": {}}`,
			errContains: "config version is required",
		},
		{
			name:        "unsupported_version",
			doc:         `{"version": "v2"}`,
			errContains: "unsupported config version",
		},
		{
			name:        "literal_encryption_key",
			doc:         base(`{"encryptionKey": "literal-key-that-is-long-enough"}`, ""),
			errContains: "must use environment variable reference",
		},
		{
			name:        "short_encryption_key",
			doc:         base(`{"encryptionKey": {"$env": "IDFRONT_SHORT_KEY"}}`, ""),
			errContains: "at least 24 characters",
		},
		{
			name:        "unset_env_var",
			doc:         base(`{"encryptionKey": {"$env": "IDFRONT_NOT_SET"}}`, ""),
			errContains: "environment variable IDFRONT_NOT_SET not set",
		},
		{
			name:        "redis_without_addr",
			doc:         base(`{"encryptionKey": {"$env": "IDFRONT_COOKIE_KEY"}}`, `, "sessions": {"store": "redis"}`),
			errContains: "sessions.redisAddr is required",
		},
		{
			name:        "firestore_without_project",
			doc:         base(`{"encryptionKey": {"$env": "IDFRONT_COOKIE_KEY"}}`, `, "storage": {"kind": "firestore"}`),
			errContains: "storage.gcpProject is required",
		},
		{
			name:        "bad_duration",
			doc:         base(`{"encryptionKey": {"$env": "IDFRONT_COOKIE_KEY"}, "maxAge": "forever"}`, ""),
			errContains: "parsing maxAge",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestValidateConfig_LogoutPattern(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{BaseURL: "https://auth.example.com", Addr: ":8080"},
		Cookie: CookieConfig{EncryptionKey: testCookieKey},
	}
	ApplyDefaults(cfg)
	cfg.Providers.File = "providers.yaml"
	cfg.Server.LogoutPattern = "("

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.logoutPattern")
}

func TestSecretRedaction(t *testing.T) {
	type withSecret struct {
		Name string `json:"name"`
		Key  Secret `json:"key"`
	}

	secret := Secret("super-secret-value")
	assert.Equal(t, "***", secret.String())
	assert.Equal(t, "", Secret("").String())
	assert.NotContains(t, fmt.Sprintf("%v %s", secret, secret), "super-secret-value")

	data, err := json.Marshal(withSecret{Name: "cookie", Key: secret})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"cookie","key":"***"}`, string(data))
}
