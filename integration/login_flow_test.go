package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgellow/idfront/internal"
	"github.com/dgellow/idfront/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clientID = "idfront-client"

type harness struct {
	baseURL string
	issuer  *FakeIssuer
	client  *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("IDFRONT_ENV", "development")
	t.Setenv("IDFRONT_TEST_COOKIE_KEY", "integration-cookie-key-0123456789")
	t.Setenv("IDFRONT_TEST_CLIENT_SECRET", "integration-client-secret")

	issuer := NewFakeIssuer(t, clientID)

	providersPath := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(providersPath, []byte(`providers:
  - name: corp
    kind: oidc
    values:
      active: true
      clientId: `+clientID+`
      clientSecret: {$env: IDFRONT_TEST_CLIENT_SECRET}
      issuer: `+issuer.URL()+`
    loginTemplate: <span class="corp">Corporate login</span>
    templateSyntax: html
`), 0o600))

	server := httptest.NewUnstartedServer(nil)
	baseURL := "http://" + server.Listener.Addr().String()

	cfg, err := config.Parse([]byte(`{
		"version": "v0.0.1",
		"server": {"baseURL": "` + baseURL + `", "adminEmails": ["grace@example.com"]},
		"cookie": {"encryptionKey": {"$env": "IDFRONT_TEST_COOKIE_KEY"}},
		"providers": {"source": "file", "file": "` + filepath.ToSlash(providersPath) + `"}
	}`))
	require.NoError(t, err)

	app, err := internal.NewIDFront(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(app.Close)

	server.Config.Handler = app.Handler()
	server.Start()
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &harness{
		baseURL: baseURL,
		issuer:  issuer,
		client:  &http.Client{Jar: jar, Timeout: 10 * time.Second},
	}
}

func (h *harness) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := h.client.Get(h.baseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (h *harness) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.baseURL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

type me struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Admin    bool   `json:"admin"`
}

// login runs a full flow and returns the principal /me reports
func (h *harness) login(t *testing.T) me {
	t.Helper()
	resp, body := h.get(t, "/login/start?provider=corp&xredirect=%2Fme")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	require.Equal(t, "/me", resp.Request.URL.Path)

	var principal me
	require.NoError(t, json.Unmarshal([]byte(body), &principal))
	return principal
}

func TestOIDCLogin_EndToEnd(t *testing.T) {
	h := newHarness(t)

	// Anonymous users land on the login page
	resp, body := h.get(t, "/me")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/login", resp.Request.URL.Path)
	assert.Contains(t, body, `<span class="corp">Corporate login</span>`)

	principal := h.login(t)
	assert.NotEmpty(t, principal.ID)
	assert.Equal(t, "grace", principal.Username)
	assert.Equal(t, "grace@example.com", principal.Email)
	assert.True(t, principal.Admin)

	resp = h.do(t, http.MethodGet, "/admin/providers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var providers struct {
		Providers []struct {
			Name  string `json:"name"`
			Kind  string `json:"kind"`
			Ready bool   `json:"ready"`
		} `json:"providers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&providers))
	require.Len(t, providers.Providers, 1)
	assert.Equal(t, "corp", providers.Providers[0].Name)
	assert.Equal(t, "oidc", providers.Providers[0].Kind)
	assert.True(t, providers.Providers[0].Ready)

	resp = h.do(t, http.MethodPost, "/admin/reload")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.get(t, "/logout")
	assert.Equal(t, "/login", resp.Request.URL.Path)

	resp = h.do(t, http.MethodGet, "/me")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOIDCLogin_BindingSurvivesEmailChange(t *testing.T) {
	h := newHarness(t)

	first := h.login(t)
	h.get(t, "/logout")

	h.issuer.SetUser("subject-1", "grace.hopper@example.com")
	second := h.login(t)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "grace.hopper@example.com", second.Email)
	assert.False(t, second.Admin)
}

func TestOIDCLogin_AccessDenied(t *testing.T) {
	h := newHarness(t)
	h.issuer.Deny(true)

	resp, body := h.get(t, "/login/start?provider=corp&xredirect=%2Fme")

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "/login/return", resp.Request.URL.Path)
	assert.Contains(t, body, `role="alert"`)

	resp = h.do(t, http.MethodGet, "/me")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOIDCLogin_ReturnIsSingleUse(t *testing.T) {
	h := newHarness(t)

	stopAtReturn := &http.Client{
		Jar:     h.client.Jar,
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if req.URL.Path == "/login/return" {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	resp, err := stopAtReturn.Get(h.baseURL + "/login/start?provider=corp&xredirect=%2Fme")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	returnURL := resp.Header.Get("Location")
	require.NotEmpty(t, returnURL)

	resp, err = h.client.Get(returnURL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/me", resp.Request.URL.Path)

	resp, err = stopAtReturn.Get(returnURL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOIDCLogin_UnknownProvider(t *testing.T) {
	h := newHarness(t)

	resp, body := h.get(t, "/login/start?provider=nope")

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "This login provider is not available.")
}
