package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/dgellow/idfront/internal/cookie"
	"github.com/dgellow/idfront/internal/flow"
	"github.com/dgellow/idfront/internal/gate"
	"github.com/dgellow/idfront/internal/idp"
	"github.com/dgellow/idfront/internal/reconcile"
	"github.com/dgellow/idfront/internal/registry"
	"github.com/dgellow/idfront/internal/session"
	"github.com/dgellow/idfront/internal/storage"
	"github.com/dgellow/idfront/internal/testutil"
	"github.com/stretchr/testify/require"
)

const (
	baseURL       = "https://wiki.example"
	sessionCookie = "idfront_session"
)

var adminEmails = []string{"admin@example.com"}

type fixture struct {
	handler  http.Handler
	auth     *AuthHandlers
	admin    *AdminHandlers
	registry *registry.Registry
	store    *storage.MemoryStorage
	sessions *session.MemoryStore
	identity *cookie.IdentityStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStorage()
	require.NoError(t, store.PutProviderConfig(ctx, storage.ProviderConfig{
		Name:           "alpha",
		Kind:           "fake",
		Values:         map[string]string{"active": "true"},
		LoginTemplate:  "<b>Alpha</b>",
		TemplateSyntax: registry.SyntaxHTML,
	}))

	factory := idp.NewFactory()
	factory.Register("fake", testutil.NewFakeProvider)
	reg, err := registry.New(registry.Options{
		Factory:     factory,
		Source:      storage.NewStoreProviderSource(store),
		Attachments: store,
		ReturnURL:   baseURL + "/login/return",
	})
	require.NoError(t, err)
	require.NoError(t, reg.Reload(ctx))

	sessions := session.NewMemoryStore(time.Hour)
	manager := session.NewManager(sessions, sessionCookie, "/")
	identity, err := cookie.NewIdentityStore([]byte("server-test-secret-0123456789"), cookie.Options{MaxAge: time.Hour})
	require.NoError(t, err)

	ctrl, err := flow.NewController(flow.Options{
		Providers:  reg,
		Sessions:   sessions,
		Reconciler: reconcile.New(store, nil),
		StateKey:   []byte("server-test-state-key"),
		ReturnURL:  baseURL + "/login/return",
	})
	require.NoError(t, err)

	g, err := gate.New(gate.Options{
		Sessions:      manager,
		Identity:      identity,
		Flows:         ctrl,
		Users:         store,
		LogoutPattern: regexp.MustCompile(`^/logout`),
		LoginPath:     "/login",
	})
	require.NoError(t, err)

	auth := NewAuthHandlers(AuthHandlersOptions{
		Widgets:     reg,
		Flows:       ctrl,
		Sessions:    manager,
		Gate:        g,
		BaseURL:     baseURL,
		LoginPath:   "/login",
		AdminEmails: adminEmails,
	})
	admin := NewAdminHandlers(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/login", auth.LoginHandler)
	mux.HandleFunc("/login/start", auth.StartHandler)
	mux.HandleFunc("/login/return", auth.ReturnHandler)
	mux.HandleFunc("/logout", auth.LogoutHandler)
	mux.Handle("/me", g.Middleware(http.HandlerFunc(auth.MeHandler)))
	mux.Handle("/admin/providers", ChainMiddleware(http.HandlerFunc(admin.ListProvidersHandler), NewAdminMiddleware(adminEmails), g.Middleware))

	return &fixture{
		handler:  mux,
		auth:     auth,
		admin:    admin,
		registry: reg,
		store:    store,
		sessions: sessions,
		identity: identity,
	}
}

func (f *fixture) fake(t *testing.T, name string) *testutil.FakeProvider {
	t.Helper()
	entry, ok := f.registry.Get(name)
	require.True(t, ok)
	p, ok := entry.Provider.(*testutil.FakeProvider)
	require.True(t, ok)
	return p
}

// browser replays the cookies set by previous responses
type browser struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
}

func (f *fixture) browser(t *testing.T) *browser {
	return &browser{t: t, handler: f.handler, cookies: map[string]*http.Cookie{}}
}

func (b *browser) do(req *http.Request) *httptest.ResponseRecorder {
	for _, c := range b.cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	rec := httptest.NewRecorder()
	b.handler.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return rec
}

func (b *browser) get(path string) *httptest.ResponseRecorder {
	return b.do(httptest.NewRequest(http.MethodGet, baseURL+path, nil))
}

func (b *browser) getJSON(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, baseURL+path, nil)
	req.Header.Set("Accept", "application/json")
	return b.do(req)
}

func (b *browser) sessionID() string {
	c, ok := b.cookies[sessionCookie]
	require.True(b.t, ok, "no session cookie")
	return c.Value
}
