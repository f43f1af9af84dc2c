package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
)

// pngPixel is a 1x1 transparent PNG
var pngPixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// FakeIssuer is an OpenID Connect provider that approves every
// authorization request for a single user
type FakeIssuer struct {
	t        *testing.T
	server   *httptest.Server
	key      *rsa.PrivateKey
	clientID string

	mu      sync.Mutex
	subject string
	email   string
	deny    bool
	issued  int
	codes   map[string]bool
}

// NewFakeIssuer starts an issuer for clientID
func NewFakeIssuer(t *testing.T, clientID string) *FakeIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &FakeIssuer{
		t:        t,
		key:      key,
		clientID: clientID,
		subject:  "subject-1",
		email:    "grace@example.com",
		codes:    map[string]bool{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", f.discovery)
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &key.PublicKey, KeyID: "k1", Algorithm: string(jose.RS256), Use: "sig",
		}}})
	})
	mux.HandleFunc("/authorize", f.authorize)
	mux.HandleFunc("/token", f.token)
	mux.HandleFunc("/picture.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngPixel)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

// URL is the issuer URL
func (f *FakeIssuer) URL() string {
	return f.server.URL
}

// SetUser changes who the issuer authenticates
func (f *FakeIssuer) SetUser(subject, email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subject, f.email = subject, email
}

// Deny makes the issuer refuse authorizations
func (f *FakeIssuer) Deny(deny bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deny = deny
}

func (f *FakeIssuer) discovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                f.server.URL,
		"authorization_endpoint":                f.server.URL + "/authorize",
		"token_endpoint":                        f.server.URL + "/token",
		"jwks_uri":                              f.server.URL + "/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

// authorize sends the browser straight back, as if the user consented
func (f *FakeIssuer) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	back, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || q.Get("client_id") != f.clientID {
		http.Error(w, "bad authorization request", http.StatusBadRequest)
		return
	}

	params := url.Values{}
	params.Set("state", q.Get("state"))

	f.mu.Lock()
	if f.deny {
		params.Set("error", "access_denied")
	} else {
		f.issued++
		code := fmt.Sprintf("code-%d", f.issued)
		f.codes[code] = true
		params.Set("code", code)
	}
	f.mu.Unlock()

	back.RawQuery = params.Encode()
	http.Redirect(w, r, back.String(), http.StatusFound)
}

func (f *FakeIssuer) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	code := r.FormValue("code")
	f.mu.Lock()
	valid := f.codes[code]
	delete(f.codes, code)
	subject, email := f.subject, f.email
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !valid {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "Invalid authorization code",
		})
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "access-" + subject,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token": f.sign(map[string]any{
			"iss":            f.server.URL,
			"sub":            subject,
			"aud":            f.clientID,
			"exp":            time.Now().Add(time.Hour).Unix(),
			"iat":            time.Now().Unix(),
			"email":          email,
			"email_verified": true,
			"given_name":     "Grace",
			"family_name":    "Hopper",
			"picture":        f.server.URL + "/picture.png",
		}),
	})
}

func (f *FakeIssuer) sign(claims map[string]any) string {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: f.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "k1"),
	)
	require.NoError(f.t, err)
	payload, err := json.Marshal(claims)
	require.NoError(f.t, err)
	obj, err := signer.Sign(payload)
	require.NoError(f.t, err)
	raw, err := obj.CompactSerialize()
	require.NoError(f.t, err)
	return raw
}
