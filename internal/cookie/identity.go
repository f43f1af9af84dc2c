package cookie

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dgellow/idfront/internal/crypto"
	"github.com/dgellow/idfront/internal/log"
	"github.com/dgellow/idfront/internal/metrics"
)

const (
	// IdentityCookieName is the identity cookie name without prefix
	IdentityCookieName = "idfront_identity"
	// GuestIdentity is written by Clear in place of a user id
	GuestIdentity = "guest"
)

// Options configures the identity cookie attributes
type Options struct {
	Prefix  string
	Path    string
	Domains []string
	MaxAge  time.Duration
}

// IdentityStore remembers the logged-in user across browser sessions in
// an encrypted cookie. It holds no mutable state and is safe for
// concurrent use.
type IdentityStore struct {
	encryptor crypto.Encryptor
	name      string
	path      string
	domains   []string
	maxAge    time.Duration
}

// NewIdentityStore derives the cookie cipher from secret. A secret shorter
// than crypto.MinKeyLength fails with crypto.ErrKeyTooShort.
func NewIdentityStore(secret []byte, opts Options) (*IdentityStore, error) {
	encryptor, err := crypto.NewEncryptor(secret)
	if err != nil {
		return nil, err
	}
	return NewIdentityStoreWithEncryptor(encryptor, opts), nil
}

// NewIdentityStoreWithEncryptor creates a store using encryptor
func NewIdentityStoreWithEncryptor(encryptor crypto.Encryptor, opts Options) *IdentityStore {
	path := opts.Path
	if path == "" {
		path = "/"
	}
	domains := make([]string, 0, len(opts.Domains))
	for _, d := range opts.Domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d = strings.TrimPrefix(d, "."); d != "" {
			domains = append(domains, "."+d)
		}
	}
	return &IdentityStore{
		encryptor: encryptor,
		name:      opts.Prefix + IdentityCookieName,
		path:      path,
		domains:   domains,
		maxAge:    opts.MaxAge,
	}
}

// Name is the full cookie name
func (s *IdentityStore) Name() string {
	return s.name
}

// Domain picks the cookie domain for host: the first configured domain
// that host falls under, or "" for a host-only cookie
func (s *IdentityStore) Domain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = "." + strings.ToLower(strings.TrimSuffix(host, "."))
	for _, d := range s.domains {
		if strings.HasSuffix(host, d) {
			return d
		}
	}
	return ""
}

func (s *IdentityStore) write(w http.ResponseWriter, r *http.Request, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.name,
		Value:    value,
		Path:     s.path,
		Domain:   s.Domain(r.Host),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   IsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

// SetUserID writes the encrypted user id
func (s *IdentityStore) SetUserID(w http.ResponseWriter, r *http.Request, userID string) error {
	encrypted, err := s.encryptor.Encrypt(userID)
	if err != nil {
		return err
	}
	s.write(w, r, encrypted, int(s.maxAge.Seconds()))
	log.LogTraceWithFields("cookie", "Identity cookie set", map[string]any{
		"domain": s.Domain(r.Host),
		"secure": IsSecure(r),
	})
	return nil
}

// UserID returns the user id carried by r. A missing, undecryptable or
// guest cookie yields false.
func (s *IdentityStore) UserID(r *http.Request) (string, bool) {
	value, err := Get(r, s.name)
	if err != nil || value == "" {
		return "", false
	}

	userID, err := s.encryptor.Decrypt(value)
	if err != nil {
		metrics.CookieDecryptFailure()
		log.LogDebugWithFields("cookie", "Ignoring undecryptable identity cookie", map[string]any{
			"error": err.Error(),
		})
		return "", false
	}
	if userID == "" || userID == GuestIdentity {
		return "", false
	}
	return userID, true
}

// Clear replaces the identity with the guest sentinel
func (s *IdentityStore) Clear(w http.ResponseWriter, r *http.Request) {
	encrypted, err := s.encryptor.Encrypt(GuestIdentity)
	if err != nil {
		log.LogWarnWithFields("cookie", "Failed to encrypt guest identity, expiring cookie instead", map[string]any{
			"error": err.Error(),
		})
		s.write(w, r, "", -1)
		return
	}
	s.write(w, r, encrypted, int(s.maxAge.Seconds()))
}
