// Package gate decides whether a request is authenticated. A login that a
// provider return left pending in the session is consumed on the next
// request and remembered in the identity cookie.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"github.com/dgellow/idfront/internal/cookie"
	jsonwriter "github.com/dgellow/idfront/internal/json"
	"github.com/dgellow/idfront/internal/log"
	"github.com/dgellow/idfront/internal/session"
	"github.com/dgellow/idfront/internal/storage"
)

// RedirectParam carries the page to return to after login
const RedirectParam = "xredirect"

// Principal is the authenticated user of a request
type Principal struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	// User is the record the principal was loaded from
	User *storage.User `json:"-"`
}

type contextKey struct{}

// WithPrincipal returns a context carrying p
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext returns the principal set by Middleware
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok && p != nil
}

// SessionClearer forgets the flow data of a session on logout
type SessionClearer interface {
	ClearAllSessionInfos(ctx context.Context, sessionID string) error
}

// Options configures a Gate
type Options struct {
	Sessions *session.Manager
	Identity *cookie.IdentityStore
	Flows    SessionClearer
	Users    storage.UserStore
	// LogoutPattern matches request paths that log the user out
	LogoutPattern *regexp.Regexp
	LoginPath     string
}

// Gate authenticates requests
type Gate struct {
	sessions      *session.Manager
	identity      *cookie.IdentityStore
	flows         SessionClearer
	users         storage.UserStore
	logoutPattern *regexp.Regexp
	loginPath     string
}

// New creates a gate
func New(opts Options) (*Gate, error) {
	switch {
	case opts.Sessions == nil:
		return nil, fmt.Errorf("session manager is required")
	case opts.Identity == nil:
		return nil, fmt.Errorf("identity cookie store is required")
	case opts.Flows == nil:
		return nil, fmt.Errorf("flow controller is required")
	case opts.Users == nil:
		return nil, fmt.Errorf("user store is required")
	}
	loginPath := opts.LoginPath
	if loginPath == "" {
		loginPath = "/login"
	}
	return &Gate{
		sessions:      opts.Sessions,
		identity:      opts.Identity,
		flows:         opts.Flows,
		users:         opts.Users,
		logoutPattern: opts.LogoutPattern,
		loginPath:     loginPath,
	}, nil
}

// IsLogout reports whether r asks to log out
func (g *Gate) IsLogout(r *http.Request) bool {
	return g.logoutPattern != nil && g.logoutPattern.MatchString(r.URL.Path)
}

// Check returns the principal of r, or nil for an anonymous request. A
// logout request clears the identity cookie and the session's flow data
// and is anonymous.
func (g *Gate) Check(w http.ResponseWriter, r *http.Request) (*Principal, error) {
	ctx := r.Context()
	sessionID, hasSession := g.sessions.Existing(r)

	if g.IsLogout(r) {
		g.identity.Clear(w, r)
		if hasSession {
			if err := g.flows.ClearAllSessionInfos(ctx, sessionID); err != nil {
				return nil, fmt.Errorf("clearing session: %w", err)
			}
		}
		log.LogInfoWithFields("gate", "User logged out", map[string]any{"path": r.URL.Path})
		return nil, nil
	}

	if hasSession {
		var pending string
		err := g.sessions.Store().Update(ctx, sessionID, func(s *session.State) error {
			pending = s.TakePendingLoginUser()
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reading pending login: %w", err)
		}
		if pending != "" {
			p, err := g.principal(ctx, pending)
			if err != nil {
				g.restorePending(ctx, sessionID, pending)
				return nil, err
			}
			if p == nil {
				return nil, nil
			}
			if err := g.identity.SetUserID(w, r, p.UserID); err != nil {
				g.restorePending(ctx, sessionID, pending)
				return nil, fmt.Errorf("remembering login: %w", err)
			}
			log.LogInfoWithFields("gate", "Pending login completed", map[string]any{
				"userId":   p.UserID,
				"username": p.Username,
			})
			return p, nil
		}
	}

	userID, ok := g.identity.UserID(r)
	if !ok {
		return nil, nil
	}
	p, err := g.principal(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		g.identity.Clear(w, r)
	}
	return p, nil
}

// restorePending puts back a pending login that could not be completed, so
// the next request retries it. A login completed in the meantime wins.
func (g *Gate) restorePending(ctx context.Context, sessionID, userID string) {
	err := g.sessions.Store().Update(ctx, sessionID, func(s *session.State) error {
		if s.PendingLoginUser == "" {
			s.PendingLoginUser = userID
		}
		return nil
	})
	if err != nil {
		log.LogErrorWithFields("gate", "Failed to restore pending login", map[string]any{
			"userId": userID,
			"error":  err.Error(),
		})
	}
}

// principal loads the user. Unknown and inactive users yield nil.
func (g *Gate) principal(ctx context.Context, userID string) (*Principal, error) {
	user, err := g.users.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrUserNotFound) {
		log.LogWarnWithFields("gate", "Remembered user no longer exists", map[string]any{"userId": userID})
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", userID, err)
	}
	if !user.Active {
		log.LogWarnWithFields("gate", "Refusing inactive user", map[string]any{"userId": userID})
		return nil, nil
	}
	return &Principal{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		User:     user,
	}, nil
}

// LoginURL is the login page URL that returns to r after login
func (g *Gate) LoginURL(r *http.Request) string {
	q := url.Values{}
	q.Set(RedirectParam, r.URL.RequestURI())
	return g.loginPath + "?" + q.Encode()
}

// Middleware lets authenticated requests through with the principal in
// their context. Anonymous browsers are sent to the login page; requests
// asking for JSON get a 401.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := g.Check(w, r)
		if err != nil {
			log.LogErrorWithFields("gate", "Authentication check failed", map[string]any{
				"path":  r.URL.Path,
				"error": err.Error(),
			})
			w.Header().Set("Retry-After", "5")
			jsonwriter.WriteServiceUnavailable(w, "Authentication is temporarily unavailable")
			return
		}
		if p == nil {
			if wantsJSON(r) {
				jsonwriter.WriteUnauthorized(w, "Login required")
				return
			}
			http.Redirect(w, r, g.LoginURL(r), http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return accept == "application/json" || r.Header.Get("X-Requested-With") == "XMLHttpRequest"
}
