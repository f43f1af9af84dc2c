package cookie

import (
	"net/http"

	"github.com/dgellow/idfront/internal/envutil"
	"github.com/dgellow/idfront/internal/log"
)

// SetSession sets a browser-session cookie (no Max-Age) with appropriate
// security settings
func SetSession(w http.ResponseWriter, name, value, path string) {
	secure := !envutil.IsDev()
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})

	log.LogTraceWithFields("cookie", "Session cookie set", map[string]any{
		"name":     name,
		"secure":   secure,
		"sameSite": "Lax",
	})
}

// Clear removes a cookie by setting MaxAge to -1
func Clear(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{
		Name:   name,
		Value:  "",
		Path:   path,
		MaxAge: -1,
	})
	log.LogTraceWithFields("cookie", "Cookie cleared", map[string]any{"name": name})
}

// Get retrieves a cookie value from the request
func Get(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}

// IsSecure reports whether r arrived over TLS, directly or through a
// proxy that sets X-Forwarded-Proto
func IsSecure(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
