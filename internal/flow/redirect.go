package flow

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dgellow/idfront/internal/log"
)

// ResolveRedirect returns where the browser goes after login. The explicit
// target is resolved against the browser location and kept only when its
// scheme, host and port match it; otherwise the site root of the browser
// location is used.
func ResolveRedirect(browserLocation, explicit string) (string, error) {
	base, err := url.Parse(browserLocation)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid browser location %q", browserLocation)
	}
	root := (&url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/"}).String()

	explicit = strings.TrimSpace(explicit)
	if explicit == "" {
		return root, nil
	}

	target, err := base.Parse(explicit)
	if err != nil || !sameOrigin(base, target) {
		log.LogWarnWithFields("flow", "Ignoring cross-origin redirect", map[string]any{
			"redirect": explicit,
			"origin":   root,
		})
		return root, nil
	}
	target.Fragment = ""
	return target.String(), nil
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		port(a) == port(b) &&
		b.User == nil
}

func port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}
