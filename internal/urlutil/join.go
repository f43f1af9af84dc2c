package urlutil

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ExternalURL returns the absolute URL browsers and providers use to reach
// route. The path of baseURL is kept as a prefix; its query and fragment
// are dropped.
func ExternalURL(baseURL, route string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base URL %q must be http or https", baseURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base URL %q has no host", baseURL)
	}

	u.RawQuery = ""
	u.Fragment = ""
	u.Path = path.Join("/", u.Path, route)
	if strings.HasSuffix(route, "/") && !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String(), nil
}
