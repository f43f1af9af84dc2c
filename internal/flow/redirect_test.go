package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRedirect(t *testing.T) {
	const location = "https://wiki.example/wiki/Main"

	tests := []struct {
		name     string
		location string
		redirect string
		want     string
	}{
		{name: "default is site root", location: location, want: "https://wiki.example/"},
		{name: "relative path", location: location, redirect: "/wiki/Page?x=1", want: "https://wiki.example/wiki/Page?x=1"},
		{name: "relative to location", location: location, redirect: "Other", want: "https://wiki.example/wiki/Other"},
		{name: "absolute same origin", location: location, redirect: "https://wiki.example/a", want: "https://wiki.example/a"},
		{name: "explicit default port", location: location, redirect: "https://wiki.example:443/a", want: "https://wiki.example:443/a"},
		{name: "fragment dropped", location: location, redirect: "/a#top", want: "https://wiki.example/a"},
		{name: "other host", location: location, redirect: "https://evil.example/a", want: "https://wiki.example/"},
		{name: "protocol relative", location: location, redirect: "//evil.example/a", want: "https://wiki.example/"},
		{name: "other scheme", location: location, redirect: "http://wiki.example/a", want: "https://wiki.example/"},
		{name: "other port", location: location, redirect: "https://wiki.example:8443/a", want: "https://wiki.example/"},
		{name: "javascript", location: location, redirect: "javascript:alert(1)", want: "https://wiki.example/"},
		{name: "userinfo", location: location, redirect: "https://evil@wiki.example/a", want: "https://wiki.example/"},
		{name: "location with port", location: "http://localhost:8080/x", redirect: "/y", want: "http://localhost:8080/y"},
		{name: "subdomain", location: location, redirect: "https://a.wiki.example/", want: "https://wiki.example/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveRedirect(tt.location, tt.redirect)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveRedirect_InvalidLocation(t *testing.T) {
	for _, location := range []string{"", "/relative", "::bad", "wiki.example/page"} {
		_, err := ResolveRedirect(location, "/x")
		assert.Error(t, err, location)
	}
}
