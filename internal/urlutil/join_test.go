package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternalURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		route   string
		want    string
		wantErr bool
	}{
		{
			name:  "root base",
			base:  "https://auth.example.com",
			route: "/login/return",
			want:  "https://auth.example.com/login/return",
		},
		{
			name:  "base with trailing slash",
			base:  "https://auth.example.com/",
			route: "/login/return",
			want:  "https://auth.example.com/login/return",
		},
		{
			name:  "base with path prefix",
			base:  "https://example.com/wiki/",
			route: "/login",
			want:  "https://example.com/wiki/login",
		},
		{
			name:  "query and fragment dropped",
			base:  "https://example.com/?x=1#top",
			route: "/login",
			want:  "https://example.com/login",
		},
		{
			name:  "trailing slash preserved",
			base:  "http://localhost:8080",
			route: "/admin/",
			want:  "http://localhost:8080/admin/",
		},
		{
			name:  "empty route",
			base:  "https://example.com",
			route: "",
			want:  "https://example.com/",
		},
		{
			name:    "relative base",
			base:    "/login",
			route:   "/return",
			wantErr: true,
		},
		{
			name:    "unsupported scheme",
			base:    "ftp://example.com",
			route:   "/login",
			wantErr: true,
		},
		{
			name:    "unparseable",
			base:    "https://[::1",
			route:   "/login",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExternalURL(tt.base, tt.route)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
