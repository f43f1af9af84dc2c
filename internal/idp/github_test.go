package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newGitHubServer(t *testing.T, orgs []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gh-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(githubUserResponse{
			ID:        4242,
			Login:     "octocat",
			Name:      "Mona Lisa Octocat",
			AvatarURL: "https://avatars.example.com/u/4242",
		})
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]githubEmailResponse{
			{Email: "unverified@example.com", Verified: false},
			{Email: "secondary@example.com", Verified: true},
			{Email: "mona@example.com", Primary: true, Verified: true},
		})
	})
	mux.HandleFunc("/user/orgs", func(w http.ResponseWriter, r *http.Request) {
		resp := make([]githubOrgResponse, len(orgs))
		for i, o := range orgs {
			resp[i] = githubOrgResponse{Login: o}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestGitHubProvider_FetchIdentity(t *testing.T) {
	server := newGitHubServer(t, []string{"acme"})

	tests := []struct {
		name        string
		allowedOrgs string
		wantErr     string
	}{
		{name: "no_org_restriction"},
		{name: "member_of_allowed_org", allowedOrgs: "acme,other"},
		{name: "not_a_member", allowedOrgs: "other", wantErr: "not a member"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewGitHubProvider().(*GitHubProvider)
			p.SetHint("gh")
			require.NoError(t, p.Initialize(context.Background(), map[string]string{
				"active":       "1",
				"clientId":     "id",
				"clientSecret": "secret",
				"apiBaseUrl":   server.URL + "/",
				"allowedOrgs":  tt.allowedOrgs,
			}))

			identity, err := p.FetchIdentity(context.Background(), &oauth2.Token{AccessToken: "gh-token"})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "gh", identity.ProviderName)
			assert.Equal(t, "4242", identity.InternalID)
			assert.Equal(t, "Mona", identity.FirstName)
			assert.Equal(t, "Lisa Octocat", identity.LastName)
			assert.Equal(t, []string{"mona@example.com", "secondary@example.com"}, identity.Emails)
			assert.Equal(t, "", identity.IssuerURL)
			assert.Equal(t, "gh", identity.BindingIssuer())

			record := fieldRecord{}
			changed, err := p.EnrichUser(context.Background(), identity, record)
			require.NoError(t, err)
			assert.True(t, changed)
			assert.Equal(t, "octocat", record["github_login"])
		})
	}
}

func TestGitHubProvider_Scopes(t *testing.T) {
	p := NewGitHubProvider().(*GitHubProvider)
	require.NoError(t, p.Initialize(context.Background(), map[string]string{
		"active": "1", "clientId": "id", "clientSecret": "secret",
	}))
	assert.Equal(t, []string{"user:email"}, p.oauth.Scopes)
	assert.Equal(t, "https://api.github.com", p.apiBaseURL)

	require.NoError(t, p.Initialize(context.Background(), map[string]string{
		"active": "1", "clientId": "id", "clientSecret": "secret", "allowedOrgs": "acme",
	}))
	assert.Equal(t, []string{"user:email", "read:org"}, p.oauth.Scopes)
}
