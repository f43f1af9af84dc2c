package idp

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// GitHubProvider authenticates against GitHub.
// GitHub uses OAuth 2.0 (not OIDC) and has its own API for user info and org membership.
type GitHubProvider struct {
	OAuth2Base
	apiBaseURL  string
	allowedOrgs []string
}

type githubUserResponse struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmailResponse struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

type githubOrgResponse struct {
	Login string `json:"login"`
}

// NewGitHubProvider creates an uninitialized GitHub provider
func NewGitHubProvider() Provider {
	return &GitHubProvider{}
}

// Initialize reads clientId, clientSecret, the optional allowedOrgs and
// apiBaseUrl (GitHub Enterprise)
func (p *GitHubProvider) Initialize(_ context.Context, values map[string]string) error {
	if err := p.load(values, "clientId", "clientSecret"); err != nil {
		return err
	}
	p.allowedOrgs = p.List("allowedOrgs")
	scopes := []string{"user:email"}
	if len(p.allowedOrgs) > 0 {
		scopes = append(scopes, "read:org")
	}
	p.configure(github.Endpoint, scopes)
	p.apiBaseURL = strings.TrimSuffix(p.Value("apiBaseUrl"), "/")
	if p.apiBaseURL == "" {
		p.apiBaseURL = "https://api.github.com"
	}
	return nil
}

// FetchIdentity reads /user and, when the profile email is hidden,
// /user/emails. Verified emails only, primary first.
func (p *GitHubProvider) FetchIdentity(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	var user githubUserResponse
	if err := p.getJSON(ctx, token, p.apiBaseURL+"/user", &user); err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var emails []githubEmailResponse
	if err := p.getJSON(ctx, token, p.apiBaseURL+"/user/emails", &emails); err != nil {
		return nil, fmt.Errorf("failed to get user emails: %w", err)
	}

	if len(p.allowedOrgs) > 0 {
		var orgs []githubOrgResponse
		if err := p.getJSON(ctx, token, p.apiBaseURL+"/user/orgs", &orgs); err != nil {
			return nil, fmt.Errorf("failed to get user organizations: %w", err)
		}
		member := slices.ContainsFunc(orgs, func(o githubOrgResponse) bool {
			return slices.Contains(p.allowedOrgs, o.Login)
		})
		if !member {
			return nil, fmt.Errorf("user %s is not a member of an allowed organization", user.Login)
		}
	}

	first, last := SplitName(user.Name)
	if first == "" {
		first = user.Login
	}

	return &Identity{
		ProviderName: p.Name(),
		FirstName:    first,
		LastName:     last,
		InternalID:   strconv.FormatInt(user.ID, 10),
		Emails:       verifiedEmails(emails),
		ImageURL:     user.AvatarURL,
		Attributes:   map[string]string{"github_login": user.Login},
	}, nil
}

func verifiedEmails(emails []githubEmailResponse) []string {
	var out []string
	for _, e := range emails {
		if e.Primary && e.Verified {
			out = append(out, e.Email)
		}
	}
	for _, e := range emails {
		if !e.Primary && e.Verified {
			out = append(out, e.Email)
		}
	}
	return out
}

// EnrichUser stores the GitHub login on the profile
func (p *GitHubProvider) EnrichUser(_ context.Context, identity *Identity, user UserRecord) (bool, error) {
	login := identity.Attributes["github_login"]
	if login == "" {
		return false, nil
	}
	return user.SetField("github_login", login), nil
}
