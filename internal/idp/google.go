package idp

import (
	"context"
	"fmt"

	"github.com/dgellow/idfront/internal/emailutil"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	googleIssuer      = "https://accounts.google.com"
	googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
)

// GoogleProvider authenticates against Google accounts.
// Google reports the hosted domain as `hd` and uses `verified_email`
// instead of the OIDC `email_verified`.
type GoogleProvider struct {
	OAuth2Base
	userInfoURL    string
	allowedDomains []string
}

type googleUserInfoResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
	HostedDomain  string `json:"hd"`
}

// NewGoogleProvider creates an uninitialized Google provider
func NewGoogleProvider() Provider {
	return &GoogleProvider{}
}

// Initialize reads clientId, clientSecret and the optional allowedDomains
func (p *GoogleProvider) Initialize(_ context.Context, values map[string]string) error {
	if err := p.load(values, "clientId", "clientSecret"); err != nil {
		return err
	}
	p.configure(google.Endpoint, []string{"openid", "profile", "email"})
	p.userInfoURL = googleUserInfoURL
	if v := p.Value("userInfoUrl"); v != "" {
		p.userInfoURL = v
	}
	p.allowedDomains = p.List("allowedDomains")
	return nil
}

// FetchIdentity reads the v2 userinfo endpoint
func (p *GoogleProvider) FetchIdentity(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	var user googleUserInfoResponse
	if err := p.getJSON(ctx, token, p.userInfoURL, &user); err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}

	domain := user.HostedDomain
	if domain == "" {
		domain = emailutil.ExtractDomain(user.Email)
	}
	if err := ValidateDomain(domain, p.allowedDomains); err != nil {
		return nil, err
	}

	identity := &Identity{
		ProviderName: p.Name(),
		FirstName:    user.GivenName,
		LastName:     user.FamilyName,
		InternalID:   user.ID,
		ImageURL:     user.Picture,
		IssuerURL:    googleIssuer,
		Attributes:   map[string]string{"google_domain": user.HostedDomain},
	}
	if user.Email != "" && user.VerifiedEmail {
		identity.Emails = []string{user.Email}
	}
	return identity, nil
}

// EnrichUser records the Google Workspace domain on the profile
func (p *GoogleProvider) EnrichUser(_ context.Context, identity *Identity, user UserRecord) (bool, error) {
	domain := identity.Attributes["google_domain"]
	if domain == "" {
		return false, nil
	}
	return user.SetField("google_domain", domain), nil
}
