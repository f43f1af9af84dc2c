package idp

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const discoverySuffix = "/.well-known/openid-configuration"

// TrustUnverifiedEmailKey names the configuration flag that accepts an
// email claim sent without email_verified. An email explicitly marked
// unverified is never accepted.
const TrustUnverifiedEmailKey = "trustUnverifiedEmail"

// OIDCProvider authenticates against any OpenID Connect issuer. Endpoints
// come from discovery and ID tokens are verified against the issuer keys.
type OIDCProvider struct {
	OAuth2Base
	issuer   string
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	// trustUnverified accepts an email claim without email_verified
	trustUnverified bool
}

type oidcClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
}

// NewOIDCProvider creates an uninitialized OIDC provider
func NewOIDCProvider() Provider {
	return &OIDCProvider{}
}

// Initialize reads clientId, clientSecret and issuer (or discoveryUrl) and
// runs discovery
func (p *OIDCProvider) Initialize(ctx context.Context, values map[string]string) error {
	if err := p.load(values, "clientId", "clientSecret"); err != nil {
		return err
	}
	if !p.IsActive() {
		return nil
	}
	p.trustUnverified = flagSet(p.Value(TrustUnverifiedEmailKey))

	issuer := strings.TrimSuffix(p.Value("issuer"), "/")
	if issuer == "" {
		issuer = strings.TrimSuffix(p.Value("discoveryUrl"), discoverySuffix)
	}
	if issuer == "" {
		return fmt.Errorf("%w: %s requires issuer or discoveryUrl", ErrMissingConfig, p.Name())
	}
	return p.discover(ctx, issuer, "")
}

// discover fetches the discovery document. A non-empty reportedIssuer
// accepts a document whose issuer differs from the URL it was fetched from
// and disables the issuer check on ID tokens.
func (p *OIDCProvider) discover(ctx context.Context, issuer, reportedIssuer string) error {
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: httpTimeout}
	}

	ctx = oidc.ClientContext(ctx, p.httpClient)
	if reportedIssuer != "" {
		ctx = oidc.InsecureIssuerURLContext(ctx, reportedIssuer)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return fmt.Errorf("failed to discover OIDC endpoints for %s: %w", issuer, err)
	}

	p.issuer = issuer
	p.provider = provider
	p.configure(provider.Endpoint(), []string{oidc.ScopeOpenID, "profile", "email"})
	p.verifier = provider.Verifier(&oidc.Config{
		ClientID:        p.oauth.ClientID,
		SkipIssuerCheck: reportedIssuer != "",
	})
	return nil
}

// FetchIdentity verifies the ID token and falls back to the userinfo
// endpoint when the token is absent or carries no email
func (p *OIDCProvider) FetchIdentity(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	if p.provider == nil {
		return nil, fmt.Errorf("OIDC provider %s not initialized", p.Name())
	}
	ctx = oidc.ClientContext(ctx, p.httpClient)

	var claims oidcClaims
	issuer := p.issuer

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken != "" {
		idToken, err := p.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("failed to verify ID token: %w", err)
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
		}
		issuer = idToken.Issuer
	}

	if rawIDToken == "" || claims.Email == "" {
		info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
		switch {
		case err != nil && rawIDToken == "":
			return nil, fmt.Errorf("failed to get user info: %w", err)
		case err == nil:
			var extra oidcClaims
			if err := info.Claims(&extra); err != nil {
				return nil, fmt.Errorf("failed to parse user info: %w", err)
			}
			mergeClaims(&claims, extra)
		}
	}

	first, last := claims.GivenName, claims.FamilyName
	if first == "" && last == "" {
		first, last = SplitName(claims.Name)
	}

	identity := &Identity{
		ProviderName: p.Name(),
		FirstName:    first,
		LastName:     last,
		InternalID:   claims.Subject,
		ImageURL:     claims.Picture,
		IssuerURL:    issuer,
	}
	if p.acceptEmail(claims) {
		identity.Emails = []string{claims.Email}
	}
	return identity, nil
}

// acceptEmail reports whether the email claim may be used for matching.
// Usernames such as preferred_username are never treated as emails.
func (p *OIDCProvider) acceptEmail(claims oidcClaims) bool {
	switch {
	case claims.Email == "":
		return false
	case claims.EmailVerified != nil:
		return *claims.EmailVerified
	default:
		return p.trustUnverified
	}
}

func flagSet(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true"
}

func mergeClaims(dst *oidcClaims, src oidcClaims) {
	if dst.Subject == "" {
		dst.Subject = src.Subject
	}
	if dst.Email == "" {
		dst.Email = src.Email
		dst.EmailVerified = src.EmailVerified
	}
	if dst.Name == "" {
		dst.Name = src.Name
	}
	if dst.GivenName == "" {
		dst.GivenName = src.GivenName
	}
	if dst.FamilyName == "" {
		dst.FamilyName = src.FamilyName
	}
	if dst.Picture == "" {
		dst.Picture = src.Picture
	}
}
