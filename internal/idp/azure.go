package idp

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgellow/idfront/internal/log"
)

const azureAuthority = "https://login.microsoftonline.com"

// AzureProvider is an OIDC provider keyed by an Azure AD tenant
type AzureProvider struct {
	OIDCProvider
	authority string
}

// NewAzureProvider creates an uninitialized Azure AD provider
func NewAzureProvider() Provider {
	return &AzureProvider{authority: azureAuthority}
}

// Initialize reads tenantId and runs discovery on the tenant issuer.
// Multi-tenant endpoints report a templated issuer, so ID token issuer
// checks are relaxed for them and unverified emails are never trusted.
func (p *AzureProvider) Initialize(ctx context.Context, values map[string]string) error {
	if err := p.load(values, "clientId", "clientSecret", "tenantId"); err != nil {
		return err
	}
	if !p.IsActive() {
		return nil
	}

	tenant := strings.TrimSpace(p.Value("tenantId"))
	issuer := fmt.Sprintf("%s/%s/v2.0", p.authority, tenant)

	trust := flagSet(p.Value(TrustUnverifiedEmailKey))
	reported := ""
	switch strings.ToLower(tenant) {
	case "common", "organizations", "consumers":
		reported = p.authority + "/{tenantid}/v2.0"
		// Any tenant's admin controls the emails its users present
		if trust {
			log.LogWarnWithFields("idp", "Ignoring trustUnverifiedEmail on a multi-tenant endpoint", map[string]any{
				"provider": p.Name(),
				"tenant":   tenant,
			})
			trust = false
		}
	}
	p.trustUnverified = trust
	return p.discover(ctx, issuer, reported)
}
