package idp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrMissingConfig is returned by Initialize when a required key is absent
	ErrMissingConfig = errors.New("missing provider configuration")
	// ErrAccessDenied means the user declined consent at the provider
	ErrAccessDenied = errors.New("access denied by user")
	// ErrMalformedReturn means the return query carries no authorization code
	ErrMalformedReturn = errors.New("malformed provider return")
	// ErrProviderError wraps any other error code reported by the provider
	ErrProviderError = errors.New("provider reported an error")
	// ErrUnsupportedMediaType is returned for avatar images other than jpeg or png
	ErrUnsupportedMediaType = errors.New("unsupported image media type")
)

// Identity is what a provider knows about the user who just authenticated
type Identity struct {
	ProviderName string   `json:"provider"`
	FirstName    string   `json:"first_name"`
	LastName     string   `json:"last_name"`
	InternalID   string   `json:"internal_id"`
	Emails       []string `json:"emails"`
	ImageURL     string   `json:"image_url,omitempty"`
	IssuerURL    string   `json:"issuer_url,omitempty"`

	// Attributes carries provider specific extras for EnrichUser
	Attributes map[string]string `json:"attributes,omitempty"`
}

// PrimaryEmail returns the first email, or "" when there is none
func (i *Identity) PrimaryEmail() string {
	if len(i.Emails) == 0 {
		return ""
	}
	return i.Emails[0]
}

// BindingIssuer is the issuer half of the external identity key. Providers
// without an issuer URL are keyed by their name.
func (i *Identity) BindingIssuer() string {
	if i.IssuerURL != "" {
		return i.IssuerURL
	}
	return i.ProviderName
}

// IsEmpty reports whether the identity carries nothing to match on
func (i *Identity) IsEmpty() bool {
	return i == nil || (i.InternalID == "" && len(i.Emails) == 0)
}

// UserImage is an avatar downloaded from the provider
type UserImage struct {
	Data      []byte
	MediaType string
	ModTime   time.Time
}

// UserRecord is the provider's view of a local profile during enrichment
type UserRecord interface {
	Field(name string) string
	// SetField reports whether the value changed
	SetField(name, value string) bool
}

// Provider is one configured remote identity source. Instances are built
// by the registry on every reload and never reused across reloads.
type Provider interface {
	Name() string
	SetHint(hint string)
	SetConfigRef(ref string)

	Initialize(ctx context.Context, values map[string]string) error
	IsActive() bool
	IsReady() bool

	// AuthorizationURL builds the consent URL. returnURL is used when the
	// provider has no redirectUrl of its own.
	AuthorizationURL(returnURL, state string) (string, error)
	ReadAuthorization(query url.Values) (string, error)
	CreateToken(ctx context.Context, code string) (*oauth2.Token, error)
	FetchIdentity(ctx context.Context, token *oauth2.Token) (*Identity, error)
	// FetchUserImage returns nil when there is no image or it is not newer
	// than since.
	FetchUserImage(ctx context.Context, since time.Time, identity *Identity, token *oauth2.Token) (*UserImage, error)
	EnrichUser(ctx context.Context, identity *Identity, user UserRecord) (bool, error)
}

// TokenRefresher is implemented by providers that can renew an expired token
type TokenRefresher interface {
	RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error)
}

// Base holds the parts every provider shares
type Base struct {
	name      string
	configRef string
	active    bool
	values    map[string]string
}

// Name returns the hint set by the registry
func (b *Base) Name() string { return b.name }

// SetHint sets the provider name used in URLs and bindings
func (b *Base) SetHint(hint string) { b.name = hint }

// SetConfigRef records where the provider's configuration came from
func (b *Base) SetConfigRef(ref string) { b.configRef = ref }

// ConfigRef returns the configuration reference
func (b *Base) ConfigRef() string { return b.configRef }

// IsActive reports the "active" configuration flag
func (b *Base) IsActive() bool { return b.active }

// IsReady is always true for the built-in providers
func (b *Base) IsReady() bool { return true }

// EnrichUser does nothing by default
func (b *Base) EnrichUser(context.Context, *Identity, UserRecord) (bool, error) {
	return false, nil
}

// Value returns a configuration value
func (b *Base) Value(key string) string { return b.values[key] }

// List returns a comma or space separated configuration value as a slice
func (b *Base) List(key string) []string {
	return strings.FieldsFunc(b.values[key], func(r rune) bool {
		return r == ',' || r == ' '
	})
}

// load copies values and reads the active flag. Required keys are only
// checked for active providers.
func (b *Base) load(values map[string]string, required ...string) error {
	b.values = make(map[string]string, len(values))
	for k, v := range values {
		b.values[k] = v
	}
	active := strings.ToLower(strings.TrimSpace(values["active"]))
	b.active = active == "1" || active == "true"
	if !b.active {
		return nil
	}

	var missing []string
	for _, key := range required {
		if strings.TrimSpace(values[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %s", ErrMissingConfig, b.name, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateDomain checks if the domain is in the allowed list.
// Returns nil if allowedDomains is empty (no restriction) or domain is allowed.
func ValidateDomain(domain string, allowedDomains []string) error {
	if len(allowedDomains) == 0 {
		return nil
	}
	if !slices.Contains(allowedDomains, domain) {
		return fmt.Errorf("domain '%s' is not allowed. Contact your administrator", domain)
	}
	return nil
}

// SplitName splits a display name into first and last name on the first space
func SplitName(name string) (string, string) {
	first, last, _ := strings.Cut(strings.TrimSpace(name), " ")
	return first, strings.TrimSpace(last)
}
