package testutil

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dgellow/idfront/internal/idp"
	"github.com/stretchr/testify/mock"
	"golang.org/x/oauth2"
)

// MockProvider is a testify mock of idp.Provider
type MockProvider struct {
	mock.Mock
}

var _ idp.Provider = (*MockProvider)(nil)

func (m *MockProvider) Name() string {
	return m.Called().String(0)
}

func (m *MockProvider) SetHint(hint string) {
	m.Called(hint)
}

func (m *MockProvider) SetConfigRef(ref string) {
	m.Called(ref)
}

func (m *MockProvider) Initialize(ctx context.Context, values map[string]string) error {
	return m.Called(ctx, values).Error(0)
}

func (m *MockProvider) IsActive() bool {
	return m.Called().Bool(0)
}

func (m *MockProvider) IsReady() bool {
	return m.Called().Bool(0)
}

func (m *MockProvider) AuthorizationURL(returnURL, state string) (string, error) {
	args := m.Called(returnURL, state)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) ReadAuthorization(query url.Values) (string, error) {
	args := m.Called(query)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) CreateToken(ctx context.Context, code string) (*oauth2.Token, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oauth2.Token), args.Error(1)
}

func (m *MockProvider) FetchIdentity(ctx context.Context, token *oauth2.Token) (*idp.Identity, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*idp.Identity), args.Error(1)
}

func (m *MockProvider) FetchUserImage(ctx context.Context, since time.Time, identity *idp.Identity, token *oauth2.Token) (*idp.UserImage, error) {
	args := m.Called(ctx, since, identity, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*idp.UserImage), args.Error(1)
}

func (m *MockProvider) EnrichUser(ctx context.Context, identity *idp.Identity, user idp.UserRecord) (bool, error) {
	args := m.Called(ctx, identity, user)
	return args.Bool(0), args.Error(1)
}

// MockEncryptor is a testify mock of crypto.Encryptor
type MockEncryptor struct {
	mock.Mock
}

func (m *MockEncryptor) Encrypt(plaintext string) (string, error) {
	args := m.Called(plaintext)
	return args.String(0), args.Error(1)
}

func (m *MockEncryptor) Decrypt(ciphertext string) (string, error) {
	args := m.Called(ciphertext)
	return args.String(0), args.Error(1)
}

// ErrFakeInit is returned by FakeProvider.Initialize when values["fail"] is set
var ErrFakeInit = errors.New("fake provider initialization failed")

// FakeProvider is a scriptable in-memory provider. Its behaviour comes from
// the configuration values:
//
//	active: "1" or "true" to activate
//	ready:  "false" to be active but not ready
//	fail:   any value makes Initialize fail
//	authUrl: base of the authorization URL
//
// Identity, Image and the error fields script the remote calls.
type FakeProvider struct {
	mu sync.Mutex

	name      string
	configRef string
	values    map[string]string
	active    bool
	ready     bool

	Identity    *idp.Identity
	Image       *idp.UserImage
	ExchangeErr error
	IdentityErr error
	ImageErr    error
	EnrichField string

	Exchanged  []string
	ImageSince []time.Time
}

var _ idp.Provider = (*FakeProvider)(nil)

// NewFakeProvider is an idp.Constructor for FakeProvider
func NewFakeProvider() idp.Provider {
	return &FakeProvider{}
}

func (p *FakeProvider) Name() string        { return p.name }
func (p *FakeProvider) SetHint(hint string) { p.name = hint }
func (p *FakeProvider) SetConfigRef(r string) {
	p.configRef = r
}

// ConfigRef returns the reference set by the registry
func (p *FakeProvider) ConfigRef() string { return p.configRef }

// Values returns the values passed to Initialize
func (p *FakeProvider) Values() map[string]string { return p.values }

func (p *FakeProvider) Initialize(_ context.Context, values map[string]string) error {
	if values["fail"] != "" {
		return ErrFakeInit
	}
	p.values = values
	active := strings.ToLower(strings.TrimSpace(values["active"]))
	p.active = active == "1" || active == "true"
	p.ready = values["ready"] != "false"
	return nil
}

func (p *FakeProvider) IsActive() bool { return p.active }
func (p *FakeProvider) IsReady() bool  { return p.ready }

// SetReady flips readiness after initialization
func (p *FakeProvider) SetReady(ready bool) { p.ready = ready }

func (p *FakeProvider) AuthorizationURL(returnURL, state string) (string, error) {
	base := p.values["authUrl"]
	if base == "" {
		base = "https://" + p.name + ".example/authorize"
	}
	q := url.Values{}
	q.Set("redirect_uri", returnURL)
	q.Set("state", state)
	return base + "?" + q.Encode(), nil
}

func (p *FakeProvider) ReadAuthorization(query url.Values) (string, error) {
	if e := query.Get("error"); e != "" {
		if e == "access_denied" {
			return "", idp.ErrAccessDenied
		}
		return "", idp.ErrProviderError
	}
	code := query.Get("code")
	if code == "" {
		return "", idp.ErrMalformedReturn
	}
	return code, nil
}

func (p *FakeProvider) CreateToken(_ context.Context, code string) (*oauth2.Token, error) {
	p.mu.Lock()
	p.Exchanged = append(p.Exchanged, code)
	p.mu.Unlock()
	if p.ExchangeErr != nil {
		return nil, p.ExchangeErr
	}
	return &oauth2.Token{
		AccessToken: "access-" + code,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	}, nil
}

func (p *FakeProvider) FetchIdentity(context.Context, *oauth2.Token) (*idp.Identity, error) {
	if p.IdentityErr != nil {
		return nil, p.IdentityErr
	}
	if p.Identity == nil {
		return &idp.Identity{ProviderName: p.name}, nil
	}
	identity := *p.Identity
	identity.ProviderName = p.name
	return &identity, nil
}

func (p *FakeProvider) FetchUserImage(_ context.Context, since time.Time, _ *idp.Identity, _ *oauth2.Token) (*idp.UserImage, error) {
	p.mu.Lock()
	p.ImageSince = append(p.ImageSince, since)
	p.mu.Unlock()
	if p.ImageErr != nil {
		return nil, p.ImageErr
	}
	if p.Image == nil || !p.Image.ModTime.After(since) {
		return nil, nil
	}
	image := *p.Image
	return &image, nil
}

func (p *FakeProvider) EnrichUser(_ context.Context, identity *idp.Identity, user idp.UserRecord) (bool, error) {
	if p.EnrichField == "" {
		return false, nil
	}
	return user.SetField(p.EnrichField, identity.InternalID), nil
}
