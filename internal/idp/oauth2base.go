package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

const (
	httpTimeout = 10 * time.Second
	// MaxImageSize caps avatar downloads
	MaxImageSize = 2 << 20
)

// OAuth2Base implements the authorization code flow on top of x/oauth2.
// Concrete providers embed it and add identity fetching.
type OAuth2Base struct {
	Base
	oauth      oauth2.Config
	httpClient *http.Client
}

// configure reads the common OAuth2 keys. Endpoint URLs may be overridden
// with authUrl and tokenUrl.
func (p *OAuth2Base) configure(endpoint oauth2.Endpoint, defaultScopes []string) {
	if v := p.Value("authUrl"); v != "" {
		endpoint.AuthURL = v
	}
	if v := p.Value("tokenUrl"); v != "" {
		endpoint.TokenURL = v
	}
	scopes := p.List("scopes")
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	p.oauth = oauth2.Config{
		ClientID:     p.Value("clientId"),
		ClientSecret: p.Value("clientSecret"),
		RedirectURL:  p.Value("redirectUrl"),
		Scopes:       scopes,
		Endpoint:     endpoint,
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: httpTimeout}
	}
}

// withClient makes x/oauth2 use the provider's bounded HTTP client
func (p *OAuth2Base) withClient(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// AuthorizationURL builds the provider consent URL
func (p *OAuth2Base) AuthorizationURL(returnURL, state string) (string, error) {
	if p.oauth.Endpoint.AuthURL == "" {
		return "", fmt.Errorf("%w: %s has no authorization endpoint", ErrMissingConfig, p.Name())
	}
	cfg := p.oauth
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = returnURL
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// ReadAuthorization extracts the authorization code from the return query
func (p *OAuth2Base) ReadAuthorization(query url.Values) (string, error) {
	if errCode := query.Get("error"); errCode != "" {
		desc := query.Get("error_description")
		if errCode == "access_denied" {
			return "", fmt.Errorf("%w: %s", ErrAccessDenied, desc)
		}
		return "", fmt.Errorf("%w: %s: %s", ErrProviderError, errCode, desc)
	}
	code := query.Get("code")
	if code == "" {
		return "", fmt.Errorf("%w: no code parameter", ErrMalformedReturn)
	}
	return code, nil
}

// CreateToken exchanges an authorization code for a token
func (p *OAuth2Base) CreateToken(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := p.oauth.Exchange(p.withClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}
	return token, nil
}

// RefreshToken renews an expired token with its refresh token
func (p *OAuth2Base) RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	if token == nil || token.RefreshToken == "" {
		return nil, fmt.Errorf("token cannot be refreshed")
	}
	renewed, err := p.oauth.TokenSource(p.withClient(ctx), token).Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	return renewed, nil
}

// getJSON performs an authenticated GET and decodes the JSON body into v
func (p *OAuth2Base) getJSON(ctx context.Context, token *oauth2.Token, rawURL string, v any) error {
	client := p.oauth.Client(p.withClient(ctx), token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("GET %s: status %d: %s", rawURL, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", rawURL, err)
	}
	return nil
}

// FetchUserImage downloads identity.ImageURL with a conditional GET. The
// access token is not sent: avatar hosts are public CDNs.
func (p *OAuth2Base) FetchUserImage(ctx context.Context, since time.Time, identity *Identity, _ *oauth2.Token) (*UserImage, error) {
	if identity == nil || identity.ImageURL == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, identity.ImageURL, nil)
	if err != nil {
		return nil, err
	}
	if !since.IsZero() {
		req.Header.Set("If-Modified-Since", since.UTC().Format(http.TimeFormat))
	}

	client := p.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching user image: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return nil, nil
	default:
		return nil, fmt.Errorf("fetching user image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading user image: %w", err)
	}
	if len(data) > MaxImageSize {
		return nil, fmt.Errorf("user image larger than %d bytes", MaxImageSize)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		mediaType = http.DetectContentType(data)
		mediaType, _, _ = mime.ParseMediaType(mediaType)
	}

	modTime := time.Now()
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			modTime = t
		}
	}
	if !since.IsZero() && !modTime.After(since) {
		return nil, nil
	}

	return &UserImage{Data: data, MediaType: mediaType, ModTime: modTime}, nil
}
