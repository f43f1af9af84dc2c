// Package flow drives the authorization code flow against a provider:
// start, return, token exchange, identity fetch and user reconciliation.
// Operations return structured results; the HTTP layer issues redirects.
package flow

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/dgellow/idfront/internal/crypto"
	"github.com/dgellow/idfront/internal/idp"
	"github.com/dgellow/idfront/internal/log"
	"github.com/dgellow/idfront/internal/metrics"
	"github.com/dgellow/idfront/internal/reconcile"
	"github.com/dgellow/idfront/internal/session"
	"golang.org/x/oauth2"
)

const (
	// StateTTL bounds the time between start and return
	StateTTL = 10 * time.Minute
	// DefaultCallTimeout bounds each call to a provider or the user store
	DefaultCallTimeout = 30 * time.Second
)

// Outcome of a processed provider return
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeFailedLogin Outcome = "failed login"
	OutcomeNoUser      Outcome = "no user"
)

// Providers gives access to active and ready providers
type Providers interface {
	Active(name string) (idp.Provider, error)
}

// Reconciler resolves an identity to a local user id
type Reconciler interface {
	Reconcile(ctx context.Context, identity *idp.Identity, provider idp.Provider, token *oauth2.Token) (string, error)
}

// Options configures a Controller
type Options struct {
	Providers  Providers
	Sessions   session.Store
	Reconciler Reconciler
	// StateKey signs the state parameter sent to providers
	StateKey []byte
	// ReturnURL is where providers send the browser back to
	ReturnURL   string
	CallTimeout time.Duration
}

// Controller runs authorization flows. It keeps no per-flow state of its
// own; everything lives in the session store.
type Controller struct {
	providers   Providers
	sessions    session.Store
	reconciler  Reconciler
	signer      crypto.TokenSigner
	returnURL   string
	callTimeout time.Duration
}

// StartRequest asks to begin a flow
type StartRequest struct {
	Provider string
	// BrowserLocation is the absolute URL the browser is on
	BrowserLocation string
	// Redirect is the optional post-login target
	Redirect string
}

// StartResult tells the caller where to send the browser
type StartResult struct {
	AuthorizationURL string
	Redirect         string
}

// ReturnResult is the outcome of a provider return
type ReturnResult struct {
	Outcome  Outcome
	Provider string
	UserID   string
	// Redirect is the post-login target, set for OutcomeOK
	Redirect string
	// Message is shown to the user when the outcome is not OutcomeOK
	Message string
	Err     error
}

// OK reports whether the return logged a user in
func (r *ReturnResult) OK() bool {
	return r.Outcome == OutcomeOK
}

type statePayload struct {
	Provider string `json:"p"`
	Nonce    string `json:"n"`
}

// NewController creates a controller
func NewController(opts Options) (*Controller, error) {
	switch {
	case opts.Providers == nil:
		return nil, fmt.Errorf("%w: providers are required", ErrConfiguration)
	case opts.Sessions == nil:
		return nil, fmt.Errorf("%w: session store is required", ErrConfiguration)
	case opts.Reconciler == nil:
		return nil, fmt.Errorf("%w: reconciler is required", ErrConfiguration)
	case len(opts.StateKey) == 0:
		return nil, fmt.Errorf("%w: state signing key is required", ErrConfiguration)
	case opts.ReturnURL == "":
		return nil, fmt.Errorf("%w: return URL is required", ErrConfiguration)
	}

	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Controller{
		providers:   opts.Providers,
		sessions:    opts.Sessions,
		reconciler:  opts.Reconciler,
		signer:      crypto.NewTokenSigner(opts.StateKey, StateTTL),
		returnURL:   opts.ReturnURL,
		callTimeout: timeout,
	}, nil
}

// Start begins a flow for req.Provider. Any previous state for that
// provider is dropped. On error the session is left unchanged.
func (c *Controller) Start(ctx context.Context, sessionID string, req StartRequest) (*StartResult, error) {
	result, resolved, err := c.start(ctx, sessionID, req)
	metrics.FlowStart(resolved, err == nil)
	if err != nil {
		log.LogWarnWithFields("flow", "Failed to start authorization flow", map[string]any{
			"provider": req.Provider,
			"error":    err.Error(),
		})
		return nil, err
	}
	log.LogInfoWithFields("flow", "Authorization flow started", map[string]any{
		"provider": req.Provider,
		"redirect": result.Redirect,
	})
	return result, nil
}

// start returns the provider name as a metric label: the requested name
// once the registry resolved it, metrics.UnknownProvider before that
func (c *Controller) start(ctx context.Context, sessionID string, req StartRequest) (*StartResult, string, error) {
	if sessionID == "" {
		return nil, metrics.UnknownProvider, session.ErrEmptyID
	}
	provider, err := c.providers.Active(req.Provider)
	if err != nil {
		return nil, metrics.UnknownProvider, err
	}
	name := req.Provider

	redirect, err := ResolveRedirect(req.BrowserLocation, req.Redirect)
	if err != nil {
		return nil, name, err
	}

	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, name, err
	}
	state, err := c.signer.Sign(statePayload{Provider: req.Provider, Nonce: nonce})
	if err != nil {
		return nil, name, err
	}

	authURL, err := provider.AuthorizationURL(c.returnURL, state)
	if err != nil {
		return nil, name, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	err = c.sessions.Update(ctx, sessionID, func(s *session.State) error {
		s.Clear(req.Provider)
		s.RunningProvider = req.Provider
		s.StateNonce = nonce
		s.PendingRedirect = redirect
		return nil
	})
	if err != nil {
		return nil, name, fmt.Errorf("recording flow start: %w", err)
	}
	return &StartResult{AuthorizationURL: authURL, Redirect: redirect}, name, nil
}

// DetectReturn reports whether query is a provider return for a flow
// running in the session
func (c *Controller) DetectReturn(ctx context.Context, sessionID string, query url.Values) bool {
	if sessionID == "" || (!query.Has("code") && !query.Has("error")) {
		return false
	}
	state, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		log.LogWarnWithFields("flow", "Failed to read session", map[string]any{"error": err.Error()})
		return false
	}
	return state.RunningProvider != ""
}

// CompleteReturn processes a provider return. The running provider is
// taken from the session before anything else, so a return is processed
// at most once. On success the user to log in is left in the session for
// the next request and the post-login redirect is consumed.
func (c *Controller) CompleteReturn(ctx context.Context, sessionID string, query url.Values) *ReturnResult {
	var provider, nonce string
	err := c.sessions.Update(ctx, sessionID, func(s *session.State) error {
		provider = s.TakeRunningProvider()
		nonce = s.TakeStateNonce()
		if provider == "" {
			return ErrReturnNotPending
		}
		return nil
	})
	if err != nil {
		return c.fail(ctx, sessionID, provider, err)
	}

	userID, err := c.completeReturn(ctx, sessionID, provider, nonce, query)
	if err != nil {
		return c.fail(ctx, sessionID, provider, err)
	}

	var redirect string
	err = c.sessions.Update(ctx, sessionID, func(s *session.State) error {
		s.PendingLoginUser = userID
		redirect = s.PickRedirect()
		return nil
	})
	if err != nil {
		return c.fail(ctx, sessionID, provider, fmt.Errorf("recording login: %w", err))
	}

	metrics.FlowReturn(provider, string(OutcomeOK))
	log.LogInfoWithFields("flow", "Authorization flow completed", map[string]any{
		"provider": provider,
		"userId":   userID,
	})
	return &ReturnResult{
		Outcome:  OutcomeOK,
		Provider: provider,
		UserID:   userID,
		Redirect: redirect,
	}
}

func (c *Controller) completeReturn(ctx context.Context, sessionID, providerName, nonce string, query url.Values) (string, error) {
	var payload statePayload
	if err := c.signer.Verify(query.Get("state"), &payload); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStateMismatch, err)
	}
	if payload.Provider != providerName || nonce == "" ||
		subtle.ConstantTimeCompare([]byte(payload.Nonce), []byte(nonce)) != 1 {
		return "", ErrStateMismatch
	}

	provider, err := c.providers.Active(providerName)
	if err != nil {
		return "", err
	}

	code, err := provider.ReadAuthorization(query)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRemoteCommunication, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	token, err := provider.CreateToken(callCtx, code)
	cancel()
	if err != nil {
		return "", fmt.Errorf("%w: exchanging code: %w", ErrRemoteCommunication, err)
	}

	err = c.sessions.Update(ctx, sessionID, func(s *session.State) error {
		s.StoreAuthorization(providerName, code, token)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}

	callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
	identity, err := provider.FetchIdentity(callCtx, token)
	cancel()
	if err != nil {
		return "", fmt.Errorf("%w: fetching identity: %w", ErrRemoteCommunication, err)
	}
	if identity.IsEmpty() {
		return "", reconcile.ErrNoUser
	}

	callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.reconciler.Reconcile(callCtx, identity, provider, token)
}

// fail records the failure in the session for display and clears the
// pending redirect, which must not outlive the flow
func (c *Controller) fail(ctx context.Context, sessionID, provider string, err error) *ReturnResult {
	outcome := OutcomeFailedLogin
	message := err.Error()
	if errors.Is(err, reconcile.ErrNoUser) {
		outcome = OutcomeNoUser
		message = "no user could be matched to this identity"
	}

	if sessionID != "" {
		updateErr := c.sessions.Update(ctx, sessionID, func(s *session.State) error {
			s.PendingRedirect = ""
			s.LastError = message
			return nil
		})
		if updateErr != nil {
			log.LogErrorWithFields("flow", "Failed to record login failure", map[string]any{
				"error": updateErr.Error(),
			})
		}
	}

	label := provider
	if label == "" {
		label = metrics.UnknownProvider
	}
	metrics.FlowReturn(label, string(outcome))
	log.LogWarnWithFields("flow", "Authorization flow failed", map[string]any{
		"provider": provider,
		"outcome":  string(outcome),
		"error":    err.Error(),
	})
	return &ReturnResult{
		Outcome:  outcome,
		Provider: provider,
		Message:  message,
		Err:      err,
	}
}

// ClearAllSessionInfos forgets every flow and token kept in the session
func (c *Controller) ClearAllSessionInfos(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return c.sessions.Update(ctx, sessionID, func(s *session.State) error {
		s.ClearAll()
		return nil
	})
}

// HasSessionIdentityInfo reports whether the session holds a token from
// provider
func (c *Controller) HasSessionIdentityInfo(ctx context.Context, sessionID, provider string) bool {
	if sessionID == "" {
		return false
	}
	state, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return false
	}
	return state.HasIdentityInfo(provider)
}

// RequestCurrentToken returns the session's token for provider, refreshing
// it when it expired and the provider supports refresh
func (c *Controller) RequestCurrentToken(ctx context.Context, sessionID, providerName string) (*oauth2.Token, error) {
	if sessionID == "" {
		return nil, session.ErrEmptyID
	}
	state, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	token := state.Token(providerName)
	if token == nil {
		return nil, ErrNoToken
	}
	if token.Valid() {
		return token, nil
	}

	provider, err := c.providers.Active(providerName)
	if err != nil {
		return nil, err
	}
	refresher, ok := provider.(idp.TokenRefresher)
	if !ok {
		return nil, fmt.Errorf("%w: token expired and %s cannot refresh it", ErrNoToken, providerName)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	renewed, err := refresher.RefreshToken(callCtx, token)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: refreshing token: %w", ErrRemoteCommunication, err)
	}

	code := state.AuthorizationCodes[providerName]
	err = c.sessions.Update(ctx, sessionID, func(s *session.State) error {
		s.StoreAuthorization(providerName, code, renewed)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storing refreshed token: %w", err)
	}
	log.LogDebugWithFields("flow", "Refreshed provider token", map[string]any{"provider": providerName})
	return renewed, nil
}
