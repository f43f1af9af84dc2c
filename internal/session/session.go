// Package session keeps the transient per-browser-session state of an
// authorization flow.
package session

import (
	"maps"
	"time"

	"golang.org/x/oauth2"
)

// State is the flow state of one browser session. It is never shared
// across sessions.
type State struct {
	// RunningProvider is set by a flow start and taken exactly once by the
	// matching return
	RunningProvider string `json:"running_provider,omitempty"`
	// StateNonce ties the anti-forgery state parameter to this session
	StateNonce string `json:"state_nonce,omitempty"`
	// PendingRedirect is where the browser goes once the return completes
	PendingRedirect string `json:"pending_redirect,omitempty"`
	// PendingLoginUser is the local user to authenticate on the next request
	PendingLoginUser string `json:"pending_login_user,omitempty"`
	// LastError is the message of the last failed login, shown once
	LastError string `json:"last_error,omitempty"`

	AuthorizationCodes map[string]string        `json:"authorization_codes,omitempty"`
	Tokens             map[string]*oauth2.Token `json:"tokens,omitempty"`
	TokenExpiry        map[string]time.Time     `json:"token_expiry,omitempty"`
}

// Clear forgets everything stored for provider. A flow running for
// provider is abandoned.
func (s *State) Clear(provider string) {
	delete(s.AuthorizationCodes, provider)
	delete(s.Tokens, provider)
	delete(s.TokenExpiry, provider)
	if s.RunningProvider == provider {
		s.RunningProvider = ""
		s.StateNonce = ""
		s.PendingRedirect = ""
	}
}

// ClearAll resets the state
func (s *State) ClearAll() {
	*s = State{}
}

// TakeRunningProvider returns the running provider and clears it
func (s *State) TakeRunningProvider() string {
	p := s.RunningProvider
	s.RunningProvider = ""
	return p
}

// TakeStateNonce returns the state nonce and clears it
func (s *State) TakeStateNonce() string {
	n := s.StateNonce
	s.StateNonce = ""
	return n
}

// TakePendingLoginUser returns the pending user and clears it
func (s *State) TakePendingLoginUser() string {
	u := s.PendingLoginUser
	s.PendingLoginUser = ""
	return u
}

// TakeLastError returns the last error message and clears it
func (s *State) TakeLastError() string {
	e := s.LastError
	s.LastError = ""
	return e
}

// PickRedirect returns the pending redirect and clears it. It is empty
// on every call after the first.
func (s *State) PickRedirect() string {
	r := s.PendingRedirect
	s.PendingRedirect = ""
	return r
}

// StoreAuthorization records the code and token obtained from provider
func (s *State) StoreAuthorization(provider, code string, token *oauth2.Token) {
	if s.AuthorizationCodes == nil {
		s.AuthorizationCodes = make(map[string]string)
	}
	if s.Tokens == nil {
		s.Tokens = make(map[string]*oauth2.Token)
	}
	if s.TokenExpiry == nil {
		s.TokenExpiry = make(map[string]time.Time)
	}
	s.AuthorizationCodes[provider] = code
	s.Tokens[provider] = token
	s.TokenExpiry[provider] = token.Expiry
}

// Token returns the token stored for provider, or nil
func (s *State) Token(provider string) *oauth2.Token {
	return s.Tokens[provider]
}

// HasIdentityInfo reports whether a token is stored for provider
func (s *State) HasIdentityInfo(provider string) bool {
	return s.Tokens[provider] != nil
}

// Clone returns a deep copy
func (s *State) Clone() *State {
	c := *s
	c.AuthorizationCodes = maps.Clone(s.AuthorizationCodes)
	c.TokenExpiry = maps.Clone(s.TokenExpiry)
	if s.Tokens != nil {
		c.Tokens = make(map[string]*oauth2.Token, len(s.Tokens))
		for k, t := range s.Tokens {
			if t == nil {
				c.Tokens[k] = nil
				continue
			}
			tc := *t
			c.Tokens[k] = &tc
		}
	}
	return &c
}
