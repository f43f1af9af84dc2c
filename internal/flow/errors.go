package flow

import (
	"errors"

	"github.com/dgellow/idfront/internal/reconcile"
	"github.com/dgellow/idfront/internal/registry"
)

var (
	// ErrConfiguration means a provider is misconfigured
	ErrConfiguration = errors.New("provider configuration error")
	// ErrProviderUnavailable means the provider is not configured, not
	// active or not ready
	ErrProviderUnavailable = registry.ErrProviderUnavailable
	// ErrRemoteCommunication wraps failures talking to the provider
	ErrRemoteCommunication = errors.New("provider communication failed")
	// ErrReconciliation wraps storage failures while resolving the user
	ErrReconciliation = reconcile.ErrReconciliation
	// ErrReturnNotPending is returned for a provider return without a
	// running flow, including a replayed one
	ErrReturnNotPending = errors.New("no authorization flow is pending")
	// ErrStateMismatch means the state parameter is missing, forged,
	// expired or issued to another session
	ErrStateMismatch = errors.New("authorization state mismatch")
	// ErrNoToken is returned by RequestCurrentToken when the session holds
	// no usable token for the provider
	ErrNoToken = errors.New("no token for provider")
)
