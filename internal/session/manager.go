package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dgellow/idfront/internal/cookie"
	"github.com/dgellow/idfront/internal/crypto"
)

// idLength is the length of ids minted by crypto.GenerateSecureToken
const idLength = 43

// Manager binds browser requests to session states through a session id
// cookie
type Manager struct {
	store      Store
	cookieName string
	path       string
}

// NewManager creates a manager storing states in store
func NewManager(store Store, cookieName, path string) *Manager {
	if path == "" {
		path = "/"
	}
	return &Manager{store: store, cookieName: cookieName, path: path}
}

// Store returns the underlying state store
func (m *Manager) Store() Store {
	return m.store
}

// Existing returns the session id carried by r, if any
func (m *Manager) Existing(r *http.Request) (string, bool) {
	id, err := cookie.Get(r, m.cookieName)
	if err != nil || len(id) != idLength {
		return "", false
	}
	return id, true
}

// ID returns the request's session id, minting one and setting the cookie
// on first access. The new cookie is also added to r so later calls within
// the same request see the same id.
func (m *Manager) ID(w http.ResponseWriter, r *http.Request) (string, error) {
	if id, ok := m.Existing(r); ok {
		return id, nil
	}

	id, err := crypto.GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("minting session id: %w", err)
	}
	cookie.SetSession(w, m.cookieName, id, m.path)
	r.AddCookie(&http.Cookie{Name: m.cookieName, Value: id})
	return id, nil
}

// State returns the request's session state
func (m *Manager) State(w http.ResponseWriter, r *http.Request) (string, *State, error) {
	id, err := m.ID(w, r)
	if err != nil {
		return "", nil, err
	}
	state, err := m.store.Get(r.Context(), id)
	if err != nil {
		return "", nil, err
	}
	return id, state, nil
}

// Destroy deletes the request's state and expires the cookie
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	id, ok := m.Existing(r)
	cookie.Clear(w, m.cookieName, m.path)
	if !ok {
		return nil
	}
	return m.store.Delete(ctx, id)
}
