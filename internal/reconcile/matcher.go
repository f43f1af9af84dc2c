package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgellow/idfront/internal/config"
	"github.com/dgellow/idfront/internal/idp"
	"github.com/dgellow/idfront/internal/log"
	"github.com/dgellow/idfront/internal/storage"
)

// Matcher finds the local user a remote identity belongs to. Match returns
// nil without error when no user matches.
type Matcher interface {
	Match(ctx context.Context, identity *idp.Identity) (*storage.User, error)
}

// NewMatcher returns the matcher for strategy. An empty strategy selects
// binding matching.
func NewMatcher(strategy config.MatchingStrategy, users storage.UserStore) (Matcher, error) {
	switch strategy {
	case "", config.MatchingBinding:
		return &BindingMatcher{Users: users}, nil
	case config.MatchingEmail:
		return &EmailMatcher{Users: users}, nil
	default:
		return nil, fmt.Errorf("unknown matching strategy %q", strategy)
	}
}

// BindingMatcher looks the user up by the identity binding (issuer and
// internal id), then by the primary email
type BindingMatcher struct {
	Users storage.UserStore
}

func (m *BindingMatcher) Match(ctx context.Context, identity *idp.Identity) (*storage.User, error) {
	if identity.InternalID != "" {
		user, err := m.Users.FindUserByBinding(ctx, identity.BindingIssuer(), identity.InternalID)
		switch {
		case err == nil:
			return user, nil
		case !errors.Is(err, storage.ErrUserNotFound):
			return nil, fmt.Errorf("finding user by binding: %w", err)
		}
	}
	return firstByEmail(ctx, m.Users, identity.PrimaryEmail())
}

// EmailMatcher matches purely by email address, trying each address the
// provider reported in order
type EmailMatcher struct {
	Users storage.UserStore
}

func (m *EmailMatcher) Match(ctx context.Context, identity *idp.Identity) (*storage.User, error) {
	for _, email := range identity.Emails {
		user, err := firstByEmail(ctx, m.Users, email)
		if err != nil || user != nil {
			return user, err
		}
	}
	return nil, nil
}

// firstByEmail returns the oldest user with email. Ties between several
// users are broken deterministically by the store's ordering.
func firstByEmail(ctx context.Context, users storage.UserStore, email string) (*storage.User, error) {
	if email == "" {
		return nil, nil
	}
	found, err := users.FindUsersByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("finding user by email: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	if len(found) > 1 {
		log.LogWarnWithFields("reconcile", "Several users share an email, using the oldest", map[string]any{
			"count":  len(found),
			"userId": found[0].ID,
		})
	}
	return found[0], nil
}
