// Package reconcile maps identities fetched from a provider onto local
// users, creating the user on first login.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"mime"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/dgellow/idfront/internal/crypto"
	"github.com/dgellow/idfront/internal/emailutil"
	"github.com/dgellow/idfront/internal/idp"
	"github.com/dgellow/idfront/internal/log"
	"github.com/dgellow/idfront/internal/metrics"
	"github.com/dgellow/idfront/internal/storage"
	"golang.org/x/oauth2"
)

var (
	// ErrNoUser means the identity carries nothing a user can be matched
	// or created from
	ErrNoUser = errors.New("no user for identity")
	// ErrReconciliation wraps storage failures while matching, creating or
	// updating a user
	ErrReconciliation = errors.New("user reconciliation failed")
)

const (
	// MaxAvatarJitter bounds how far the stored avatar time is moved back
	// before asking the provider for a newer image
	MaxAvatarJitter = 15 * time.Minute

	maxUsernameAttempts = 1000
	maxCreateAttempts   = 3
)

// Reconciler turns a provider identity into a local user id
type Reconciler struct {
	users   storage.UserStore
	matcher Matcher
	jitter  func() time.Duration
}

// New creates a reconciler. A nil matcher selects binding matching.
func New(users storage.UserStore, matcher Matcher) *Reconciler {
	if matcher == nil {
		matcher = &BindingMatcher{Users: users}
	}
	return &Reconciler{
		users:   users,
		matcher: matcher,
		jitter:  randomJitter,
	}
}

func randomJitter() time.Duration {
	return rand.N(MaxAvatarJitter)
}

// Reconcile returns the id of the user identity belongs to. A matched user
// is updated only where the identity differs; otherwise a new user is
// created from the primary email.
func (r *Reconciler) Reconcile(ctx context.Context, identity *idp.Identity, provider idp.Provider, token *oauth2.Token) (id string, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, ErrNoUser):
			result = "no_user"
		case err != nil:
			result = "failed"
		}
		metrics.ReconcileDone(result, start)
	}()

	if identity.IsEmpty() {
		return "", ErrNoUser
	}

	user, err := r.matcher.Match(ctx, identity)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrReconciliation, err)
	}
	if user != nil {
		return user.ID, r.update(ctx, user, identity, provider, token)
	}
	return r.create(ctx, identity, provider, token)
}

func (r *Reconciler) update(ctx context.Context, user *storage.User, identity *idp.Identity, provider idp.Provider, token *oauth2.Token) error {
	changed := applyIdentity(user, identity)
	if identity.InternalID != "" && user.SetBinding(bindingFor(identity, provider)) {
		changed = true
	}
	if r.enrich(ctx, identity, provider, user) {
		changed = true
	}

	if changed {
		if err := r.users.SaveUser(ctx, user); err != nil {
			return fmt.Errorf("%w: saving user %s: %w", ErrReconciliation, user.ID, err)
		}
		log.LogInfoWithFields("reconcile", "Updated user from identity", map[string]any{
			"userId":   user.ID,
			"provider": provider.Name(),
		})
	}

	current, err := r.users.GetAvatar(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("%w: reading avatar: %w", ErrReconciliation, err)
	}
	avatar := r.fetchAvatar(ctx, current, identity, provider, token)
	if avatar == nil {
		return nil
	}
	if err := r.users.SetAvatar(ctx, user.ID, avatar); err != nil {
		return fmt.Errorf("%w: writing avatar: %w", ErrReconciliation, err)
	}
	return nil
}

func (r *Reconciler) create(ctx context.Context, identity *idp.Identity, provider idp.Provider, token *oauth2.Token) (string, error) {
	email := identity.PrimaryEmail()
	if email == "" {
		return "", ErrNoUser
	}

	password, err := crypto.GeneratePassword()
	if err != nil {
		return "", err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return "", err
	}

	user := &storage.User{
		Email:        email,
		FirstName:    identity.FirstName,
		LastName:     identity.LastName,
		PasswordHash: hash,
		Active:       true,
	}
	if identity.InternalID != "" {
		user.SetBinding(bindingFor(identity, provider))
	}
	r.enrich(ctx, identity, provider, user)
	avatar := r.fetchAvatar(ctx, nil, identity, provider, token)

	base := SanitizeUsername(emailutil.LocalPart(email))
	for attempt := 1; ; attempt++ {
		username, err := r.uniqueUsername(ctx, base)
		if err != nil {
			return "", err
		}
		user.Username = username

		err = r.users.CreateUser(ctx, user, avatar)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrUsernameTaken) || attempt == maxCreateAttempts {
			return "", fmt.Errorf("%w: creating user: %w", ErrReconciliation, err)
		}
	}

	log.LogInfoWithFields("reconcile", "Created user from identity", map[string]any{
		"userId":   user.ID,
		"username": user.Username,
		"provider": provider.Name(),
		"avatar":   avatar != nil,
	})
	return user.ID, nil
}

// applyIdentity copies the names and primary email the identity carries
// when they differ from the stored ones
func applyIdentity(user *storage.User, identity *idp.Identity) bool {
	changed := false
	set := func(field *string, value string) {
		if value != "" && *field != value {
			*field = value
			changed = true
		}
	}
	set(&user.FirstName, identity.FirstName)
	set(&user.LastName, identity.LastName)
	set(&user.Email, identity.PrimaryEmail())
	return changed
}

func bindingFor(identity *idp.Identity, provider idp.Provider) storage.Binding {
	return storage.Binding{
		Issuer:     identity.BindingIssuer(),
		InternalID: identity.InternalID,
		Provider:   provider.Name(),
	}
}

func (r *Reconciler) enrich(ctx context.Context, identity *idp.Identity, provider idp.Provider, user *storage.User) bool {
	changed, err := provider.EnrichUser(ctx, identity, user)
	if err != nil {
		log.LogWarnWithFields("reconcile", "Provider enrichment failed", map[string]any{
			"provider": provider.Name(),
			"error":    err.Error(),
		})
		return false
	}
	return changed
}

// fetchAvatar asks the provider for an image newer than the stored one.
// The comparison time is moved back by a random jitter so the provider
// never learns the exact stored modification time. Image failures are
// logged and yield nil.
func (r *Reconciler) fetchAvatar(ctx context.Context, current *storage.Avatar, identity *idp.Identity, provider idp.Provider, token *oauth2.Token) *storage.Avatar {
	var since time.Time
	if current != nil {
		since = current.ModTime.Add(-r.jitter())
	}

	image, err := provider.FetchUserImage(ctx, since, identity, token)
	if err != nil {
		log.LogWarnWithFields("reconcile", "Failed to fetch user image", map[string]any{
			"provider": provider.Name(),
			"error":    err.Error(),
		})
		return nil
	}
	if image == nil || len(image.Data) == 0 {
		return nil
	}
	if current != nil && !image.ModTime.After(since) {
		return nil
	}

	mediaType, filename, err := AvatarFilename(image.MediaType)
	if err != nil {
		log.LogWarnWithFields("reconcile", "Ignoring user image", map[string]any{
			"provider":  provider.Name(),
			"mediaType": image.MediaType,
			"error":     err.Error(),
		})
		return nil
	}

	modTime := image.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}
	return &storage.Avatar{
		Filename:  filename,
		MediaType: mediaType,
		Data:      image.Data,
		ModTime:   modTime,
	}
}

// AvatarFilename maps an image media type to the stored avatar file name
func AvatarFilename(mediaType string) (string, string, error) {
	parsed, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", idp.ErrUnsupportedMediaType, mediaType)
	}
	switch parsed {
	case "image/jpeg":
		return parsed, "image.jpeg", nil
	case "image/png":
		return parsed, "image.png", nil
	default:
		return "", "", fmt.Errorf("%w: %s", idp.ErrUnsupportedMediaType, parsed)
	}
}

// SanitizeUsername keeps letters, digits, dots, dashes and underscores.
// An empty result becomes "user".
func SanitizeUsername(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	name := strings.Trim(b.String(), ".-_")
	if name == "" {
		return "user"
	}
	return name
}

// uniqueUsername returns base, or base followed by the smallest number
// that makes it unused
func (r *Reconciler) uniqueUsername(ctx context.Context, base string) (string, error) {
	for i := 0; i < maxUsernameAttempts; i++ {
		candidate := base
		if i > 0 {
			candidate = base + strconv.Itoa(i)
		}
		exists, err := r.users.UsernameExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("%w: checking username: %w", ErrReconciliation, err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no free username for %q", ErrReconciliation, base)
}
