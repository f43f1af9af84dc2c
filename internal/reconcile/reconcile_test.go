package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/idfront/internal/config"
	"github.com/dgellow/idfront/internal/idp"
	"github.com/dgellow/idfront/internal/storage"
	"github.com/dgellow/idfront/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

// countingStore counts writes to the wrapped store
type countingStore struct {
	*storage.MemoryStorage
	saves   atomic.Int32
	creates atomic.Int32
	avatars atomic.Int32
	failGet error
}

func (s *countingStore) SaveUser(ctx context.Context, u *storage.User) error {
	s.saves.Add(1)
	return s.MemoryStorage.SaveUser(ctx, u)
}

func (s *countingStore) CreateUser(ctx context.Context, u *storage.User, a *storage.Avatar) error {
	s.creates.Add(1)
	return s.MemoryStorage.CreateUser(ctx, u, a)
}

func (s *countingStore) SetAvatar(ctx context.Context, id string, a *storage.Avatar) error {
	s.avatars.Add(1)
	return s.MemoryStorage.SetAvatar(ctx, id, a)
}

func (s *countingStore) FindUsersByEmail(ctx context.Context, email string) ([]*storage.User, error) {
	if s.failGet != nil {
		return nil, s.failGet
	}
	return s.MemoryStorage.FindUsersByEmail(ctx, email)
}

func newStore() *countingStore {
	return &countingStore{MemoryStorage: storage.NewMemoryStorage()}
}

func newProvider(t *testing.T, name string) *testutil.FakeProvider {
	t.Helper()
	p := testutil.NewFakeProvider().(*testutil.FakeProvider)
	p.SetHint(name)
	require.NoError(t, p.Initialize(context.Background(), map[string]string{"active": "true"}))
	return p
}

func newReconciler(store storage.UserStore) *Reconciler {
	r := New(store, nil)
	r.jitter = func() time.Duration { return 0 }
	return r
}

var token = &oauth2.Token{AccessToken: "at"}

func TestReconcile_CreatesNewUser(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	r := newReconciler(store)
	p := newProvider(t, "alpha")

	identity := &idp.Identity{
		ProviderName: "alpha",
		FirstName:    "New",
		LastName:     "User",
		InternalID:   "remote-1",
		Emails:       []string{"new.user@example.com", "alt@example.com"},
	}

	id, err := r.Reconcile(ctx, identity, p, token)
	require.NoError(t, err)

	user, err := store.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new.user", user.Username)
	assert.Equal(t, "new.user@example.com", user.Email)
	assert.Equal(t, "New", user.FirstName)
	assert.Equal(t, "User", user.LastName)
	assert.True(t, user.Active)
	assert.NotEmpty(t, user.PasswordHash)
	assert.Error(t, bcrypt.CompareHashAndPassword(user.PasswordHash, []byte("")), "password is random")

	b, ok := user.Binding("alpha")
	require.True(t, ok)
	assert.Equal(t, "remote-1", b.InternalID)
	assert.Equal(t, "alpha", b.Provider)
	assert.EqualValues(t, 1, store.creates.Load())
	assert.EqualValues(t, 0, store.saves.Load())
}

func TestReconcile_UniqueUsername(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	for _, name := range []string{"new.user", "new.user1"} {
		require.NoError(t, store.CreateUser(ctx, &storage.User{Username: name, Email: name + "@other.example"}, nil))
	}

	r := newReconciler(store)
	id, err := r.Reconcile(ctx, &idp.Identity{ProviderName: "alpha", Emails: []string{"New.User@example.com"}}, newProvider(t, "alpha"), token)
	require.NoError(t, err)

	user, err := store.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new.user2", user.Username)
}

func TestReconcile_MatchesByBindingThenEmail(t *testing.T) {
	ctx := context.Background()
	store := newStore()

	bound := &storage.User{Username: "bound", Email: "bound@example.com"}
	bound.SetBinding(storage.Binding{Issuer: "https://issuer.example", InternalID: "sub-1", Provider: "alpha"})
	require.NoError(t, store.CreateUser(ctx, bound, nil))
	byEmail := &storage.User{Username: "mailed", Email: "mailed@example.com"}
	require.NoError(t, store.CreateUser(ctx, byEmail, nil))

	r := newReconciler(store)
	p := newProvider(t, "alpha")

	id, err := r.Reconcile(ctx, &idp.Identity{
		IssuerURL:  "https://issuer.example",
		InternalID: "sub-2",
		Emails:     []string{"MAILED@example.com"},
	}, p, token)
	require.NoError(t, err)
	assert.Equal(t, byEmail.ID, id)

	user, err := store.GetUser(ctx, byEmail.ID)
	require.NoError(t, err)
	b, ok := user.Binding("https://issuer.example")
	require.True(t, ok, "binding created on email match")
	assert.Equal(t, "sub-2", b.InternalID)

	id, err = r.Reconcile(ctx, &idp.Identity{
		IssuerURL:  "https://issuer.example",
		InternalID: "sub-1",
		Emails:     []string{"mailed@example.com"},
	}, p, token)
	require.NoError(t, err)
	assert.Equal(t, bound.ID, id, "binding wins over email")
	assert.EqualValues(t, 2, store.creates.Load())
}

func TestReconcile_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	existing := &storage.User{Username: "ada", Email: "ada@example.com", FirstName: "A"}
	require.NoError(t, store.CreateUser(ctx, existing, nil))

	r := newReconciler(store)
	p := newProvider(t, "alpha")
	p.EnrichField = "alpha_id"
	identity := &idp.Identity{
		ProviderName: "alpha",
		FirstName:    "Ada",
		LastName:     "Lovelace",
		InternalID:   "42",
		Emails:       []string{"ada@example.com"},
	}

	_, err := r.Reconcile(ctx, identity, p, token)
	require.NoError(t, err)
	assert.EqualValues(t, 1, store.saves.Load())

	user, err := store.GetUser(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", user.FirstName)
	assert.Equal(t, "Lovelace", user.LastName)
	assert.Equal(t, "42", user.Field("alpha_id"))

	_, err = r.Reconcile(ctx, identity, p, token)
	require.NoError(t, err)
	assert.EqualValues(t, 1, store.saves.Load(), "second reconcile writes nothing")
}

func TestReconcile_EnrichmentForcesSave(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	existing := &storage.User{Username: "ada", Email: "ada@example.com"}
	existing.SetBinding(storage.Binding{Issuer: "alpha", InternalID: "7", Provider: "alpha"})
	require.NoError(t, store.CreateUser(ctx, existing, nil))

	r := newReconciler(store)
	p := newProvider(t, "alpha")
	identity := &idp.Identity{ProviderName: "alpha", InternalID: "7", Emails: []string{"ada@example.com"}}

	_, err := r.Reconcile(ctx, identity, p, token)
	require.NoError(t, err)
	assert.EqualValues(t, 0, store.saves.Load())

	p.EnrichField = "alpha_id"
	_, err = r.Reconcile(ctx, identity, p, token)
	require.NoError(t, err)
	assert.EqualValues(t, 1, store.saves.Load())

	user, err := store.GetUser(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "7", user.Field("alpha_id"))
}

func TestReconcile_NoUser(t *testing.T) {
	r := newReconciler(newStore())
	p := newProvider(t, "alpha")

	tests := []struct {
		name     string
		identity *idp.Identity
	}{
		{name: "nil identity", identity: nil},
		{name: "empty identity", identity: &idp.Identity{}},
		{name: "unbound id without email", identity: &idp.Identity{InternalID: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Reconcile(context.Background(), tt.identity, p, token)
			assert.ErrorIs(t, err, ErrNoUser)
		})
	}
}

func TestReconcile_StorageFailure(t *testing.T) {
	store := newStore()
	store.failGet = errors.New("store offline")
	r := newReconciler(store)

	_, err := r.Reconcile(context.Background(), &idp.Identity{Emails: []string{"a@example.com"}}, newProvider(t, "alpha"), token)
	assert.ErrorIs(t, err, ErrReconciliation)
	assert.ErrorContains(t, err, "store offline")
}

func TestReconcile_Avatar(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	r := newReconciler(store)
	p := newProvider(t, "alpha")

	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.Image = &idp.UserImage{Data: []byte{0xff, 0xd8}, MediaType: "image/jpeg", ModTime: stamp}
	identity := &idp.Identity{Emails: []string{"pic@example.com"}}

	id, err := r.Reconcile(ctx, identity, p, token)
	require.NoError(t, err)
	avatar, err := store.GetAvatar(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, avatar)
	assert.Equal(t, "image.jpeg", avatar.Filename)
	assert.Equal(t, stamp, avatar.ModTime)
	assert.EqualValues(t, 1, store.creates.Load())
	assert.EqualValues(t, 0, store.avatars.Load(), "stored by the create write")

	// Not newer than the stored avatar: no write
	_, err = r.Reconcile(ctx, identity, p, token)
	require.NoError(t, err)
	assert.EqualValues(t, 0, store.avatars.Load())

	// Older than the stored avatar but newer than the jittered time
	p.Image = &idp.UserImage{Data: []byte{0x89, 0x50}, MediaType: "image/png", ModTime: stamp.Add(-time.Minute)}
	r.jitter = func() time.Duration { return MaxAvatarJitter }
	_, err = r.Reconcile(ctx, identity, p, token)
	require.NoError(t, err)
	assert.EqualValues(t, 1, store.avatars.Load())
	avatar, err = store.GetAvatar(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "image.png", avatar.Filename)

	last := p.ImageSince[len(p.ImageSince)-1]
	assert.Equal(t, stamp.Add(-MaxAvatarJitter), last, "the provider sees the jittered time")
}

func TestReconcile_UnsupportedImageDoesNotFail(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	r := newReconciler(store)
	p := newProvider(t, "alpha")
	p.Image = &idp.UserImage{Data: []byte("GIF89a"), MediaType: "image/gif", ModTime: time.Now()}

	id, err := r.Reconcile(ctx, &idp.Identity{Emails: []string{"gif@example.com"}}, p, token)
	require.NoError(t, err)
	avatar, err := store.GetAvatar(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, avatar)

	p.Image = nil
	p.ImageErr = errors.New("image host down")
	_, err = r.Reconcile(ctx, &idp.Identity{Emails: []string{"gif@example.com"}}, p, token)
	assert.NoError(t, err)
}

func TestRandomJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		j := randomJitter()
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, MaxAvatarJitter)
	}
}

func TestAvatarFilename(t *testing.T) {
	tests := []struct {
		mediaType string
		want      string
		wantErr   bool
	}{
		{mediaType: "image/jpeg", want: "image.jpeg"},
		{mediaType: "image/png", want: "image.png"},
		{mediaType: "IMAGE/PNG; q=1", want: "image.png"},
		{mediaType: "image/gif", wantErr: true},
		{mediaType: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.mediaType, func(t *testing.T) {
			_, filename, err := AvatarFilename(tt.mediaType)
			if tt.wantErr {
				assert.ErrorIs(t, err, idp.ErrUnsupportedMediaType)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, filename)
		})
	}
}

func TestSanitizeUsername(t *testing.T) {
	tests := map[string]string{
		"new.user":       "new.user",
		"First+Tag":      "firsttag",
		" ..john_doe.. ": "john_doe",
		"+++":            "user",
		"zoë":            "zoë",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeUsername(in), in)
	}
}

func TestNewMatcher(t *testing.T) {
	store := newStore()

	m, err := NewMatcher("", store)
	require.NoError(t, err)
	assert.IsType(t, &BindingMatcher{}, m)

	m, err = NewMatcher(config.MatchingEmail, store)
	require.NoError(t, err)
	assert.IsType(t, &EmailMatcher{}, m)

	_, err = NewMatcher("ldap", store)
	assert.Error(t, err)
}

func TestEmailMatcher(t *testing.T) {
	ctx := context.Background()
	store := newStore()
	user := &storage.User{Username: "second", Email: "second@example.com"}
	require.NoError(t, store.CreateUser(ctx, user, nil))

	m := &EmailMatcher{Users: store}
	found, err := m.Match(ctx, &idp.Identity{InternalID: "ignored", Emails: []string{"first@example.com", "second@example.com"}})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, user.ID, found.ID)

	found, err = m.Match(ctx, &idp.Identity{Emails: []string{"none@example.com"}})
	require.NoError(t, err)
	assert.Nil(t, found)
}
