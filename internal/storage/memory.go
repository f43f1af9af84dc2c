package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dgellow/idfront/internal/emailutil"
	"github.com/dgellow/idfront/internal/log"
	"github.com/google/uuid"
)

// Ensure MemoryStorage implements the Storage interface
var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage keeps everything in process memory. Values are cloned on
// the way in and out so callers never share records with the store.
type MemoryStorage struct {
	usersMutex sync.RWMutex
	users      map[string]*User   // map[id] = User
	avatars    map[string]*Avatar // map[userID] = Avatar

	attachmentsMutex sync.RWMutex
	attachments      map[string]*Attachment // map[ref] = Attachment

	providersMutex sync.RWMutex
	providers      []ProviderConfig
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:       make(map[string]*User),
		avatars:     make(map[string]*Avatar),
		attachments: make(map[string]*Attachment),
	}
}

// GetUser returns the user with the given id
func (s *MemoryStorage) GetUser(_ context.Context, id string) (*User, error) {
	s.usersMutex.RLock()
	defer s.usersMutex.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user.Clone(), nil
}

// FindUserByBinding returns the user bound to (issuer, internalID)
func (s *MemoryStorage) FindUserByBinding(_ context.Context, issuer, internalID string) (*User, error) {
	s.usersMutex.RLock()
	defer s.usersMutex.RUnlock()

	key := Binding{Issuer: issuer, InternalID: internalID}.Key()
	for _, user := range s.sortedUsers() {
		for _, b := range user.Bindings {
			if b.Key() == key {
				return user.Clone(), nil
			}
		}
	}
	return nil, ErrUserNotFound
}

// FindUsersByEmail returns users whose email matches, oldest first
func (s *MemoryStorage) FindUsersByEmail(_ context.Context, email string) ([]*User, error) {
	s.usersMutex.RLock()
	defer s.usersMutex.RUnlock()

	normalized := emailutil.Normalize(email)
	if normalized == "" {
		return nil, nil
	}

	var found []*User
	for _, user := range s.sortedUsers() {
		if emailutil.Normalize(user.Email) == normalized {
			found = append(found, user.Clone())
		}
	}
	return found, nil
}

// UsernameExists reports whether a user already has username
func (s *MemoryStorage) UsernameExists(_ context.Context, username string) (bool, error) {
	s.usersMutex.RLock()
	defer s.usersMutex.RUnlock()
	return s.usernameTaken(username, ""), nil
}

// CreateUser stores a new user
func (s *MemoryStorage) CreateUser(_ context.Context, user *User, avatar *Avatar) error {
	s.usersMutex.Lock()
	defer s.usersMutex.Unlock()

	if s.usernameTaken(user.Username, "") {
		return fmt.Errorf("%w: %s", ErrUsernameTaken, user.Username)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("user %s already exists", user.ID)
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	s.releaseBindings(user)
	s.users[user.ID] = user.Clone()
	if avatar != nil {
		c := *avatar
		c.Data = slices.Clone(avatar.Data)
		s.avatars[user.ID] = &c
	}

	log.LogDebugWithFields("storage", "Created user", map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
	})
	return nil
}

// SaveUser replaces an existing user
func (s *MemoryStorage) SaveUser(_ context.Context, user *User) error {
	s.usersMutex.Lock()
	defer s.usersMutex.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		return ErrUserNotFound
	}
	if s.usernameTaken(user.Username, user.ID) {
		return fmt.Errorf("%w: %s", ErrUsernameTaken, user.Username)
	}

	user.CreatedAt = existing.CreatedAt
	user.UpdatedAt = time.Now()
	s.releaseBindings(user)
	s.users[user.ID] = user.Clone()
	return nil
}

// GetAvatar returns the user's avatar or nil
func (s *MemoryStorage) GetAvatar(_ context.Context, userID string) (*Avatar, error) {
	s.usersMutex.RLock()
	defer s.usersMutex.RUnlock()

	avatar, ok := s.avatars[userID]
	if !ok {
		return nil, nil
	}
	c := *avatar
	c.Data = slices.Clone(avatar.Data)
	return &c, nil
}

// SetAvatar replaces the user's avatar
func (s *MemoryStorage) SetAvatar(_ context.Context, userID string, avatar *Avatar) error {
	s.usersMutex.Lock()
	defer s.usersMutex.Unlock()

	if _, ok := s.users[userID]; !ok {
		return ErrUserNotFound
	}
	c := *avatar
	c.Data = slices.Clone(avatar.Data)
	s.avatars[userID] = &c
	return nil
}

// GetAttachment returns the attachment stored under ref
func (s *MemoryStorage) GetAttachment(_ context.Context, ref string) (*Attachment, error) {
	s.attachmentsMutex.RLock()
	defer s.attachmentsMutex.RUnlock()

	a, ok := s.attachments[ref]
	if !ok {
		return nil, ErrAttachmentNotFound
	}
	c := *a
	c.Data = slices.Clone(a.Data)
	return &c, nil
}

// PutAttachment stores or replaces an attachment
func (s *MemoryStorage) PutAttachment(_ context.Context, attachment *Attachment) error {
	if attachment.Ref == "" {
		return fmt.Errorf("attachment ref is required")
	}
	s.attachmentsMutex.Lock()
	defer s.attachmentsMutex.Unlock()

	c := *attachment
	c.Data = slices.Clone(attachment.Data)
	if c.ModTime.IsZero() {
		c.ModTime = time.Now()
	}
	s.attachments[c.Ref] = &c
	return nil
}

// ListProviderConfigs returns the stored provider configurations in
// insertion order
func (s *MemoryStorage) ListProviderConfigs(_ context.Context) ([]ProviderConfig, error) {
	s.providersMutex.RLock()
	defer s.providersMutex.RUnlock()

	out := make([]ProviderConfig, len(s.providers))
	for i, p := range s.providers {
		out[i] = cloneProviderConfig(p)
	}
	return out, nil
}

// PutProviderConfig adds or replaces the configuration named cfg.Name
func (s *MemoryStorage) PutProviderConfig(_ context.Context, cfg ProviderConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	s.providersMutex.Lock()
	defer s.providersMutex.Unlock()

	cfg = cloneProviderConfig(cfg)
	if cfg.ConfigRef == "" {
		cfg.ConfigRef = "memory:" + cfg.Name
	}
	for i, existing := range s.providers {
		if existing.Name == cfg.Name {
			s.providers[i] = cfg
			return nil
		}
	}
	s.providers = append(s.providers, cfg)
	return nil
}

// DeleteProviderConfig removes the configuration named name
func (s *MemoryStorage) DeleteProviderConfig(_ context.Context, name string) error {
	s.providersMutex.Lock()
	defer s.providersMutex.Unlock()

	s.providers = slices.DeleteFunc(s.providers, func(p ProviderConfig) bool {
		return p.Name == name
	})
	return nil
}

// Close is a no-op for memory storage
func (s *MemoryStorage) Close() error {
	return nil
}

// sortedUsers returns users ordered by creation time then id. Callers hold
// usersMutex.
func (s *MemoryStorage) sortedUsers() []*User {
	users := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b *User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return users
}

// releaseBindings removes the user's binding keys from every other user so
// a binding points at exactly one user. Callers hold usersMutex.
func (s *MemoryStorage) releaseBindings(user *User) {
	keys := make(map[string]bool, len(user.Bindings))
	for _, b := range user.Bindings {
		keys[b.Key()] = true
	}
	for id, other := range s.users {
		if id == user.ID {
			continue
		}
		other.Bindings = slices.DeleteFunc(other.Bindings, func(b Binding) bool {
			return keys[b.Key()]
		})
	}
}

func (s *MemoryStorage) usernameTaken(username, exceptID string) bool {
	for id, u := range s.users {
		if id != exceptID && u.Username == username {
			return true
		}
	}
	return false
}

func cloneProviderConfig(cfg ProviderConfig) ProviderConfig {
	values := make(map[string]string, len(cfg.Values))
	for k, v := range cfg.Values {
		values[k] = v
	}
	cfg.Values = values
	return cfg
}
