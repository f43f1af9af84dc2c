package storage

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"
)

var (
	// ErrUserNotFound is returned when a user doesn't exist
	ErrUserNotFound = errors.New("user not found")
	// ErrUsernameTaken is returned by CreateUser for a duplicate username
	ErrUsernameTaken = errors.New("username already exists")
	// ErrAttachmentNotFound is returned when an attachment doesn't exist
	ErrAttachmentNotFound = errors.New("attachment not found")
)

// Binding ties a local user to an identity at a remote issuer
type Binding struct {
	Issuer     string `json:"issuer" firestore:"issuer" db:"issuer"`
	InternalID string `json:"internal_id" firestore:"internal_id" db:"internal_id"`
	Provider   string `json:"provider" firestore:"provider" db:"provider"`
}

// Key is the lookup key of the binding
func (b Binding) Key() string {
	return b.Issuer + "|" + b.InternalID
}

// User is a local user record
type User struct {
	ID           string            `json:"id"`
	Username     string            `json:"username"`
	FirstName    string            `json:"first_name"`
	LastName     string            `json:"last_name"`
	Email        string            `json:"email"`
	PasswordHash []byte            `json:"-"`
	Active       bool              `json:"active"`
	IsAdmin      bool              `json:"is_admin"`
	Bindings     []Binding         `json:"bindings,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Field returns a profile field
func (u *User) Field(name string) string {
	return u.Fields[name]
}

// SetField sets a profile field and reports whether it changed
func (u *User) SetField(name, value string) bool {
	current, ok := u.Fields[name]
	if current == value && (ok || value == "") {
		return false
	}
	if u.Fields == nil {
		u.Fields = make(map[string]string)
	}
	u.Fields[name] = value
	return true
}

// Binding returns the binding for issuer
func (u *User) Binding(issuer string) (Binding, bool) {
	for _, b := range u.Bindings {
		if b.Issuer == issuer {
			return b, true
		}
	}
	return Binding{}, false
}

// SetBinding adds the binding or replaces the one for the same issuer.
// It reports whether anything changed.
func (u *User) SetBinding(b Binding) bool {
	for i, existing := range u.Bindings {
		if existing.Issuer == b.Issuer {
			if existing == b {
				return false
			}
			u.Bindings[i] = b
			return true
		}
	}
	u.Bindings = append(u.Bindings, b)
	return true
}

// Clone returns a deep copy
func (u *User) Clone() *User {
	c := *u
	c.PasswordHash = slices.Clone(u.PasswordHash)
	c.Bindings = slices.Clone(u.Bindings)
	c.Fields = maps.Clone(u.Fields)
	return &c
}

// Avatar is a user's profile image
type Avatar struct {
	Filename  string    `json:"filename"`
	MediaType string    `json:"media_type"`
	Data      []byte    `json:"-"`
	ModTime   time.Time `json:"mod_time"`
}

// Attachment is a stored binary referenced from provider widgets
type Attachment struct {
	Ref       string    `json:"ref"`
	MediaType string    `json:"media_type"`
	Data      []byte    `json:"-"`
	ModTime   time.Time `json:"mod_time"`
}

// ProviderConfig describes one configured provider. Configs are loaded
// fresh on every reload and never mutated in place.
type ProviderConfig struct {
	Name           string            `json:"name" yaml:"name" firestore:"name"`
	Kind           string            `json:"kind,omitempty" yaml:"kind" firestore:"kind"`
	OrderHint      int               `json:"order_hint" yaml:"orderHint" firestore:"order_hint"`
	Values         map[string]string `json:"-" yaml:"values" firestore:"values"`
	ConfigRef      string            `json:"config_ref,omitempty" yaml:"-" firestore:"-"`
	LoginTemplate  string            `json:"login_template,omitempty" yaml:"loginTemplate" firestore:"login_template"`
	TemplateSyntax string            `json:"template_syntax,omitempty" yaml:"templateSyntax" firestore:"template_syntax"`
}

// KindOrName returns Kind, or Name when no kind is set
func (c ProviderConfig) KindOrName() string {
	if c.Kind != "" {
		return c.Kind
	}
	return c.Name
}

// UserStore reads and writes local users
type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
	FindUserByBinding(ctx context.Context, issuer, internalID string) (*User, error)
	// FindUsersByEmail matches case-insensitively, oldest user first
	FindUsersByEmail(ctx context.Context, email string) ([]*User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	// CreateUser assigns an ID when the user has none. A non-nil avatar is
	// stored in the same write.
	CreateUser(ctx context.Context, user *User, avatar *Avatar) error
	SaveUser(ctx context.Context, user *User) error
	// GetAvatar returns nil when the user has no avatar
	GetAvatar(ctx context.Context, userID string) (*Avatar, error)
	SetAvatar(ctx context.Context, userID string, avatar *Avatar) error
}

// AttachmentStore reads and writes attachments
type AttachmentStore interface {
	GetAttachment(ctx context.Context, ref string) (*Attachment, error)
	PutAttachment(ctx context.Context, attachment *Attachment) error
}

// ProviderStore persists provider configurations
type ProviderStore interface {
	ListProviderConfigs(ctx context.Context) ([]ProviderConfig, error)
	PutProviderConfig(ctx context.Context, cfg ProviderConfig) error
	DeleteProviderConfig(ctx context.Context, name string) error
}

// Storage combines all storage capabilities needed by idfront
type Storage interface {
	UserStore
	AttachmentStore
	ProviderStore
	Close() error
}
