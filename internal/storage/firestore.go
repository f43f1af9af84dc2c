package storage

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/idfront/internal/crypto"
	"github.com/dgellow/idfront/internal/emailutil"
	"github.com/dgellow/idfront/internal/log"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// secretValueKeys are provider config values encrypted at rest
var secretValueKeys = []string{"clientSecret"}

// FirestoreCollections names the collections used by FirestoreStorage
type FirestoreCollections struct {
	Users       string
	Attachments string
	Providers   string
}

// FirestoreStorage implements Storage using Google Cloud Firestore.
//
// Users are keyed by id and carry denormalized binding_keys and email_lower
// fields for the lookups the reconciler needs. Avatars live next to
// attachments as "avatar_<userID>" documents.
type FirestoreStorage struct {
	client      *firestore.Client
	collections FirestoreCollections
	encryptor   crypto.Encryptor
}

// Ensure FirestoreStorage implements Storage interface
var _ Storage = (*FirestoreStorage)(nil)

// UserDoc represents a user document in Firestore
type UserDoc struct {
	Username     string            `firestore:"username"`
	FirstName    string            `firestore:"first_name"`
	LastName     string            `firestore:"last_name"`
	Email        string            `firestore:"email"`
	EmailLower   string            `firestore:"email_lower"`
	PasswordHash []byte            `firestore:"password_hash,omitempty"`
	Active       bool              `firestore:"active"`
	IsAdmin      bool              `firestore:"is_admin"`
	Bindings     []Binding         `firestore:"bindings"`
	BindingKeys  []string          `firestore:"binding_keys"`
	Fields       map[string]string `firestore:"fields,omitempty"`
	CreatedAt    time.Time         `firestore:"created_at"`
	UpdatedAt    time.Time         `firestore:"updated_at"`
}

// BlobDoc represents an attachment or avatar document in Firestore
type BlobDoc struct {
	Filename  string    `firestore:"filename,omitempty"`
	MediaType string    `firestore:"media_type"`
	Data      []byte    `firestore:"data"`
	ModTime   time.Time `firestore:"mod_time"`
}

// ProviderDoc represents a provider configuration document in Firestore.
// The document id is the provider name.
type ProviderDoc struct {
	Kind           string            `firestore:"kind"`
	OrderHint      int               `firestore:"order_hint"`
	Values         map[string]string `firestore:"values"`
	LoginTemplate  string            `firestore:"login_template"`
	TemplateSyntax string            `firestore:"template_syntax"`
	Position       int64             `firestore:"position"`
}

func newUserDoc(user *User) UserDoc {
	keys := make([]string, 0, len(user.Bindings))
	for _, b := range user.Bindings {
		keys = append(keys, b.Key())
	}
	return UserDoc{
		Username:     user.Username,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		Email:        user.Email,
		EmailLower:   emailutil.Normalize(user.Email),
		PasswordHash: user.PasswordHash,
		Active:       user.Active,
		IsAdmin:      user.IsAdmin,
		Bindings:     user.Bindings,
		BindingKeys:  keys,
		Fields:       user.Fields,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}
}

func (d UserDoc) toUser(id string) *User {
	return &User{
		ID:           id,
		Username:     d.Username,
		FirstName:    d.FirstName,
		LastName:     d.LastName,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		Active:       d.Active,
		IsAdmin:      d.IsAdmin,
		Bindings:     d.Bindings,
		Fields:       d.Fields,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// NewFirestoreStorage creates a new Firestore storage instance. The
// encryptor protects provider client secrets at rest.
func NewFirestoreStorage(ctx context.Context, projectID, database string, collections FirestoreCollections, encryptor crypto.Encryptor) (*FirestoreStorage, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}

	// Validate required parameters
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collections.Users == "" || collections.Attachments == "" || collections.Providers == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	// Firestore client with custom database
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("storage", "Connected to Firestore", map[string]any{
		"project":  projectID,
		"database": database,
		"users":    collections.Users,
	})

	return &FirestoreStorage{
		client:      client,
		collections: collections,
		encryptor:   encryptor,
	}, nil
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}

func (s *FirestoreStorage) users() *firestore.CollectionRef {
	return s.client.Collection(s.collections.Users)
}

func (s *FirestoreStorage) attachments() *firestore.CollectionRef {
	return s.client.Collection(s.collections.Attachments)
}

func (s *FirestoreStorage) providers() *firestore.CollectionRef {
	return s.client.Collection(s.collections.Providers)
}

func avatarDocID(userID string) string {
	return "avatar_" + userID
}

// GetUser returns the user with the given id
func (s *FirestoreStorage) GetUser(ctx context.Context, id string) (*User, error) {
	doc, err := s.users().Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user from Firestore: %w", err)
	}

	var userDoc UserDoc
	if err := doc.DataTo(&userDoc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return userDoc.toUser(doc.Ref.ID), nil
}

// queryUsers runs q and returns the matching users oldest first
func (s *FirestoreStorage) queryUsers(ctx context.Context, q firestore.Query) ([]*User, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var users []*User
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate users: %w", err)
		}

		var userDoc UserDoc
		if err := doc.DataTo(&userDoc); err != nil {
			log.LogError("Failed to unmarshal user (id: %s): %v", doc.Ref.ID, err)
			continue
		}
		users = append(users, userDoc.toUser(doc.Ref.ID))
	}

	// Sorted here rather than in the query so no composite index is needed
	slices.SortStableFunc(users, func(a, b *User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return users, nil
}

// FindUserByBinding returns the user bound to (issuer, internalID)
func (s *FirestoreStorage) FindUserByBinding(ctx context.Context, issuer, internalID string) (*User, error) {
	key := Binding{Issuer: issuer, InternalID: internalID}.Key()
	users, err := s.queryUsers(ctx, s.users().Where("binding_keys", "array-contains", key))
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrUserNotFound
	}
	return users[0], nil
}

// FindUsersByEmail returns users whose email matches, oldest first
func (s *FirestoreStorage) FindUsersByEmail(ctx context.Context, email string) ([]*User, error) {
	normalized := emailutil.Normalize(email)
	if normalized == "" {
		return nil, nil
	}
	return s.queryUsers(ctx, s.users().Where("email_lower", "==", normalized))
}

// UsernameExists reports whether a user already has username
func (s *FirestoreStorage) UsernameExists(ctx context.Context, username string) (bool, error) {
	docs, err := s.users().Where("username", "==", username).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return false, fmt.Errorf("failed to query username: %w", err)
	}
	return len(docs) > 0, nil
}

// CreateUser stores a new user. The username check and the write run in
// one transaction.
func (s *FirestoreStorage) CreateUser(ctx context.Context, user *User, avatar *Avatar) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		taken, err := tx.Documents(s.users().Where("username", "==", user.Username).Limit(1)).GetAll()
		if err != nil {
			return fmt.Errorf("failed to query username: %w", err)
		}
		if len(taken) > 0 {
			return fmt.Errorf("%w: %s", ErrUsernameTaken, user.Username)
		}
		owners, err := s.bindingOwners(tx, user)
		if err != nil {
			return err
		}
		if err := releaseBindings(tx, owners, user); err != nil {
			return err
		}
		if err := tx.Create(s.users().Doc(user.ID), newUserDoc(user)); err != nil {
			return err
		}
		if avatar == nil {
			return nil
		}
		return tx.Set(s.attachments().Doc(avatarDocID(user.ID)), avatarDoc(avatar))
	})
}

// SaveUser replaces an existing user
func (s *FirestoreStorage) SaveUser(ctx context.Context, user *User) error {
	user.UpdatedAt = time.Now()
	ref := s.users().Doc(user.ID)

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrUserNotFound
			}
			return fmt.Errorf("failed to get user from Firestore: %w", err)
		}
		var current UserDoc
		if err := existing.DataTo(&current); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		user.CreatedAt = current.CreatedAt

		if current.Username != user.Username {
			taken, err := tx.Documents(s.users().Where("username", "==", user.Username).Limit(1)).GetAll()
			if err != nil {
				return fmt.Errorf("failed to query username: %w", err)
			}
			if len(taken) > 0 {
				return fmt.Errorf("%w: %s", ErrUsernameTaken, user.Username)
			}
		}

		owners, err := s.bindingOwners(tx, user)
		if err != nil {
			return err
		}
		if err := releaseBindings(tx, owners, user); err != nil {
			return err
		}
		return tx.Set(ref, newUserDoc(user))
	})
}

// bindingOwners reads the other users currently holding one of the user's
// binding keys. Firestore transactions need every read before the writes.
func (s *FirestoreStorage) bindingOwners(tx *firestore.Transaction, user *User) ([]*firestore.DocumentSnapshot, error) {
	if len(user.Bindings) == 0 {
		return nil, nil
	}
	keys := make([]any, 0, len(user.Bindings))
	for _, b := range user.Bindings {
		keys = append(keys, b.Key())
	}
	docs, err := tx.Documents(s.users().Where("binding_keys", "array-contains-any", keys)).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query binding owners: %w", err)
	}
	return slices.DeleteFunc(docs, func(doc *firestore.DocumentSnapshot) bool {
		return doc.Ref.ID == user.ID
	}), nil
}

// releaseBindings drops the user's binding keys from their previous owners
func releaseBindings(tx *firestore.Transaction, owners []*firestore.DocumentSnapshot, user *User) error {
	keys := make(map[string]bool, len(user.Bindings))
	for _, b := range user.Bindings {
		keys[b.Key()] = true
	}

	for _, doc := range owners {
		var other UserDoc
		if err := doc.DataTo(&other); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		previous := other.toUser(doc.Ref.ID)
		previous.Bindings = slices.DeleteFunc(previous.Bindings, func(b Binding) bool {
			return keys[b.Key()]
		})
		log.LogInfoWithFields("storage", "Moving identity binding to another user", map[string]any{
			"from": previous.ID,
			"to":   user.ID,
		})
		if err := tx.Set(doc.Ref, newUserDoc(previous)); err != nil {
			return err
		}
	}
	return nil
}

// GetAvatar returns the user's avatar or nil
func (s *FirestoreStorage) GetAvatar(ctx context.Context, userID string) (*Avatar, error) {
	doc, err := s.attachments().Doc(avatarDocID(userID)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get avatar from Firestore: %w", err)
	}

	var blob BlobDoc
	if err := doc.DataTo(&blob); err != nil {
		return nil, fmt.Errorf("failed to unmarshal avatar: %w", err)
	}
	return &Avatar{Filename: blob.Filename, MediaType: blob.MediaType, Data: blob.Data, ModTime: blob.ModTime}, nil
}

// SetAvatar replaces the user's avatar
func (s *FirestoreStorage) SetAvatar(ctx context.Context, userID string, avatar *Avatar) error {
	if _, err := s.users().Doc(userID).Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to get user from Firestore: %w", err)
	}

	if _, err := s.attachments().Doc(avatarDocID(userID)).Set(ctx, avatarDoc(avatar)); err != nil {
		return fmt.Errorf("failed to store avatar in Firestore: %w", err)
	}
	return nil
}

func avatarDoc(avatar *Avatar) BlobDoc {
	return BlobDoc{
		Filename:  avatar.Filename,
		MediaType: avatar.MediaType,
		Data:      avatar.Data,
		ModTime:   avatar.ModTime,
	}
}

// GetAttachment returns the attachment stored under ref
func (s *FirestoreStorage) GetAttachment(ctx context.Context, ref string) (*Attachment, error) {
	doc, err := s.attachments().Doc(ref).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrAttachmentNotFound
		}
		return nil, fmt.Errorf("failed to get attachment from Firestore: %w", err)
	}

	var blob BlobDoc
	if err := doc.DataTo(&blob); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachment: %w", err)
	}
	return &Attachment{Ref: ref, MediaType: blob.MediaType, Data: blob.Data, ModTime: blob.ModTime}, nil
}

// PutAttachment stores or replaces an attachment
func (s *FirestoreStorage) PutAttachment(ctx context.Context, attachment *Attachment) error {
	if attachment.Ref == "" {
		return fmt.Errorf("attachment ref is required")
	}
	modTime := attachment.ModTime
	if modTime.IsZero() {
		modTime = time.Now()
	}
	_, err := s.attachments().Doc(attachment.Ref).Set(ctx, BlobDoc{
		MediaType: attachment.MediaType,
		Data:      attachment.Data,
		ModTime:   modTime,
	})
	if err != nil {
		return fmt.Errorf("failed to store attachment in Firestore: %w", err)
	}
	return nil
}

// ListProviderConfigs returns the provider documents in insertion order.
// Documents that cannot be decoded or decrypted are skipped. Ordering
// happens after the fetch because a Firestore OrderBy drops documents
// lacking the field; those come last, by document ID.
func (s *FirestoreStorage) ListProviderConfigs(ctx context.Context) ([]ProviderConfig, error) {
	iter := s.providers().Documents(ctx)
	defer iter.Stop()

	var entries []positionedProvider
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating Firestore documents: %w", err)
		}

		cfg, err := s.providerFromDoc(doc)
		if err != nil {
			log.LogError("Failed to load provider from Firestore (name: %s): %v", doc.Ref.ID, err)
			continue
		}
		entry := positionedProvider{config: cfg, id: doc.Ref.ID}
		if v, err := doc.DataAt("position"); err == nil {
			if position, ok := v.(int64); ok {
				entry.position = position
				entry.hasPosition = true
			}
		}
		entries = append(entries, entry)
	}

	configs := orderProviders(entries)
	log.LogDebugWithFields("storage", "Loaded provider configurations from Firestore", map[string]any{
		"count": len(configs),
	})
	return configs, nil
}

type positionedProvider struct {
	config      ProviderConfig
	id          string
	position    int64
	hasPosition bool
}

// orderProviders sorts by position, placing entries without one last
func orderProviders(entries []positionedProvider) []ProviderConfig {
	slices.SortStableFunc(entries, func(a, b positionedProvider) int {
		switch {
		case a.hasPosition != b.hasPosition:
			if a.hasPosition {
				return -1
			}
			return 1
		case a.hasPosition:
			if c := cmp.Compare(a.position, b.position); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.id, b.id)
	})
	configs := make([]ProviderConfig, 0, len(entries))
	for _, e := range entries {
		configs = append(configs, e.config)
	}
	return configs
}

func (s *FirestoreStorage) providerFromDoc(doc *firestore.DocumentSnapshot) (ProviderConfig, error) {
	var providerDoc ProviderDoc
	if err := doc.DataTo(&providerDoc); err != nil {
		return ProviderConfig{}, fmt.Errorf("failed to unmarshal provider: %w", err)
	}

	values := maps.Clone(providerDoc.Values)
	for _, key := range secretValueKeys {
		encrypted, ok := values[key]
		if !ok || encrypted == "" {
			continue
		}
		decrypted, err := s.encryptor.Decrypt(encrypted)
		if err != nil {
			return ProviderConfig{}, fmt.Errorf("decrypting %s: %w", key, err)
		}
		values[key] = decrypted
	}

	return ProviderConfig{
		Name:           doc.Ref.ID,
		Kind:           providerDoc.Kind,
		OrderHint:      providerDoc.OrderHint,
		Values:         values,
		ConfigRef:      "firestore:" + doc.Ref.Path,
		LoginTemplate:  providerDoc.LoginTemplate,
		TemplateSyntax: providerDoc.TemplateSyntax,
	}, nil
}

// PutProviderConfig adds or replaces the configuration named cfg.Name,
// encrypting client secrets before they are written
func (s *FirestoreStorage) PutProviderConfig(ctx context.Context, cfg ProviderConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("provider name is required")
	}

	values := maps.Clone(cfg.Values)
	for _, key := range secretValueKeys {
		plain, ok := values[key]
		if !ok || plain == "" {
			continue
		}
		encrypted, err := s.encryptor.Encrypt(plain)
		if err != nil {
			return fmt.Errorf("encrypting %s: %w", key, err)
		}
		values[key] = encrypted
	}

	ref := s.providers().Doc(cfg.Name)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		// Keep the original position so a replaced provider does not move
		position := time.Now().UnixNano()
		existing, err := tx.Get(ref)
		switch {
		case err == nil:
			var current ProviderDoc
			if err := existing.DataTo(&current); err == nil {
				position = current.Position
			}
		case status.Code(err) != codes.NotFound:
			return fmt.Errorf("failed to get provider from Firestore: %w", err)
		}

		return tx.Set(ref, ProviderDoc{
			Kind:           cfg.Kind,
			OrderHint:      cfg.OrderHint,
			Values:         values,
			LoginTemplate:  cfg.LoginTemplate,
			TemplateSyntax: cfg.TemplateSyntax,
			Position:       position,
		})
	})
}

// DeleteProviderConfig removes the configuration named name
func (s *FirestoreStorage) DeleteProviderConfig(ctx context.Context, name string) error {
	_, err := s.providers().Doc(name).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete provider from Firestore: %w", err)
	}
	return nil
}

// WatchProviderConfigs calls onChange every time the provider collection
// changes, until ctx is cancelled. The first snapshot is delivered too.
func (s *FirestoreStorage) WatchProviderConfigs(ctx context.Context, onChange func()) error {
	iter := s.providers().Snapshots(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			return fmt.Errorf("watching provider collection: %w", err)
		}
		log.LogDebugWithFields("storage", "Provider collection changed", map[string]any{
			"changes": len(snap.Changes),
			"size":    snap.Size,
		})
		onChange()
	}
}
