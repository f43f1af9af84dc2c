package storage

import (
	"context"
	"testing"

	"github.com/dgellow/idfront/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreStorageConfig(t *testing.T) {
	ctx := context.Background()
	encryptor, err := crypto.NewEncryptor([]byte("test-encryption-key-32-bytes-ok!"))
	require.NoError(t, err)

	collections := FirestoreCollections{
		Users:       "idfront_users",
		Attachments: "idfront_attachments",
		Providers:   "idfront_providers",
	}

	tests := []struct {
		name        string
		projectID   string
		collections FirestoreCollections
		encryptor   crypto.Encryptor
		wantErr     string
	}{
		{
			name:        "missing GCP project ID",
			collections: collections,
			encryptor:   encryptor,
			wantErr:     "projectID is required",
		},
		{
			name:        "nil encryptor",
			projectID:   "test-project",
			collections: collections,
			wantErr:     "encryptor is required",
		},
		{
			name:        "missing provider collection",
			projectID:   "test-project",
			collections: FirestoreCollections{Users: "u", Attachments: "a"},
			encryptor:   encryptor,
			wantErr:     "collection is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFirestoreStorage(ctx, tt.projectID, "(default)", tt.collections, tt.encryptor)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewUserDoc(t *testing.T) {
	user := &User{
		ID:       "u1",
		Username: "ada",
		Email:    "Ada@Example.com",
		Bindings: []Binding{
			{Issuer: "https://accounts.google.com", InternalID: "42", Provider: "google"},
			{Issuer: "github", InternalID: "7", Provider: "github"},
		},
	}

	doc := newUserDoc(user)
	assert.Equal(t, "ada@example.com", doc.EmailLower)
	assert.Equal(t, []string{"https://accounts.google.com|42", "github|7"}, doc.BindingKeys)

	back := doc.toUser("u1")
	assert.Equal(t, user.Bindings, back.Bindings)
	assert.Equal(t, "Ada@Example.com", back.Email)
}

func TestOrderProviders(t *testing.T) {
	entries := []positionedProvider{
		{config: ProviderConfig{Name: "manual-b"}, id: "manual-b"},
		{config: ProviderConfig{Name: "second"}, id: "z", position: 20, hasPosition: true},
		{config: ProviderConfig{Name: "manual-a"}, id: "manual-a"},
		{config: ProviderConfig{Name: "first"}, id: "y", position: 10, hasPosition: true},
	}

	var names []string
	for _, cfg := range orderProviders(entries) {
		names = append(names, cfg.Name)
	}
	assert.Equal(t, []string{"first", "second", "manual-a", "manual-b"}, names)
}
