package idp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFactory(t *testing.T) {
	f := DefaultFactory()
	assert.Equal(t, []string{"azure", "github", "google", "oidc"}, f.Kinds())

	tests := []struct {
		kind string
		want any
	}{
		{"google", &GoogleProvider{}},
		{"github", &GitHubProvider{}},
		{"oidc", &OIDCProvider{}},
		{"azure", &AzureProvider{}},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			p, err := f.New(tt.kind)
			require.NoError(t, err)
			assert.IsType(t, tt.want, p)
		})
	}

	_, err := f.New("saml")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestFactory_NewReturnsFreshInstances(t *testing.T) {
	f := DefaultFactory()
	a, err := f.New("google")
	require.NoError(t, err)
	b, err := f.New("google")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestFactory_OnRegister(t *testing.T) {
	f := NewFactory()
	var registered []string
	f.OnRegister(func(kind string) { registered = append(registered, kind) })

	f.Register("custom", NewOIDCProvider)
	f.Register("custom", NewGoogleProvider)

	assert.Equal(t, []string{"custom", "custom"}, registered)
	p, err := f.New("custom")
	require.NoError(t, err)
	assert.IsType(t, &GoogleProvider{}, p)
}
