package cookie

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCookie(t *testing.T) {
	t.Setenv("IDFRONT_ENV", "")

	rec := httptest.NewRecorder()
	SetSession(rec, "idfront_session", "abc", "/")
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "abc", cookies[0].Value)
	assert.True(t, cookies[0].Secure)
	assert.True(t, cookies[0].HttpOnly)
	assert.Zero(t, cookies[0].MaxAge)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(cookies[0])
	value, err := Get(r, "idfront_session")
	require.NoError(t, err)
	assert.Equal(t, "abc", value)

	_, err = Get(r, "other")
	assert.ErrorIs(t, err, http.ErrNoCookie)

	rec = httptest.NewRecorder()
	Clear(rec, "idfront_session", "/")
	assert.Equal(t, -1, rec.Result().Cookies()[0].MaxAge)
}

func TestSessionCookie_DevIsNotSecure(t *testing.T) {
	t.Setenv("IDFRONT_ENV", "dev")

	rec := httptest.NewRecorder()
	SetSession(rec, "idfront_session", "abc", "/")
	assert.False(t, rec.Result().Cookies()[0].Secure)
}
