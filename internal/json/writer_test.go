package json

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteErrors(t *testing.T) {
	tests := []struct {
		name       string
		write      func(http.ResponseWriter, string)
		wantStatus int
		wantError  string
	}{
		{name: "unauthorized", write: WriteUnauthorized, wantStatus: http.StatusUnauthorized, wantError: "unauthorized"},
		{name: "forbidden", write: WriteForbidden, wantStatus: http.StatusForbidden, wantError: "forbidden"},
		{name: "not found", write: WriteNotFound, wantStatus: http.StatusNotFound, wantError: "not_found"},
		{name: "bad request", write: WriteBadRequest, wantStatus: http.StatusBadRequest, wantError: "bad_request"},
		{name: "internal", write: WriteInternalServerError, wantStatus: http.StatusInternalServerError, wantError: "internal_server_error"},
		{name: "unavailable", write: WriteServiceUnavailable, wantStatus: http.StatusServiceUnavailable, wantError: "service_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w, "details")

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
			assert.Equal(t, "details", body.Message)
		})
	}
}

func TestWriteStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusMethodNotAllowed, "method_not_allowed"},
		{http.StatusBadGateway, "bad_gateway"},
		{http.StatusTeapot, "error"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteStatus(w, tt.status, "x")

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Error)
		})
	}
}

func TestWriteResponse(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteResponse(w, http.StatusCreated, map[string]string{"user": "ada"}))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"user":"ada"}`, w.Body.String())
}
