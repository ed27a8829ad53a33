package httpauth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAuthExtractsBearerToken(t *testing.T) {
	header := http.Header{}
	header.Set("Authorization", "Bearer abc123")

	tok, err := GetAuth(Bearer, header)
	require.NoError(t, err)
	assert.Equal(t, "abc123", tok)
}

func TestGetAuthRejectsWrongScheme(t *testing.T) {
	header := http.Header{}
	header.Set("Authorization", "Basic abc123")

	_, err := GetAuth(Bearer, header)
	assert.Error(t, err)
}

func TestGetAuthRejectsMissingHeader(t *testing.T) {
	_, err := GetAuth(Bearer, http.Header{})
	assert.Error(t, err)
}

func TestGenerateTokenIsRandomAndHexEncoded(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)
}

func TestMiddlewareRejectsMissingOrWrongToken(t *testing.T) {
	handler := Middleware("correct-token", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAllowsCorrectToken(t *testing.T) {
	handler := Middleware("correct-token", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer correct-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
