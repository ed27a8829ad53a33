package controlapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madappgang/claudish-proxy/internal/certmanager"
	"github.com/madappgang/claudish-proxy/internal/classifier"
	"github.com/madappgang/claudish-proxy/internal/convstore"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	fs := afero.Afero{Fs: afero.NewMemMapFs()}
	log := slog.New(slog.DiscardHandler)
	certs := certmanager.New(fs, "/workspace", log)
	require.NoError(t, certs.Initialize())
	cl := classifier.New(convstore.New(), log)
	return New("secret-token", 9999, certs, cl, log), "secret-token"
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestHealthIsPublic(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPACIsPublicAndEmbedsPort(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/proxy.pac", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "127.0.0.1:9999")
}

func TestGatedEndpointRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGatedEndpointAllowsValidToken(t *testing.T) {
	s, token := newTestServer(t)
	req := authed(httptest.NewRequest(http.MethodGet, "/status", nil), token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnableDisableLifecycleIsIdempotentWithErrors(t *testing.T) {
	s, token := newTestServer(t)

	req := authed(httptest.NewRequest(http.MethodPost, "/proxy/enable", nil), token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = authed(httptest.NewRequest(http.MethodPost, "/proxy/enable", nil), token)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrAlreadyRunning.Error())

	req = authed(httptest.NewRequest(http.MethodPost, "/proxy/disable", nil), token)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = authed(httptest.NewRequest(http.MethodPost, "/proxy/disable", nil), token)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrNotRunning.Error())
}

func TestPostRoutingUpdatesClassifier(t *testing.T) {
	s, token := newTestServer(t)
	body := strings.NewReader(`{"enabled":true,"modelMap":{"claude-sonnet-4-5":"oai/gpt-4o"}}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/routing", body), token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	routing := s.classifier.Routing()
	assert.True(t, routing.Enabled)
	assert.Equal(t, "oai/gpt-4o", routing.ModelMap["claude-sonnet-4-5"])
}

func TestCertificatesCAServesCAPEM(t *testing.T) {
	s, token := newTestServer(t)
	req := authed(httptest.NewRequest(http.MethodGet, "/certificates/ca", nil), token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BEGIN CERTIFICATE")
}

func TestCORSAllowsLoopbackOrigin(t *testing.T) {
	s, token := newTestServer(t)
	req := authed(httptest.NewRequest(http.MethodGet, "/status", nil), token)
	req.Header.Set("Origin", "http://127.0.0.1:5173")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://127.0.0.1:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSRejectsNonLoopbackOrigin(t *testing.T) {
	s, token := newTestServer(t)
	req := authed(httptest.NewRequest(http.MethodGet, "/status", nil), token)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflightIsHandled(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestTrafficAndLogsRingsRoundtrip(t *testing.T) {
	s, token := newTestServer(t)
	s.RecordTraffic(TrafficEntry{Method: "POST", Host: "claude.ai"})
	s.RecordLog(LogEntry{Level: "INFO", Message: "hello"})

	req := authed(httptest.NewRequest(http.MethodGet, "/traffic", nil), token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var trafficResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trafficResp))
	assert.Len(t, trafficResp["traffic"], 1)

	req = authed(httptest.NewRequest(http.MethodDelete, "/traffic", nil), token)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, s.traffic.Len())

	req = authed(httptest.NewRequest(http.MethodGet, "/logs", nil), token)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var logsResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logsResp))
	assert.Len(t, logsResp["logs"], 1)

	req = authed(httptest.NewRequest(http.MethodDelete, "/logs", nil), token)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, s.logs.Len())
}
