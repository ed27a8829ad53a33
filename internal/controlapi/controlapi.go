// Package controlapi implements the loopback-only Control API (spec.md
// §4.I, §6): a bearer-gated HTTP server exposing proxy lifecycle control,
// configuration, routing, logs, traffic, and certificate endpoints.
//
// Grounded on the teacher's privatemode-proxy/internal/server.Server
// (http.ServeMux routing, *slog.Logger threaded through every handler,
// process.HTTPServeContext-style graceful serve) generalized from a single
// forwarding handler to a small JSON control-plane API.
package controlapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/madappgang/claudish-proxy/internal/buildinfo"
	"github.com/madappgang/claudish-proxy/internal/certmanager"
	"github.com/madappgang/claudish-proxy/internal/classifier"
	"github.com/madappgang/claudish-proxy/internal/httpauth"
	"github.com/madappgang/claudish-proxy/internal/pac"
	"github.com/madappgang/claudish-proxy/internal/ring"
)

// State is the proxy lifecycle state (spec.md §4.I).
type State int

// States.
const (
	StateIdle State = iota
	StateEnabled
)

func (s State) String() string {
	if s == StateEnabled {
		return "enabled"
	}
	return "idle"
}

// ErrAlreadyRunning is returned by Enable when the proxy is already enabled.
var ErrAlreadyRunning = fmt.Errorf("PROXY_ALREADY_RUNNING")

// ErrNotRunning is returned by Disable when the proxy is already idle.
var ErrNotRunning = fmt.Errorf("PROXY_NOT_RUNNING")

// TrafficEntry is one ring-buffer entry describing a forwarded or
// intercepted request, surfaced via GET /traffic.
type TrafficEntry struct {
	Timestamp time.Time
	Method    string
	Host      string
	Path      string
	Decision  string
	Model     string
}

// LogEntry is one ring-buffer entry mirroring a structured log record,
// surfaced via GET /logs independent of the on-disk debug log file.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Message   string
}

// Server is the Control API's HTTP handler set and lifecycle state holder.
type Server struct {
	token          string
	dispatcherPort int
	startedAt      time.Time

	certs      *certmanager.Manager
	classifier *classifier.Classifier

	mu    sync.Mutex
	state State
	debug bool

	traffic *ring.Buffer[TrafficEntry]
	logs    *ring.Buffer[LogEntry]

	log *slog.Logger
}

// Config is the subset of runtime configuration readable/writable via
// GET/POST /config.
type Config struct {
	RoutingEnabled bool              `json:"routingEnabled"`
	ModelMap       map[string]string `json:"modelMap"`
	DebugLogging   bool              `json:"debugLogging"`
}

// New returns a Server bound to token (the bearer secret) and dispatcherPort
// (embedded in the published PAC document).
func New(token string, dispatcherPort int, certs *certmanager.Manager, cl *classifier.Classifier, log *slog.Logger) *Server {
	return &Server{
		token:          token,
		dispatcherPort: dispatcherPort,
		startedAt:      time.Now(),
		certs:          certs,
		classifier:     cl,
		traffic:        ring.New[TrafficEntry](500),
		logs:           ring.New[LogEntry](1000),
		log:            log,
	}
}

// RecordTraffic appends an entry to the bounded traffic ring (spec.md §5).
func (s *Server) RecordTraffic(e TrafficEntry) { s.traffic.Append(e) }

// RecordLog appends an entry to the bounded log ring (spec.md §3).
func (s *Server) RecordLog(e LogEntry) { s.logs.Append(e) }

// Handler returns the routed HTTP handler: public endpoints unguarded,
// the rest behind httpauth.Middleware.
func (s *Server) Handler() http.Handler {
	public := http.NewServeMux()
	public.HandleFunc("GET /health", s.handleHealth)
	public.HandleFunc("GET /proxy.pac", s.handlePAC)

	gated := http.NewServeMux()
	gated.HandleFunc("GET /status", s.handleStatus)
	gated.HandleFunc("GET /config", s.handleGetConfig)
	gated.HandleFunc("POST /config", s.handlePostConfig)
	gated.HandleFunc("POST /proxy/enable", s.handleEnable)
	gated.HandleFunc("POST /proxy/disable", s.handleDisable)
	gated.HandleFunc("GET /logs", s.handleGetLogs)
	gated.HandleFunc("DELETE /logs", s.handleDeleteLogs)
	gated.HandleFunc("GET /traffic", s.handleGetTraffic)
	gated.HandleFunc("DELETE /traffic", s.handleDeleteTraffic)
	gated.HandleFunc("GET /models", s.handleGetModels)
	gated.HandleFunc("POST /models/refresh", s.handleRefreshModels)
	gated.HandleFunc("GET /routing", s.handleGetRouting)
	gated.HandleFunc("POST /routing", s.handlePostRouting)
	gated.HandleFunc("POST /debug", s.handleDebug)
	gated.HandleFunc("GET /certificates/ca", s.handleCertificatesCA)
	gated.HandleFunc("GET /certificates/status", s.handleCertificatesStatus)

	mux := http.NewServeMux()
	mux.Handle("/health", public)
	mux.Handle("/proxy.pac", public)
	mux.Handle("/", httpauth.Middleware(s.token, gated))
	return allowLoopbackOrigin(mux)
}

// allowLoopbackOrigin is a response-header mutator, modeled on the teacher's
// allowWails (privatemode-proxy/internal/server/server.go), generalized from
// a single wails:// scheme check to an explicit loopback-origin allow-list:
// the Control API is addressed from a local Electron/browser UI and must
// never reflect an arbitrary Origin back (spec.md §6: "CORS is restricted to
// loopback origins").
func allowLoopbackOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); isLoopbackOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isLoopbackOrigin reports whether origin is a well-formed "scheme://host[:port]"
// value whose host is a loopback address (127.0.0.1, ::1, or localhost).
func isLoopbackOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": buildinfo.Version(),
		"uptime":  time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handlePAC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", pac.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(pac.Document(s.dispatcherPort)))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	state := s.state
	debug := s.debug
	s.mu.Unlock()

	routing := s.classifier.Routing()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":          state.String(),
		"debugLogging":   debug,
		"routingEnabled": routing.Enabled,
		"currentModel":   s.classifier.Tracker().CurrentModel(),
		"uptime":         time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	debug := s.debug
	s.mu.Unlock()
	routing := s.classifier.Routing()
	writeJSON(w, http.StatusOK, Config{RoutingEnabled: routing.Enabled, ModelMap: routing.ModelMap, DebugLogging: debug})
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var cfg Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	s.classifier.SetRouting(classifier.RoutingConfig{Enabled: cfg.RoutingEnabled, ModelMap: cfg.ModelMap})
	s.mu.Lock()
	s.debug = cfg.DebugLogging
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Enable transitions Idle->Enabled, failing if already enabled.
func (s *Server) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnabled {
		return ErrAlreadyRunning
	}
	s.state = StateEnabled
	return nil
}

// Disable transitions Enabled->Idle, failing if already idle.
func (s *Server) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return ErrNotRunning
	}
	s.state = StateIdle
	return nil
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if err := s.Enable(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": s.state.String()})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.Disable(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "state": s.state.String()})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.logs.Snapshot(0)})
}

func (s *Server) handleDeleteLogs(w http.ResponseWriter, r *http.Request) {
	s.logs.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetTraffic(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"traffic": s.traffic.Snapshot(0)})
}

func (s *Server) handleDeleteTraffic(w http.ResponseWriter, r *http.Request) {
	s.traffic.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"currentModel": s.classifier.Tracker().CurrentModel()})
}

func (s *Server) handleRefreshModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleGetRouting(w http.ResponseWriter, r *http.Request) {
	routing := s.classifier.Routing()
	writeJSON(w, http.StatusOK, map[string]any{"enabled": routing.Enabled, "modelMap": routing.ModelMap})
}

func (s *Server) handlePostRouting(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled  bool              `json:"enabled"`
		ModelMap map[string]string `json:"modelMap"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	s.classifier.SetRouting(classifier.RoutingConfig{Enabled: body.Enabled, ModelMap: body.ModelMap})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	s.mu.Lock()
	s.debug = body.Enabled
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCertificatesCA(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.certs.CACertificate())
}

func (s *Server) handleCertificatesStatus(w http.ResponseWriter, r *http.Request) {
	fp := s.certs.CAFingerprint()
	writeJSON(w, http.StatusOK, map[string]any{"fingerprint": fmt.Sprintf("%x", fp)})
}

// BridgeTokenFile is the JSON shape persisted to ~/.claudish-proxy/bridge-token
// (spec.md §4.I, §6).
type BridgeTokenFile struct {
	Port      int       `json:"port"`
	Token     string    `json:"token"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
}
