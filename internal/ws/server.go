package ws

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/procrelay/procrelay/internal/event"
	"github.com/procrelay/procrelay/internal/logging"
)

// DefaultLogLimit is the /api/logs page size when no limit is given.
const DefaultLogLimit = 100

// LogSource answers recent-log queries.
type LogSource interface {
	RecentLogs(processID *int, limit int) []event.LogEntry
}

type ServerConfig struct {
	AllowedOrigins []string
	AuthToken      string
	// MaxConnections caps live sessions; 0 means unlimited.
	MaxConnections int
	// MaxLogLimit caps /api/logs; usually the log buffer capacity.
	MaxLogLimit int
}

type ServerOption func(*Server)

// WithStatic serves h for every path not matched by an API route.
func WithStatic(h http.Handler) ServerOption {
	return func(s *Server) { s.static = h }
}

// WithHealth adds the value returned by fn to /healthz as "poll".
func WithHealth(fn func() any) ServerOption {
	return func(s *Server) { s.pollHealth = fn }
}

type Server struct {
	cfg            ServerConfig
	hub            *Hub
	snapshots      SnapshotSource
	logs           LogSource
	static         http.Handler
	pollHealth     func() any
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	upgrader       websocket.Upgrader
	log            zerolog.Logger
}

func NewServer(cfg ServerConfig, hub *Hub, snapshots SnapshotSource, logs LogSource, opts ...ServerOption) *Server {
	s := &Server{
		cfg:            cfg,
		hub:            hub,
		snapshots:      snapshots,
		logs:           logs,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		log:            logging.Component("server"),
	}
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the relay's HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/ws", s.handleWS)
		r.Get("/api/processes", s.handleProcesses)
		r.Get("/api/logs", s.handleLogs)
	})

	if s.static != nil {
		r.Handle("/*", s.static)
	}
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnections > 0 && s.hub.Count() >= s.cfg.MaxConnections {
		s.log.Warn().Int("max", s.cfg.MaxConnections).Str("remote", r.RemoteAddr).Msg("connection limit reached")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}
	if _, err := s.hub.Accept(conn); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

type processesResponse struct {
	Processes []event.Process `json:"processes"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	resp := processesResponse{Processes: []event.Process{}}
	if snap, ok := s.snapshots.Latest(); ok {
		resp.Processes = snap.Processes()
		if resp.Processes == nil {
			resp.Processes = []event.Process{}
		}
		at := snap.EmittedAt()
		resp.Timestamp = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

type logsResponse struct {
	Logs []event.LogEntry `json:"logs"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var processID *int
	if raw := q.Get("processId"); raw != "" && raw != "all" {
		id, err := strconv.Atoi(raw)
		if err != nil || id < event.DaemonProcessID {
			writeError(w, http.StatusBadRequest, event.CodeBadProcessID, fmt.Sprintf("invalid processId %q", raw))
			return
		}
		processID = &id
	}

	limit := DefaultLogLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "BAD_LIMIT", fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	if s.cfg.MaxLogLimit > 0 && limit > s.cfg.MaxLogLimit {
		limit = s.cfg.MaxLogLimit
	}

	logs := s.logs.RecentLogs(processID, limit)
	if logs == nil {
		logs = []event.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Logs: logs})
}

type healthResponse struct {
	Status            string `json:"status"`
	UpstreamConnected bool   `json:"upstreamConnected"`
	Sessions          int    `json:"sessions"`
	Poll              any    `json:"poll,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:            "ok",
		UpstreamConnected: s.hub.UpstreamConnected(),
		Sessions:          s.hub.Count(),
	}
	if !resp.UpstreamConnected {
		resp.Status = "degraded"
	}
	if s.pollHealth != nil {
		resp.Poll = s.pollHealth()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "message": msg})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.cfg.AuthToken {
		return true
	}
	if r.Header.Get("X-Procrelay-Token") == s.cfg.AuthToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.cfg.AuthToken
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}
