// Package web is the browser gateway: session listings over HTTP, registry
// changes over server-sent events and live terminals over websockets.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/termdeck/termdeck/internal/logging"
	"github.com/termdeck/termdeck/internal/protocol"
	"github.com/termdeck/termdeck/internal/session"
)

var webLog = logging.ForComponent(logging.CompWS)

// Config defines runtime options for the gateway.
type Config struct {
	ListenAddr string
	ReadOnly   bool
	Token      string
	// ScrollbackBytes is replayed to a websocket before live output.
	ScrollbackBytes int
}

// Server serves one session registry over HTTP.
type Server struct {
	cfg        Config
	reg        *session.Registry
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func NewServer(cfg Config, reg *session.Registry) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:7681"
	}

	s := &Server{cfg: cfg, reg: reg}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       true,
			"sessions": len(reg.List()),
			"readOnly": cfg.ReadOnly,
			"time":     time.Now().UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/session/", s.handleSessionByID)
	mux.HandleFunc("/events/sessions", s.handleSessionEvents)
	mux.HandleFunc("/ws/session/", s.handleSessionWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Addr() string { return s.httpServer.Addr }

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run listens on ListenAddr until ctx is cancelled. It fits daemon.Options.Extra.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("web gateway listen: %w", err)
	}
	webLog.Info("web_listening", slog.String("addr", ln.Addr().String()), slog.Bool("token", s.cfg.Token != ""))

	errc := make(chan error, 1)
	go func() { errc <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully stops the server, force-closing long-lived streams
// that outlast ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	active := s.reg.ActiveID()
	out := sessionsResponse{ActiveID: active, Sessions: make([]protocol.SessionInfo, 0)}
	for _, sess := range s.reg.List() {
		out.Sessions = append(out.Sessions, protocol.Info(sess, active, s.reg.Process(sess.ID) != nil))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	sess, ok := s.lookup(w, strings.TrimPrefix(r.URL.Path, "/api/session/"))
	if !ok {
		return
	}
	info := protocol.Info(sess, s.reg.ActiveID(), s.reg.Process(sess.ID) != nil)
	if r.URL.Query().Get("output") != "1" {
		writeJSON(w, http.StatusOK, info)
		return
	}
	out := sessionOutputResponse{SessionInfo: info}
	if ctrl := s.reg.Control(sess.ID); ctrl != nil {
		out.Output = ctrl.Output()
		out.Assistant = ctrl.AssistantActive()
	}
	writeJSON(w, http.StatusOK, out)
}

// lookup resolves an id, unique id prefix or exact name and writes the error response
// when there is no match.
func (s *Server) lookup(w http.ResponseWriter, ref string) (session.Session, bool) {
	if ref == "" || strings.Contains(ref, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return session.Session{}, false
	}
	sess, ok := s.reg.Lookup(ref)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return session.Session{}, false
	}
	return sess, true
}

// sessionOutputResponse adds the text captured since the last command.
type sessionOutputResponse struct {
	protocol.SessionInfo
	Output    string `json:"output"`
	Assistant bool   `json:"assistant"`
}

type sessionsResponse struct {
	ActiveID string                 `json:"activeId"`
	Sessions []protocol.SessionInfo `json:"sessions"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, readOnly=%t)", s.cfg.ListenAddr, s.cfg.ReadOnly)
}
