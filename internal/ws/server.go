package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// ServerConfig tunes the /watch endpoint.
type ServerConfig struct {
	AllowedOrigins []string
	SendBuffer     int
	WriteTimeout   time.Duration
	Logger         Logger
}

// Server upgrades /watch/{username} requests into registered sessions.
type Server struct {
	registry       *Registry
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	sendBuffer     int
	writeTimeout   time.Duration
	logger         Logger

	// mu orders session admission against Shutdown: once closing is set no
	// session is registered and wg is never added to.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewServer(registry *Registry, cfg ServerConfig) *Server {
	s := &Server{
		registry:       registry,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		sendBuffer:     cfg.SendBuffer,
		writeTimeout:   cfg.WriteTimeout,
		logger:         cfg.Logger,
	}
	if s.sendBuffer <= 0 {
		s.sendBuffer = 64
	}
	if s.logger == nil {
		s.logger = defaultLogger
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

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
	return s
}

// HandleWatch is mounted at /watch/{username}.
func (s *Server) HandleWatch(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if username == "" {
		http.Error(w, "missing username", http.StatusBadRequest)
		return
	}

	if s.isClosing() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.logger.Errorf("/watch/%s: upgrade failed: %v", username, err)
		return
	}

	c := newConn(wsConn, s.sendBuffer, s.writeTimeout)
	sess := NewSession(username, c)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.logger.Debugf("/watch/%s: shutting down, closing new connection", username)
		_ = c.Close()
		return
	}
	if err := s.registry.Register(sess); err != nil {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debugf("/watch/%s: accepted WebSocket connection (id: %s)", username, sess.ID)
	go s.run(sess, c)
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// run consumes the session's lifecycle events. The deferred Unregister is the
// only place a served session leaves the registry.
func (s *Server) run(sess *Session, c *conn) {
	defer s.wg.Done()
	defer func() {
		s.registry.Unregister(sess.ID)
		_ = c.Close()
	}()

	for ev := range c.events() {
		switch ev.Kind {
		case EventMessage:
			s.logger.Debugf("session for user %q (id: %s) message: %s", sess.Username, sess.ID, ev.Data)
			if string(ev.Data) == pingText {
				if err := c.Send([]byte(pongText)); err != nil {
					s.logger.Errorf("session for user %q (id: %s) pong: %v", sess.Username, sess.ID, err)
				}
			}
		case EventClose:
			s.logger.Debugf("session for user %q (id: %s) closed: %v", sess.Username, sess.ID, ev.Err)
		case EventError:
			s.logger.Errorf("session for user %q (id: %s) error: %v", sess.Username, sess.ID, ev.Err)
		}
	}
}

// Shutdown stops admitting sessions, closes every registered one and waits
// for their loops to finish unregistering, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
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
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}
