// Package syncserver implements the websocket side of the file
// synchronization channel: an HTTP server with a discovery endpoint, a
// connection registry with heartbeat eviction, and a session manager
// that executes file operations for bound workspaces.
package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/filewire/filewire/internal/config"
	"github.com/filewire/filewire/internal/filestore"
	"github.com/filewire/filewire/internal/logger"
	"github.com/filewire/filewire/internal/workspace"
)

// ErrPortsExhausted is returned by Start when no port in the probe range
// could be bound
var ErrPortsExhausted = errors.New("no available port for sync server")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The server binds to loopback only; cross-origin browser pages on the
	// same machine are legitimate clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server ties the HTTP listener, registry, session manager, and file
// watcher together
type Server struct {
	cfg      *config.Config
	resolver *workspace.StaticResolver
	store    *filestore.Store
	watcher  *filestore.Watcher
	registry *Registry
	sessions *SessionManager
	log      *logger.Logger

	mu         sync.Mutex
	running    bool
	listener   net.Listener
	httpServer *http.Server
	port       int
}

// NewServer builds a server from configuration. Workspaces named in the
// configuration must exist on disk.
func NewServer(cfg *config.Config) (*Server, error) {
	resolver, err := workspace.NewStaticResolver(cfg.Workspaces)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace configuration: %w", err)
	}

	watcher, err := filestore.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		store:    filestore.New(cfg.MaxFileSize),
		watcher:  watcher,
		log:      logger.Global().WithPrefix("server"),
	}

	s.sessions = NewSessionManager(s.store)
	s.registry = NewRegistry(cfg, resolver, s.sessions, s.watchRoot)

	return s, nil
}

// watchRoot starts watching a workspace root on the current watcher
func (s *Server) watchRoot(workspacePath string) {
	s.mu.Lock()
	watcher := s.watcher
	s.mu.Unlock()

	if watcher == nil {
		return
	}
	if err := watcher.AddRoot(workspacePath); err != nil {
		s.log.Warn("Failed to watch %s: %v", workspacePath, err)
	}
}

// Start binds a port, starting at the configured one and probing upward
// on conflicts, then serves until Stop. Calling Start on a running
// server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	// A previous Stop closed the watcher; a restarted server needs a
	// fresh one. Roots are re-added as connections bind.
	if s.watcher == nil {
		watcher, err := filestore.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create file watcher: %w", err)
		}
		s.watcher = watcher
	}

	listener, port, err := s.probeListen()
	if err != nil {
		return err
	}

	router := httprouter.New()
	router.GET("/ws", s.handleWebSocket)
	router.GET("/discovery/port", s.handleDiscoveryPort)
	router.GET("/healthz", s.handleHealth)

	s.listener = listener
	s.port = port
	s.httpServer = &http.Server{Handler: router}
	s.running = true

	s.registry.Start()

	go s.broadcastLoop(s.watcher)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error: %v", err)
		}
	}()

	s.log.Info("Sync server listening on 127.0.0.1:%d", port)

	return nil
}

// Stop shuts the server down: no new connections, existing ones closed,
// watcher stopped. Calling Stop on a stopped server is a no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	httpServer := s.httpServer
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	s.registry.Stop()
	if watcher != nil {
		_ = watcher.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}

	s.log.Info("Sync server stopped")

	return nil
}

// Port returns the bound port, valid after Start
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// probeListen tries the configured port and increments on conflicts,
// up to the configured number of attempts
func (s *Server) probeListen() (net.Listener, int, error) {
	attempts := s.cfg.PortProbeAttempts
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		port := s.cfg.Port + i
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return listener, listener.Addr().(*net.TCPAddr).Port, nil
		}
		s.log.Debug("Port %d unavailable: %v", port, err)
	}

	return nil, 0, fmt.Errorf("%w: tried %d-%d", ErrPortsExhausted, s.cfg.Port, s.cfg.Port+attempts-1)
}

// broadcastLoop forwards watcher events to bound connections; it ends
// when the watcher is closed
func (s *Server) broadcastLoop(watcher *filestore.Watcher) {
	for ev := range watcher.Events() {
		s.registry.BroadcastFileChanged(ev.BasePath, ev.RelPath)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed: %v", err)
		return
	}

	s.registry.Accept(ws, r.RemoteAddr)
}

func (s *Server) handleDiscoveryPort(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"port": s.Port()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"connections": s.registry.ConnectionCount(),
	})
}
