package syncserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/filewire/filewire/internal/config"
	"github.com/filewire/filewire/internal/logger"
	"github.com/filewire/filewire/internal/protocol"
	"github.com/filewire/filewire/internal/workspace"
)

// Registry tracks live connections, drives the heartbeat, and routes
// inbound messages to the session manager once a connection is bound to
// a workspace.
type Registry struct {
	cfg      *config.Config
	resolver workspace.Resolver
	sessions *SessionManager
	log      *logger.Logger

	// onBind is invoked with the resolved workspace root the first time a
	// connection binds to it. The server uses it to start watching.
	onBind func(workspacePath string)

	mu     sync.RWMutex
	conns  map[string]*Conn
	nextID int

	runMu    sync.Mutex
	running  bool
	stop     chan struct{}
	stopDone chan struct{}
}

// NewRegistry creates a registry. onBind may be nil.
func NewRegistry(cfg *config.Config, resolver workspace.Resolver, sessions *SessionManager, onBind func(string)) *Registry {
	return &Registry{
		cfg:      cfg,
		resolver: resolver,
		sessions: sessions,
		log:      logger.Global().WithPrefix("registry"),
		onBind:   onBind,
		conns:    make(map[string]*Conn),
	}
}

// Start launches the heartbeat loop. Calling Start on a running registry
// is a no-op.
func (r *Registry) Start() {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.stopDone = make(chan struct{})

	go r.heartbeatLoop(r.stop, r.stopDone)
}

// Stop halts the heartbeat and closes every connection. Calling Stop on
// a stopped registry is a no-op.
func (r *Registry) Stop() {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	stopDone := r.stopDone
	r.runMu.Unlock()

	<-stopDone

	for _, c := range r.snapshot() {
		c.close()
	}
}

// Accept registers a freshly upgraded websocket connection and starts
// its pumps
func (r *Registry) Accept(ws *websocket.Conn, remoteAddr string) *Conn {
	r.mu.Lock()
	r.nextID++
	id := fmt.Sprintf("conn_%d", r.nextID)
	c := newConn(id, ws, remoteAddr, r)
	r.conns[id] = c
	count := len(r.conns)
	r.mu.Unlock()

	r.log.Info("Connection %s accepted from %s (%d active)", id, remoteAddr, count)

	c.start()

	if greeting, err := protocol.NewEnvelope(protocol.MessageTypeConnectionStatus, "", protocol.ConnectionStatus{
		Status: protocol.StatusConnected,
	}); err == nil {
		c.Send(greeting)
	}

	return c
}

// ConnectionCount returns the number of tracked connections
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// BroadcastFileChanged notifies every connection bound to the workspace
// rooted at basePath that relPath was modified externally
func (r *Registry) BroadcastFileChanged(basePath, relPath string) {
	for _, c := range r.snapshot() {
		name, path := c.Workspace()
		if !c.IsBound() || path != basePath {
			continue
		}

		env, err := protocol.NewEnvelope(protocol.MessageTypeFileChanged, "", protocol.FileChanged{
			Path:          relPath,
			WorkspaceName: name,
		})
		if err != nil {
			r.log.Error("Failed to build file_changed message: %v", err)
			return
		}
		c.Send(env)
	}
}

func (r *Registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) remove(c *Conn) {
	r.mu.Lock()
	_, present := r.conns[c.ID]
	delete(r.conns, c.ID)
	count := len(r.conns)
	r.mu.Unlock()

	if present {
		r.log.Info("Connection %s removed (%d active)", c.ID, count)
	}
}

// heartbeatLoop pings every connection at a fixed interval. A connection
// that never answered the previous ping is evicted before the next one
// goes out.
func (r *Registry) heartbeatLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, c := range r.snapshot() {
				if !c.alive.Swap(false) {
					r.log.Warn("Connection %s missed heartbeat, terminating", c.ID)
					r.remove(c)
					c.close()
					continue
				}
				if err := c.ping(); err != nil {
					r.log.Warn("Connection %s ping failed: %v", c.ID, err)
					r.remove(c)
					c.close()
				}
			}
		}
	}
}

// dispatch handles one raw inbound message from a connection
func (r *Registry) dispatch(c *Conn, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.Send(protocol.NewErrorEnvelope("", fmt.Sprintf("Malformed message: %v", err)))
		return
	}

	if !c.IsBound() {
		if !r.bind(c, env) {
			return
		}
	} else if env.Type == protocol.MessageTypeConnectionStatus {
		// Re-binding attempts on a bound connection are rejected.
		var status protocol.ConnectionStatus
		boundName, _ := c.Workspace()
		if err := env.Into(&status); err == nil && status.WorkspaceName != "" && status.WorkspaceName != boundName {
			c.Send(protocol.NewErrorEnvelope(env.MessageID,
				fmt.Sprintf("Connection is already bound to workspace %s", boundName)))
			return
		}
	}

	// connection_status carries no request beyond the binding itself.
	if env.Type == protocol.MessageTypeConnectionStatus {
		return
	}

	r.sessions.Handle(c, env)
}

// bind resolves the workspace named in the first qualifying message and
// attaches the connection to it. Returns false when the message cannot
// establish a binding; an error has already been sent to the peer.
func (r *Registry) bind(c *Conn, env *protocol.Envelope) bool {
	name := workspaceNameOf(env)
	if name == "" {
		c.Send(protocol.NewErrorEnvelope(env.MessageID, "Workspace name is required"))
		return false
	}

	path, err := r.resolver.Resolve(name)
	if err != nil {
		c.Send(protocol.NewErrorEnvelope(env.MessageID, fmt.Sprintf("Unknown workspace: %s", name)))
		return false
	}

	if err := c.Bind(name, path); err != nil {
		c.Send(protocol.NewErrorEnvelope(env.MessageID, err.Error()))
		return false
	}

	r.log.Info("Connection %s bound to workspace %s", c.ID, name)

	if r.onBind != nil {
		r.onBind(path)
	}

	return true
}

// workspaceNameOf extracts the workspace name from message kinds that
// can carry one
func workspaceNameOf(env *protocol.Envelope) string {
	switch env.Type {
	case protocol.MessageTypeConnectionStatus:
		var p protocol.ConnectionStatus
		if err := env.Into(&p); err == nil {
			return p.WorkspaceName
		}
	case protocol.MessageTypeFileContent:
		var p protocol.FileContentRequest
		if err := env.Into(&p); err == nil {
			return p.WorkspaceName
		}
	case protocol.MessageTypeSaveRequest:
		var p protocol.SaveRequest
		if err := env.Into(&p); err == nil {
			return p.WorkspaceName
		}
	}
	return ""
}
