package syncserver

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/filewire/filewire/internal/logger"
	"github.com/filewire/filewire/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Outbound queue size per connection.
	sendBuffer = 256
)

type connState int32

const (
	stateOpen connState = iota
	stateBound
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateBound:
		return "bound"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one client connection owned by the registry
type Conn struct {
	ID         string
	CreatedAt  time.Time
	RemoteAddr string

	registry *Registry
	ws       *websocket.Conn
	send     chan []byte
	log      *logger.Logger

	mu            sync.RWMutex
	state         connState
	workspaceName string
	workspacePath string

	// alive is cleared by each heartbeat tick and set again by the pong
	// answer; a connection found cleared at the next tick is evicted.
	alive atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, remoteAddr string, registry *Registry) *Conn {
	c := &Conn{
		ID:         id,
		CreatedAt:  time.Now(),
		RemoteAddr: remoteAddr,
		registry:   registry,
		ws:         ws,
		send:       make(chan []byte, sendBuffer),
		log:        logger.Global().WithPrefix("conn"),
		done:       make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// start launches the connection's pumps
func (c *Conn) start() {
	readLimit := c.registry.cfg.MaxMessageSize
	c.ws.SetReadLimit(readLimit)

	pongWait := 3 * c.registry.cfg.HeartbeatInterval()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.registry.remove(c)
		c.close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("Connection %s read error: %v", c.ID, err)
			}
			return
		}

		c.alive.Store(true)
		c.registry.dispatch(c, data)
	}
}

func (c *Conn) writePump() {
	defer c.ws.Close()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("Connection %s write error: %v", c.ID, err)
				return
			}
		}
	}
}

// Send queues an envelope for delivery. A full queue indicates a dead or
// stalled peer and closes the connection.
func (c *Conn) Send(env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error("Connection %s: failed to marshal %s message: %v", c.ID, env.Type, err)
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("Connection %s send queue full, closing", c.ID)
		c.close()
	}
}

// ping sends a liveness probe. WriteControl is safe to call concurrently
// with the write pump.
func (c *Conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Bind attaches the connection to a workspace. The first binding wins for
// the connection's lifetime.
func (c *Conn) Bind(name, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateBound {
		return fmt.Errorf("connection %s is already bound to workspace %s", c.ID, c.workspaceName)
	}
	if c.state != stateOpen {
		return fmt.Errorf("connection %s is %s", c.ID, c.state)
	}

	c.workspaceName = name
	c.workspacePath = path
	c.state = stateBound

	return nil
}

// IsBound reports whether the connection has a workspace binding
func (c *Conn) IsBound() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == stateBound
}

// Workspace returns the bound workspace name and resolved path
func (c *Conn) Workspace() (name, path string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workspaceName, c.workspacePath
}

// close tears the connection down exactly once
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosing
		c.mu.Unlock()

		close(c.done)

		// The write pump owns the socket shutdown; give it a moment, then
		// force-close so a blocked peer cannot keep the pump alive.
		time.AfterFunc(writeWait, func() { _ = c.ws.Close() })

		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
	})
}
