// Package syncclient implements the client side of the file
// synchronization channel: a resilient websocket session with port
// discovery, workspace binding, request correlation, reconnection with
// exponential backoff, and outbound shaping for content, save, and edit
// traffic.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/filewire/filewire/internal/delta"
	"github.com/filewire/filewire/internal/logger"
	"github.com/filewire/filewire/internal/protocol"
)

// State is the session's connection state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = errors.New("not connected to sync server")
	ErrThrottled    = errors.New("request dropped by throttle")
	ErrTimeout      = errors.New("request timed out")
	ErrDisconnected = errors.New("connection closed before response")
)

const (
	defaultRequestTimeout = 15 * time.Second
	contentWindow         = 500 * time.Millisecond
	saveWindow            = time.Second
	editDelay             = 500 * time.Millisecond
	maxReconnectAttempts  = 5
	clientWriteWait       = 10 * time.Second
)

// newReconnectBackoff builds the reconnect schedule: 1s doubling up to
// 30s, no jitter.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Handlers receive session notifications. All callbacks are invoked from
// session goroutines and must not block.
type Handlers struct {
	OnStateChange func(State)
	OnFileChanged func(path string)
	OnError       func(message string)
}

// Options configures a session
type Options struct {
	// Host of the sync server, default 127.0.0.1.
	Host string

	// DiscoveryURL is an endpoint returning {"port": N}. The discovered
	// port is cached after the first success.
	DiscoveryURL string

	// Port skips discovery when set.
	Port int

	Handlers   Handlers
	HTTPClient *http.Client
}

type pendingResult struct {
	env *protocol.Envelope
	err error
}

type pendingRequest struct {
	ch    chan pendingResult
	timer *time.Timer
}

// fileState tracks the synchronized view of one file
type fileState struct {
	version int
	shadow  string // content last acknowledged by the server
	pending string // latest local content, flushed after the debounce
	dirty   bool
	timer   *time.Timer
}

// Session is a client connection to the sync server for one workspace
type Session struct {
	workspaceName string
	host          string
	discoveryURL  string
	httpClient    *http.Client
	handlers      Handlers
	log           *logger.Logger

	// requestTimeout and the shaping windows are fixed in production and
	// shortened by tests.
	requestTimeout time.Duration
	editDebounce   time.Duration

	contentThrottle *keyThrottle
	saveThrottle    *keyThrottle

	mu             sync.Mutex
	state          State
	ws             *websocket.Conn
	cachedPort     int
	attempts       int
	backoff        backoff.BackOff
	reconnectTimer *time.Timer
	manual         bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	fileMu sync.Mutex
	files  map[string]*fileState
}

// NewSession creates a session bound to workspaceName. Connect must be
// called before issuing requests.
func NewSession(workspaceName string, opts Options) *Session {
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}

	return &Session{
		workspaceName:   workspaceName,
		host:            host,
		discoveryURL:    opts.DiscoveryURL,
		httpClient:      httpClient,
		handlers:        opts.Handlers,
		log:             logger.Global().WithPrefix("syncclient"),
		requestTimeout:  defaultRequestTimeout,
		editDebounce:    editDelay,
		contentThrottle: newKeyThrottle(contentWindow),
		saveThrottle:    newKeyThrottle(saveWindow),
		state:           StateDisconnected,
		cachedPort:      opts.Port,
		backoff:         newReconnectBackoff(),
		pending:         make(map[string]*pendingRequest),
		files:           make(map[string]*fileState),
	}
}

// State returns the current connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect establishes the session: discover the port, open the
// transport, and send the workspace binding before reporting connected
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.manual = false
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.notifyState(StateConnecting)

	if err := s.connect(ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}
	return nil
}

// connect performs one connection attempt
func (s *Session) connect(ctx context.Context) error {
	port, err := s.discoverPort(ctx)
	if err != nil {
		return fmt.Errorf("port discovery failed: %w", err)
	}

	url := fmt.Sprintf("ws://%s:%d/ws", s.host, port)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	// Bind the workspace before anything else so no request can reach
	// the server on an unbound connection.
	binding, err := protocol.Encode(protocol.MessageTypeConnectionStatus, "", protocol.ConnectionStatus{
		WorkspaceName: s.workspaceName,
		Status:        protocol.StatusConnected,
	})
	if err != nil {
		_ = ws.Close()
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, binding); err != nil {
		_ = ws.Close()
		return fmt.Errorf("failed to send workspace binding: %w", err)
	}

	s.mu.Lock()
	if s.manual {
		// Disconnect won the race while we were dialing; the torn-down
		// session must stay down.
		s.mu.Unlock()
		_ = ws.Close()
		return ErrDisconnected
	}
	s.ws = ws
	s.state = StateConnected
	s.attempts = 0
	s.backoff.Reset()
	s.mu.Unlock()

	go s.readLoop(ws)

	s.log.Info("Connected to %s, workspace %s", url, s.workspaceName)
	s.notifyState(StateConnected)

	return nil
}

// Disconnect closes the session deliberately. Pending requests fail
// immediately and no reconnection is attempted.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.manual = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	ws := s.ws
	s.ws = nil
	s.state = StateDisconnected
	s.attempts = 0
	s.backoff.Reset()
	s.mu.Unlock()

	s.rejectAllPending(ErrDisconnected)
	s.cancelEditTimers()

	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(clientWriteWait))
		_ = ws.Close()
	}

	s.notifyState(StateDisconnected)
}

// Reconnect forces a fresh connection, resetting the backoff schedule
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	s.manual = false
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	ws := s.ws
	s.ws = nil
	s.state = StateConnecting
	s.attempts = 0
	s.backoff.Reset()
	s.mu.Unlock()

	s.rejectAllPending(ErrDisconnected)
	if ws != nil {
		_ = ws.Close()
	}

	s.notifyState(StateConnecting)

	if err := s.connect(ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}
	return nil
}

// discoverPort returns the server port, asking the discovery endpoint
// only until the first success
func (s *Session) discoverPort(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.cachedPort > 0 {
		port := s.cachedPort
		s.mu.Unlock()
		return port, nil
	}
	s.mu.Unlock()

	if s.discoveryURL == "" {
		return 0, errors.New("no port configured and no discovery URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.discoveryURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("discovery endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Port int `json:"port"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("invalid discovery response: %w", err)
	}
	if body.Port <= 0 {
		return 0, fmt.Errorf("discovery endpoint returned invalid port %d", body.Port)
	}

	s.mu.Lock()
	s.cachedPort = body.Port
	s.mu.Unlock()

	return body.Port, nil
}

func (s *Session) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.handleReadError(ws, err)
			return
		}

		env, decodeErr := protocol.Decode(data)
		if decodeErr != nil {
			s.log.Warn("Dropping malformed server message: %v", decodeErr)
			continue
		}

		s.handleMessage(env)
	}
}

func (s *Session) handleReadError(ws *websocket.Conn, err error) {
	s.mu.Lock()
	if s.ws != ws {
		// Superseded by Disconnect or Reconnect; nothing to do.
		s.mu.Unlock()
		return
	}
	s.ws = nil
	manual := s.manual
	s.mu.Unlock()

	if manual {
		return
	}

	s.rejectAllPending(ErrDisconnected)

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Info("Server closed the connection")
		s.setState(StateDisconnected)
		return
	}

	s.log.Warn("Connection lost: %v", err)
	s.scheduleReconnect()
}

// scheduleReconnect arms the next reconnection attempt, or gives up
// after the attempt budget is spent
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.manual {
		s.mu.Unlock()
		return
	}
	if s.attempts >= maxReconnectAttempts {
		s.state = StateFailed
		s.mu.Unlock()
		s.log.Error("Giving up after %d reconnection attempts", maxReconnectAttempts)
		s.notifyState(StateFailed)
		return
	}
	s.attempts++
	attempt := s.attempts
	delay := s.backoff.NextBackOff()
	s.state = StateReconnecting
	s.reconnectTimer = time.AfterFunc(delay, s.retryConnect)
	s.mu.Unlock()

	s.log.Info("Reconnecting in %v (attempt %d/%d)", delay, attempt, maxReconnectAttempts)
	s.notifyState(StateReconnecting)
}

func (s *Session) retryConnect() {
	if err := s.connect(context.Background()); err != nil {
		s.log.Warn("Reconnection attempt failed: %v", err)
		s.scheduleReconnect()
	}
}

func (s *Session) handleMessage(env *protocol.Envelope) {
	if env.MessageID != "" {
		if p := s.takePending(env.MessageID); p != nil {
			p.timer.Stop()
			p.ch <- pendingResult{env: env}
		}
		// A response whose entry already expired is dropped.
		return
	}

	switch env.Type {
	case protocol.MessageTypeFileChanged:
		var notif protocol.FileChanged
		if err := env.Into(&notif); err != nil {
			s.log.Warn("Invalid file_changed notification: %v", err)
			return
		}
		if s.handlers.OnFileChanged != nil {
			s.handlers.OnFileChanged(notif.Path)
		}

	case protocol.MessageTypeError:
		var msg protocol.ErrorMessage
		if err := env.Into(&msg); err == nil {
			s.log.Warn("Server error: %s", msg.Message)
			s.notifyError(msg.Message)
		}

	case protocol.MessageTypeConnectionStatus:
		// Informational only.

	default:
		s.log.Debug("Ignoring unexpected %s notification", env.Type)
	}
}

// takePending removes and returns the pending entry for id. Removal and
// resolution are a single step so expiry, disconnect, and response
// delivery cannot race.
func (s *Session) takePending(id string) *pendingRequest {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	p := s.pending[id]
	delete(s.pending, id)
	return p
}

func (s *Session) rejectAllPending(err error) {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingRequest)
	s.pendingMu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		p.ch <- pendingResult{err: err}
	}
}

// request sends an envelope and waits for the correlated response
func (s *Session) request(ctx context.Context, msgType string, payload interface{}) (*protocol.Envelope, error) {
	id := protocol.NewMessageID()
	env, err := protocol.NewEnvelope(msgType, id, payload)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{ch: make(chan pendingResult, 1)}
	p.timer = time.AfterFunc(s.requestTimeout, func() {
		if q := s.takePending(id); q != nil {
			q.ch <- pendingResult{err: ErrTimeout}
		}
	})

	s.pendingMu.Lock()
	s.pending[id] = p
	s.pendingMu.Unlock()

	if err := s.write(env); err != nil {
		if q := s.takePending(id); q != nil {
			q.timer.Stop()
		}
		return nil, err
	}

	select {
	case <-ctx.Done():
		if q := s.takePending(id); q != nil {
			q.timer.Stop()
		}
		return nil, ctx.Err()
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.env.Type == protocol.MessageTypeError {
			var msg protocol.ErrorMessage
			if err := res.env.Into(&msg); err != nil {
				return nil, err
			}
			return nil, errors.New(msg.Message)
		}
		return res.env, nil
	}
}

func (s *Session) write(env *protocol.Envelope) error {
	s.mu.Lock()
	ws := s.ws
	connected := s.state == StateConnected
	s.mu.Unlock()

	if ws == nil || !connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// FetchFile requests the content of path. At most one request per path
// is dispatched per 500 ms; surplus calls fail with ErrThrottled.
func (s *Session) FetchFile(ctx context.Context, path string) (*protocol.FileContentResponse, error) {
	if !s.contentThrottle.Allow(path) {
		return nil, fmt.Errorf("%w: %s", ErrThrottled, path)
	}

	env, err := s.request(ctx, protocol.MessageTypeFileContent, protocol.FileContentRequest{
		Path:          path,
		WorkspaceName: s.workspaceName,
	})
	if err != nil {
		return nil, err
	}

	var resp protocol.FileContentResponse
	if err := env.Into(&resp); err != nil {
		return nil, err
	}

	s.fileMu.Lock()
	st := s.ensureFileLocked(path)
	st.shadow = resp.Content
	st.pending = resp.Content
	st.dirty = false
	s.fileMu.Unlock()

	return &resp, nil
}

// SaveFile persists content at path, throttled to one save per path per
// second. A failed confirmation leaves the unsaved-changes state intact.
func (s *Session) SaveFile(ctx context.Context, path, content string) (*protocol.SaveConfirmation, error) {
	if !s.saveThrottle.Allow(path) {
		return nil, fmt.Errorf("%w: %s", ErrThrottled, path)
	}

	env, err := s.request(ctx, protocol.MessageTypeSaveRequest, protocol.SaveRequest{
		Path:          path,
		Content:       content,
		WorkspaceName: s.workspaceName,
	})
	if err != nil {
		return nil, err
	}

	var conf protocol.SaveConfirmation
	if err := env.Into(&conf); err != nil {
		return nil, err
	}

	if conf.Success {
		s.fileMu.Lock()
		st := s.ensureFileLocked(path)
		st.shadow = content
		// Only a save of the latest local content clears the unsaved
		// indicator; a flush may be in flight with newer edits.
		if st.pending == content {
			st.dirty = false
		}
		s.fileMu.Unlock()
	}

	return &conf, nil
}

// Edit records a local content change for path. The change is held for
// the debounce window and sent as a diff once typing pauses.
func (s *Session) Edit(path, content string) {
	s.fileMu.Lock()
	st := s.ensureFileLocked(path)
	st.pending = content
	st.dirty = true
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(s.editDebounce, func() { s.flushEdit(path) })
	s.fileMu.Unlock()
}

// Dirty reports whether path has local changes the server has not
// acknowledged
func (s *Session) Dirty(path string) bool {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	st := s.files[path]
	return st != nil && st.dirty
}

// Version returns the server-acknowledged version of path
func (s *Session) Version(path string) int {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if st := s.files[path]; st != nil {
		return st.version
	}
	return 0
}

// flushEdit diffs the pending content against the acknowledged shadow
// and sends the result as a text change
func (s *Session) flushEdit(path string) {
	s.fileMu.Lock()
	st := s.files[path]
	if st == nil {
		s.fileMu.Unlock()
		return
	}
	st.timer = nil
	content := st.pending
	shadow := st.shadow
	version := st.version
	s.fileMu.Unlock()

	deltas := delta.Diff(shadow, content)
	if len(deltas) == 0 {
		s.fileMu.Lock()
		if st.pending == content {
			st.dirty = false
		}
		s.fileMu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	env, err := s.request(ctx, protocol.MessageTypeTextChange, protocol.TextChange{
		Path:    path,
		Deltas:  deltas,
		Version: version,
	})
	if err != nil {
		s.log.Warn("Text change for %s failed: %v", path, err)
		s.notifyError(fmt.Sprintf("Failed to sync %s: %v", path, err))
		return
	}

	var ack protocol.TextChangeAck
	if err := env.Into(&ack); err != nil {
		s.log.Warn("Invalid text change ack for %s: %v", path, err)
		return
	}

	if !ack.Success {
		// Local changes stay dirty; the version is not advanced.
		s.log.Warn("Server rejected text change for %s: %s", path, ack.Message)
		s.notifyError(ack.Message)
		return
	}

	s.fileMu.Lock()
	st.version = ack.Version
	st.shadow = content
	if st.pending == content {
		st.dirty = false
	}
	s.fileMu.Unlock()
}

// ensureFileLocked returns the state for path, creating it if needed.
// Caller holds fileMu.
func (s *Session) ensureFileLocked(path string) *fileState {
	st := s.files[path]
	if st == nil {
		st = &fileState{}
		s.files[path] = st
	}
	return st
}

func (s *Session) cancelEditTimers() {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	for _, st := range s.files {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed {
		s.notifyState(state)
	}
}

func (s *Session) notifyState(state State) {
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(state)
	}
}

func (s *Session) notifyError(message string) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(message)
	}
}
