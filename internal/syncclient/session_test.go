package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filewire/filewire/internal/config"
	"github.com/filewire/filewire/internal/protocol"
	"github.com/filewire/filewire/internal/syncserver"
)

func startServer(t *testing.T, dir string) *syncserver.Server {
	t.Helper()

	cfg := &config.Config{
		Port:              0,
		PortProbeAttempts: 1,
		HeartbeatSeconds:  30,
		MaxMessageSize:    1 << 20,
		MaxFileSize:       1 << 20,
		Workspaces:        map[string]string{"demo": dir},
		LogLevel:          "none",
	}

	srv, err := syncserver.NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	return srv
}

func connectedSession(t *testing.T, srv *syncserver.Server) *Session {
	t.Helper()

	s := NewSession("demo", Options{Port: srv.Port()})
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Disconnect)

	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestFetchFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("# hi\n"), 0644))

	srv := startServer(t, dir)
	s := connectedSession(t, srv)

	resp, err := s.FetchFile(context.Background(), "readme.md")
	require.NoError(t, err)
	assert.Equal(t, "# hi\n", resp.Content)
	assert.Equal(t, "readme.md", resp.Path)
	assert.False(t, s.Dirty("readme.md"))
}

func TestFetchWithoutConnect(t *testing.T) {
	s := NewSession("demo", Options{Port: 1})

	_, err := s.FetchFile(context.Background(), "a.txt")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSaveFile(t *testing.T) {
	dir := t.TempDir()
	srv := startServer(t, dir)
	s := connectedSession(t, srv)

	conf, err := s.SaveFile(context.Background(), "out.txt", "written\n")
	require.NoError(t, err)
	require.True(t, conf.Success, conf.Message)

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "written\n", string(data))
}

func TestSaveFailureKeepsDirty(t *testing.T) {
	srv := startServer(t, t.TempDir())
	s := connectedSession(t, srv)
	s.editDebounce = time.Hour // keep the debounce from flushing during the test

	s.Edit("../escape.txt", "content")
	require.True(t, s.Dirty("../escape.txt"))

	conf, err := s.SaveFile(context.Background(), "../escape.txt", "content")
	require.NoError(t, err)
	assert.False(t, conf.Success)
	assert.True(t, s.Dirty("../escape.txt"), "failed save must not clear unsaved changes")
}

func TestSaveOfStaleContentKeepsDirty(t *testing.T) {
	srv := startServer(t, t.TempDir())
	s := connectedSession(t, srv)

	// Newer local edits exist and their flush is already in flight, so the
	// debounce timer has been disarmed.
	s.fileMu.Lock()
	st := s.ensureFileLocked("doc.txt")
	st.pending = "newer local edits"
	st.dirty = true
	st.timer = nil
	s.fileMu.Unlock()

	conf, err := s.SaveFile(context.Background(), "doc.txt", "older snapshot")
	require.NoError(t, err)
	require.True(t, conf.Success, conf.Message)

	assert.True(t, s.Dirty("doc.txt"),
		"saving a stale snapshot must not clear the unsaved indicator for newer edits")
}

func TestContentThrottle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644))

	srv := startServer(t, dir)
	s := connectedSession(t, srv)

	var ok, throttled int
	for i := 0; i < 10; i++ {
		_, err := s.FetchFile(context.Background(), "a.txt")
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrThrottled):
			throttled++
		default:
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, ok, "only one request per window may be dispatched")
	assert.Equal(t, 9, throttled)
}

func TestSaveThrottle(t *testing.T) {
	srv := startServer(t, t.TempDir())
	s := connectedSession(t, srv)

	_, err := s.SaveFile(context.Background(), "a.txt", "one")
	require.NoError(t, err)

	_, err = s.SaveFile(context.Background(), "a.txt", "two")
	assert.ErrorIs(t, err, ErrThrottled)
}

func TestThrottleIsPerPath(t *testing.T) {
	srv := startServer(t, t.TempDir())
	s := connectedSession(t, srv)

	_, err := s.SaveFile(context.Background(), "a.txt", "one")
	require.NoError(t, err)

	_, err = s.SaveFile(context.Background(), "b.txt", "two")
	require.NoError(t, err, "a different path is not throttled")
}

func TestEditDebounce(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.txt"), []byte("hello world"), 0644))

	srv := startServer(t, dir)
	s := connectedSession(t, srv)
	s.editDebounce = 50 * time.Millisecond

	_, err := s.FetchFile(context.Background(), "doc.txt")
	require.NoError(t, err)

	// A burst of edits collapses into a single change after typing stops.
	for i := 0; i < 10; i++ {
		s.Edit("doc.txt", fmt.Sprintf("hello world %d", i))
		time.Sleep(5 * time.Millisecond)
	}
	s.Edit("doc.txt", "hello brave world")

	waitFor(t, 5*time.Second, func() bool { return !s.Dirty("doc.txt") }, "edit was never flushed")

	data, err := os.ReadFile(filepath.Join(dir, "doc.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello brave world", string(data))
	assert.Equal(t, 1, s.Version("doc.txt"), "burst must produce exactly one acknowledged change")
}

func TestEditVersionAdvancesPerFlush(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.txt"), []byte("one"), 0644))

	srv := startServer(t, dir)
	s := connectedSession(t, srv)
	s.editDebounce = 30 * time.Millisecond

	_, err := s.FetchFile(context.Background(), "doc.txt")
	require.NoError(t, err)

	s.Edit("doc.txt", "one two")
	waitFor(t, 5*time.Second, func() bool { return s.Version("doc.txt") == 1 }, "first flush missing")

	s.Edit("doc.txt", "one two three")
	waitFor(t, 5*time.Second, func() bool { return s.Version("doc.txt") == 2 }, "second flush missing")

	data, err := os.ReadFile(filepath.Join(dir, "doc.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one two three", string(data))
}

func TestRejectedEditKeepsVersionAndDirty(t *testing.T) {
	srv := startServer(t, t.TempDir())
	s := connectedSession(t, srv)
	s.editDebounce = 30 * time.Millisecond

	// No such file on the server, so the text change is rejected.
	s.Edit("ghost.txt", "content")

	// Wait out the debounce and the server round trip.
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, 0, s.Version("ghost.txt"), "a failed change must not advance the version")
	assert.True(t, s.Dirty("ghost.txt"), "a failed change must leave the file dirty")
}

func TestPortDiscoveryCached(t *testing.T) {
	srv := startServer(t, t.TempDir())

	var hits int
	var mu sync.Mutex
	discovery := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		fmt.Fprintf(w, `{"port": %d}`, srv.Port())
	}))
	defer discovery.Close()

	s := NewSession("demo", Options{DiscoveryURL: discovery.URL})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	require.NoError(t, s.Reconnect(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits, "discovered port must be cached after first success")
}

func TestBindingSentFirst(t *testing.T) {
	fake := newFakeServer(t)

	// The very first message on a new connection must be the workspace
	// binding.
	s := NewSession("demo", Options{Port: fake.port})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	select {
	case env := <-fake.inbox:
		require.Equal(t, protocol.MessageTypeConnectionStatus, env.Type)
		var status protocol.ConnectionStatus
		require.NoError(t, env.Into(&status))
		assert.Equal(t, "demo", status.WorkspaceName)
	case <-time.After(2 * time.Second):
		t.Fatal("Binding message never arrived")
	}
}

func TestCorrelationOutOfOrder(t *testing.T) {
	fake := newFakeServer(t)

	s := NewSession("demo", Options{Port: fake.port})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	<-fake.inbox // binding

	type result struct {
		resp *protocol.FileContentResponse
		err  error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)
	go func() {
		r, err := s.FetchFile(context.Background(), "a.txt")
		resA <- result{r, err}
	}()
	go func() {
		r, err := s.FetchFile(context.Background(), "b.txt")
		resB <- result{r, err}
	}()

	reqs := map[string]*protocol.Envelope{}
	for i := 0; i < 2; i++ {
		env := <-fake.inbox
		var req protocol.FileContentRequest
		require.NoError(t, env.Into(&req))
		reqs[req.Path] = env
	}

	// Answer in the opposite order the requests arrived in; each caller
	// must still receive its own response.
	fake.send(t, protocol.MessageTypeFileContent, reqs["b.txt"].MessageID, protocol.FileContentResponse{
		Path: "b.txt", Content: "content B", MimeType: "text/plain",
	})
	fake.send(t, protocol.MessageTypeFileContent, reqs["a.txt"].MessageID, protocol.FileContentResponse{
		Path: "a.txt", Content: "content A", MimeType: "text/plain",
	})

	a := <-resA
	require.NoError(t, a.err)
	assert.Equal(t, "content A", a.resp.Content)

	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, "content B", b.resp.Content)
}

func TestRequestTimeout(t *testing.T) {
	fake := newFakeServer(t)

	s := NewSession("demo", Options{Port: fake.port})
	s.requestTimeout = 100 * time.Millisecond
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	_, err := s.FetchFile(context.Background(), "a.txt")
	assert.ErrorIs(t, err, ErrTimeout)

	s.pendingMu.Lock()
	remaining := len(s.pending)
	s.pendingMu.Unlock()
	assert.Zero(t, remaining, "expired entry must be removed from the pending table")
}

func TestLateResponseDropped(t *testing.T) {
	fake := newFakeServer(t)

	var serverErrors int
	var mu sync.Mutex
	s := NewSession("demo", Options{
		Port: fake.port,
		Handlers: Handlers{OnError: func(string) {
			mu.Lock()
			serverErrors++
			mu.Unlock()
		}},
	})
	s.requestTimeout = 100 * time.Millisecond
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	go func() {
		_, _ = s.FetchFile(context.Background(), "a.txt")
	}()

	<-fake.inbox // binding
	req := <-fake.inbox
	require.Equal(t, protocol.MessageTypeFileContent, req.Type)

	// Answer well after the entry expired.
	time.Sleep(300 * time.Millisecond)
	fake.send(t, protocol.MessageTypeFileContent, req.MessageID, protocol.FileContentResponse{
		Path: "a.txt", Content: "late", MimeType: "text/plain",
	})
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, StateConnected, s.State(), "a late response must be a no-op")
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, serverErrors)
}

func TestDisconnectRejectsPending(t *testing.T) {
	fake := newFakeServer(t)

	s := NewSession("demo", Options{Port: fake.port})
	require.NoError(t, s.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.FetchFile(context.Background(), "a.txt")
		errCh <- err
	}()

	<-fake.inbox // binding
	<-fake.inbox // the request is on the wire, entry pending

	s.Disconnect()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDisconnected, "disconnect must fail pending requests immediately")
	case <-time.After(2 * time.Second):
		t.Fatal("Pending request was not rejected on disconnect")
	}
	assert.Equal(t, StateDisconnected, s.State())
}

func TestReconnectBackoffSchedule(t *testing.T) {
	b := newReconnectBackoff()

	expected := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for i, want := range expected {
		assert.Equal(t, want, b.NextBackOff(), "attempt %d", i+1)
	}
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	fake := newFakeServer(t)

	var states []State
	var mu sync.Mutex
	s := NewSession("demo", Options{
		Port: fake.port,
		Handlers: Handlers{OnStateChange: func(st State) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		}},
	})
	s.backoff = backoff.NewConstantBackOff(10 * time.Millisecond)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	first := <-fake.conns
	<-fake.inbox // binding

	// Drop the connection without a close frame.
	_ = first.Close()

	select {
	case <-fake.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("Client never reconnected")
	}
	waitFor(t, 5*time.Second, func() bool { return s.State() == StateConnected }, "session never recovered")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateReconnecting)
}

func TestReconnectGivesUpAfterBudget(t *testing.T) {
	fake := newFakeServer(t)

	s := NewSession("demo", Options{Port: fake.port})
	s.backoff = backoff.NewConstantBackOff(5 * time.Millisecond)
	require.NoError(t, s.Connect(context.Background()))

	first := <-fake.conns
	fake.close() // all further dials are refused
	_ = first.Close()

	waitFor(t, 5*time.Second, func() bool { return s.State() == StateFailed }, "session never entered failed state")

	s.mu.Lock()
	attempts := s.attempts
	s.mu.Unlock()
	assert.Equal(t, maxReconnectAttempts, attempts)
}

func TestDisconnectWinsOverInFlightReconnect(t *testing.T) {
	srv := startServer(t, t.TempDir())

	// Slow discovery keeps the reconnect attempt in flight long enough for
	// an explicit disconnect to land in the middle of it.
	discovery := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprintf(w, `{"port": %d}`, srv.Port())
	}))
	defer discovery.Close()

	s := NewSession("demo", Options{DiscoveryURL: discovery.URL})

	go s.retryConnect()
	time.Sleep(100 * time.Millisecond)
	s.Disconnect()

	// Let the stalled attempt finish dialing.
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, StateDisconnected, s.State(),
		"an explicit disconnect must not be overridden by an attempt already in flight")
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	assert.Nil(t, ws, "the aborted attempt must not leave a live transport behind")
}

func TestNormalClosureDoesNotRetry(t *testing.T) {
	srv := startServer(t, t.TempDir())

	s := NewSession("demo", Options{Port: srv.Port()})
	s.backoff = backoff.NewConstantBackOff(5 * time.Millisecond)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	require.NoError(t, srv.Stop())

	waitFor(t, 5*time.Second, func() bool { return s.State() == StateDisconnected },
		"expected clean shutdown to land in disconnected")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, s.State(), "a deliberate server shutdown must not trigger retries")
}

func TestFileChangedNotification(t *testing.T) {
	dir := t.TempDir()
	srv := startServer(t, dir)

	changed := make(chan string, 1)
	s := NewSession("demo", Options{
		Port:     srv.Port(),
		Handlers: Handlers{OnFileChanged: func(path string) { changed <- path }},
	})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	// Let the server install the workspace watch.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ext.txt"), []byte("outside edit"), 0644))

	select {
	case path := <-changed:
		assert.Equal(t, "ext.txt", path)
	case <-time.After(5 * time.Second):
		t.Fatal("File change notification never arrived")
	}
}

// fakeServer accepts websocket connections, records inbound envelopes,
// and lets tests answer (or stay silent) on demand
type fakeServer struct {
	srv   *httptest.Server
	port  int
	conns chan *websocket.Conn
	inbox chan *protocol.Envelope

	mu      sync.Mutex
	current *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	f := &fakeServer{
		conns: make(chan *websocket.Conn, 8),
		inbox: make(chan *protocol.Envelope, 64),
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.current = ws
		f.mu.Unlock()
		f.conns <- ws

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if env, err := protocol.Decode(data); err == nil {
				f.inbox <- env
			}
		}
	}))
	t.Cleanup(f.close)

	f.port = f.srv.Listener.Addr().(*net.TCPAddr).Port

	return f
}

func (f *fakeServer) send(t *testing.T, msgType, messageID string, payload interface{}) {
	t.Helper()

	f.mu.Lock()
	ws := f.current
	f.mu.Unlock()
	require.NotNil(t, ws)

	data, err := protocol.Encode(msgType, messageID, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func (f *fakeServer) close() {
	f.srv.CloseClientConnections()
	f.srv.Close()
}
