package lavalink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	readyCh  chan bool
	discCh   chan error
	eventCh  chan Event
	updateCh chan PlayerState
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		readyCh:  make(chan bool, 4),
		discCh:   make(chan error, 4),
		eventCh:  make(chan Event, 4),
		updateCh: make(chan PlayerState, 4),
	}
}

func (h *recordingHandler) OnNodeReady(n *Node, resumed bool)     { h.readyCh <- resumed }
func (h *recordingHandler) OnNodeDisconnected(n *Node, err error) { h.discCh <- err }
func (h *recordingHandler) OnPlayerEvent(n *Node, g string, e Event) {
	h.eventCh <- e
}

func (h *recordingHandler) OnPlayerUpdate(n *Node, g string, s PlayerState) {
	h.updateCh <- s
}

// fakeServer is a minimal node-side websocket endpoint.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	headers  []http.Header
	received []string
}

func newFakeServer(t *testing.T, sessionID string) *fakeServer {
	t.Helper()
	f := &fakeServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.headers = append(f.headers, r.Header.Clone())
		dialCount := len(f.headers)
		f.mu.Unlock()

		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		resumed := dialCount > 1 && r.Header.Get("Resume-Key") != ""
		frame, _ := json.Marshal(map[string]interface{}{
			"op": "ready", "resumed": resumed, "sessionId": sessionID,
		})
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, string(data))
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) host() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeServer) send(t *testing.T, frame string) {
	t.Helper()
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (f *fakeServer) dropConnection() {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	_ = conn.Close()
}

func (f *fakeServer) lastHeader() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[len(f.headers)-1]
}

func (f *fakeServer) receivedOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ops []string
	for _, raw := range f.received {
		var env struct {
			Op string `json:"op"`
		}
		if json.Unmarshal([]byte(raw), &env) == nil {
			ops = append(ops, env.Op)
		}
	}
	return ops
}

func testNodeConfig() NodeConfig {
	return NodeConfig{
		ConnectTimeout:   2 * time.Second,
		BackoffBase:      10 * time.Millisecond,
		BackoffCap:       40 * time.Millisecond,
		BackoffFactor:    2,
		FailureThreshold: 2,
		ResumeTimeout:    time.Minute,
	}
}

func testRestConfig() RestConfig {
	return RestConfig{Attempts: 1, RetryBase: time.Millisecond, RetryCap: time.Millisecond, Timeout: time.Second}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNodeHandshake(t *testing.T) {
	server := newFakeServer(t, "sess-1")
	handler := newRecordingHandler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewNode(server.host(), "secret", false, "bot-user", testNodeConfig(), testRestConfig(), handler)
	n.Start(ctx)

	select {
	case resumed := <-handler.readyCh:
		assert.False(t, resumed, "first session is never a resume")
	case <-time.After(3 * time.Second):
		t.Fatal("node never became ready")
	}

	assert.True(t, n.Healthy())
	assert.Equal(t, StateReady, n.State())
	assert.Equal(t, "sess-1", n.SessionID())
	assert.Zero(t, n.Failures())

	header := server.lastHeader()
	assert.Equal(t, "secret", header.Get("Authorization"))
	assert.Equal(t, "bot-user", header.Get("User-Id"))
	assert.Equal(t, "hydrogen", header.Get("Client-Name"))

	// configureResuming is armed right after ready.
	waitFor(t, func() bool {
		for _, op := range server.receivedOps() {
			if op == "configureResuming" {
				return true
			}
		}
		return false
	}, "configureResuming never sent")

	cancel()
	n.Close()
	assert.Equal(t, StateClosed, n.State())
}

func TestNodeRoutesFrames(t *testing.T) {
	server := newFakeServer(t, "sess-1")
	handler := newRecordingHandler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewNode(server.host(), "secret", false, "bot-user", testNodeConfig(), testRestConfig(), handler)
	n.Start(ctx)
	<-handler.readyCh

	server.send(t, `{"op":"event","type":"TrackEndEvent","guildId":"g1","track":"blob","reason":"FINISHED"}`)
	select {
	case evt := <-handler.eventCh:
		end, ok := evt.(*TrackEndEvent)
		require.True(t, ok)
		assert.Equal(t, "g1", end.GuildID)
		assert.Equal(t, ReasonFinished, end.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("event never routed")
	}

	server.send(t, `{"op":"playerUpdate","guildId":"g1","state":{"positionMs":1234,"timestamp":1,"connected":true}}`)
	select {
	case state := <-handler.updateCh:
		assert.Equal(t, int64(1234), state.PositionMs)
	case <-time.After(3 * time.Second):
		t.Fatal("player update never routed")
	}

	// Stats only touch node attributes, nothing reaches the handler.
	server.send(t, `{"op":"stats","players":7,"playingPlayers":3,"uptime":1,"cpu":{"cores":4,"systemLoad":0.5,"lavalinkLoad":0.2}}`)
	waitFor(t, func() bool {
		stats, _ := n.Stats()
		return stats.Players == 7
	}, "stats never recorded")

	// Malformed and unknown frames are dropped without killing the session.
	server.send(t, `garbage`)
	server.send(t, `{"op":"futureOp"}`)
	server.send(t, `{"op":"event","type":"FutureEvent","guildId":"g1"}`)
	server.send(t, `{"op":"stats","players":9,"playingPlayers":3,"uptime":1,"cpu":{}}`)
	waitFor(t, func() bool {
		stats, _ := n.Stats()
		return stats.Players == 9
	}, "session died on malformed frame")

	cancel()
	n.Close()
}

func TestNodeResumesAfterDrop(t *testing.T) {
	server := newFakeServer(t, "sess-1")
	handler := newRecordingHandler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewNode(server.host(), "secret", false, "bot-user", testNodeConfig(), testRestConfig(), handler)
	n.Start(ctx)
	<-handler.readyCh

	server.dropConnection()

	select {
	case <-handler.discCh:
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect never reported")
	}

	select {
	case resumed := <-handler.readyCh:
		assert.True(t, resumed, "reconnect within the window should resume")
	case <-time.After(3 * time.Second):
		t.Fatal("node never reconnected")
	}

	assert.Equal(t, "hydrogen-", server.lastHeader().Get("Resume-Key")[:9])
	assert.True(t, n.Healthy())
	assert.Zero(t, n.Failures(), "failure counter resets on ready")

	cancel()
	n.Close()
}

func TestReconnectDelayResetsAfterReady(t *testing.T) {
	server := newFakeServer(t, "sess-1")
	handler := newRecordingHandler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testNodeConfig()
	cfg.BackoffFactor = 8
	cfg.BackoffCap = 5 * time.Second

	n := NewNode(server.host(), "secret", false, "bot-user", cfg, testRestConfig(), handler)
	n.Start(ctx)
	<-handler.readyCh

	// Every drop here ends a session that reached ready, so each
	// reconnect must wait the base delay, not a compounding one.
	for i := 0; i < 4; i++ {
		server.dropConnection()
		select {
		case <-handler.discCh:
		case <-time.After(2 * time.Second):
			t.Fatal("disconnect never reported")
		}
		select {
		case <-handler.readyCh:
		case <-time.After(2 * time.Second):
			t.Fatalf("reconnect %d waited longer than the base delay allows", i+1)
		}
	}

	cancel()
	n.Close()
}

func TestHealthyRespectsFailureThreshold(t *testing.T) {
	handler := newRecordingHandler()
	n := NewNode("127.0.0.1:1", "secret", false, "bot-user", testNodeConfig(), testRestConfig(), handler)

	n.mu.Lock()
	n.state = StateReady
	n.failures = n.cfg.FailureThreshold
	n.mu.Unlock()
	assert.False(t, n.Healthy(), "a node at the failure threshold is excluded")

	n.mu.Lock()
	n.failures = 0
	n.mu.Unlock()
	assert.True(t, n.Healthy())
}

func TestNodeUnreachableCountsFailures(t *testing.T) {
	// A server that is already gone.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	handler := newRecordingHandler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewNode(host, "secret", false, "bot-user", testNodeConfig(), testRestConfig(), handler)
	n.Start(ctx)

	waitFor(t, func() bool { return n.Failures() >= 2 }, "failures never accumulated")
	assert.False(t, n.Healthy())

	cancel()
	n.Close()
}

func TestSendWithoutSession(t *testing.T) {
	handler := newRecordingHandler()
	n := NewNode("127.0.0.1:1", "secret", false, "bot-user", testNodeConfig(), testRestConfig(), handler)

	err := n.Send(NewStopCommand("g1"))
	require.ErrorIs(t, err, ErrNotReady)
}
