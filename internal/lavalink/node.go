package lavalink

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hydrogen/internal/logger"
)

// NodeState is the connection lifecycle state of a node.
type NodeState int32

const (
	StateDisconnected NodeState = iota
	StateConnecting
	StateAuthenticated
	StateReady
	StateReconnecting
	StateClosed
)

func (s NodeState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotReady is returned when a command is sent while the node has no
// live session.
var ErrNotReady = errors.New("node is not ready")

// EventHandler receives decoded frames and lifecycle transitions from a
// node's read loop. Implementations route player-scoped frames by guild id.
type EventHandler interface {
	// OnNodeReady fires after the session handshake. resumed reports
	// whether the previous session survived the reconnect.
	OnNodeReady(n *Node, resumed bool)
	// OnNodeDisconnected fires when the transport session is lost.
	OnNodeDisconnected(n *Node, err error)
	// OnPlayerEvent delivers a player-scoped lifecycle event.
	OnPlayerEvent(n *Node, guildID string, evt Event)
	// OnPlayerUpdate delivers a periodic position report.
	OnPlayerUpdate(n *Node, guildID string, state PlayerState)
}

// NodeConfig tunes the connection state machine.
type NodeConfig struct {
	ConnectTimeout   time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	BackoffFactor    float64
	FailureThreshold int
	ResumeTimeout    time.Duration
}

// Node maintains a single websocket session to one remote playback server
// and reconnects it with geometric backoff. At most one live transport
// session exists per node; the run loop serializes all reconnect attempts.
type Node struct {
	Host string

	password string
	userID   string
	wsScheme string
	cfg      NodeConfig
	rest     *RestClient
	handler  EventHandler

	resumeKey string

	mu             sync.RWMutex
	state          NodeState
	sessionID      string
	everReady      bool
	failures       int
	resumeDeadline time.Time
	stats          StatsMessage
	statsAt        time.Time

	writeMu sync.Mutex
	conn    *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNode builds a node for one configured address. The handler must be
// set before Start.
func NewNode(host, password string, secure bool, userID string, cfg NodeConfig, restCfg RestConfig, handler EventHandler) *Node {
	key := make([]byte, 8)
	_, _ = rand.Read(key)

	n := &Node{
		Host:      host,
		password:  password,
		userID:    userID,
		cfg:       cfg,
		rest:      NewRestClient(host, password, secure, restCfg),
		handler:   handler,
		resumeKey: "hydrogen-" + hex.EncodeToString(key),
		state:     StateDisconnected,
		done:      make(chan struct{}),
	}
	if secure {
		n.wsScheme = "wss"
	} else {
		n.wsScheme = "ws"
	}
	return n
}

// Start launches the connection run loop. It returns immediately.
func (n *Node) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	go n.run(runCtx)
}

// Close terminates the node permanently.
func (n *Node) Close() {
	if n.cancel != nil {
		n.cancel()
	}
	<-n.done
}

// Rest returns the node's HTTP client.
func (n *Node) Rest() *RestClient { return n.rest }

// State returns the current lifecycle state.
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Healthy reports whether the node can accept player traffic. A node
// whose consecutive failure count reached the configured threshold is
// excluded from selection until a session reaches ready again.
func (n *Node) Healthy() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.cfg.FailureThreshold > 0 && n.failures >= n.cfg.FailureThreshold {
		return false
	}
	return n.state == StateReady
}

// SessionID returns the session id from the last ready frame.
func (n *Node) SessionID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sessionID
}

// Failures returns the consecutive connection failure count.
func (n *Node) Failures() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.failures
}

// Stats returns the last stats frame and when it arrived.
func (n *Node) Stats() (StatsMessage, time.Time) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats, n.statsAt
}

// Send encodes and writes a command on the live session.
func (n *Node) Send(cmd Command) error {
	data, err := Encode(cmd)
	if err != nil {
		return err
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	if n.conn == nil {
		return ErrNotReady
	}
	if err := n.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %T to %s: %w", cmd, n.Host, err)
	}
	return nil
}

func (n *Node) setState(s NodeState) {
	n.mu.Lock()
	prev := n.state
	n.state = s
	n.mu.Unlock()
	if prev != s {
		logger.Debug("node state changed",
			logger.String("node", n.Host),
			logger.String("from", prev.String()),
			logger.String("to", s.String()))
	}
}

func (n *Node) run(ctx context.Context) {
	defer close(n.done)
	defer n.setState(StateClosed)

	backoff := n.cfg.BackoffBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		served, err := n.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		// A session that reached ready ends the failure streak, so the
		// next reconnect starts from the base delay again.
		if served {
			backoff = n.cfg.BackoffBase
		}

		n.mu.Lock()
		n.failures++
		failures := n.failures
		wasReady := n.everReady
		n.mu.Unlock()

		if failures == n.cfg.FailureThreshold {
			logger.Warn("node marked unhealthy",
				logger.String("node", n.Host),
				logger.Int("failures", failures))
		}

		if wasReady {
			n.setState(StateReconnecting)
		} else {
			n.setState(StateDisconnected)
		}

		logger.Info("node reconnecting",
			logger.String("node", n.Host),
			logger.Duration("backoff", backoff),
			logger.ErrorField(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * n.cfg.BackoffFactor)
		if backoff > n.cfg.BackoffCap {
			backoff = n.cfg.BackoffCap
		}
	}
}

// connectAndServe performs one full session: dial, handshake, read loop.
// It reports whether the session reached ready, and the error that ended it.
func (n *Node) connectAndServe(ctx context.Context) (bool, error) {
	n.setState(StateConnecting)

	header := http.Header{}
	header.Set("Authorization", n.password)
	header.Set("User-Id", n.userID)
	header.Set("Client-Name", "hydrogen")

	n.mu.RLock()
	tryResume := n.everReady && time.Now().Before(n.resumeDeadline)
	n.mu.RUnlock()
	if tryResume {
		header.Set("Resume-Key", n.resumeKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, n.url(), header)
	cancel()
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("failed to dial %s: status %d: %w", n.Host, resp.StatusCode, err)
		}
		return false, fmt.Errorf("failed to dial %s: %w", n.Host, err)
	}

	n.writeMu.Lock()
	n.conn = conn
	n.writeMu.Unlock()
	n.setState(StateAuthenticated)

	// The read loop only unblocks when the connection dies, so shutdown
	// has to close it out from under the reader.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-sessionDone:
		}
	}()

	ready, err := n.awaitReady(conn)
	if err != nil {
		n.teardown(conn)
		return false, err
	}

	n.mu.Lock()
	n.sessionID = ready.SessionID
	n.failures = 0
	firstReady := !n.everReady
	n.everReady = true
	n.mu.Unlock()
	n.setState(StateReady)

	resumed := ready.Resumed && !firstReady
	logger.Info("node ready",
		logger.String("node", n.Host),
		logger.String("session", ready.SessionID),
		logger.Bool("resumed", resumed))

	// Arm server-side resuming so a short client outage keeps players
	// alive on the node.
	if err := n.Send(NewConfigureResumingCommand(n.resumeKey, int64(n.cfg.ResumeTimeout/time.Second))); err != nil {
		logger.Warn("failed to configure resuming",
			logger.String("node", n.Host),
			logger.ErrorField(err))
	}

	n.handler.OnNodeReady(n, resumed)

	err = n.readLoop(conn)
	n.teardown(conn)

	n.mu.Lock()
	n.resumeDeadline = time.Now().Add(n.cfg.ResumeTimeout)
	n.mu.Unlock()

	n.handler.OnNodeDisconnected(n, err)
	return true, err
}

// awaitReady blocks for the session confirmation. A dial that never
// yields a ready frame within the connect timeout counts as a failed
// attempt.
func (n *Node) awaitReady(conn *websocket.Conn) (*ReadyMessage, error) {
	deadline := time.Now().Add(n.cfg.ConnectTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("no session confirmation from %s: %w", n.Host, err)
		}

		msg, err := Decode(data)
		if err != nil {
			logger.Warn("dropping malformed frame",
				logger.String("node", n.Host),
				logger.ErrorField(err))
			continue
		}
		if ready, ok := msg.(*ReadyMessage); ok {
			return ready, nil
		}
		// Anything the server sends before confirming the session is
		// not actionable yet.
	}
}

// readLoop serves one session until the transport fails. Player-scoped
// frames are routed by guild id; stats only touch node attributes.
func (n *Node) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed on %s: %w", n.Host, err)
		}

		msg, err := Decode(data)
		if err != nil {
			logger.Warn("dropping malformed frame",
				logger.String("node", n.Host),
				logger.ErrorField(err))
			continue
		}

		switch m := msg.(type) {
		case nil:
			// Unknown op or event type, ignored for forward compatibility.
		case *StatsMessage:
			n.mu.Lock()
			n.stats = *m
			n.statsAt = time.Now()
			n.mu.Unlock()
		case *PlayerUpdateMessage:
			n.handler.OnPlayerUpdate(n, m.GuildID, m.State)
		case Event:
			n.handler.OnPlayerEvent(n, m.EventGuildID(), m)
		case *ReadyMessage:
			// A ready frame mid-session carries nothing new.
		}
	}
}

func (n *Node) teardown(conn *websocket.Conn) {
	n.writeMu.Lock()
	if n.conn == conn {
		n.conn = nil
	}
	n.writeMu.Unlock()
	_ = conn.Close()
}

func (n *Node) url() string {
	return fmt.Sprintf("%s://%s", n.wsScheme, n.Host)
}
