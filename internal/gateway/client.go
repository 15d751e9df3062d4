// ABOUTME: Resilient WebSocket client for the channel gateway daemon.
// ABOUTME: Server-driven challenge handshake, correlated requests, backoff reconnect.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/fold-relay/internal/wire"
)

// Synthetic event names emitted alongside gateway-pushed events so that
// owners can observe connection state through the same subscription surface.
const (
	EventConnected    = "relay.connected"
	EventDisconnected = "relay.disconnected"
)

// challengeEvent is the server-initiated event that starts the handshake.
const challengeEvent = "connect.challenge"

// Protocol version bounds advertised during the handshake.
const (
	protocolMin = 1
	protocolMax = 3
)

var (
	// ErrNotConnected is returned by Request when there is no live socket.
	ErrNotConnected = errors.New("gateway: not connected")

	// ErrRequestTimeout is returned when no terminal response arrives within
	// the per-request timeout.
	ErrRequestTimeout = errors.New("gateway: request timed out")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("gateway: client closed")

	// ErrConnectionLost rejects requests in flight when the socket drops.
	ErrConnectionLost = errors.New("gateway: connection lost")
)

// Config holds client tuning. Zero values fall back to defaults.
type Config struct {
	URL                  string
	Token                string
	DisplayName          string
	Version              string
	ConnectTimeout       time.Duration // whole open→challenge→handshake flow, default 10s
	RequestTimeout       time.Duration // per request, default 30s
	MaxReconnectAttempts int           // default 5
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 10 * time.Second
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return 30 * time.Second
}

func (c Config) maxReconnects() int {
	if c.MaxReconnectAttempts > 0 {
		return c.MaxReconnectAttempts
	}
	return 5
}

// requestState tracks the two-phase ack/final lifecycle of a pending request.
type requestState int

const (
	awaitingAck requestState = iota
	awaitingFinal
	settled
)

type requestResult struct {
	payload json.RawMessage
	err     error
}

type pendingRequest struct {
	id    uint64
	state requestState
	done  chan requestResult // buffered 1
}

// Client owns the duplex gateway connection. All public operations are safe
// for concurrent use; the socket itself is never handed out.
type Client struct {
	cfg      Config
	clientID string
	logger   *slog.Logger
	emitter  *Emitter

	// Incoming frames are dispatched from a dedicated goroutine so a
	// subscriber that issues its own request never blocks the read loop. One
	// queue carries both events and response settlements, preserving socket
	// order between them.
	dispatchQ chan func()
	quit      chan struct{}

	mu                sync.Mutex
	conn              *websocket.Conn
	connected         bool
	closed            bool
	nextID            uint64
	pending           map[uint64]*pendingRequest
	challengeCh       chan wire.ChallengePayload
	reconnectAttempts int
	reconnectTimer    *time.Timer
}

// NewClient creates a client for the gateway at cfg.URL. Pass nil logger for
// the default.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:       cfg,
		clientID:  uuid.New().String(),
		logger:    logger.With("component", "gateway-client"),
		emitter:   NewEmitter(),
		dispatchQ: make(chan func(), 256),
		quit:      make(chan struct{}),
		pending:   make(map[uint64]*pendingRequest),
	}
	go c.dispatchLoop()
	return c
}

// dispatchLoop runs queued work one item at a time, in receipt order.
func (c *Client) dispatchLoop() {
	for {
		select {
		case fn := <-c.dispatchQ:
			fn()
		case <-c.quit:
			return
		}
	}
}

// emitAsync queues an event for dispatch. A full queue drops the event rather
// than stalling the read loop.
func (c *Client) emitAsync(name string, payload json.RawMessage) {
	select {
	case c.dispatchQ <- func() { c.emitter.Emit(name, payload) }:
	default:
		c.logger.Warn("dispatch queue full, dropping event", "event", name)
	}
}

// settleAsync queues a response settlement. Unlike events, settlements are
// never dropped: a blocked queue stalls the read loop rather than leaking a
// pending request until its timeout.
func (c *Client) settleAsync(frame *wire.Frame) {
	select {
	case c.dispatchQ <- func() { c.handleResponse(frame) }:
	case <-c.quit:
	}
}

// Subscribe registers a handler for a pushed event name and returns an
// unsubscribe handle.
func (c *Client) Subscribe(event string, fn Handler) func() {
	return c.emitter.Subscribe(event, fn)
}

// Connected reports whether the handshake has completed on a live socket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect opens the socket and performs the server-driven handshake. The
// server sends a challenge event first; the client answers with a connect
// request carrying protocol bounds, identity, and the optional bearer token.
// The whole flow is bounded by one overall timeout. On failure it returns
// false and, unless the client was closed, schedules a reconnect.
func (c *Client) Connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.connected {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout())
	defer cancel()

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		c.logger.Debug("dial failed", "url", c.cfg.URL, "error", err)
		c.scheduleReconnect()
		return false
	}
	// Agent responses can be large.
	conn.SetReadLimit(16 << 20)

	challenge := make(chan wire.ChallengePayload, 1)
	c.mu.Lock()
	c.conn = conn
	c.challengeCh = challenge
	c.mu.Unlock()

	go c.readLoop(conn)

	// The server drives the handshake: nothing is sent until its challenge
	// arrives.
	var nonce string
	select {
	case ch := <-challenge:
		nonce = ch.Nonce
	case <-ctx.Done():
		c.logger.Warn("no challenge before timeout")
		c.dropConn(conn)
		c.scheduleReconnect()
		return false
	}

	params := wire.ConnectParams{
		MinProtocol: protocolMin,
		MaxProtocol: protocolMax,
		Client: wire.ClientInfo{
			ID:          c.clientID,
			DisplayName: c.cfg.DisplayName,
			Version:     c.cfg.Version,
			Platform:    runtime.GOOS,
			Mode:        "bridge",
		},
		Role:      "operator",
		Scopes:    []string{"channels", "agent", "sessions"},
		Challenge: nonce,
	}
	if c.cfg.Token != "" {
		params.Auth = &wire.AuthPayload{Token: c.cfg.Token}
	}

	if _, err := c.request(ctx, "connect", params); err != nil {
		c.logger.Warn("handshake rejected", "error", err)
		c.dropConn(conn)
		c.scheduleReconnect()
		return false
	}

	c.mu.Lock()
	c.connected = true
	c.reconnectAttempts = 0
	c.mu.Unlock()

	c.logger.Info("gateway connected", "url", c.cfg.URL)
	c.emitAsync(EventConnected, nil)
	return true
}

// Request issues a correlated request and waits for a terminal response.
// Responses with an intermediate status (accepted/pending/running) keep the
// request pending; only a terminal response or the per-request timeout
// settles it.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.conn == nil || !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.mu.Unlock()
	return c.request(ctx, method, params)
}

// request sends regardless of handshake state; the handshake itself uses it.
func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	pr := &pendingRequest{id: id, state: awaitingAck, done: make(chan requestResult, 1)}
	c.pending[id] = pr
	c.mu.Unlock()

	frame := wire.Request{Type: wire.FrameRequest, ID: id, Method: method, Params: params}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("sending %s request: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.requestTimeout())
	defer timer.Stop()

	select {
	case res := <-pr.done:
		return res.payload, res.err
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, method)
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// readLoop decodes frames until the socket dies. Malformed frames are logged
// and skipped, never fatal to the loop.
func (c *Client) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		var frame wire.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.handleFrame(&frame)
	}
}

func (c *Client) handleFrame(frame *wire.Frame) {
	switch frame.Type {
	case wire.FrameResponse:
		c.settleAsync(frame)
	case wire.FrameEvent:
		if frame.Event == challengeEvent {
			var ch wire.ChallengePayload
			if len(frame.Payload) > 0 {
				if err := json.Unmarshal(frame.Payload, &ch); err != nil {
					c.logger.Warn("malformed challenge payload", "error", err)
				}
			}
			c.mu.Lock()
			dst := c.challengeCh
			c.mu.Unlock()
			if dst != nil {
				select {
				case dst <- ch:
				default:
				}
			}
			return
		}
		c.emitAsync(frame.Event, frame.Payload)
	default:
		c.logger.Debug("unknown frame type", "type", frame.Type)
	}
}

func (c *Client) handleResponse(frame *wire.Frame) {
	c.mu.Lock()
	pr, ok := c.pending[frame.ID]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("response for unknown request", "id", frame.ID)
		return
	}

	ok2 := frame.OK == nil || *frame.OK
	if ok2 && wire.IsIntermediate(frame.Payload) {
		// Two-phase ack: keep waiting for the terminal response.
		pr.state = awaitingFinal
		c.mu.Unlock()
		return
	}

	pr.state = settled
	delete(c.pending, frame.ID)
	c.mu.Unlock()

	if !ok2 {
		msg := "request failed"
		if frame.Error != nil {
			msg = frame.Error.Message
		}
		pr.done <- requestResult{err: errors.New(msg)}
		return
	}
	pr.done <- requestResult{payload: frame.Payload}
}

func (c *Client) removePending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// handleDisconnect runs once per socket death: rejects in-flight requests,
// notifies subscribers, and schedules a backoff reconnect.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	c.challengeCh = nil
	stale := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	for _, pr := range stale {
		pr.done <- requestResult{err: ErrConnectionLost}
	}

	if closed {
		return
	}
	c.logger.Warn("gateway connection lost", "error", cause)
	if wasConnected {
		c.emitAsync(EventDisconnected, nil)
	}
	c.scheduleReconnect()
}

// dropConn tears down a half-open connection from a failed connect attempt.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.challengeCh = nil
	}
	c.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// backoffDelay returns the reconnect delay for the given attempt number
// (0-based): 1s, 2s, 4s, 8s, 16s, capped at 30s.
func backoffDelay(attempt int) time.Duration {
	d := time.Second << attempt
	if d > 30*time.Second || d <= 0 {
		return 30 * time.Second
	}
	return d
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnectTimer != nil {
		return
	}
	if c.reconnectAttempts >= c.cfg.maxReconnects() {
		c.logger.Warn("giving up on reconnect", "attempts", c.reconnectAttempts)
		return
	}
	delay := backoffDelay(c.reconnectAttempts)
	c.reconnectAttempts++
	c.logger.Info("scheduling reconnect", "attempt", c.reconnectAttempts, "delay", delay)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.Connect(context.Background())
	})
}

// Close disposes the client: cancels any pending reconnect timer, rejects
// outstanding requests, and clears all subscriptions. The client cannot be
// reused afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.connected = false
	stale := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range stale {
		pr.done <- requestResult{err: ErrClosed}
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}
	close(c.quit)
	c.emitter.Clear()
}
