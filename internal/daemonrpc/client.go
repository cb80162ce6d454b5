package daemonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultDialTimeout   = 5 * time.Second
	defaultCallTimeout   = 15 * time.Second
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 30 * time.Second
	defaultMaxReconnects = 10
	defaultMaxFrameBytes = 2 * 1024 * 1024
	defaultEventBuffer   = 32
)

var (
	ErrClosed       = errors.New("daemon client closed")
	ErrDisconnected = errors.New("daemon client disconnected")
	ErrTimeout      = errors.New("daemon call timed out")
)

// State is the client's connection lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// DialFunc opens the transport connection to the daemon.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Options configures a Client.
type Options struct {
	SocketPath    string
	Dialer        DialFunc
	DialTimeout   time.Duration
	CallTimeout   time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxReconnects int
	MaxFrameBytes int
	EventBuffer   int
	Logger        *zap.Logger
}

type callResult struct {
	resp *Response
	err  error
}

// Client is a reconnecting NDJSON RPC client for the local daemon. One
// connection carries both request/response pairs and server-push events.
type Client struct {
	dialFn DialFunc
	log    *zap.Logger

	mu            sync.Mutex
	conn          net.Conn
	state         State
	closed        bool
	reconnecting  bool
	pending       map[string]chan callResult
	subscriptions map[string]struct{}

	writeMu sync.Mutex

	dialTimeout   time.Duration
	callTimeout   time.Duration
	reconnectBase time.Duration
	reconnectMax  time.Duration
	maxReconnects int
	maxFrameBytes int

	events chan Event
	errors chan error
}

// New builds a client. Either SocketPath or a custom Dialer must be set.
func New(opts Options) (*Client, error) {
	dialFn := opts.Dialer
	if dialFn == nil {
		if opts.SocketPath == "" {
			return nil, fmt.Errorf("socket path is required")
		}
		path := opts.SocketPath
		dialFn = func(ctx context.Context) (net.Conn, error) {
			dialer := net.Dialer{}
			return dialer.DialContext(ctx, "unix", path)
		}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		dialFn:        dialFn,
		log:           log,
		state:         StateDisconnected,
		pending:       make(map[string]chan callResult),
		subscriptions: make(map[string]struct{}),
		dialTimeout:   opts.DialTimeout,
		callTimeout:   opts.CallTimeout,
		reconnectBase: opts.ReconnectBase,
		reconnectMax:  opts.ReconnectMax,
		maxReconnects: opts.MaxReconnects,
		maxFrameBytes: opts.MaxFrameBytes,
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = defaultDialTimeout
	}
	if c.callTimeout <= 0 {
		c.callTimeout = defaultCallTimeout
	}
	if c.reconnectBase <= 0 {
		c.reconnectBase = defaultReconnectBase
	}
	if c.reconnectMax <= 0 {
		c.reconnectMax = defaultReconnectMax
	}
	if c.maxReconnects <= 0 {
		c.maxReconnects = defaultMaxReconnects
	}
	if c.maxFrameBytes <= 0 {
		c.maxFrameBytes = defaultMaxFrameBytes
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	c.events = make(chan Event, buffer)
	c.errors = make(chan error, 8)
	return c, nil
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns server-push events for subscribed sessions. Events are
// dropped when the consumer falls behind.
func (c *Client) Events() <-chan Event { return c.events }

// Errors returns asynchronous connection and protocol errors.
func (c *Client) Errors() <-chan error { return c.errors }

// Connect dials the daemon. Calling Connect on an already connected client
// is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.dialAndStart(ctx); err != nil {
		c.mu.Lock()
		if !c.closed && c.conn == nil {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Call issues one RPC and waits for its response. Error responses come back
// as *RPCError. Calls made while disconnected fail with ErrDisconnected; the
// call deadline is the context's, or CallTimeout when the context has none.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if method == "" {
		return nil, fmt.Errorf("method is required")
	}

	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params for %s: %w", method, err)
		}
		rawParams = encoded
	}

	req := Request{ID: uuid.NewString(), Method: method, Params: rawParams}

	resultCh := make(chan callResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.pending[req.ID] = resultCh
	c.mu.Unlock()

	if err := c.writeJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return nil, err
	}

	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if _, hasDeadline := waitCtx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, c.callTimeout)
		defer cancel()
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, &RPCError{
				Code:    res.resp.Error.Code,
				Message: res.resp.Error.Message,
				Data:    res.resp.Error.Data,
			}
		}
		return res.resp.Result, nil
	case <-waitCtx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, waitCtx.Err()
	}
}

// Subscribe registers for a session's event stream. Subscriptions are
// replayed automatically after a reconnect.
func (c *Client) Subscribe(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if _, err := c.Call(ctx, MethodSessionSubscribe, map[string]string{"session_id": sessionID}); err != nil {
		return err
	}

	c.mu.Lock()
	if !c.closed {
		c.subscriptions[sessionID] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

// Unsubscribe drops a session subscription.
func (c *Client) Unsubscribe(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	c.mu.Lock()
	delete(c.subscriptions, sessionID)
	c.mu.Unlock()

	_, err := c.Call(ctx, MethodSessionUnsubscribe, map[string]string{"session_id": sessionID})
	return err
}

// Close tears the client down and fails all in-flight calls.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, ch := range pending {
		select {
		case ch <- callResult{err: ErrClosed}:
		default:
		}
	}
	return nil
}

func (c *Client) dialAndStart(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	conn, err := c.dialFn(dialCtx)
	if err != nil {
		return fmt.Errorf("dial daemon: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.restoreSubscriptions()
	return nil
}

func (c *Client) writeJSON(payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	encoded = append(encoded, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrDisconnected
	}

	if _, err := conn.Write(encoded); err != nil {
		return ErrDisconnected
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	initialCap := 64 * 1024
	if c.maxFrameBytes < initialCap {
		initialCap = c.maxFrameBytes
	}
	scanner.Buffer(make([]byte, 0, initialCap), c.maxFrameBytes)

	for scanner.Scan() {
		if err := c.handleLine(scanner.Bytes()); err != nil {
			c.emitError(err)
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			c.emitError(fmt.Errorf("daemon frame exceeds %d bytes", c.maxFrameBytes))
		} else {
			c.emitError(fmt.Errorf("daemon read: %w", err))
		}
	}

	c.handleDisconnect(conn)
}

// handleLine distinguishes responses from events: responses carry an id,
// events carry a type.
func (c *Client) handleLine(line []byte) error {
	var probe struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return fmt.Errorf("invalid daemon frame: %w", err)
	}

	if probe.ID != "" {
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("invalid daemon response: %w", err)
		}
		c.resolvePending(&resp)
		return nil
	}

	if probe.Type != "" {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("invalid daemon event: %w", err)
		}
		select {
		case c.events <- ev:
		default:
			c.log.Warn("dropping daemon event, consumer too slow",
				zap.String("type", ev.Type), zap.String("session_id", ev.SessionID))
		}
		return nil
	}

	// Unknown frames are skipped for forward compatibility.
	return nil
}

func (c *Client) resolvePending(resp *Response) {
	c.mu.Lock()
	ch := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()

	if ch == nil {
		return
	}
	select {
	case ch <- callResult{resp: resp}:
	default:
	}
}

func (c *Client) handleDisconnect(readConn net.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != readConn {
		c.mu.Unlock()
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.state = StateReconnecting

	pending := c.pending
	c.pending = make(map[string]chan callResult)

	alreadyReconnecting := c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- callResult{err: ErrDisconnected}:
		default:
		}
	}

	if !alreadyReconnecting {
		go c.reconnectLoop()
	}
}

// reconnectLoop retries the dial with doubling backoff until it succeeds or
// the attempt budget runs out, at which point the client parks in
// StateFailed and stays there until Connect is called again.
func (c *Client) reconnectLoop() {
	backoff := c.reconnectBase
	for attempt := 1; attempt <= c.maxReconnects; attempt++ {
		c.mu.Lock()
		if c.closed || c.conn != nil {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		time.Sleep(backoff)
		if backoff < c.reconnectMax {
			backoff *= 2
			if backoff > c.reconnectMax {
				backoff = c.reconnectMax
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
		err := c.dialAndStart(ctx)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			c.log.Info("daemon reconnected", zap.Int("attempt", attempt))
			return
		}
		c.log.Warn("daemon reconnect failed",
			zap.Int("attempt", attempt), zap.Error(err))
	}

	c.mu.Lock()
	c.reconnecting = false
	if !c.closed && c.conn == nil {
		c.state = StateFailed
	}
	c.mu.Unlock()
	c.emitError(fmt.Errorf("daemon unreachable after %d reconnect attempts", c.maxReconnects))
}

func (c *Client) restoreSubscriptions() {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return
	}
	sessions := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		sessions = append(sessions, id)
	}
	c.mu.Unlock()

	for _, sessionID := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
		_, err := c.Call(ctx, MethodSessionSubscribe, map[string]string{"session_id": sessionID})
		cancel()
		if err != nil {
			c.emitError(fmt.Errorf("restore subscription %s: %w", sessionID, err))
		}
	}
}

func (c *Client) emitError(err error) {
	if err == nil {
		return
	}
	select {
	case c.errors <- err:
	default:
	}
}
