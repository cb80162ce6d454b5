package daemonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeDaemon answers requests on the server halves of piped connections and
// records every method it sees.
type fakeDaemon struct {
	t      *testing.T
	handle func(req Request) *Response

	mu      sync.Mutex
	methods []string
	conns   []net.Conn
	dials   int
	refuse  bool
}

func newFakeDaemon(t *testing.T, handle func(req Request) *Response) *fakeDaemon {
	if handle == nil {
		handle = func(req Request) *Response {
			return &Response{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
		}
	}
	return &fakeDaemon{t: t, handle: handle}
}

func (d *fakeDaemon) dial(context.Context) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refuse {
		return nil, errors.New("connection refused")
	}
	d.dials++
	client, server := net.Pipe()
	d.conns = append(d.conns, server)
	go d.serve(server)
	return client, nil
}

func (d *fakeDaemon) serve(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		d.mu.Lock()
		d.methods = append(d.methods, req.Method)
		d.mu.Unlock()
		if resp := d.handle(req); resp != nil {
			d.send(conn, resp)
		}
	}
}

func (d *fakeDaemon) send(conn net.Conn, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		d.t.Errorf("encode fake response: %v", err)
		return
	}
	_, _ = conn.Write(append(encoded, '\n'))
}

func (d *fakeDaemon) seenMethods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.methods...)
}

func (d *fakeDaemon) dropConnections() {
	d.mu.Lock()
	conns := d.conns
	d.conns = nil
	d.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (d *fakeDaemon) setRefuse(refuse bool) {
	d.mu.Lock()
	d.refuse = refuse
	d.mu.Unlock()
}

func (d *fakeDaemon) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestClient(t *testing.T, daemon *fakeDaemon, opts Options) *Client {
	t.Helper()
	opts.Dialer = daemon.dial
	opts.Logger = zaptest.NewLogger(t)
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 5 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 20 * time.Millisecond
	}
	client, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCallRoundTrip(t *testing.T) {
	daemon := newFakeDaemon(t, func(req Request) *Response {
		assert.Equal(t, MethodSessionGet, req.Method)
		return &Response{ID: req.ID, Result: json.RawMessage(`{"session_id":"s1"}`)}
	})
	client := newTestClient(t, daemon, Options{})

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, StateConnected, client.State())

	result, err := client.Call(context.Background(), MethodSessionGet, map[string]string{"session_id": "s1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"s1"}`, string(result))
}

func TestCallReturnsRPCError(t *testing.T) {
	daemon := newFakeDaemon(t, func(req Request) *Response {
		return &Response{ID: req.ID, Error: &ErrorInfo{Code: CodeNotFound, Message: "no such session"}}
	})
	client := newTestClient(t, daemon, Options{})
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.Call(context.Background(), MethodSessionGet, nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeNotFound, rpcErr.Code)
	assert.Equal(t, "no such session", rpcErr.Message)
}

func TestCallTimesOut(t *testing.T) {
	daemon := newFakeDaemon(t, func(Request) *Response { return nil })
	client := newTestClient(t, daemon, Options{CallTimeout: 30 * time.Millisecond})
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.Call(context.Background(), MethodHealth, nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestCallWhileDisconnected(t *testing.T) {
	daemon := newFakeDaemon(t, nil)
	client := newTestClient(t, daemon, Options{})

	_, err := client.Call(context.Background(), MethodHealth, nil)
	require.ErrorIs(t, err, ErrDisconnected)

	require.NoError(t, client.Close())
	_, err = client.Call(context.Background(), MethodHealth, nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestEventsAreDelivered(t *testing.T) {
	var serverConn net.Conn
	daemon := newFakeDaemon(t, nil)
	client := newTestClient(t, daemon, Options{})
	require.NoError(t, client.Connect(context.Background()))

	daemon.mu.Lock()
	serverConn = daemon.conns[0]
	daemon.mu.Unlock()

	daemon.send(serverConn, Event{
		Type:      EventMessage,
		SessionID: "s1",
		Data:      json.RawMessage(`{"body":"hi"}`),
		Sequence:  7,
	})

	select {
	case ev := <-client.Events():
		assert.Equal(t, EventMessage, ev.Type)
		assert.Equal(t, "s1", ev.SessionID)
		assert.Equal(t, int64(7), ev.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestDisconnectFailsPendingAndReconnects(t *testing.T) {
	block := make(chan struct{})
	daemon := newFakeDaemon(t, func(req Request) *Response {
		if req.Method == MethodSessionList {
			<-block
			return nil
		}
		return &Response{ID: req.ID, Result: json.RawMessage(`{}`)}
	})
	client := newTestClient(t, daemon, Options{})
	require.NoError(t, client.Connect(context.Background()))

	// Subscribe so the reconnect has something to replay.
	require.NoError(t, client.Subscribe(context.Background(), "s1"))

	callErr := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), MethodSessionList, nil)
		callErr <- err
	}()

	// Give the call time to land in the pending table, then cut the wire.
	time.Sleep(50 * time.Millisecond)
	daemon.dropConnections()
	close(block)

	select {
	case err := <-callErr:
		require.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never failed")
	}

	require.Eventually(t, func() bool {
		return client.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond, "client never reconnected")

	// The subscription was replayed on the new connection.
	require.Eventually(t, func() bool {
		count := 0
		for _, m := range daemon.seenMethods() {
			if m == MethodSessionSubscribe {
				count++
			}
		}
		return count >= 2
	}, 2*time.Second, 10*time.Millisecond, "subscription not replayed")

	// Calls work again without an explicit Connect.
	_, err := client.Call(context.Background(), MethodHealth, nil)
	require.NoError(t, err)
}

func TestReconnectGivesUpAfterBudget(t *testing.T) {
	daemon := newFakeDaemon(t, nil)
	client := newTestClient(t, daemon, Options{MaxReconnects: 3})
	require.NoError(t, client.Connect(context.Background()))

	daemon.setRefuse(true)
	daemon.dropConnections()

	require.Eventually(t, func() bool {
		return client.State() == StateFailed
	}, 5*time.Second, 10*time.Millisecond, "client never gave up")

	select {
	case err := <-client.Errors():
		assert.Contains(t, err.Error(), "reconnect attempts")
	case <-time.After(time.Second):
		t.Fatal("expected a terminal error")
	}

	// Only the single reconnect loop ran: initial dial plus three retries at
	// most would add dials, but refusals never count.
	assert.Equal(t, 1, daemon.dialCount())

	// An explicit Connect revives the failed client.
	daemon.setRefuse(false)
	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, StateConnected, client.State())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	daemon := newFakeDaemon(t, nil)
	client := newTestClient(t, daemon, Options{})
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Subscribe(context.Background(), "s1"))
	require.NoError(t, client.Unsubscribe(context.Background(), "s1"))
	require.Error(t, client.Subscribe(context.Background(), ""))

	methods := daemon.seenMethods()
	assert.Contains(t, methods, MethodSessionSubscribe)
	assert.Contains(t, methods, MethodSessionUnsubscribe)
}
