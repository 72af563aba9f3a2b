// ABOUTME: Tests for the client's state machine, handshake, reconnect, and tool calls.
// ABOUTME: Uses an in-memory fake transport and a stub token source.

package oblivion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTokens is a scripted TokenSource. errs[i] is returned on call i+1;
// missing or nil entries succeed.
type stubTokens struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (s *stubTokens) Token(_ context.Context) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= len(s.errs) && s.errs[s.calls-1] != nil {
		return "", time.Time{}, s.errs[s.calls-1]
	}
	return fmt.Sprintf("tok-%d", s.calls), time.Time{}, nil
}

func (s *stubTokens) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeConn is an in-memory Conn driven by the test.
type fakeConn struct {
	mu      sync.Mutex
	written []*Envelope
	in      chan *Envelope
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *Envelope, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (*Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, env *Envelope) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers a frame as if sent by the server.
func (c *fakeConn) push(t *testing.T, kind Kind, payload any) {
	t.Helper()
	env, err := NewEnvelope(kind, payload)
	require.NoError(t, err)
	c.in <- env
}

func (c *fakeConn) writtenOfKind(kind Kind) []*Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Envelope
	for _, env := range c.written {
		if env.Type == kind {
			out = append(out, env)
		}
	}
	return out
}

// fakeDialer hands out fakeConns pre-seeded with the connected acknowledgment.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string, token string) (Conn, error) {
	if token == "" {
		return nil, errors.New("dial without token")
	}
	conn := newFakeConn()
	env, err := NewEnvelope(KindConnected, ConnectedPayload{
		Message:    "welcome",
		AgentID:    "agent-42",
		ServerTime: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	conn.in <- env

	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// gatedDialer delegates to an inner fakeDialer but parks one chosen dial
// until released, then fails it.
type gatedDialer struct {
	inner   *fakeDialer
	blockAt int
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (d *gatedDialer) Dial(ctx context.Context, baseURL, token string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	if n == d.blockAt {
		close(d.entered)
		<-d.release
		return nil, errors.New("dial failed")
	}
	return d.inner.Dial(ctx, baseURL, token)
}

// slowReadyConn parks the agent_ready write until released so tests can
// observe the window between the server ack and the announcement.
type slowReadyConn struct {
	*fakeConn
	entered chan struct{}
	release chan struct{}
	enter   sync.Once
}

func (c *slowReadyConn) Write(ctx context.Context, env *Envelope) error {
	if env.Type == KindAgentReady {
		c.enter.Do(func() { close(c.entered) })
		<-c.release
	}
	return c.fakeConn.Write(ctx, env)
}

type slowReadyDialer struct {
	inner   *fakeDialer
	entered chan struct{}
	release chan struct{}
}

func (d *slowReadyDialer) Dial(ctx context.Context, baseURL, token string) (Conn, error) {
	conn, err := d.inner.Dial(ctx, baseURL, token)
	if err != nil {
		return nil, err
	}
	return &slowReadyConn{fakeConn: conn.(*fakeConn), entered: d.entered, release: d.release}, nil
}

func newTestClient(t *testing.T, tokens *stubTokens, dialer *fakeDialer, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		NexusURL:       "http://nexus.test",
		ClientID:       "agent-1",
		ClientSecret:   "s3cret",
		Capabilities:   []string{"chat", "echo"},
		Version:        "1.2.3",
		ReconnectDelay: 5 * time.Millisecond,
		TokenSource:    tokens,
		Dialer:         dialer,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := New(cfg)
	require.NoError(t, err)
	return client
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewValidation(t *testing.T) {
	t.Run("requires nexus url", func(t *testing.T) {
		_, err := New(Config{ClientID: "a", ClientSecret: "b"})
		assert.Error(t, err)
	})

	t.Run("requires credentials without a token source", func(t *testing.T) {
		_, err := New(Config{NexusURL: "http://nexus.test", ClientID: "a"})
		assert.Error(t, err)
	})

	t.Run("token source stands in for credentials", func(t *testing.T) {
		_, err := New(Config{NexusURL: "http://nexus.test", TokenSource: &stubTokens{}})
		assert.NoError(t, err)
	})
}

func TestClientConnectHandshake(t *testing.T) {
	tokens := &stubTokens{}
	dialer := &fakeDialer{}
	client := newTestClient(t, tokens, dialer, nil)
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))

	assert.True(t, client.Connected())
	assert.Equal(t, StateConnected, client.State())
	assert.Equal(t, "agent-42", client.AgentID())
	assert.Equal(t, 1, tokens.callCount())
	require.Equal(t, 1, dialer.dials())

	ready := dialer.conn(0).writtenOfKind(KindAgentReady)
	require.Len(t, ready, 1, "agent_ready must be emitted on reaching Connected")

	var p AgentReadyPayload
	require.NoError(t, json.Unmarshal(ready[0].Payload, &p))
	assert.Equal(t, []string{"chat", "echo"}, p.Capabilities)
	assert.Equal(t, "1.2.3", p.Version)
}

func TestClientConnectAuthFailure(t *testing.T) {
	tokens := &stubTokens{errs: []error{&AuthError{StatusCode: 401}}}
	dialer := &fakeDialer{}
	client := newTestClient(t, tokens, dialer, nil)

	err := client.Connect(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 401, authErr.StatusCode)

	assert.Equal(t, 0, dialer.dials(), "no transport handshake after auth failure")
	assert.Equal(t, StateDisconnected, client.State())
	assert.False(t, client.Connected())
}

func TestClientConnectTwice(t *testing.T) {
	tokens := &stubTokens{}
	dialer := &fakeDialer{}
	client := newTestClient(t, tokens, dialer, nil)
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	assert.ErrorIs(t, client.Connect(context.Background()), ErrAlreadyStarted)
}

func TestClientRequestToolResolved(t *testing.T) {
	tokens := &stubTokens{}
	dialer := &fakeDialer{}
	client := newTestClient(t, tokens, dialer, nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	conn := dialer.conn(0)

	// Play the server: answer the tool_request as soon as it appears.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			reqs := conn.writtenOfKind(KindToolRequest)
			if len(reqs) > 0 {
				var p ToolRequestPayload
				if err := json.Unmarshal(reqs[0].Payload, &p); err != nil {
					return
				}
				conn.push(t, KindToolResult, ToolResultPayload{
					RequestID: p.RequestID,
					Success:   true,
					Result:    42.0,
				})
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	result, err := client.RequestTool(context.Background(), "search", "query", map[string]any{"q": "x"}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 42.0, result.Result)
	assert.Equal(t, 0, client.pending.count(), "pending entries must not leak")
}

func TestClientRequestToolTimeout(t *testing.T) {
	tokens := &stubTokens{}
	dialer := &fakeDialer{}
	client := newTestClient(t, tokens, dialer, nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	start := time.Now()
	result, err := client.RequestTool(context.Background(), "search", "query", map[string]any{"q": "x"}, 10*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err, "timeouts are data, not errors")
	assert.False(t, result.Success)
	assert.Equal(t, "tool request timed out", result.Error)
	assert.NotEmpty(t, result.RequestID)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, client.pending.count(), "pending count must return to zero")
}

func TestClientRequestToolNotConnected(t *testing.T) {
	client := newTestClient(t, &stubTokens{}, &fakeDialer{}, nil)

	_, err := client.RequestTool(context.Background(), "search", "query", nil, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, client.pending.count())
}

func TestClientDisconnect(t *testing.T) {
	tokens := &stubTokens{}
	dialer := &fakeDialer{}
	client := newTestClient(t, tokens, dialer, nil)
	require.NoError(t, client.Connect(context.Background()))

	type toolOutcome struct {
		result ToolResultPayload
		err    error
	}
	outcome := make(chan toolOutcome, 1)
	go func() {
		result, err := client.RequestTool(context.Background(), "search", "query", nil, 30*time.Second)
		outcome <- toolOutcome{result, err}
	}()
	waitFor(t, time.Second, func() bool {
		return len(dialer.conn(0).writtenOfKind(KindToolRequest)) == 1
	}, "tool_request was never sent")

	waitDone := make(chan error, 1)
	go func() { waitDone <- client.Wait(context.Background()) }()

	client.Disconnect()

	select {
	case got := <-outcome:
		require.NoError(t, got.err)
		assert.False(t, got.result.Success, "pending requests must be failed out on disconnect")
		assert.Equal(t, "client disconnected", got.result.Error)
	case <-time.After(time.Second):
		t.Fatal("RequestTool did not unwind on disconnect")
	}

	select {
	case err := <-waitDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unwind on disconnect")
	}

	assert.Equal(t, StateDisconnected, client.State())
	assert.Empty(t, client.AgentID())
	assert.Equal(t, 0, client.pending.count())
}

func TestClientWaitBeforeConnect(t *testing.T) {
	client := newTestClient(t, &stubTokens{}, &fakeDialer{}, nil)
	assert.NoError(t, client.Wait(context.Background()))
}

func TestClientWaitContextCancel(t *testing.T) {
	tokens := &stubTokens{}
	dialer := &fakeDialer{}
	client := newTestClient(t, tokens, dialer, nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, client.Wait(ctx), context.Canceled)
}

func TestClientReconnect(t *testing.T) {
	tokens := &stubTokens{}
	dialer := &fakeDialer{}
	client := newTestClient(t, tokens, dialer, nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	// Server drops the connection.
	_ = dialer.conn(0).Close()

	waitFor(t, 2*time.Second, func() bool {
		return dialer.dials() == 2 && client.Connected()
	}, "client did not reconnect")

	// Re-entering Connected requires the full authenticate→open→ack sequence.
	assert.Equal(t, 2, tokens.callCount())
	assert.Equal(t, "agent-42", client.AgentID())

	ready := dialer.conn(1).writtenOfKind(KindAgentReady)
	assert.Len(t, ready, 1, "agent_ready must be re-announced after reconnect")
}

func TestClientReconnectRetriesAfterAuthFailure(t *testing.T) {
	// First connect succeeds, first reconnect attempt fails auth, second succeeds.
	tokens := &stubTokens{errs: []error{nil, &AuthError{StatusCode: 503}, nil}}
	dialer := &fakeDialer{}
	client := newTestClient(t, tokens, dialer, nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	_ = dialer.conn(0).Close()

	waitFor(t, 2*time.Second, func() bool {
		return dialer.dials() == 2 && client.Connected()
	}, "client did not recover")

	assert.Equal(t, 3, tokens.callCount(), "auth failure during reconnect must be retried, not fatal")
	assert.Equal(t, 2, dialer.dials())
}

func TestClientDisconnectDuringReconnectAttempt(t *testing.T) {
	tokens := &stubTokens{}
	inner := &fakeDialer{}
	gated := &gatedDialer{inner: inner, blockAt: 2, entered: make(chan struct{}), release: make(chan struct{})}
	client := newTestClient(t, tokens, inner, func(cfg *Config) { cfg.Dialer = gated })
	require.NoError(t, client.Connect(context.Background()))

	// Server drops the connection; the reconnect attempt parks inside Dial.
	_ = inner.conn(0).Close()
	select {
	case <-gated.entered:
	case <-time.After(time.Second):
		t.Fatal("reconnect attempt never reached the dialer")
	}

	client.Disconnect()
	close(gated.release)

	// The failing attempt must not revive the stopped session's state.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, client.State())
	assert.False(t, client.Connected())

	// A disconnected client must accept a fresh Connect.
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect()
	assert.True(t, client.Connected())
	assert.Equal(t, "agent-42", client.AgentID())
}

func TestClientConnectedOnlyAfterAgentReady(t *testing.T) {
	tokens := &stubTokens{}
	inner := &fakeDialer{}
	dialer := &slowReadyDialer{inner: inner, entered: make(chan struct{}), release: make(chan struct{})}
	client := newTestClient(t, tokens, inner, func(cfg *Config) { cfg.Dialer = dialer })

	connectDone := make(chan error, 1)
	go func() { connectDone <- client.Connect(context.Background()) }()

	select {
	case <-dialer.entered:
	case <-time.After(time.Second):
		t.Fatal("agent_ready was never written")
	}

	// The announcement is still in flight: no caller-issued action is live yet.
	assert.False(t, client.Connected())
	assert.NotEqual(t, StateConnected, client.State())
	assert.ErrorIs(t, client.UpdateStatus(context.Background(), StatusIdle, "", ""), ErrNotConnected)

	close(dialer.release)
	require.NoError(t, <-connectDone)
	defer client.Disconnect()
	assert.True(t, client.Connected())
}

func TestClientReconnectDisabled(t *testing.T) {
	tokens := &stubTokens{}
	dialer := &fakeDialer{}
	client := newTestClient(t, tokens, dialer, func(cfg *Config) {
		cfg.DisableReconnect = true
	})
	require.NoError(t, client.Connect(context.Background()))

	waitDone := make(chan error, 1)
	go func() { waitDone <- client.Wait(context.Background()) }()

	_ = dialer.conn(0).Close()

	select {
	case err := <-waitDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("session did not end after transport loss with reconnect disabled")
	}

	assert.Equal(t, StateDisconnected, client.State())
	assert.Equal(t, 1, dialer.dials(), "no reconnect attempts expected")
}

func TestClientAnswersHeartbeat(t *testing.T) {
	tokens := &stubTokens{}
	dialer := &fakeDialer{}
	client := newTestClient(t, tokens, dialer, nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	conn := dialer.conn(0)
	conn.push(t, KindHeartbeat, HeartbeatPayload{Ping: true, ServerTime: "2026-01-02T03:04:05Z"})

	waitFor(t, time.Second, func() bool {
		return len(conn.writtenOfKind(KindHeartbeat)) == 1
	}, "heartbeat was not answered")

	var reply HeartbeatPayload
	require.NoError(t, json.Unmarshal(conn.writtenOfKind(KindHeartbeat)[0].Payload, &reply))
	assert.True(t, reply.Pong)
	assert.Equal(t, "2026-01-02T03:04:05Z", reply.ServerTime)
}

func TestClientUpdateStatus(t *testing.T) {
	tokens := &stubTokens{}
	dialer := &fakeDialer{}
	client := newTestClient(t, tokens, dialer, nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.UpdateStatus(context.Background(), StatusWorking, "t1", "crunching"))

	updates := dialer.conn(0).writtenOfKind(KindStatusUpdate)
	require.Len(t, updates, 1)

	var p StatusUpdatePayload
	require.NoError(t, json.Unmarshal(updates[0].Payload, &p))
	assert.Equal(t, StatusWorking, p.Status)
	assert.Equal(t, "t1", p.TaskID)
	assert.Equal(t, "crunching", p.Message)
}

func TestClientHandlersReceiveEvents(t *testing.T) {
	tokens := &stubTokens{}
	dialer := &fakeDialer{}
	client := newTestClient(t, tokens, dialer, nil)
	defer client.Disconnect()

	var mu sync.Mutex
	var tasks []string
	client.OnTaskAssigned(func(_ context.Context, p TaskAssignedPayload) {
		mu.Lock()
		tasks = append(tasks, p.TaskID)
		mu.Unlock()
	})

	require.NoError(t, client.Connect(context.Background()))
	conn := dialer.conn(0)

	conn.push(t, KindTaskAssigned, TaskAssignedPayload{TaskID: "t1", Title: "first"})
	// A malformed frame in between must not stop later dispatch.
	conn.in <- &Envelope{Type: KindTaskAssigned, Payload: json.RawMessage(`{"title":"no id"}`), Timestamp: "2026-01-02T03:04:05Z"}
	conn.push(t, KindTaskAssigned, TaskAssignedPayload{TaskID: "t2", Title: "second"})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tasks) == 2
	}, "handlers did not receive both valid frames")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"t1", "t2"}, tasks)
}

func TestClientConcurrentToolRequests(t *testing.T) {
	tokens := &stubTokens{}
	dialer := &fakeDialer{}
	client := newTestClient(t, tokens, dialer, nil)
	defer client.Disconnect()
	require.NoError(t, client.Connect(context.Background()))

	conn := dialer.conn(0)

	// Answer every request, in reverse arrival order, once both are in flight.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			reqs := conn.writtenOfKind(KindToolRequest)
			if len(reqs) == 2 {
				for i := len(reqs) - 1; i >= 0; i-- {
					var p ToolRequestPayload
					if err := json.Unmarshal(reqs[i].Payload, &p); err != nil {
						return
					}
					conn.push(t, KindToolResult, ToolResultPayload{
						RequestID: p.RequestID,
						Success:   true,
						Result:    p.Params["n"],
					})
				}
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	results := make([]ToolResultPayload, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = client.RequestTool(context.Background(), "math", "echo", map[string]any{"n": float64(i)}, 2*time.Second)
		}(i)
	}
	wg.Wait()

	for i, result := range results {
		require.NoError(t, errs[i])
		assert.True(t, result.Success, "request %d failed: %+v", i, result)
		assert.Equal(t, float64(i), result.Result, "requests must resolve independently")
	}
	assert.Equal(t, 0, client.pending.count())
}
