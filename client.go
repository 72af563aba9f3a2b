// ABOUTME: Nexus agent client that owns the connection state machine and reconnect loop.
// ABOUTME: Composition root wiring the authenticator, transport, dispatcher, and registry.

package oblivion

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the connection lifecycle state. Exactly one value holds at any
// instant; transitions are the sole mutator of the session token and the
// assigned agent identity.
type State int

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateOpening
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateOpening:
		return "opening"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	defaultReconnectDelay   = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultToolTimeout      = 30 * time.Second
	defaultVersion          = "0.1.0"
)

// Config holds the parameters for a Client. NexusURL, ClientID, and
// ClientSecret are required unless a custom TokenSource is supplied.
type Config struct {
	// NexusURL is the base URL of the Nexus server, e.g. http://localhost:3000.
	NexusURL     string
	ClientID     string
	ClientSecret string

	// Capabilities and Version are announced in agent_ready.
	Capabilities []string
	Version      string

	// DisableReconnect turns off the automatic reconnect loop; transport
	// failures then end the session instead of triggering retries.
	DisableReconnect bool
	// ReconnectDelay is the fixed delay between reconnect attempts.
	ReconnectDelay time.Duration
	// HandshakeTimeout bounds the wait for the server's connected
	// acknowledgment after the transport opens.
	HandshakeTimeout time.Duration

	// HTTPClient is used for the credential exchange and the WebSocket dial.
	HTTPClient *http.Client
	Logger     *slog.Logger

	// TokenSource overrides the default HTTP credential exchange.
	TokenSource TokenSource
	// Dialer overrides the default WebSocket transport.
	Dialer Dialer
}

// Client maintains one durable, authenticated session with a Nexus server.
// All session state is owned by the instance; independent clients can coexist
// in one process.
type Client struct {
	nexusURL         string
	capabilities     []string
	version          string
	autoReconnect    bool
	reconnectDelay   time.Duration
	handshakeTimeout time.Duration
	logger           *slog.Logger
	tokens           TokenSource
	dialer           Dialer

	pending  *pendingRegistry
	dispatch *dispatcher

	mu        sync.Mutex
	state     State
	conn      Conn
	agentID   string
	token     string
	tokenExp  time.Time
	shouldRun bool
	stopCh    chan struct{}

	writeMu sync.Mutex
}

// New creates a Client. It performs no network I/O; call Connect to start the
// session.
func New(cfg Config) (*Client, error) {
	if cfg.NexusURL == "" {
		return nil, fmt.Errorf("nexus url is required")
	}
	if cfg.TokenSource == nil && (cfg.ClientID == "" || cfg.ClientSecret == "") {
		return nil, fmt.Errorf("client id and client secret are required")
	}

	nexusURL := strings.TrimSuffix(cfg.NexusURL, "/")

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID != "" {
		logger = logger.With("client_id", cfg.ClientID)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	tokens := cfg.TokenSource
	if tokens == nil {
		tokens = &httpTokenSource{
			baseURL:      nexusURL,
			clientID:     cfg.ClientID,
			clientSecret: cfg.ClientSecret,
			httpClient:   httpClient,
		}
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &wsDialer{httpClient: httpClient}
	}

	version := cfg.Version
	if version == "" {
		version = defaultVersion
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	c := &Client{
		nexusURL:         nexusURL,
		capabilities:     append([]string(nil), cfg.Capabilities...),
		version:          version,
		autoReconnect:    !cfg.DisableReconnect,
		reconnectDelay:   reconnectDelay,
		handshakeTimeout: handshakeTimeout,
		logger:           logger,
		tokens:           tokens,
		dialer:           dialer,
		pending:          newPendingRegistry(),
		state:            StateDisconnected,
	}
	c.dispatch = newDispatcher(logger, c.pending, c.send)
	return c, nil
}

// Handler registration. Registrations are additive for the lifetime of the
// client; insertion order is invocation order.

// OnTaskAssigned registers a handler for task_assigned events.
func (c *Client) OnTaskAssigned(h TaskAssignedHandler) { c.dispatch.onTaskAssigned(h) }

// OnContextUpdate registers a handler for context_update events.
func (c *Client) OnContextUpdate(h ContextUpdateHandler) { c.dispatch.onContextUpdate(h) }

// OnWakeUp registers a handler for wake_up events.
func (c *Client) OnWakeUp(h WakeUpHandler) { c.dispatch.onWakeUp(h) }

// OnToolResult registers an observer for tool_result events. Awaiting
// RequestTool callers are resolved before observers run.
func (c *Client) OnToolResult(h ToolResultHandler) { c.dispatch.onToolResult(h) }

// Connect authenticates, opens the realtime channel, waits for the server's
// acknowledgment, and announces agent_ready. An authentication failure here
// is fatal and surfaced; no transport handshake is attempted after it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected || c.shouldRun {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.shouldRun = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	if err := c.connectOnce(ctx); err != nil {
		c.mu.Lock()
		c.stopLocked()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}
	return nil
}

// connectOnce runs one full authenticate → dial → acknowledge → ready
// sequence. Used by both the initial Connect and the reconnect loop.
func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateAuthenticating)
	c.logger.Info("authenticating with nexus")

	token, tokenExp, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	if !tokenExp.IsZero() {
		c.logger.Debug("authentication successful", "token_expires_at", tokenExp.UTC().Format(time.RFC3339))
	} else {
		c.logger.Debug("authentication successful")
	}

	c.setState(StateOpening)
	conn, err := c.dialer.Dial(ctx, c.nexusURL, token)
	if err != nil {
		return fmt.Errorf("opening realtime channel: %w", err)
	}

	ack, err := c.awaitAck(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	// agent_ready must be on the wire before the session is published as
	// Connected; no caller-issued action is live before the announcement.
	if err := c.sendAgentReady(ctx, conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("sending agent_ready: %w", err)
	}

	c.mu.Lock()
	if !c.shouldRun {
		c.mu.Unlock()
		_ = conn.Close()
		return errSessionStopped
	}
	c.conn = conn
	c.token = token
	c.tokenExp = tokenExp
	c.agentID = ack.AgentID
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("connected to nexus", "agent_id", ack.AgentID, "server_time", ack.ServerTime)

	go c.readLoop(conn)
	return nil
}

// awaitAck reads the connection acknowledgment that assigns this session its
// agent identity.
func (c *Client) awaitAck(ctx context.Context, conn Conn) (*ConnectedPayload, error) {
	ackCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	env, err := conn.Read(ackCtx)
	if err != nil {
		return nil, fmt.Errorf("waiting for connection acknowledgment: %w", err)
	}
	if env.Type != KindConnected {
		return nil, fmt.Errorf("expected %s acknowledgment, got %s", KindConnected, env.Type)
	}
	var ack ConnectedPayload
	if err := unmarshalPayload(env, &ack); err != nil {
		return nil, &ValidationError{Kind: KindConnected, Err: err}
	}
	return &ack, nil
}

// sendAgentReady announces capabilities and version on conn. This is the
// final step of the handshake and precedes publishing the connection to
// callers.
func (c *Client) sendAgentReady(ctx context.Context, conn Conn) error {
	env, err := NewEnvelope(KindAgentReady, AgentReadyPayload{
		Capabilities: c.capabilities,
		Version:      c.version,
	})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, env)
}

// readLoop delivers inbound frames to the dispatcher serially, in arrival
// order. Handler work for one frame completes before the next frame's begins.
func (c *Client) readLoop(conn Conn) {
	ctx, cancel := c.sessionContext()
	defer cancel()

	for {
		env, err := conn.Read(ctx)
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch.dispatch(ctx, env)
	}
}

// handleDisconnect reacts to a transport loss. While the session should run
// and auto-reconnect is enabled, the client moves to Reconnecting and retries;
// otherwise the session ends.
func (c *Client) handleDisconnect(conn Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.agentID = ""
	running := c.shouldRun
	c.mu.Unlock()

	c.pending.failAll("connection closed")

	if running && c.autoReconnect {
		c.setState(StateReconnecting)
		c.logger.Warn("disconnected from nexus", "error", cause)
		go c.reconnectLoop()
		return
	}

	c.setState(StateDisconnected)
	if running {
		c.logger.Error("disconnected from nexus, reconnect disabled", "error", cause)
		c.mu.Lock()
		c.stopLocked()
		c.mu.Unlock()
	}
}

// reconnectLoop re-runs the full handshake after a fixed delay until the
// session is connected or stopped. Authentication failures here are logged
// and retried, never fatal.
func (c *Client) reconnectLoop() {
	c.mu.Lock()
	stop := c.stopCh
	c.mu.Unlock()

	for {
		select {
		case <-stop:
			c.setState(StateDisconnected)
			return
		case <-time.After(c.reconnectDelay):
		}

		c.logger.Info("attempting reconnection", "delay", c.reconnectDelay)
		ctx, cancel := c.sessionContext()
		err := c.connectOnce(ctx)
		cancel()
		if err == nil {
			return
		}
		if err == errSessionStopped {
			c.setState(StateDisconnected)
			return
		}
		c.logger.Error("reconnection failed", "error", err)
		c.setState(StateReconnecting)
	}
}

// Disconnect is the single cancellation primitive: it stops the session,
// tears down the transport, fails out pending tool requests, and unblocks
// Wait and the reconnect loop.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopLocked()
	conn := c.conn
	c.conn = nil
	c.agentID = ""
	c.token = ""
	c.tokenExp = time.Time{}
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.pending.failAll("client disconnected")
	c.logger.Info("disconnected")
}

// stopLocked flips the should-run flag off and releases waiters. Caller must
// hold c.mu.
func (c *Client) stopLocked() {
	if c.shouldRun {
		c.shouldRun = false
		close(c.stopCh)
	}
}

// Wait blocks until the session is stopped by Disconnect (or a fatal
// transport loss with reconnect disabled), or until ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	c.mu.Lock()
	stop := c.stopCh
	running := c.shouldRun
	c.mu.Unlock()

	if stop == nil || !running {
		return nil
	}
	select {
	case <-stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sessionContext returns a context canceled when the session stops.
func (c *Client) sessionContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	stop := c.stopCh
	c.mu.Unlock()
	if stop != nil {
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return ctx, cancel
}

// setState records a lifecycle transition. A stopped session refuses every
// transition except to Disconnected, so a racing connection attempt can never
// revive the state machine after Disconnect.
func (c *Client) setState(s State) {
	c.mu.Lock()
	if !c.shouldRun && s != StateDisconnected {
		c.mu.Unlock()
		return
	}
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		c.logger.Debug("connection state changed", "from", old.String(), "to", s.String())
	}
}

// send emits one outbound envelope on the current connection. Writes are
// serialized so concurrent actions interleave at frame granularity.
func (c *Client) send(ctx context.Context, env *Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, env)
}

// UpdateStatus reports the agent's status. taskID and message may be empty.
func (c *Client) UpdateStatus(ctx context.Context, status AgentStatus, taskID, message string) error {
	env, err := NewEnvelope(KindStatusUpdate, StatusUpdatePayload{
		Status:  status,
		TaskID:  taskID,
		Message: message,
	})
	if err != nil {
		return err
	}
	if err := c.send(ctx, env); err != nil {
		return err
	}
	c.logger.Debug("status updated", "status", string(status), "task_id", taskID)
	return nil
}

// RequestTool asks the server to execute a tool action and suspends until the
// correlated tool_result arrives or the timeout elapses. A timeout is
// reported as a failure-shaped result, not an error; the error return is
// reserved for transport and cancellation failures. Multiple requests may be
// outstanding concurrently; each resolves independently.
func (c *Client) RequestTool(ctx context.Context, tool, action string, params map[string]any, timeout time.Duration) (ToolResultPayload, error) {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}

	requestID := uuid.NewString()
	env, err := NewEnvelope(KindToolRequest, ToolRequestPayload{
		RequestID: requestID,
		Tool:      tool,
		Action:    action,
		Params:    params,
	})
	if err != nil {
		return ToolResultPayload{}, err
	}

	req := c.pending.register(requestID)
	if err := c.send(ctx, env); err != nil {
		c.pending.discard(requestID)
		return ToolResultPayload{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-req.ch:
		return result, nil
	case <-timer.C:
		c.pending.discard(requestID)
		// A result may have landed between the timer firing and the discard;
		// the resolution won, so honor it.
		select {
		case result := <-req.ch:
			return result, nil
		default:
		}
		c.logger.Warn("tool request timed out", "request_id", requestID, "tool", tool, "action", action)
		return ToolResultPayload{RequestID: requestID, Success: false, Error: "tool request timed out"}, nil
	case <-ctx.Done():
		c.pending.discard(requestID)
		return ToolResultPayload{}, ctx.Err()
	}
}

// SendHeartbeat emits an unsolicited heartbeat ping.
func (c *Client) SendHeartbeat(ctx context.Context) error {
	env, err := NewEnvelope(KindHeartbeat, HeartbeatPayload{Ping: true})
	if err != nil {
		return err
	}
	return c.send(ctx, env)
}

// Connected reports whether the session is currently in the Connected state.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AgentID returns the server-assigned agent identity, or "" when not
// connected.
func (c *Client) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// TokenExpiry returns the expiry of the current bearer token, or the zero
// time when disconnected or when the token carries no readable expiry.
func (c *Client) TokenExpiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokenExp
}
