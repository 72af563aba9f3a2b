// ABOUTME: Realtime transport abstraction and its WebSocket implementation.
// ABOUTME: Dials the /agents namespace with the bearer token supplied at connect time.

package oblivion

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// maxFrameSize bounds a single inbound envelope.
const maxFrameSize = 1 << 20 // 1 MiB

// Conn is a single established realtime connection. Read delivers envelopes
// serially in arrival order.
type Conn interface {
	Read(ctx context.Context) (*Envelope, error)
	Write(ctx context.Context, env *Envelope) error
	Close() error
}

// Dialer opens realtime connections. The token authenticates the connection
// as a whole; individual frames carry no credentials.
type Dialer interface {
	Dial(ctx context.Context, baseURL, token string) (Conn, error)
}

// wsDialer dials the Nexus /agents namespace over WebSocket.
type wsDialer struct {
	httpClient *http.Client
}

func (d *wsDialer) Dial(ctx context.Context, baseURL, token string) (Conn, error) {
	wsURL, err := realtimeURL(baseURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	return &wsConn{conn: conn}, nil
}

// realtimeURL rewrites the HTTP base URL to its WebSocket equivalent and
// appends the /agents namespace path.
func realtimeURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing nexus url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already a websocket URL
	default:
		return "", fmt.Errorf("unsupported nexus url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/agents"
	return u.String(), nil
}

// wsConn adapts a websocket connection to the Conn interface, one JSON
// envelope per message.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (*Envelope, error) {
	var env Envelope
	if err := wsjson.Read(ctx, c.conn, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *wsConn) Write(ctx context.Context, env *Envelope) error {
	return wsjson.Write(ctx, c.conn, env)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "disconnect")
}
