package supertrack

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// Transport dials the physical connection for a SocketClient. The default
// implementation speaks WebSocket; tests substitute an in-memory one.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one physical bidirectional connection.
type Conn interface {
	// Read blocks until the next message arrives or the connection drops.
	Read(ctx context.Context) ([]byte, error)
	// Write transmits one text message.
	Write(ctx context.Context, data []byte) error
	// Close terminates the connection with a status code and reason.
	Close(code int, reason string) error
}

// Close status codes.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
)

// wsTransport is the production Transport backed by nhooyr.io/websocket.
type wsTransport struct {
	httpClient *http.Client
}

func (t *wsTransport) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: t.httpClient,
	})
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}
