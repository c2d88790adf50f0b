package stream

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/tablewise/mealsync/pkg/errors"
)

// StreamPath is the remote service's push-stream endpoint.
const StreamPath = "/api/realtime"

// Conn is one live push connection. The manager only ever reads frames
// and closes; the transport behind it is swappable in tests.
type Conn interface {
	// ReadFrame blocks until the next frame or a connection error.
	ReadFrame() ([]byte, error)

	// Close tears the connection down, unblocking ReadFrame.
	Close() error
}

// Dialer opens a push connection. It is called once per connection
// attempt; an error counts as an attempt that never opened.
type Dialer func(ctx context.Context) (Conn, error)

// wsConn adapts a gorilla websocket connection to Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WebsocketDialer builds a Dialer for the service's push-stream
// endpoint. The extra header carries credentials; the push transport
// exposes no HTTP status on failure, which is why the manager infers
// auth problems from connect behavior instead.
func WebsocketDialer(baseURL string, header http.Header) (Dialer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.WrapParse("url", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + StreamPath
	target := u.String()

	return func(ctx context.Context) (Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close() //nolint:errcheck
		}
		if err != nil {
			return nil, &errors.StreamError{Err: err}
		}
		return &wsConn{conn: conn}, nil
	}, nil
}
