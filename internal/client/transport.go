package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// pongWait matches the server: it pings every 54s, so a minute of
	// silence means the connection is dead.
	pongWait = 60 * time.Second
)

// Conn is one realtime connection. ReadJSON is called from a single
// goroutine; writes are serialized by the Manager.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

type websocketDialer struct {
	dialer *websocket.Dialer
}

func NewWebsocketDialer() Dialer {
	return &websocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (d *websocketDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Err: fmt.Errorf("handshake rejected: %s", resp.Status)}
		}
		return nil, &NetworkError{Op: "dial", Err: err}
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) ReadJSON(v any) error {
	return c.conn.ReadJSON(v)
}

func (c *websocketConn) WriteJSON(v any) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *websocketConn) Close() error {
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	return c.conn.Close()
}
