package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/robot-link/robot-link-server/pkg/protocol"
)

// Conn is one open socket to the server.
type Conn interface {
	// ReadMessage blocks for the next message. Once the socket is gone it
	// returns a *CloseError.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// CloseError describes how a socket ended. Drops without a close frame
// are reported as protocol.CloseAbnormal.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("socket closed: %d %s", e.Code, e.Reason)
}

// SocketURL appends the handshake query parameters to base.
func SocketURL(base, robotID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set(protocol.QueryRobotID, robotID)
	q.Set(protocol.QueryToken, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
}

// NewWebSocketDialer creates a dialer. insecure disables TLS verification
// for lab setups with self-signed certificates.
func NewWebSocketDialer(handshakeTimeout, writeTimeout time.Duration, insecure bool) *WebSocketDialer {
	d := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: handshakeTimeout,
	}
	if insecure {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &WebSocketDialer{dialer: d, writeTimeout: writeTimeout}
}

func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", redact(rawURL), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", redact(rawURL), err)
	}
	return &wsConn{conn: conn, writeTimeout: d.writeTimeout}, nil
}

// redact strips the token from a socket URL before it is logged.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has(protocol.QueryToken) {
		q.Set(protocol.QueryToken, "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		return data, nil
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	return nil, &CloseError{Code: protocol.CloseAbnormal, Reason: err.Error()}
}

func (c *wsConn) WriteMessage(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		err = c.conn.Close()
	})
	return err
}
