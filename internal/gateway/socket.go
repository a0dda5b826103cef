package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsSocket adapts a gorilla connection to registry.Socket. gorilla allows
// one concurrent writer; writeMu provides that. Control frames go through
// WriteControl, which is safe alongside regular writes.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSocket(conn *websocket.Conn, writeTimeout time.Duration) *wsSocket {
	return &wsSocket{conn: conn, writeTimeout: writeTimeout}
}

func (s *wsSocket) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// Close sends a close frame with code and reason, then drops the TCP
// connection. Only the first call has any effect.
func (s *wsSocket) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		err = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
