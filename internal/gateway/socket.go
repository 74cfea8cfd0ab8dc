// ABOUTME: Adapter from a gorilla websocket connection to the registry socket.
// ABOUTME: Maps teardown reasons onto websocket close frames.

package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second

	// Application close codes sent during handshake rejection.
	closeInvalidToken = 4001
	closeAccessDenied = 4003
	closeNotFound     = 4004
	closeGeneric      = 4000
)

// wsSocket wraps a gorilla connection behind the registry's Socket
// interface. The registry serializes writes, so no extra locking is needed
// on WriteJSON; Close may race with a write and guards itself.
type wsSocket struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn}
}

func (s *wsSocket) WriteJSON(v any) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// Close sends a close frame carrying the teardown reason, then closes the
// underlying connection. Safe to call more than once.
func (s *wsSocket) Close(reason string) error {
	var err error
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(writeTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		// Best effort: the peer may already be gone.
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		err = s.conn.Close()
	})
	return err
}

// rejectSocket closes a freshly upgraded connection with an application
// close code before it was ever registered.
func rejectSocket(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}
