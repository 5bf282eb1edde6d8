package telephony

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn wraps the provider-side websocket for outbound writes. The call run
// loop is the main writer, but the coordinator may inject a courtesy close
// from another goroutine, so writes are serialized here.
type Conn struct {
	ws      wsConn
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return newConn(ws, writeTimeout)
}

func newConn(ws wsConn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Conn{ws: ws, timeout: writeTimeout}
}

// WriteFrame marshals and sends one outbound frame. Writes after Close are
// dropped without error; the leg is already gone and callers treat outbound
// frames as best-effort at that point.
func (c *Conn) WriteFrame(frame any) error {
	if c == nil || c.ws == nil {
		return nil
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying socket once; further writes become no-ops.
func (c *Conn) Close() error {
	if c == nil || c.ws == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.ws.Close()
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
