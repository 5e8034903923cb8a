package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

const writeWait = 10 * time.Second

// wsConn adapts a gorilla conn to the wire interface. Gorilla permits
// one concurrent writer, so every write goes through the mutex.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) WriteEnvelope(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

func (c *wsConn) CloseWithCode(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, msg)
	c.conn.Close()
}
