package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinywideclouds/go-presence-relay/pkg/relay"
)

// connection wraps one accepted websocket. gorilla/websocket allows a single
// concurrent writer, so every write goes through writeMu.
type connection struct {
	handle       relay.ConnectionHandle
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func newConnection(handle relay.ConnectionHandle, conn *websocket.Conn, writeTimeout time.Duration) *connection {
	return &connection{handle: handle, conn: conn, writeTimeout: writeTimeout}
}

func (c *connection) writeFrame(frame relay.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

func (c *connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *connection) close(code int, reason string) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}
