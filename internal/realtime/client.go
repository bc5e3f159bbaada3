package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinywideclouds/go-session-manager/pkg/edge"
)

const writeWait = 10 * time.Second

// frame is the JSON envelope of every event sent to a client.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// client couples a websocket with its connection state. It implements
// edge.EventSender; writes are serialized because gorilla/websocket
// supports one concurrent writer only.
type client struct {
	conn *edge.Connection
	ws   *websocket.Conn

	writeMu sync.Mutex
	// tracked is set once the registry counted this connection.
	tracked bool
}

func newClient(conn *edge.Connection, ws *websocket.Conn) *client {
	return &client{conn: conn, ws: ws}
}

// Send writes one event frame.
func (c *client) Send(event string, data any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(frame{Event: event, Data: data})
}

// close sends a close frame with code and reason, then closes the socket.
func (c *client) close(code int, reason string) {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.ws.Close()
}
