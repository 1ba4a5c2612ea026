package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/coder/websocket"

	"github.com/jamlinkio/jamlink/server/listener"
)

// Conn adapts a WebSocket connection to the listener contract. One WebSocket
// text frame carries exactly one envelope.
type Conn struct {
	*websocket.Conn
	role  listener.Role
	rAddr net.Addr
}

func NewConn(wsConn *websocket.Conn, role listener.Role, rAddr net.Addr) *Conn {
	return &Conn{
		Conn:  wsConn,
		role:  role,
		rAddr: rAddr,
	}
}

func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	t, msg, err := c.Conn.Read(ctx)
	if err != nil {
		return nil, ioErrHandling(err)
	}

	if t != websocket.MessageText {
		return nil, fmt.Errorf("unexpected message type: %d", t)
	}
	return msg, nil
}

func (c *Conn) WriteMessage(ctx context.Context, msg []byte) error {
	return c.Conn.Write(ctx, websocket.MessageText, msg)
}

func (c *Conn) Role() listener.Role {
	return c.role
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.rAddr
}

func (c *Conn) Close() error {
	return c.Conn.Close(websocket.StatusNormalClosure, "")
}

func ioErrHandling(err error) error {
	var wErr websocket.CloseError
	if !errors.As(err, &wErr) {
		return err
	}
	if wErr.Code == websocket.StatusNormalClosure || wErr.Code == websocket.StatusGoingAway {
		return io.EOF
	}
	return err
}
