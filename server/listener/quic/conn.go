package quic

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/jamlinkio/jamlink/messages"
	"github.com/jamlinkio/jamlink/server/listener"
)

// Conn adapts one QUIC connection to the listener contract. Frames travel on
// a single bidirectional stream as a 4 byte big endian length prefix followed
// by the envelope bytes.
type Conn struct {
	session *quic.Conn
	stream  *quic.Stream
	reader  *bufio.Reader

	closed   bool
	closedMu sync.Mutex
}

func NewConn(session *quic.Conn, stream *quic.Stream) *Conn {
	return &Conn{
		session: session,
		stream:  stream,
		reader:  bufio.NewReader(stream),
	}
}

func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.stream.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer func() {
			_ = c.stream.SetReadDeadline(time.Time{})
		}()
	}

	var header [4]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, c.remoteCloseErrHandling(err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > messages.MaxMessageSize {
		return nil, fmt.Errorf("invalid frame size: %d", size)
	}

	msg := make([]byte, size)
	if _, err := io.ReadFull(c.reader, msg); err != nil {
		return nil, c.remoteCloseErrHandling(err)
	}
	return msg, nil
}

func (c *Conn) WriteMessage(ctx context.Context, msg []byte) error {
	if len(msg) > messages.MaxMessageSize {
		return fmt.Errorf("frame too large: %d", len(msg))
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.stream.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}

	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[4:], msg)
	if _, err := c.stream.Write(buf); err != nil {
		return c.remoteCloseErrHandling(err)
	}
	return nil
}

// Ping is a no-op, liveness is covered by the QUIC keepalive.
func (c *Conn) Ping(_ context.Context) error {
	return nil
}

// Role reports full, native clients are never chat restricted.
func (c *Conn) Role() listener.Role {
	return listener.RoleFull
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.session.RemoteAddr()
}

func (c *Conn) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	return c.session.CloseWithError(0, "normal closure")
}

func (c *Conn) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

func (c *Conn) remoteCloseErrHandling(err error) error {
	if c.isClosed() {
		return io.EOF
	}

	// an application close with code 0 is an orderly goodbye
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0x0 {
		return io.EOF
	}

	return err
}
