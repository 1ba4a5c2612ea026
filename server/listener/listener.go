package listener

import (
	"context"
	"net"
)

// Role classifies a connection at accept time. Chat connections take part in
// join, chat and sync events but are excluded from connection negotiation.
type Role string

const (
	RoleFull Role = "full"
	RoleChat Role = "chat"
)

// Conn is one accepted message oriented connection. ReadMessage returns whole
// frames in arrival order, io.EOF signals an orderly close.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, msg []byte) error
	// Ping probes transport liveness. Transports with built in keepalive
	// return immediately.
	Ping(ctx context.Context) error
	Role() Role
	Close() error
	RemoteAddr() net.Addr
}

type Listener interface {
	Listen(onAccept func(conn Conn)) error
	Shutdown(ctx context.Context) error
}
