package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/jamlinkio/jamlink/messages"
	"github.com/jamlinkio/jamlink/server/listener"
)

// URLPath is the endpoint clients connect to.
const URLPath = "/signal"

// Subprotocol negotiated with browsers.
const Subprotocol = "jamlink"

// Listener serves WebSocket connections and the plain HTTP routes of the
// service on one address.
type Listener struct {
	// Address to bind, host:port.
	Address string
	// TLSConfig switches the server to wss when set.
	TLSConfig *tls.Config
	// OriginPatterns admits browser connections by Origin header, "*" allows any.
	OriginPatterns []string
	// API handles every route except URLPath. Health and status live there.
	API http.Handler

	server   *http.Server
	acceptFn func(conn listener.Conn)

	mu          sync.Mutex
	netListener net.Listener
	addr        net.Addr
	wg          sync.WaitGroup
}

// Bind claims the address without serving yet, so callers can fail fast and
// report readiness only once the socket exists. Listen binds on its own when
// Bind was not called first.
func (l *Listener) Bind() (net.Addr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.netListener != nil {
		return l.addr, nil
	}

	netListener, err := net.Listen("tcp", l.Address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", l.Address, err)
	}
	l.netListener = netListener
	l.addr = netListener.Addr()
	return l.addr, nil
}

func (l *Listener) Listen(acceptFn func(conn listener.Conn)) error {
	l.acceptFn = acceptFn

	mux := http.NewServeMux()
	mux.HandleFunc(URLPath, l.onAccept)
	if l.API != nil {
		mux.Handle("/", l.API)
	}

	l.server = &http.Server{
		Addr:      l.Address,
		Handler:   mux,
		TLSConfig: l.TLSConfig,
	}

	if _, err := l.Bind(); err != nil {
		return err
	}
	l.mu.Lock()
	netListener := l.netListener
	l.mu.Unlock()

	log.Infof("websocket server is listening on address: %s", netListener.Addr())
	var err error
	if l.TLSConfig != nil {
		err = l.server.ServeTLS(netListener, "", "")
	} else {
		err = l.server.Serve(netListener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address once Listen has started, nil before.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

func (l *Listener) Shutdown(ctx context.Context) error {
	if l.server == nil {
		// bound but never served
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.netListener != nil {
			return l.netListener.Close()
		}
		return nil
	}

	log.Debugf("closing websocket server")
	if err := l.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("websocket server shutdown failed: %w", err)
	}

	l.wg.Wait()
	return nil
}

func (l *Listener) onAccept(w http.ResponseWriter, r *http.Request) {
	l.wg.Add(1)
	defer l.wg.Done()

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: l.OriginPatterns,
	})
	if err != nil {
		log.Errorf("failed to accept websocket connection from %s: %s", r.RemoteAddr, err)
		return
	}
	wsConn.SetReadLimit(messages.MaxMessageSize)

	rAddr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr)
	if err != nil {
		_ = wsConn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	l.acceptFn(NewConn(wsConn, roleFromRequest(r), rAddr))
}

func roleFromRequest(r *http.Request) listener.Role {
	if r.URL.Query().Get("type") == string(listener.RoleChat) {
		return listener.RoleChat
	}
	return listener.RoleFull
}
