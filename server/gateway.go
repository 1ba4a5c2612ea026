package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/jamlinkio/jamlink/metrics"
	"github.com/jamlinkio/jamlink/server/listener"
)

const (
	sendQueueSize = 64
	pingInterval  = 25 * time.Second
	pingTimeout   = 10 * time.Second
	writeTimeout  = 10 * time.Second
)

// EventHandler receives the inbound side of the gateway contract.
// HandleEvent runs on the connection's read goroutine, so one sender's frames
// are handled in arrival order. HandleDisconnect fires exactly once per
// connection, whatever ended it.
type EventHandler interface {
	HandleConnect(connID string, role listener.Role)
	HandleEvent(connID string, role listener.Role, raw []byte)
	HandleDisconnect(connID string)
}

// conn is the gateway side of one live connection with its buffered outbound
// queue. done is closed on teardown, sendCh never is.
type conn struct {
	id     string
	role   listener.Role
	nc     listener.Conn
	sendCh chan []byte
	done   chan struct{}

	closeOnce sync.Once
}

// Gateway owns the live connections and named delivery groups. It only moves
// frames, routing policy and the room registry live behind the EventHandler.
type Gateway struct {
	handler EventHandler
	metrics *metrics.AppMetrics

	mu         sync.RWMutex
	conns      map[string]*conn
	groups     map[string]map[string]*conn
	membership map[string]map[string]struct{} // conn id -> joined group ids
	closed     bool

	wg sync.WaitGroup
}

func NewGateway(appMetrics *metrics.AppMetrics) *Gateway {
	return &Gateway{
		metrics:    appMetrics,
		conns:      make(map[string]*conn),
		groups:     make(map[string]map[string]*conn),
		membership: make(map[string]map[string]struct{}),
	}
}

// SetHandler installs the inbound event handler. Must be called before the
// first Accept, the relay and the gateway reference each other so neither can
// be constructed with the other in place.
func (g *Gateway) SetHandler(handler EventHandler) {
	g.handler = handler
}

// Accept registers a transport connection, assigns it an opaque id and spawns
// its read, write and keepalive loops.
func (g *Gateway) Accept(nc listener.Conn) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = nc.Close()
		return
	}
	c := &conn{
		id:     uuid.New().String(),
		role:   nc.Role(),
		nc:     nc,
		sendCh: make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	g.conns[c.id] = c
	g.mu.Unlock()

	log.WithField("conn", c.id).Infof("connection accepted from %s, role %s", nc.RemoteAddr(), c.role)
	g.handler.HandleConnect(c.id, c.role)

	g.wg.Add(3)
	go g.readLoop(c)
	go g.writeLoop(c)
	go g.keepalive(c)
}

// Unicast queues a frame for one connection. Unknown ids return an error,
// callers treat that as a dead binding and skip the target.
func (g *Gateway) Unicast(connID string, msg []byte) error {
	g.mu.RLock()
	c, ok := g.conns[connID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown connection: %s", connID)
	}
	g.send(c, msg)
	return nil
}

// Multicast queues a frame for every member of the group.
func (g *Gateway) Multicast(groupID string, msg []byte) {
	for _, c := range g.groupConns(groupID, "") {
		g.send(c, msg)
	}
}

// BroadcastExcept queues a frame for every member of the group but one.
func (g *Gateway) BroadcastExcept(groupID, exceptConnID string, msg []byte) {
	for _, c := range g.groupConns(groupID, exceptConnID) {
		g.send(c, msg)
	}
}

func (g *Gateway) JoinGroup(connID, groupID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.conns[connID]
	if !ok {
		return
	}
	group, ok := g.groups[groupID]
	if !ok {
		group = make(map[string]*conn)
		g.groups[groupID] = group
	}
	group[connID] = c

	member, ok := g.membership[connID]
	if !ok {
		member = make(map[string]struct{})
		g.membership[connID] = member
	}
	member[groupID] = struct{}{}
}

func (g *Gateway) LeaveGroup(connID, groupID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeFromGroup(connID, groupID)
}

// LeaveAllGroups removes the connection from every group it joined and
// returns the ids it left.
func (g *Gateway) LeaveAllGroups(connID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var left []string
	for groupID := range g.membership[connID] {
		g.removeFromGroup(connID, groupID)
		left = append(left, groupID)
	}
	sort.Strings(left)
	return left
}

// NumConnections returns the number of live connections.
func (g *Gateway) NumConnections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Close tears down every connection and waits for their loops to finish.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		g.teardown(c)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) readLoop(c *conn) {
	defer g.wg.Done()

	for {
		raw, err := c.nc.ReadMessage(context.Background())
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.WithField("conn", c.id).Debugf("connection closed by peer")
			} else {
				log.WithField("conn", c.id).Debugf("read failed: %s", err)
			}
			g.teardown(c)
			return
		}

		g.metrics.MessageReceived(len(raw))
		g.handler.HandleEvent(c.id, c.role, raw)
	}
}

func (g *Gateway) writeLoop(c *conn) {
	defer g.wg.Done()

	for {
		select {
		case msg := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.nc.WriteMessage(ctx, msg)
			cancel()
			if err != nil {
				log.WithField("conn", c.id).Debugf("write failed: %s", err)
				g.teardown(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (g *Gateway) keepalive(c *conn) {
	defer g.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			err := c.nc.Ping(ctx)
			cancel()
			if err != nil {
				log.WithField("conn", c.id).Debugf("ping failed: %s", err)
				g.teardown(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

// send queues a frame without blocking. A full queue drops the frame, the
// relay is best effort once a receiver stops draining.
func (g *Gateway) send(c *conn, msg []byte) {
	select {
	case c.sendCh <- msg:
	default:
		log.WithField("conn", c.id).Debugf("send queue full, dropping frame")
		g.metrics.DeliveryDropped("queue_full")
	}
}

// teardown closes the connection, removes it from all groups and fires
// HandleDisconnect. Safe to call from any loop, runs once.
func (g *Gateway) teardown(c *conn) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.nc.Close()

		g.mu.Lock()
		delete(g.conns, c.id)
		for groupID := range g.membership[c.id] {
			g.removeFromGroup(c.id, groupID)
		}
		g.mu.Unlock()

		g.metrics.Disconnect()
		g.handler.HandleDisconnect(c.id)
		log.WithField("conn", c.id).Infof("connection closed")
	})
}

func (g *Gateway) groupConns(groupID, exceptConnID string) []*conn {
	g.mu.RLock()
	defer g.mu.RUnlock()

	group := g.groups[groupID]
	conns := make([]*conn, 0, len(group))
	for id, c := range group {
		if id == exceptConnID {
			continue
		}
		conns = append(conns, c)
	}
	return conns
}

// removeFromGroup expects g.mu to be held.
func (g *Gateway) removeFromGroup(connID, groupID string) {
	if group, ok := g.groups[groupID]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(g.groups, groupID)
		}
	}
	if member, ok := g.membership[connID]; ok {
		delete(member, groupID)
		if len(member) == 0 {
			delete(g.membership, connID)
		}
	}
}
