package server

import (
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jamlinkio/jamlink/messages"
	"github.com/jamlinkio/jamlink/metrics"
	"github.com/jamlinkio/jamlink/rooms"
	"github.com/jamlinkio/jamlink/server/listener"
)

var errInvalidJoin = errors.New("invalid join")

// Transport is the outbound side of the gateway contract the relay routes
// through. Injectable so routing decisions are testable without sockets.
type Transport interface {
	Unicast(connID string, msg []byte) error
	Multicast(groupID string, msg []byte)
	BroadcastExcept(groupID, exceptConnID string, msg []byte)
	JoinGroup(connID, groupID string)
	LeaveGroup(connID, groupID string)
	LeaveAllGroups(connID string) []string
}

// Relay owns the room registry and turns inbound events into routing
// decisions. Handlers run synchronously on the sender's read goroutine and
// hold no state of their own, so per sender ordering is preserved end to end.
type Relay struct {
	registry  *rooms.Registry
	transport Transport
	metrics   *metrics.AppMetrics
}

func NewRelay(registry *rooms.Registry, transport Transport, appMetrics *metrics.AppMetrics) *Relay {
	return &Relay{
		registry:  registry,
		transport: transport,
		metrics:   appMetrics,
	}
}

// HandleConnect is called once per accepted connection.
func (r *Relay) HandleConnect(connID string, role listener.Role) {
	log.WithField("conn", connID).Debugf("relay sees new %s connection", role)
}

// HandleEvent processes one inbound frame. Frames that do not parse and
// unknown event names are dropped with a debug log, everything else is
// dispatched behind the error boundary.
func (r *Relay) HandleEvent(connID string, role listener.Role, raw []byte) {
	msg, err := messages.Unmarshal(raw)
	if err != nil {
		log.WithField("conn", connID).Debugf("dropping unparsable frame: %s", err)
		return
	}

	// signaling handlers are not installed for chat connections
	if role == listener.RoleChat && messages.IsSignaling(msg.Event) {
		log.WithField("conn", connID).Debugf("dropping %s from chat connection", msg.Event)
		return
	}

	r.dispatch(connID, msg, raw)
}

// HandleDisconnect cleans up after a connection whatever ended it. The
// heartbeat expiry path of the gateway arrives here too, an implicit timeout
// is just a disconnect.
func (r *Relay) HandleDisconnect(connID string) {
	departures := r.registry.Disconnect(connID)
	for _, dep := range departures {
		log.Infof("[%s] left room %s on disconnect", dep.User, dep.Room)

		frame, err := messages.MarshalParticipantLeft(dep.Room, dep.User)
		if err != nil {
			log.Errorf("failed to marshal participant-left for [%s]: %s", dep.User, err)
			continue
		}
		for _, b := range dep.Remaining {
			if err := r.transport.Unicast(b.Conn, frame); err != nil {
				log.Debugf("skipping dead binding [%s]: %s", b.User, err)
				r.metrics.DeliveryDropped("target_gone")
			}
		}
	}
}

// dispatch is the fault boundary of the relay: any error or panic
// inside a handler ends as a single error frame to the sender, never as a
// crash and never as an effect on other connections.
func (r *Relay) dispatch(connID string, msg *messages.Message, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("handler panic on %s from conn %s: %v", msg.Event, connID, rec)
			r.metrics.HandlerError("panic")
			r.reportError(connID, msg, messages.ReasonInternal)
		}
	}()

	var err error
	switch msg.Event {
	case messages.EventJoin:
		err = r.handleJoin(connID, msg, raw)
	case messages.EventLeave:
		err = r.handleLeave(connID, msg)
	case messages.EventChatMessage:
		err = r.handleChat(msg, raw)
	case messages.EventOffer, messages.EventICECandidate:
		err = r.handleFanOut(msg, raw)
	case messages.EventAnswer:
		err = r.handleAnswer(msg, raw)
	case messages.EventSyncTime, messages.EventSyncLyrics, messages.EventReaction:
		err = r.handleRoomBroadcast(connID, msg, raw)
	default:
		log.WithField("conn", connID).Debugf("dropping unknown event %q", msg.Event)
		return
	}

	switch {
	case err == nil:
		r.metrics.MessageRelayed(msg.Event)
	case errors.Is(err, rooms.ErrNotFound):
		log.Debugf("%s for unknown room %q from conn %s", msg.Event, msg.Room, connID)
		r.metrics.HandlerError("room_not_found")
		r.reportError(connID, msg, messages.ReasonRoomNotFound)
	case errors.Is(err, errInvalidJoin):
		log.Debugf("invalid join from conn %s: room %q, user %q", connID, msg.Room, msg.From)
		r.metrics.HandlerError("invalid_join")
		r.reportError(connID, msg, messages.ReasonInvalidJoin)
	default:
		log.Errorf("handler failed on %s from conn %s: %s", msg.Event, connID, err)
		r.metrics.HandlerError("internal")
		r.reportError(connID, msg, messages.ReasonInternal)
	}
}

// handleJoin admits the participant into the room. A repeated join rebinds
// the participant to this connection, a host claim replaces any previous
// host. The joiner gets the current participant list back, everyone else
// gets the arrival announcement.
func (r *Relay) handleJoin(connID string, msg *messages.Message, raw []byte) error {
	if msg.Room == "" || msg.From == "" {
		return errInvalidJoin
	}

	payload := messages.JoinPayload{}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return errInvalidJoin
		}
	}

	result := r.registry.Join(msg.Room, msg.From, connID, payload.Host)
	r.metrics.Join()

	// a connection signals in one room at a time at the transport level
	for _, left := range r.transport.LeaveAllGroups(connID) {
		log.Debugf("conn %s left group %s for %s", connID, left, msg.Room)
	}
	r.transport.JoinGroup(connID, msg.Room)

	log.Infof("[%s] joined room %s, host: %v", msg.From, msg.Room, payload.Host)

	others := make([]string, 0, len(result.Others))
	for _, b := range result.Others {
		others = append(others, b.User)
	}
	reply, err := messages.MarshalRoomParticipants(msg.Room, others, result.Host)
	if err != nil {
		return fmt.Errorf("marshal room-participants: %w", err)
	}
	if err := r.transport.Unicast(connID, reply); err != nil {
		return fmt.Errorf("deliver room-participants: %w", err)
	}

	announce, err := messages.MarshalUserJoined(msg.Room, msg.From, payload.Host)
	if err != nil {
		return fmt.Errorf("marshal user-joined: %w", err)
	}
	r.transport.BroadcastExcept(msg.Room, connID, announce)
	return nil
}

func (r *Relay) handleLeave(connID string, msg *messages.Message) error {
	result, ok := r.registry.Leave(msg.Room, msg.From)
	r.transport.LeaveGroup(connID, msg.Room)
	if !ok {
		log.Debugf("leave without membership: room %q, user %q", msg.Room, msg.From)
		return nil
	}

	log.Infof("[%s] left room %s", msg.From, msg.Room)
	if result.Empty {
		log.Debugf("room %s is empty and gone", msg.Room)
	}

	announce, err := messages.MarshalUserLeft(msg.Room, msg.From)
	if err != nil {
		return fmt.Errorf("marshal user-left: %w", err)
	}
	r.transport.BroadcastExcept(msg.Room, connID, announce)
	return nil
}

// handleChat relays to the whole room, sender included. An absent room is an
// empty group, the multicast is then a no-op by itself.
func (r *Relay) handleChat(msg *messages.Message, raw []byte) error {
	r.transport.Multicast(msg.Room, raw)
	return nil
}

// handleFanOut delivers offers and ICE candidates to every other participant
// with a live binding. Mesh signaling: discovery is symmetric even though the
// media topology is not.
func (r *Relay) handleFanOut(msg *messages.Message, raw []byte) error {
	snap, ok := r.registry.Room(msg.Room)
	if !ok {
		return rooms.ErrNotFound
	}

	for _, b := range snap.Bindings {
		if b.User == msg.From {
			continue
		}
		if err := r.transport.Unicast(b.Conn, raw); err != nil {
			log.Debugf("skipping dead binding [%s]: %s", b.User, err)
			r.metrics.DeliveryDropped("target_gone")
		}
	}
	return nil
}

// handleAnswer goes to the host connection only. The host is the media hub,
// answers from guests terminate there, this asymmetry with handleFanOut is
// deliberate.
func (r *Relay) handleAnswer(msg *messages.Message, raw []byte) error {
	snap, ok := r.registry.Room(msg.Room)
	if !ok {
		return rooms.ErrNotFound
	}

	hostConn, ok := snap.HostConn()
	if !ok {
		log.Debugf("answer in room %s with no host, dropping", msg.Room)
		return nil
	}
	if err := r.transport.Unicast(hostConn, raw); err != nil {
		log.Debugf("host binding of room %s is dead: %s", msg.Room, err)
		r.metrics.DeliveryDropped("target_gone")
	}
	return nil
}

func (r *Relay) handleRoomBroadcast(connID string, msg *messages.Message, raw []byte) error {
	r.transport.BroadcastExcept(msg.Room, connID, raw)
	return nil
}

func (r *Relay) reportError(connID string, msg *messages.Message, reason string) {
	frame, err := messages.MarshalError(msg.Room, msg.Event, reason)
	if err != nil {
		log.Errorf("failed to marshal error frame: %s", err)
		return
	}
	if err := r.transport.Unicast(connID, frame); err != nil {
		log.Debugf("failed to report %q to conn %s: %s", reason, connID, err)
	}
}
