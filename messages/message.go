package messages

import (
	"encoding/json"
	"fmt"
)

// MaxMessageSize is the largest frame accepted on any transport. Oversized
// frames close the connection at the transport layer.
const MaxMessageSize = 64 * 1024

// Events sent by clients.
const (
	EventJoin         = "join"
	EventLeave        = "leave"
	EventChatMessage  = "chat-message"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventSyncTime     = "sync-time"
	EventSyncLyrics   = "sync-lyrics"
	EventReaction     = "reaction"
)

// Events originated by the server. Relayed copies of client events keep their
// original event name.
const (
	EventRoomParticipants = "room-participants"
	EventUserJoined       = "user-joined"
	EventUserLeft         = "user-left"
	EventParticipantLeft  = "participant-left"
	EventError            = "error"
)

// Error reasons reported to the sender of a failed event.
const (
	ReasonRoomNotFound = "room not found"
	ReasonInvalidJoin  = "invalid join"
	ReasonInternal     = "internal error"
)

// Message is the envelope every frame carries. Payload stays opaque for
// negotiation and sync events and is forwarded byte for byte.
type Message struct {
	Event   string          `json:"event"`
	Room    string          `json:"room,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes the message for the wire.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a single frame. Frames without an event name are invalid.
func Unmarshal(raw []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("message without event")
	}
	return msg, nil
}

// IsSignaling reports whether the event carries connection negotiation
// content. Chat role connections never relay these.
func IsSignaling(event string) bool {
	switch event {
	case EventOffer, EventAnswer, EventICECandidate:
		return true
	}
	return false
}

// JoinPayload is the body of a join request.
type JoinPayload struct {
	Host bool `json:"host"`
}

// ParticipantsPayload answers a join with who is already in the room.
type ParticipantsPayload struct {
	Users []string `json:"users"`
	Host  string   `json:"host,omitempty"`
}

// ArrivalPayload announces a participant arriving and whether the arrival
// claimed the host seat. The host field is always on the wire so receivers
// never have to special case its absence.
type ArrivalPayload struct {
	User string `json:"user"`
	Host bool   `json:"host"`
}

// PresencePayload announces a participant departing.
type PresencePayload struct {
	User string `json:"user"`
}

// ErrorPayload reports a failed operation back to its sender.
type ErrorPayload struct {
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

// SyncTimePayload carries the playback position in seconds.
type SyncTimePayload struct {
	Position float64 `json:"position"`
}

// SyncLyricsPayload carries the active lyric line index.
type SyncLyricsPayload struct {
	Line int `json:"line"`
}

// ReactionPayload names the reaction kind.
type ReactionPayload struct {
	Kind string `json:"type"`
}

// MarshalRoomParticipants builds the join reply listing the other
// participants of the room and its current host.
func MarshalRoomParticipants(room string, users []string, host string) ([]byte, error) {
	return marshalServerEvent(EventRoomParticipants, room, ParticipantsPayload{Users: users, Host: host})
}

// MarshalUserJoined builds the arrival announcement broadcast to a room.
func MarshalUserJoined(room, user string, host bool) ([]byte, error) {
	return marshalServerEvent(EventUserJoined, room, ArrivalPayload{User: user, Host: host})
}

// MarshalUserLeft builds the announcement for an explicit leave.
func MarshalUserLeft(room, user string) ([]byte, error) {
	return marshalServerEvent(EventUserLeft, room, PresencePayload{User: user})
}

// MarshalParticipantLeft builds the announcement for a disconnect cleanup.
func MarshalParticipantLeft(room, user string) ([]byte, error) {
	return marshalServerEvent(EventParticipantLeft, room, PresencePayload{User: user})
}

// MarshalError builds the error frame unicast to the sender of a failed event.
func MarshalError(room, op, reason string) ([]byte, error) {
	return marshalServerEvent(EventError, room, ErrorPayload{Op: op, Reason: reason})
}

func marshalServerEvent(event, room string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	msg := &Message{
		Event:   event,
		Room:    room,
		Payload: body,
	}
	return msg.Marshal()
}
