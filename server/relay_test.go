package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/jamlinkio/jamlink/messages"
	"github.com/jamlinkio/jamlink/metrics"
	"github.com/jamlinkio/jamlink/rooms"
	"github.com/jamlinkio/jamlink/server/listener"
)

// fakeTransport implements Transport with the same group semantics as the
// gateway and records every delivered frame per connection.
type fakeTransport struct {
	mu         sync.Mutex
	groups     map[string]map[string]bool
	membership map[string]map[string]bool
	delivered  map[string][][]byte
	gone       map[string]bool
	panicOn    string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		groups:     make(map[string]map[string]bool),
		membership: make(map[string]map[string]bool),
		delivered:  make(map[string][][]byte),
		gone:       make(map[string]bool),
	}
}

func (t *fakeTransport) Unicast(connID string, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.panicOn == "unicast" {
		panic("transport exploded")
	}
	if t.gone[connID] {
		return fmt.Errorf("unknown connection: %s", connID)
	}
	t.delivered[connID] = append(t.delivered[connID], msg)
	return nil
}

func (t *fakeTransport) Multicast(groupID string, msg []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.panicOn == "multicast" {
		panic("transport exploded")
	}
	for connID := range t.groups[groupID] {
		t.delivered[connID] = append(t.delivered[connID], msg)
	}
}

func (t *fakeTransport) BroadcastExcept(groupID, exceptConnID string, msg []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for connID := range t.groups[groupID] {
		if connID == exceptConnID {
			continue
		}
		t.delivered[connID] = append(t.delivered[connID], msg)
	}
}

func (t *fakeTransport) JoinGroup(connID, groupID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.groups[groupID] == nil {
		t.groups[groupID] = make(map[string]bool)
	}
	t.groups[groupID][connID] = true
	if t.membership[connID] == nil {
		t.membership[connID] = make(map[string]bool)
	}
	t.membership[connID][groupID] = true
}

func (t *fakeTransport) LeaveGroup(connID, groupID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups[groupID], connID)
	delete(t.membership[connID], groupID)
}

func (t *fakeTransport) LeaveAllGroups(connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var left []string
	for groupID := range t.membership[connID] {
		delete(t.groups[groupID], connID)
		left = append(left, groupID)
	}
	delete(t.membership, connID)
	return left
}

func (t *fakeTransport) frames(connID string) []*messages.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var msgs []*messages.Message
	for _, raw := range t.delivered[connID] {
		msg, err := messages.Unmarshal(raw)
		if err != nil {
			panic(err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (t *fakeTransport) lastFrame(connID string) *messages.Message {
	msgs := t.frames(connID)
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func (t *fakeTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delivered = make(map[string][][]byte)
}

func newTestRelay(t *testing.T) (*Relay, *fakeTransport, *rooms.Registry) {
	t.Helper()
	appMetrics, err := metrics.NewAppMetrics(otel.Meter(""))
	require.NoError(t, err)
	transport := newFakeTransport()
	registry := rooms.NewRegistry()
	return NewRelay(registry, transport, appMetrics), transport, registry
}

func frame(event, room, from, payload string) []byte {
	raw := fmt.Sprintf(`{"event":%q,"room":%q,"from":%q`, event, room, from)
	if payload != "" {
		raw += `,"payload":` + payload
	}
	return []byte(raw + "}")
}

func join(relay *Relay, connID, room, user string, host bool) {
	relay.HandleEvent(connID, listener.RoleFull, frame("join", room, user, fmt.Sprintf(`{"host":%v}`, host)))
}

func TestRelay_Join(t *testing.T) {
	relay, transport, registry := newTestRelay(t)

	join(relay, "c1", "r1", "alice", true)

	reply := transport.lastFrame("c1")
	require.NotNil(t, reply)
	assert.Equal(t, messages.EventRoomParticipants, reply.Event)
	assert.JSONEq(t, `{"users":[],"host":"alice"}`, string(reply.Payload))

	join(relay, "c2", "r1", "bob", false)

	reply = transport.lastFrame("c2")
	require.NotNil(t, reply)
	assert.Equal(t, messages.EventRoomParticipants, reply.Event)
	assert.JSONEq(t, `{"users":["alice"],"host":"alice"}`, string(reply.Payload))

	announce := transport.lastFrame("c1")
	require.NotNil(t, announce)
	assert.Equal(t, messages.EventUserJoined, announce.Event)
	assert.JSONEq(t, `{"user":"bob","host":false}`, string(announce.Payload))

	snap, ok := registry.Room("r1")
	require.True(t, ok)
	assert.Equal(t, "alice", snap.Host)
	assert.Equal(t, []string{"alice", "bob"}, snap.Users())
}

func TestRelay_JoinRebindsConnection(t *testing.T) {
	relay, _, registry := newTestRelay(t)

	join(relay, "c1", "r1", "alice", false)
	join(relay, "c2", "r1", "alice", false)

	snap, ok := registry.Room("r1")
	require.True(t, ok)
	require.Len(t, snap.Bindings, 1)
	assert.Equal(t, "c2", snap.Bindings[0].Conn)
}

func TestRelay_LastHostClaimWins(t *testing.T) {
	relay, _, registry := newTestRelay(t)

	join(relay, "c1", "r1", "alice", true)
	join(relay, "c2", "r1", "bob", true)

	snap, ok := registry.Room("r1")
	require.True(t, ok)
	assert.Equal(t, "bob", snap.Host)
	assert.Equal(t, []string{"alice", "bob"}, snap.Users())
}

func TestRelay_InvalidJoin(t *testing.T) {
	relay, transport, registry := newTestRelay(t)

	relay.HandleEvent("c1", listener.RoleFull, frame("join", "", "", ""))

	reply := transport.lastFrame("c1")
	require.NotNil(t, reply)
	assert.Equal(t, messages.EventError, reply.Event)
	assert.JSONEq(t, `{"op":"join","reason":"invalid join"}`, string(reply.Payload))
	assert.Equal(t, 0, registry.Len())
}

// The room of three from the testable properties: A hosts, B and C are
// guests. Offers and candidates fan out to everyone else, answers go to the
// host only, chat reaches the whole room sender included.
func TestRelay_RoutingMatrix(t *testing.T) {
	relay, transport, _ := newTestRelay(t)

	join(relay, "connA", "r1", "A", true)
	join(relay, "connB", "r1", "B", false)
	join(relay, "connC", "r1", "C", false)
	transport.reset()

	t.Run("offer fans out to all but sender", func(t *testing.T) {
		transport.reset()
		relay.HandleEvent("connB", listener.RoleFull, frame("offer", "r1", "B", `{"sdp":"x"}`))

		assert.Len(t, transport.frames("connA"), 1)
		assert.Len(t, transport.frames("connC"), 1)
		assert.Empty(t, transport.frames("connB"))
		assert.Equal(t, messages.EventOffer, transport.lastFrame("connA").Event)
	})

	t.Run("answer goes to host only", func(t *testing.T) {
		transport.reset()
		relay.HandleEvent("connC", listener.RoleFull, frame("answer", "r1", "C", `{"sdp":"y"}`))

		assert.Len(t, transport.frames("connA"), 1)
		assert.Empty(t, transport.frames("connB"))
		assert.Empty(t, transport.frames("connC"))
		assert.Equal(t, messages.EventAnswer, transport.lastFrame("connA").Event)
	})

	t.Run("candidate fans out to all but sender", func(t *testing.T) {
		transport.reset()
		relay.HandleEvent("connA", listener.RoleFull, frame("ice-candidate", "r1", "A", `{"candidate":"z"}`))

		assert.Empty(t, transport.frames("connA"))
		assert.Len(t, transport.frames("connB"), 1)
		assert.Len(t, transport.frames("connC"), 1)
	})

	t.Run("chat reaches the whole room", func(t *testing.T) {
		transport.reset()
		relay.HandleEvent("connB", listener.RoleFull, frame("chat-message", "r1", "B", `{"text":"hi"}`))

		for _, connID := range []string{"connA", "connB", "connC"} {
			msgs := transport.frames(connID)
			require.Len(t, msgs, 1, connID)
			assert.Equal(t, messages.EventChatMessage, msgs[0].Event)
		}
	})

	t.Run("sync and reaction exclude the sender", func(t *testing.T) {
		for _, event := range []string{"sync-time", "sync-lyrics", "reaction"} {
			transport.reset()
			relay.HandleEvent("connA", listener.RoleFull, frame(event, "r1", "A", `{}`))

			assert.Empty(t, transport.frames("connA"), event)
			assert.Len(t, transport.frames("connB"), 1, event)
			assert.Len(t, transport.frames("connC"), 1, event)
		}
	})
}

// Forwarded frames must arrive byte for byte, whatever extra fields the
// sender packed into them.
func TestRelay_ForwardsRawFrames(t *testing.T) {
	relay, transport, _ := newTestRelay(t)

	join(relay, "c1", "r1", "alice", true)
	join(relay, "c2", "r1", "bob", false)
	transport.reset()

	raw := []byte(`{"event":"offer","room":"r1","from":"bob","payload":{"sdp":"v=0","custom":[1,2,3]}}`)
	relay.HandleEvent("c2", listener.RoleFull, raw)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.delivered["c1"], 1)
	assert.Equal(t, raw, transport.delivered["c1"][0])
}

func TestRelay_UnknownRoom(t *testing.T) {
	relay, transport, _ := newTestRelay(t)

	join(relay, "c1", "r1", "alice", true)
	transport.reset()

	relay.HandleEvent("c1", listener.RoleFull, frame("offer", "ghost", "alice", `{}`))

	reply := transport.lastFrame("c1")
	require.NotNil(t, reply)
	assert.Equal(t, messages.EventError, reply.Event)
	assert.Equal(t, "ghost", reply.Room)
	assert.JSONEq(t, `{"op":"offer","reason":"room not found"}`, string(reply.Payload))
	assert.Len(t, transport.frames("c1"), 1)
}

func TestRelay_AnswerWithoutHost(t *testing.T) {
	relay, transport, _ := newTestRelay(t)

	join(relay, "c1", "r1", "alice", false)
	join(relay, "c2", "r1", "bob", false)
	transport.reset()

	relay.HandleEvent("c2", listener.RoleFull, frame("answer", "r1", "bob", `{}`))

	assert.Empty(t, transport.frames("c1"))
	assert.Empty(t, transport.frames("c2"))
}

func TestRelay_DeadBindingSkipped(t *testing.T) {
	relay, transport, _ := newTestRelay(t)

	join(relay, "c1", "r1", "alice", true)
	join(relay, "c2", "r1", "bob", false)
	join(relay, "c3", "r1", "carol", false)
	transport.reset()
	transport.gone["c2"] = true

	relay.HandleEvent("c1", listener.RoleFull, frame("offer", "r1", "alice", `{}`))

	// the dead target is skipped silently, the live one still gets the frame
	assert.Len(t, transport.frames("c3"), 1)
	assert.Empty(t, transport.frames("c1"))
}

func TestRelay_ChatRoleFilter(t *testing.T) {
	relay, transport, _ := newTestRelay(t)

	join(relay, "c1", "r1", "alice", true)
	relay.HandleEvent("c2", listener.RoleChat, frame("join", "r1", "bob", `{"host":false}`))
	transport.reset()

	relay.HandleEvent("c2", listener.RoleChat, frame("offer", "r1", "bob", `{}`))
	assert.Empty(t, transport.frames("c1"))
	assert.Empty(t, transport.frames("c2"))

	relay.HandleEvent("c2", listener.RoleChat, frame("chat-message", "r1", "bob", `{"text":"hi"}`))
	assert.Len(t, transport.frames("c1"), 1)
	assert.Len(t, transport.frames("c2"), 1)
}

func TestRelay_UnknownEventDropped(t *testing.T) {
	relay, transport, _ := newTestRelay(t)

	join(relay, "c1", "r1", "alice", true)
	transport.reset()

	relay.HandleEvent("c1", listener.RoleFull, frame("teleport", "r1", "alice", `{}`))
	assert.Empty(t, transport.frames("c1"))
}

func TestRelay_UnparsableFrameDropped(t *testing.T) {
	relay, transport, _ := newTestRelay(t)

	relay.HandleEvent("c1", listener.RoleFull, []byte("not json at all"))
	relay.HandleEvent("c1", listener.RoleFull, []byte(`{"room":"r1"}`))
	assert.Empty(t, transport.frames("c1"))
}

func TestRelay_Leave(t *testing.T) {
	relay, transport, registry := newTestRelay(t)

	join(relay, "c1", "r1", "alice", true)
	join(relay, "c2", "r1", "bob", false)
	transport.reset()

	relay.HandleEvent("c2", listener.RoleFull, frame("leave", "r1", "bob", ""))

	announce := transport.lastFrame("c1")
	require.NotNil(t, announce)
	assert.Equal(t, messages.EventUserLeft, announce.Event)
	assert.JSONEq(t, `{"user":"bob"}`, string(announce.Payload))
	assert.Empty(t, transport.frames("c2"))

	snap, ok := registry.Room("r1")
	require.True(t, ok)
	assert.Equal(t, []string{"alice"}, snap.Users())

	// last one out removes the room
	relay.HandleEvent("c1", listener.RoleFull, frame("leave", "r1", "alice", ""))
	assert.Equal(t, 0, registry.Len())
}

func TestRelay_Disconnect(t *testing.T) {
	relay, transport, registry := newTestRelay(t)

	join(relay, "c1", "r1", "alice", true)
	join(relay, "c2", "r1", "bob", false)
	transport.reset()

	relay.HandleDisconnect("c1")

	announce := transport.lastFrame("c2")
	require.NotNil(t, announce)
	assert.Equal(t, messages.EventParticipantLeft, announce.Event)
	assert.JSONEq(t, `{"user":"alice"}`, string(announce.Payload))

	snap, ok := registry.Room("r1")
	require.True(t, ok)
	assert.Empty(t, snap.Host, "host must be cleared when the host disconnects")
	assert.Equal(t, []string{"bob"}, snap.Users())

	relay.HandleDisconnect("c2")
	assert.Equal(t, 0, registry.Len())
}

func TestRelay_HandlerPanicReportedToSender(t *testing.T) {
	relay, transport, _ := newTestRelay(t)

	join(relay, "c1", "r1", "alice", true)
	transport.reset()

	transport.panicOn = "multicast"
	relay.HandleEvent("c1", listener.RoleFull, frame("chat-message", "r1", "alice", `{"text":"boom"}`))
	transport.panicOn = ""

	reply := transport.lastFrame("c1")
	require.NotNil(t, reply)
	assert.Equal(t, messages.EventError, reply.Event)
	assert.JSONEq(t, `{"op":"chat-message","reason":"internal error"}`, string(reply.Payload))
}
