package convoy

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"convoy/internal/proto"
)

// newTestSession builds a session without a transport. Commands land in
// the send queues and stay there; the drain helpers below read them back.
func newTestSession(id uint32, name string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         id,
		log:        zerolog.Nop(),
		ordered:    make(chan proto.Command, sendQueueDepth),
		unreliable: make(chan proto.Command, sendQueueDepth),
		public:     proto.PlayerInfo{Name: name, ID: id},
		ctx:        ctx,
		cancel:     cancel,
	}
}

func newTestServer(t *testing.T, players ...*Session) *Server {
	t.Helper()
	s := NewServer(Config{MaxPlayers: 4, MaxVehiclesPerClient: 3, Logger: zerolog.Nop()})
	for _, session := range players {
		s.sessions[session.id] = session
	}
	return s
}

func drainOrdered(s *Session) []proto.Command {
	var out []proto.Command
	for {
		select {
		case cmd := <-s.ordered:
			out = append(out, cmd)
		default:
			return out
		}
	}
}

func drainUnreliable(s *Session) []proto.Command {
	var out []proto.Command
	for {
		select {
		case cmd := <-s.unreliable:
			out = append(out, cmd)
		default:
			return out
		}
	}
}

func spawnFor(t *testing.T, s *Server, session *Session, localID uint32) uint32 {
	t.Helper()
	s.dispatch(session, proto.VehicleSpawn{Data: proto.VehicleData{LocalID: localID}})
	id, ok := s.registry.Resolve(session.id, localID)
	if !ok {
		t.Fatalf("spawn for client %d local %d did not register", session.id, localID)
	}
	return id
}

func TestSpawnBroadcastRemapsIdentity(t *testing.T) {
	alice := newTestSession(1, "alice")
	bob := newTestSession(2, "bob")
	s := newTestServer(t, alice, bob)

	globalID := spawnFor(t, s, alice, 5)
	if globalID == 5 {
		t.Fatal("global id equals the client's local id by accident of the test seed")
	}
	if alice.public.CurrentVehicle != globalID {
		t.Fatalf("spawner's current vehicle = %d, want %d", alice.public.CurrentVehicle, globalID)
	}

	for _, session := range []*Session{alice, bob} {
		cmds := drainOrdered(session)
		if len(cmds) != 1 {
			t.Fatalf("%s received %d commands, want 1 spawn", session.Name(), len(cmds))
		}
		spawn, ok := cmds[0].(proto.VehicleSpawn)
		if !ok {
			t.Fatalf("%s received %T, want VehicleSpawn", session.Name(), cmds[0])
		}
		if spawn.Data.GlobalID != globalID || spawn.Data.Owner != alice.id {
			t.Fatalf("broadcast spawn carries %d/%d, want %d/%d",
				spawn.Data.GlobalID, spawn.Data.Owner, globalID, alice.id)
		}
	}
}

func TestUpdateFromNonOwnerRejected(t *testing.T) {
	alice := newTestSession(1, "alice")
	bob := newTestSession(2, "bob")
	s := newTestServer(t, alice, bob)

	// Both clients use local id 5 for their own vehicle.
	aliceVehicle := spawnFor(t, s, alice, 5)
	bobVehicle := spawnFor(t, s, bob, 5)

	s.dispatch(bob, proto.VehicleUpdate{
		VehicleID: 5,
		Transform: proto.Transform{Position: [3]float32{9, 9, 9}},
	})

	if got := s.registry.Get(aliceVehicle).Transform; got != nil {
		t.Fatalf("bob's update leaked into alice's vehicle: %+v", got)
	}
	got := s.registry.Get(bobVehicle).Transform
	if got == nil || got.Position != [3]float32{9, 9, 9} {
		t.Fatalf("bob's update did not land on bob's vehicle: %+v", got)
	}
}

func TestUpdateForUnknownLocalIDDropped(t *testing.T) {
	alice := newTestSession(1, "alice")
	s := newTestServer(t, alice)
	vehicle := spawnFor(t, s, alice, 5)

	s.dispatch(alice, proto.VehicleUpdate{VehicleID: 77, Transform: proto.Transform{Position: [3]float32{1, 1, 1}}})

	if s.registry.Get(vehicle).Transform != nil {
		t.Fatal("update for an unmapped local id mutated the registry")
	}
}

func TestSpawnCapPerClient(t *testing.T) {
	alice := newTestSession(1, "alice")
	s := newTestServer(t, alice)

	for localID := uint32(0); localID < 3; localID++ {
		spawnFor(t, s, alice, localID)
	}
	s.dispatch(alice, proto.VehicleSpawn{Data: proto.VehicleData{LocalID: 9}})
	if s.registry.OwnedCount(alice.id) != 3 {
		t.Fatalf("cap of 3 allowed %d vehicles", s.registry.OwnedCount(alice.id))
	}

	// Respawning an existing local id is a replacement, not a new slot,
	// so it passes the cap.
	s.dispatch(alice, proto.VehicleSpawn{Data: proto.VehicleData{LocalID: 2}})
	if s.registry.OwnedCount(alice.id) != 3 {
		t.Fatalf("replacement spawn changed the count to %d", s.registry.OwnedCount(alice.id))
	}
}

func TestDisconnectCascadesOwnVehiclesOnly(t *testing.T) {
	alice := newTestSession(1, "alice")
	bob := newTestSession(2, "bob")
	s := newTestServer(t, alice, bob)

	aliceVehicle := spawnFor(t, s, alice, 0)
	bobVehicle := spawnFor(t, s, bob, 0)
	drainOrdered(alice)
	drainOrdered(bob)

	s.onClientEvent(incomingEvent{client: alice.id, lost: true})

	if s.sessions[alice.id] != nil {
		t.Fatal("lost session still in the table")
	}
	if s.registry.Get(aliceVehicle) != nil {
		t.Fatal("disconnect did not remove the owner's vehicle")
	}
	if s.registry.Get(bobVehicle) == nil {
		t.Fatal("disconnect removed another owner's vehicle")
	}

	var sawRemove, sawLeave bool
	for _, cmd := range drainOrdered(bob) {
		switch c := cmd.(type) {
		case proto.VehicleRemove:
			if c.VehicleID == aliceVehicle {
				sawRemove = true
			}
		case proto.PlayerDisconnected:
			if c.ID != alice.id {
				t.Fatalf("disconnect announced for %d, want %d", c.ID, alice.id)
			}
		case proto.Chat:
			if strings.Contains(c.Message, "left the server") {
				sawLeave = true
			}
		}
	}
	if !sawRemove || !sawLeave {
		t.Fatalf("survivor missed the cascade: remove=%v leave=%v", sawRemove, sawLeave)
	}

	// The transition is terminal: a second lost event is a no-op.
	s.onClientEvent(incomingEvent{client: alice.id, lost: true})
	if cmds := drainOrdered(bob); len(cmds) != 0 {
		t.Fatalf("repeated disconnect produced %d commands", len(cmds))
	}
}

func TestCommandAfterDisconnectDropped(t *testing.T) {
	alice := newTestSession(1, "alice")
	s := newTestServer(t, alice)
	spawnFor(t, s, alice, 0)

	s.onClientEvent(incomingEvent{client: alice.id, lost: true})
	// Race: a decoded command from the dead session is already in the
	// ingress channel.
	s.onClientEvent(incomingEvent{client: alice.id, cmd: proto.Chat{Message: "ghost"}})

	if s.registry.Len() != 0 {
		t.Fatalf("%d vehicles after full teardown", s.registry.Len())
	}
}

func TestChatTruncatedAndPrefixed(t *testing.T) {
	alice := newTestSession(1, "alice")
	bob := newTestSession(2, "bob")
	s := newTestServer(t, alice, bob)

	s.dispatch(alice, proto.Chat{Message: strings.Repeat("x", maxChatLength+50)})

	cmds := drainOrdered(bob)
	if len(cmds) != 1 {
		t.Fatalf("bob received %d commands, want 1", len(cmds))
	}
	chat := cmds[0].(proto.Chat)
	if !strings.HasPrefix(chat.Message, "alice: ") {
		t.Fatalf("chat line %q lacks the sender prefix", chat.Message[:20])
	}
	if len(chat.Message) != len("alice: ")+maxChatLength {
		t.Fatalf("chat line length %d, want truncation at %d payload bytes", len(chat.Message), maxChatLength)
	}
	if chat.Sender != alice.id {
		t.Fatalf("chat sender = %d, want %d", chat.Sender, alice.id)
	}
}

func TestChatTruncationKeepsRuneBoundary(t *testing.T) {
	alice := newTestSession(1, "alice")
	bob := newTestSession(2, "bob")
	s := newTestServer(t, alice, bob)

	// Three-byte runes, so the byte limit falls mid-rune.
	s.dispatch(alice, proto.Chat{Message: strings.Repeat("€", maxChatLength)})

	cmds := drainOrdered(bob)
	if len(cmds) != 1 {
		t.Fatalf("bob received %d commands, want 1", len(cmds))
	}
	chat := cmds[0].(proto.Chat)
	if !utf8.ValidString(chat.Message) {
		t.Fatal("truncated chat line is not valid UTF-8")
	}
	if len(chat.Message) > len("alice: ")+maxChatLength {
		t.Fatalf("chat line is %d bytes, over the limit", len(chat.Message))
	}
}

func TestPingAnsweredImmediately(t *testing.T) {
	alice := newTestSession(1, "alice")
	s := newTestServer(t, alice)

	s.dispatch(alice, proto.Ping{LatencyMillis: 42})

	cmds := drainUnreliable(alice)
	if len(cmds) != 1 {
		t.Fatalf("ping produced %d unreliable commands, want 1 pong", len(cmds))
	}
	if _, ok := cmds[0].(proto.Pong); !ok {
		t.Fatalf("ping answered with %T", cmds[0])
	}
	if alice.public.PingMillis != 42 {
		t.Fatalf("latency not recorded: %d", alice.public.PingMillis)
	}
}

func TestCouplerEndpointsRemapped(t *testing.T) {
	alice := newTestSession(1, "alice")
	bob := newTestSession(2, "bob")
	s := newTestServer(t, alice, bob)

	car := spawnFor(t, s, alice, 0)
	trailer := spawnFor(t, s, alice, 1)
	drainOrdered(alice)
	drainOrdered(bob)

	s.dispatch(alice, proto.CouplerAttached{ObjA: 0, ObjB: 1, NodeAID: 3, NodeBID: 4})

	cmds := drainOrdered(bob)
	if len(cmds) != 1 {
		t.Fatalf("bob received %d commands, want 1", len(cmds))
	}
	attached := cmds[0].(proto.CouplerAttached)
	if attached.ObjA != car || attached.ObjB != trailer {
		t.Fatalf("coupler endpoints %d/%d not remapped to %d/%d", attached.ObjA, attached.ObjB, car, trailer)
	}
	if cmds := drainOrdered(alice); len(cmds) != 0 {
		t.Fatalf("coupler echoed back to its sender: %d commands", len(cmds))
	}

	// One unmapped endpoint rejects the whole command.
	s.dispatch(alice, proto.CouplerDetached{ObjA: 0, ObjB: 9})
	if cmds := drainOrdered(bob); len(cmds) != 0 {
		t.Fatalf("coupler with unknown endpoint relayed: %d commands", len(cmds))
	}
}

func TestVoiceRelayStampsSenderAndPosition(t *testing.T) {
	alice := newTestSession(1, "alice")
	bob := newTestSession(2, "bob")
	s := newTestServer(t, alice, bob)

	vehicle := spawnFor(t, s, alice, 0)
	s.registry.SetTransform(vehicle, proto.Transform{Position: [3]float32{10, 20, 30}})
	drainOrdered(alice)
	drainOrdered(bob)

	// The sender field is server-assigned; whatever the client claims is
	// overwritten.
	s.dispatch(alice, proto.VoicePacket{Sender: 999, Data: []byte{0xAB}})

	cmds := drainUnreliable(bob)
	if len(cmds) != 1 {
		t.Fatalf("bob received %d voice packets, want 1", len(cmds))
	}
	packet := cmds[0].(proto.VoicePacket)
	if packet.Sender != alice.id {
		t.Fatalf("voice sender = %d, want %d", packet.Sender, alice.id)
	}
	if packet.Position != [3]float32{10, 20, 30} {
		t.Fatalf("voice position = %v, want the speaker's vehicle position", packet.Position)
	}
	if cmds := drainUnreliable(alice); len(cmds) != 0 {
		t.Fatal("voice echoed back to the speaker")
	}
}

func TestScriptActionsApplied(t *testing.T) {
	alice := newTestSession(1, "alice")
	s := newTestServer(t, alice)
	hooks := &queueHooks{}
	s.hooks = hooks

	hooks.actions = append(hooks.actions,
		ScriptAction{Kind: ScriptSpawnVehicle, Spawn: proto.VehicleData{Name: "traffic"}},
		ScriptAction{Kind: ScriptChat, Message: "welcome"},
	)
	s.onTick()

	if s.registry.Len() != 1 {
		t.Fatalf("script spawn produced %d vehicles", s.registry.Len())
	}
	var vehicle *Vehicle
	s.registry.Each(func(v *Vehicle) { vehicle = v })
	if vehicle.Owned() {
		t.Fatal("script-spawned vehicle has a session owner")
	}

	var sawSpawn, sawChat bool
	for _, cmd := range drainOrdered(alice) {
		switch cmd.(type) {
		case proto.VehicleSpawn:
			sawSpawn = true
		case proto.Chat:
			sawChat = true
		}
	}
	if !sawSpawn || !sawChat {
		t.Fatalf("script side effects not broadcast: spawn=%v chat=%v", sawSpawn, sawChat)
	}
}

func TestChatHookRewritesMessage(t *testing.T) {
	alice := newTestSession(1, "alice")
	s := newTestServer(t, alice)
	s.hooks = &queueHooks{chatReplacement: "censored", rewriteChat: true}

	s.dispatch(alice, proto.Chat{Message: "original"})

	cmds := drainOrdered(alice)
	if len(cmds) != 1 {
		t.Fatalf("chat produced %d commands", len(cmds))
	}
	if got := cmds[0].(proto.Chat).Message; got != "alice: censored" {
		t.Fatalf("chat line = %q, want the hook's replacement", got)
	}
}

// queueHooks is a minimal scripting boundary for tests: canned chat
// rewrites plus a one-shot action queue.
type queueHooks struct {
	NopHooks
	actions         []ScriptAction
	rewriteChat     bool
	chatReplacement string
}

func (h *queueHooks) OnChat(client uint32, message string) (string, bool) {
	return h.chatReplacement, h.rewriteChat
}

func (h *queueHooks) DrainActions() []ScriptAction {
	actions := h.actions
	h.actions = nil
	return actions
}
