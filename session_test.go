package convoy

import (
	"testing"

	"convoy/internal/proto"
)

func TestEstablishedEventPrecedesReceivedCommands(t *testing.T) {
	session := newTestSession(1, "alice")
	defer session.cancel()

	events := make(chan incomingEvent, 4)
	session.start(events)

	// start returns only after the established event is queued, so nothing
	// the receive loops deliver can come out of the channel before it.
	select {
	case ev := <-events:
		if ev.session != session {
			t.Fatalf("first ingress event = %+v, want the established session", ev)
		}
	default:
		t.Fatal("no established event queued when start returned")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second event before any traffic: %+v", ev)
	default:
	}
}

func TestSessionEstablishedThenImmediateCommandApplied(t *testing.T) {
	alice := newTestSession(1, "alice")
	s := newTestServer(t)

	// A spawn pipelined right behind the handshake: the established event
	// is processed first, so the spawn must land, not be dropped as a
	// post-disconnect straggler.
	s.onIngress(incomingEvent{client: alice.id, session: alice})
	s.onIngress(incomingEvent{client: alice.id, cmd: proto.VehicleSpawn{Data: proto.VehicleData{LocalID: 3}}})

	if _, ok := s.registry.Resolve(alice.id, 3); !ok {
		t.Fatal("spawn arriving immediately after the handshake was dropped")
	}
}
