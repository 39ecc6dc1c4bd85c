package session

import (
	"testing"
	"time"

	"github.com/anumularoots-svg/meeting-client/internal/protocol"
	"github.com/anumularoots-svg/meeting-client/internal/relay"
)

func TestRosterBurstIsCoalesced(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)

	names := []string{"bob", "carol", "dave", "erin", "frank", "grace"}
	for _, n := range names {
		room.AddParticipant(relay.ParticipantInfo{Identity: n, Name: n})
	}

	// Wait for the roster to settle at the full size.
	var final ParticipantsEvent
	e.waitEvent(t, "complete roster", func(ev Event) bool {
		p, ok := ev.(ParticipantsEvent)
		if ok {
			final = p
		}
		return ok && len(p.Participants) == len(names)
	})

	// Count how many roster events the burst produced, including the one
	// above. Coalescing means far fewer than one per join.
	events := 1
	timeout := time.After(3 * e.cfg.UpdateThrottle)
drain:
	for {
		select {
		case ev := <-e.events:
			if p, ok := ev.(ParticipantsEvent); ok {
				final = p
				events++
			}
		case <-timeout:
			break drain
		}
	}
	if events >= len(names) {
		t.Errorf("expected coalesced roster events, got %d for %d joins", events, len(names))
	}
	if len(final.Participants) != len(names) {
		t.Errorf("final roster has %d entries, want %d", len(final.Participants), len(names))
	}
}

func TestRosterOrderedByJoinTime(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)

	room.AddParticipant(relay.ParticipantInfo{Identity: "bob", Name: "Bob"})
	time.Sleep(2 * time.Millisecond)
	room.AddParticipant(relay.ParticipantInfo{Identity: "carol", Name: "Carol"})

	waitFor(t, "two participants", func() bool { return len(e.ctrl.Participants()) == 2 })
	ps := e.ctrl.Participants()
	if ps[0].Identity != "bob" || ps[1].Identity != "carol" {
		t.Errorf("roster out of join order: %s, %s", ps[0].Identity, ps[1].Identity)
	}
}

func TestLocalParticipantFilteredFromRoster(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)

	// The relay echoing ourselves back must not land in the remote roster.
	room.AddParticipant(relay.ParticipantInfo{Identity: "alice", Name: "Alice"})
	room.AddParticipant(relay.ParticipantInfo{Identity: "bob", Name: "Bob"})

	waitFor(t, "bob to join", func() bool { return len(e.ctrl.Participants()) >= 1 })
	time.Sleep(3 * e.cfg.UpdateThrottle)
	ps := e.ctrl.Participants()
	if len(ps) != 1 || ps[0].Identity != "bob" {
		t.Fatalf("roster = %+v, want just bob", ps)
	}
}

func TestRemoteTrackMuteUpdatesRoster(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)
	room.AddParticipant(relay.ParticipantInfo{Identity: "bob", Name: "Bob", AudioEnabled: true, VideoEnabled: true})
	waitFor(t, "bob to join", func() bool { return len(e.ctrl.Participants()) == 1 })

	room.SetTrackMuted("bob", relay.KindAudio, true)
	waitFor(t, "bob's audio to read muted", func() bool {
		ps := e.ctrl.Participants()
		return len(ps) == 1 && !ps[0].AudioEnabled && ps[0].VideoEnabled
	})

	room.SetTrackMuted("bob", relay.KindVideo, true)
	room.SetTrackMuted("bob", relay.KindAudio, false)
	waitFor(t, "audio back on, video muted", func() bool {
		ps := e.ctrl.Participants()
		return len(ps) == 1 && ps[0].AudioEnabled && !ps[0].VideoEnabled
	})

	// The coalesced roster event carries the derived flags too.
	e.waitEvent(t, "roster event with mute state", func(ev Event) bool {
		p, ok := ev.(ParticipantsEvent)
		return ok && len(p.Participants) == 1 &&
			p.Participants[0].AudioEnabled && !p.Participants[0].VideoEnabled
	})
}

func TestVoluntaryLeaveDoesNotEmitRemoval(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)
	room.AddParticipant(relay.ParticipantInfo{Identity: "bob", Name: "Bob"})
	waitFor(t, "bob to join", func() bool { return len(e.ctrl.Participants()) == 1 })

	room.RemoveParticipant("bob")
	waitFor(t, "bob to leave", func() bool { return len(e.ctrl.Participants()) == 0 })

	select {
	case ev := <-e.events:
		if _, ok := ev.(ParticipantRemovedEvent); ok {
			t.Fatal("voluntary leave emitted a forced removal event")
		}
	default:
	}
}

func TestForcedRemovalOfRemoteEmitsDistinctEvent(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)
	room.AddParticipant(relay.ParticipantInfo{Identity: "bob", Name: "Bob"})
	waitFor(t, "bob to join", func() bool { return len(e.ctrl.Participants()) == 1 })

	e.inject(t, room, protocol.TypeRemoveParticipant, "host-1", protocol.RemoveParticipant{
		TargetUserID: "bob",
		RemovedByID:  "host-1",
	})

	ev := e.waitEvent(t, "removal event", func(ev Event) bool {
		_, ok := ev.(ParticipantRemovedEvent)
		return ok
	}).(ParticipantRemovedEvent)
	if ev.Participant.Identity != "bob" {
		t.Errorf("expected bob removed, got %q", ev.Participant.Identity)
	}
	waitFor(t, "roster to drop bob", func() bool { return len(e.ctrl.Participants()) == 0 })
}

func TestRemovalOfSelfDisconnectsWithoutReconnect(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)

	e.inject(t, room, protocol.TypeRemoveParticipant, "host-1", protocol.RemoveParticipant{
		TargetUserID: "alice",
		RemovedByID:  "host-1",
	})

	ev := e.waitEvent(t, "disconnect", func(ev Event) bool {
		_, ok := ev.(DisconnectedEvent)
		return ok
	}).(DisconnectedEvent)
	if ev.Reason != relay.ReasonRemoved {
		t.Errorf("expected reason removed, got %s", ev.Reason)
	}

	time.Sleep(5 * e.cfg.ReconnectDelay)
	if e.roomCount() != 1 {
		t.Error("removed client reconnected")
	}
}

func TestHostRemoveParticipant(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, true)
	room.AddParticipant(relay.ParticipantInfo{Identity: "bob", Name: "Bob"})
	waitFor(t, "bob to join", func() bool { return len(e.ctrl.Participants()) == 1 })

	if err := e.ctrl.RemoveParticipant("bob"); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	if len(sentOfType(t, room, protocol.TypeRemoveParticipant)) != 1 {
		t.Error("removal order not broadcast")
	}
	waitFor(t, "roster to drop bob", func() bool { return len(e.ctrl.Participants()) == 0 })
}

func TestRosterSeededFromExistingParticipants(t *testing.T) {
	e := newEnv(t, nil)
	// Someone is already in the room when we join, and the relay's roster
	// echo includes ourselves.
	cfgRoom := relay.NewMockRoom("alice", "Alice")
	cfgRoom.AddParticipant(relay.ParticipantInfo{Identity: "alice", Name: "Alice"})
	cfgRoom.AddParticipant(relay.ParticipantInfo{Identity: "bob", Name: "Bob"})
	e.ctrl.opts.NewRoom = func(relayURL string, h *relay.Handler) relay.Room {
		cfgRoom.SetHandler(h)
		e.mu.Lock()
		e.rooms = append(e.rooms, cfgRoom)
		e.mu.Unlock()
		return cfgRoom
	}

	e.join(t, false)
	waitFor(t, "seeded roster", func() bool {
		ps := e.ctrl.Participants()
		return len(ps) == 1 && ps[0].Identity == "bob"
	})
}
