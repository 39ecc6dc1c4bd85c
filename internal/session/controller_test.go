package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/anumularoots-svg/meeting-client/internal/protocol"
	"github.com/anumularoots-svg/meeting-client/internal/relay"
)

func TestChatRoundTrip(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)

	if err := e.ctrl.SendChat("hello"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if len(sentOfType(t, room, protocol.TypeChat)) != 1 {
		t.Error("chat not broadcast")
	}

	e.inject(t, room, protocol.TypeChat, "bob", protocol.Chat{UserID: "bob", UserName: "Bob", Message: "hi alice"})
	e.waitEvent(t, "incoming chat", func(ev Event) bool {
		c, ok := ev.(ChatEvent)
		return ok && c.Message.SenderID == "bob"
	})

	chat := e.ctrl.Snapshot().Chat
	if len(chat) != 2 {
		t.Fatalf("expected 2 buffered messages, got %d", len(chat))
	}
	if chat[0].Message != "hello" || chat[1].Message != "hi alice" {
		t.Errorf("unexpected buffer order: %q, %q", chat[0].Message, chat[1].Message)
	}
}

func TestChatBufferKeepsNewest(t *testing.T) {
	cfg := testConfig()
	cfg.ChatBufferSize = 5
	e := newEnv(t, cfg)
	room := e.join(t, false)

	for i := 0; i < 8; i++ {
		e.inject(t, room, protocol.TypeChat, "bob", protocol.Chat{
			UserID: "bob", UserName: "Bob", Message: fmt.Sprintf("msg-%d", i),
		})
	}
	chat := e.ctrl.Snapshot().Chat
	if len(chat) != 5 {
		t.Fatalf("expected 5 buffered messages, got %d", len(chat))
	}
	if chat[0].Message != "msg-3" || chat[4].Message != "msg-7" {
		t.Errorf("buffer kept the wrong window: %q .. %q", chat[0].Message, chat[4].Message)
	}
}

func TestReactionsExpire(t *testing.T) {
	cfg := testConfig()
	cfg.ReactionTTL = 30 * time.Millisecond
	e := newEnv(t, cfg)
	e.join(t, false)

	if err := e.ctrl.SendReaction("👍"); err != nil {
		t.Fatalf("SendReaction: %v", err)
	}
	if got := len(e.ctrl.Snapshot().Reactions); got != 1 {
		t.Fatalf("expected 1 reaction, got %d", got)
	}
	time.Sleep(2 * cfg.ReactionTTL)
	if got := len(e.ctrl.Snapshot().Reactions); got != 0 {
		t.Errorf("expected expired reactions to be pruned, got %d", got)
	}
}

func TestReactionBufferBounded(t *testing.T) {
	cfg := testConfig()
	cfg.ReactionBufferSize = 3
	e := newEnv(t, cfg)
	room := e.join(t, false)

	for i := 0; i < 6; i++ {
		e.inject(t, room, protocol.TypeReaction, "bob", protocol.Reaction{
			UserID: "bob", UserName: "Bob", Emoji: "🎉",
		})
	}
	if got := len(e.ctrl.Snapshot().Reactions); got != 3 {
		t.Errorf("expected 3 buffered reactions, got %d", got)
	}
}

func TestUnknownControlMessageIgnored(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)
	e.inject(t, room, "hologram_projection", "bob", map[string]string{"unclear": "payload"})

	if !e.ctrl.Connected() {
		t.Error("unknown message disturbed the session")
	}
}

func TestMeetingEndedMessage(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)

	e.inject(t, room, protocol.TypeMeetingEnded, "host-1", protocol.MeetingEnded{
		EndedByID: "host-1", EndedByName: "Host",
	})

	e.waitEvent(t, "meeting ended event", func(ev Event) bool {
		m, ok := ev.(MeetingEndedEvent)
		return ok && m.EndedByID == "host-1"
	})
	ev := e.waitEvent(t, "disconnect", func(ev Event) bool {
		_, ok := ev.(DisconnectedEvent)
		return ok
	}).(DisconnectedEvent)
	if ev.Reason != relay.ReasonMeetingEnded {
		t.Errorf("expected meeting_ended reason, got %s", ev.Reason)
	}

	time.Sleep(5 * e.cfg.ReconnectDelay)
	if e.roomCount() != 1 {
		t.Error("client reconnected after the meeting ended")
	}
}

func TestHostEndsMeeting(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, true)

	if err := e.ctrl.EndMeeting(context.Background()); err != nil {
		t.Fatalf("EndMeeting: %v", err)
	}
	if len(sentOfType(t, room, protocol.TypeMeetingEnded)) != 1 {
		t.Error("end of meeting not broadcast")
	}
	waitFor(t, "local disconnect", func() bool { return !e.ctrl.Connected() })
}

func TestNonHostCannotEndMeeting(t *testing.T) {
	e := newEnv(t, nil)
	e.join(t, false)
	if err := e.ctrl.EndMeeting(context.Background()); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
}

func TestHostMuteRequestMutesMicrophone(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)
	if err := e.ctrl.SetMicrophoneEnabled(context.Background(), true); err != nil {
		t.Fatalf("unmute: %v", err)
	}

	e.inject(t, room, protocol.TypeMuteParticipant, "host-1", protocol.MuteParticipant{
		TargetUserID: "alice", MutedByID: "host-1",
	})

	e.waitEvent(t, "mute requested event", func(ev Event) bool {
		m, ok := ev.(MuteRequestedEvent)
		return ok && m.MutedByID == "host-1"
	})
	waitFor(t, "microphone to mute", func() bool {
		return !e.ctrl.Snapshot().MicrophoneEnabled
	})
}

func TestMuteRequestForOtherTargetIgnored(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)
	if err := e.ctrl.SetMicrophoneEnabled(context.Background(), true); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	e.inject(t, room, protocol.TypeMuteParticipant, "host-1", protocol.MuteParticipant{
		TargetUserID: "bob", MutedByID: "host-1",
	})
	time.Sleep(10 * time.Millisecond)
	if !e.ctrl.Snapshot().MicrophoneEnabled {
		t.Error("mute order for another participant muted us")
	}
}

func TestCoHostPromotionGrantsHostPowers(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)

	if err := e.ctrl.ForceStopScreenShare("bob"); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost before promotion, got %v", err)
	}

	e.inject(t, room, protocol.TypeSetCoHost, "host-1", protocol.SetCoHost{
		TargetUserID: "alice", CoHost: true,
	})
	e.waitEvent(t, "co-host event", func(ev Event) bool {
		c, ok := ev.(CoHostChangedEvent)
		return ok && c.CoHost
	})

	if err := e.ctrl.ForceStopScreenShare("bob"); err != nil {
		t.Fatalf("co-host should be allowed to force stop: %v", err)
	}
	if len(sentOfType(t, room, protocol.TypeForceStopShare)) != 1 {
		t.Error("force stop order not broadcast")
	}

	// Demotion takes the powers back.
	e.inject(t, room, protocol.TypeSetCoHost, "host-1", protocol.SetCoHost{
		TargetUserID: "alice", CoHost: false,
	})
	e.waitEvent(t, "demotion event", func(ev Event) bool {
		c, ok := ev.(CoHostChangedEvent)
		return ok && !c.CoHost
	})
	if err := e.ctrl.ForceStopScreenShare("bob"); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost after demotion, got %v", err)
	}
}

func TestSendingRequiresSession(t *testing.T) {
	e := newEnv(t, nil)
	if err := e.ctrl.SendChat("into the void"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := e.ctrl.SendReaction("👋"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSpeakerMuteIsLocalOnly(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)

	e.ctrl.SetSpeakerMuted(true)
	e.waitEvent(t, "speaker muted event", func(ev Event) bool {
		s, ok := ev.(SpeakerMutedEvent)
		return ok && s.Muted
	})
	if !e.ctrl.Snapshot().SpeakerMuted {
		t.Error("snapshot does not report the speaker muted")
	}
	// Redundant call publishes nothing and nothing ever goes on the wire.
	e.ctrl.SetSpeakerMuted(true)
	if len(room.SentMessages()) != 0 {
		t.Error("speaker mute reached the control channel")
	}

	// The microphone stays independent.
	if err := e.ctrl.SetMicrophoneEnabled(context.Background(), true); err != nil {
		t.Fatalf("unmute microphone: %v", err)
	}
	snap := e.ctrl.Snapshot()
	if !snap.MicrophoneEnabled || !snap.SpeakerMuted {
		t.Errorf("expected mic live and speaker muted, got %+v", snap)
	}
}
