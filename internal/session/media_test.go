package session

import (
	"context"
	"testing"

	"github.com/anumularoots-svg/meeting-client/internal/media"
	"github.com/anumularoots-svg/meeting-client/internal/relay"
)

func micPair(t *testing.T, room *relay.MockRoom) (*relay.MockPublication, *media.MockTrack) {
	t.Helper()
	pub := room.PublicationBySource(relay.SourceMicrophone)
	if pub == nil {
		t.Fatal("microphone not published")
	}
	return pub, pub.Track.(*media.MockTrack)
}

func TestMicrophoneToggleDrivesBothLayers(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)
	pub, track := micPair(t, room)
	ctx := context.Background()

	if err := e.ctrl.SetMicrophoneEnabled(ctx, true); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	if pub.Muted() {
		t.Error("publication still muted after unmute")
	}
	if !track.Enabled() {
		t.Error("track still gated after unmute")
	}

	if err := e.ctrl.SetMicrophoneEnabled(ctx, false); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if !pub.Muted() {
		t.Error("publication not muted after mute")
	}
	if track.Enabled() {
		t.Error("track not gated after mute")
	}
}

func TestToggleIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)
	pub, _ := micPair(t, room)
	ctx := context.Background()

	if err := e.ctrl.SetMicrophoneEnabled(ctx, true); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	calls := pub.MuteCalls
	// Same state again must not touch the publication.
	if err := e.ctrl.SetMicrophoneEnabled(ctx, true); err != nil {
		t.Fatalf("repeat unmute: %v", err)
	}
	if pub.MuteCalls != calls {
		t.Errorf("redundant toggle reached the relay, %d -> %d calls", calls, pub.MuteCalls)
	}
}

func TestRepairLoopClosesLeakedMicrophoneGate(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)
	_, track := micPair(t, room)

	// Drift: the local gate opens while the user still wants mute.
	track.SetEnabled(true)

	waitFor(t, "repair loop to close the gate", func() bool {
		return !track.Enabled()
	})
}

func TestRepairLoopRestoresPublicationMute(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)
	pub, _ := micPair(t, room)

	// Drift: the relay flag flips to unmuted behind our back.
	pub.SetMuted(false)

	waitFor(t, "repair loop to re-mute the publication", func() bool {
		return pub.Muted()
	})
}

func TestRepairLoopHonorsWantedUnmuted(t *testing.T) {
	e := newEnv(t, nil)
	room := e.join(t, false)
	pub, track := micPair(t, room)
	ctx := context.Background()

	if err := e.ctrl.SetMicrophoneEnabled(ctx, true); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	// Drift in the opposite direction while unmuted is wanted.
	track.SetEnabled(false)
	pub.SetMuted(true)

	waitFor(t, "repair loop to restore the live microphone", func() bool {
		return track.Enabled() && !pub.Muted()
	})
}

func TestCameraUnavailableAtJoinSurfacesOnEnable(t *testing.T) {
	e := newEnv(t, nil)
	e.engine.CameraErr = media.ErrPermissionDenied
	room := e.join(t, false)

	if room.PublicationBySource(relay.SourceCamera) != nil {
		t.Fatal("camera published despite capture failure")
	}
	// Joining still succeeded, the microphone is there.
	if room.PublicationBySource(relay.SourceMicrophone) == nil {
		t.Fatal("microphone missing")
	}

	err := e.ctrl.SetCameraEnabled(context.Background(), true)
	if err == nil {
		t.Fatal("expected capture error when enabling the broken camera")
	}
}

func TestCameraRecaptureOnLateEnable(t *testing.T) {
	e := newEnv(t, nil)
	e.engine.CameraErr = media.ErrNoDevice
	room := e.join(t, false)

	// Device shows up later.
	e.engine.CameraErr = nil
	if err := e.ctrl.SetCameraEnabled(context.Background(), true); err != nil {
		t.Fatalf("enable after device appeared: %v", err)
	}
	pub := room.PublicationBySource(relay.SourceCamera)
	if pub == nil {
		t.Fatal("camera not published after late enable")
	}
	if pub.Muted() {
		t.Error("camera should be live after an explicit enable")
	}
	if !e.ctrl.Snapshot().CameraEnabled {
		t.Error("snapshot does not report the camera enabled")
	}
}

func TestMediaOpsRequireSession(t *testing.T) {
	e := newEnv(t, nil)
	if err := e.ctrl.SetMicrophoneEnabled(context.Background(), true); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
