package media

import (
	"sync"
	"testing"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// fakeSourceTrack counts bind cycles. Only the methods deviceTrack touches
// are implemented, the embedded interface covers the rest.
type fakeSourceTrack struct {
	mediadevices.Track

	mu      sync.Mutex
	binds   int
	unbinds int
	ended   func(error)
}

func (f *fakeSourceTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binds++
	return webrtc.RTPCodecParameters{}, nil
}

func (f *fakeSourceTrack) Unbind(webrtc.TrackLocalContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbinds++
	return nil
}

func (f *fakeSourceTrack) OnEnded(h func(error)) {
	f.mu.Lock()
	f.ended = h
	f.mu.Unlock()
}

func (f *fakeSourceTrack) counts() (binds, unbinds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.binds, f.unbinds
}

func TestDeviceTrackGatesEncoderWhileDisabled(t *testing.T) {
	fake := &fakeSourceTrack{}
	dt := newDeviceTrack(fake, zap.NewNop())
	var ctx webrtc.TrackLocalContext

	// Published gated: negotiation binds, the gate unbinds the pump again.
	dt.SetEnabled(false)
	if _, err := dt.Bind(ctx); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if binds, unbinds := fake.counts(); binds != 1 || unbinds != 1 {
		t.Fatalf("gated bind: %d binds, %d unbinds, want 1/1", binds, unbinds)
	}

	// Opening the gate restarts the pump, closing it stops the pump.
	dt.SetEnabled(true)
	if binds, _ := fake.counts(); binds != 2 {
		t.Fatalf("enable did not rebind, %d binds", binds)
	}
	dt.SetEnabled(false)
	if _, unbinds := fake.counts(); unbinds != 2 {
		t.Fatalf("disable did not unbind, %d unbinds", unbinds)
	}

	// The sender unbinding a gated track must not unbind the pump twice.
	if err := dt.Unbind(ctx); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if _, unbinds := fake.counts(); unbinds != 2 {
		t.Fatalf("Unbind of a gated track reached the pump, %d unbinds", unbinds)
	}
}

func TestDeviceTrackStopsPumpOnDisable(t *testing.T) {
	fake := &fakeSourceTrack{}
	dt := newDeviceTrack(fake, zap.NewNop())
	var ctx webrtc.TrackLocalContext

	if _, err := dt.Bind(ctx); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if binds, unbinds := fake.counts(); binds != 1 || unbinds != 0 {
		t.Fatalf("open bind: %d binds, %d unbinds, want 1/0", binds, unbinds)
	}

	dt.SetEnabled(false)
	if _, unbinds := fake.counts(); unbinds != 1 {
		t.Fatal("disabling a live track must stop the pump")
	}
	// Repeating the same state changes nothing.
	dt.SetEnabled(false)
	if binds, unbinds := fake.counts(); binds != 1 || unbinds != 1 {
		t.Fatalf("redundant disable touched the pump, %d/%d", binds, unbinds)
	}

	dt.SetEnabled(true)
	if err := dt.Unbind(ctx); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if _, unbinds := fake.counts(); unbinds != 2 {
		t.Fatalf("sender unbind of a live track missed the pump, %d unbinds", unbinds)
	}
}
