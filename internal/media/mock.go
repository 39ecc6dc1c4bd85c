package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// MockEngine fabricates tracks for tests. Error fields script failures per
// capture kind.
type MockEngine struct {
	mu sync.Mutex

	CameraErr     error
	MicrophoneErr error
	ScreenErr     error

	// ScreenAudio controls whether screen captures include an audio track.
	ScreenAudio bool

	CameraCalls     int
	MicrophoneCalls int
	ScreenCalls     int
}

func NewMockEngine() *MockEngine {
	return &MockEngine{ScreenAudio: true}
}

func (e *MockEngine) CaptureCamera(ctx context.Context) (Track, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CameraCalls++
	if e.CameraErr != nil {
		return nil, e.CameraErr
	}
	return NewMockTrack("camera", webrtc.RTPCodecTypeVideo), nil
}

func (e *MockEngine) CaptureMicrophone(ctx context.Context) (Track, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.MicrophoneCalls++
	if e.MicrophoneErr != nil {
		return nil, e.MicrophoneErr
	}
	return NewMockTrack("microphone", webrtc.RTPCodecTypeAudio), nil
}

func (e *MockEngine) CaptureScreen(ctx context.Context) (*ScreenCapture, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ScreenCalls++
	if e.ScreenErr != nil {
		return nil, e.ScreenErr
	}
	capture := &ScreenCapture{Video: NewMockTrack("screen", webrtc.RTPCodecTypeVideo)}
	if e.ScreenAudio {
		capture.Audio = NewMockTrack("screen_audio", webrtc.RTPCodecTypeAudio)
	}
	return capture, nil
}

// MockTrack is an inert Track. It satisfies webrtc.TrackLocal without ever
// producing media.
type MockTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	closed  atomic.Bool

	mu      sync.Mutex
	onEnded func()
}

func NewMockTrack(id string, kind webrtc.RTPCodecType) *MockTrack {
	t := &MockTrack{id: id, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *MockTrack) Bind(_ webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}

func (t *MockTrack) Unbind(_ webrtc.TrackLocalContext) error { return nil }

func (t *MockTrack) ID() string                { return t.id }
func (t *MockTrack) RID() string               { return "" }
func (t *MockTrack) StreamID() string          { return "mock" }
func (t *MockTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *MockTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *MockTrack) Enabled() bool           { return t.enabled.Load() }

func (t *MockTrack) OnEnded(f func()) {
	t.mu.Lock()
	t.onEnded = f
	t.mu.Unlock()
}

// EndCapture simulates the OS tearing the capture down underneath us.
func (t *MockTrack) EndCapture() {
	t.mu.Lock()
	f := t.onEnded
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

func (t *MockTrack) Close() error {
	t.closed.Store(true)
	return nil
}

// Closed reports whether Close was called, for test assertions.
func (t *MockTrack) Closed() bool { return t.closed.Load() }
