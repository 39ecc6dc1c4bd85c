// Package media captures local audio and video. Tracks come out carrying a
// local enable gate on top of whatever the relay does with them, so a muted
// microphone is muted in two places at once.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// Capture failures, classified from the underlying device layer.
var (
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrNoDevice         = errors.New("media: no matching capture device")
	ErrNotSupported     = errors.New("media: capture not supported")
	ErrCancelled        = errors.New("media: capture cancelled")
)

// Track is a local capture track. It can be handed to the relay as-is and
// additionally carries the local enabled flag.
type Track interface {
	webrtc.TrackLocal

	// SetEnabled flips the local gate. A disabled track must not reach
	// other participants even if the relay-side mute flag drifts.
	SetEnabled(enabled bool)
	Enabled() bool

	// OnEnded registers a callback fired when the OS ends the capture,
	// for example when the user stops a screen share from system UI.
	OnEnded(f func())

	Close() error
}

// ScreenCapture bundles the tracks of one screen share. Audio is nil when
// the source has no audio or capturing it failed; that is not an error.
type ScreenCapture struct {
	Video Track
	Audio Track
}

// Engine opens capture devices.
type Engine interface {
	CaptureCamera(ctx context.Context) (Track, error)
	CaptureMicrophone(ctx context.Context) (Track, error)
	CaptureScreen(ctx context.Context) (*ScreenCapture, error)
}
