package media

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers the screen driver

	"github.com/anumularoots-svg/meeting-client/internal/config"
)

// DeviceEngine captures from real devices through pion/mediadevices.
type DeviceEngine struct {
	cfg      *config.Config
	logger   *zap.Logger
	selector *mediadevices.CodecSelector
}

// NewDeviceEngine prepares encoders for everything the engine can capture.
func NewDeviceEngine(cfg *config.Config, logger *zap.Logger) (*DeviceEngine, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = cfg.Screen.BitrateBps

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return &DeviceEngine{cfg: cfg, logger: logger, selector: selector}, nil
}

func (e *DeviceEngine) CaptureCamera(ctx context.Context) (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(e.cfg.Camera.Width)
			c.Height = prop.Int(e.cfg.Camera.Height)
			c.FrameRate = prop.Float(e.cfg.Camera.FrameRate)
		},
		Codec: e.selector,
	})
	if err != nil {
		return nil, classifyCaptureError(ctx, "camera", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: camera stream has no video track", ErrNoDevice)
	}
	return newDeviceTrack(tracks[0], e.logger.With(zap.String("capture", "camera"))), nil
}

func (e *DeviceEngine) CaptureMicrophone(ctx context.Context) (Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(e.cfg.Audio.SampleRate)
			c.ChannelCount = prop.Int(e.cfg.Audio.ChannelCount)
		},
		Codec: e.selector,
	})
	if err != nil {
		return nil, classifyCaptureError(ctx, "microphone", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: microphone stream has no audio track", ErrNoDevice)
	}
	return newDeviceTrack(tracks[0], e.logger.With(zap.String("capture", "microphone"))), nil
}

// CaptureScreen grabs the display. Video is mandatory, audio is attempted
// and skipped with a log line when the platform cannot provide it.
func (e *DeviceEngine) CaptureScreen(ctx context.Context) (*ScreenCapture, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(e.cfg.Screen.Width)
			c.Height = prop.Int(e.cfg.Screen.Height)
			c.FrameRate = prop.Float(e.cfg.Screen.FrameRate)
		},
		Codec: e.selector,
	})
	if err != nil {
		return nil, classifyCaptureError(ctx, "screen", err)
	}
	videoTracks := stream.GetVideoTracks()
	if len(videoTracks) == 0 {
		return nil, fmt.Errorf("%w: display stream has no video track", ErrNoDevice)
	}

	capture := &ScreenCapture{
		Video: newDeviceTrack(videoTracks[0], e.logger.With(zap.String("capture", "screen"))),
	}
	if audioTracks := stream.GetAudioTracks(); len(audioTracks) > 0 {
		capture.Audio = newDeviceTrack(audioTracks[0], e.logger.With(zap.String("capture", "screen_audio")))
	} else {
		e.logger.Info("screen capture has no audio, sharing video only")
	}
	return capture, nil
}

// classifyCaptureError maps device layer failures onto the package errors so
// callers can branch without knowing the capture backend.
func classifyCaptureError(ctx context.Context, what string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", ErrCancelled, what, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not allowed"):
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, what, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "fit"):
		return fmt.Errorf("%w: %s: %v", ErrNoDevice, what, err)
	case strings.Contains(msg, "not supported") || strings.Contains(msg, "unsupported"):
		return fmt.Errorf("%w: %s: %v", ErrNotSupported, what, err)
	}
	return fmt.Errorf("capture %s: %w", what, err)
}

// deviceTrack adds the local enable gate on top of a mediadevices track.
// The gate is enforced at the bind: while disabled the encoder pump is
// unbound from the sender, so no frames can reach the wire even when the
// relay-side mute flag drifts.
type deviceTrack struct {
	mediadevices.Track
	logger *zap.Logger

	mu      sync.Mutex
	enabled bool
	bound   *webrtc.TrackLocalContext
	pumping bool
	onEnded func()
}

func newDeviceTrack(t mediadevices.Track, logger *zap.Logger) *deviceTrack {
	dt := &deviceTrack{Track: t, logger: logger, enabled: true}
	t.OnEnded(func(err error) {
		if err != nil {
			logger.Warn("capture ended", zap.Error(err))
		}
		dt.mu.Lock()
		f := dt.onEnded
		dt.mu.Unlock()
		if f != nil {
			f()
		}
	})
	return dt
}

// Bind negotiates the codec. A gated track still binds so negotiation
// completes, then stops the pump straight away.
func (t *deviceTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	params, err := t.Track.Bind(ctx)
	if err != nil {
		return params, err
	}
	t.bound = &ctx
	t.pumping = true
	if !t.enabled {
		if uerr := t.Track.Unbind(ctx); uerr != nil {
			t.logger.Warn("gate fresh bind", zap.Error(uerr))
		} else {
			t.pumping = false
		}
	}
	return params, nil
}

func (t *deviceTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bound = nil
	if !t.pumping {
		return nil
	}
	t.pumping = false
	return t.Track.Unbind(ctx)
}

// SetEnabled opens or closes the gate, starting or stopping the encoder
// pump when the track is attached to a sender.
func (t *deviceTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == enabled {
		return
	}
	t.enabled = enabled
	if t.bound == nil {
		return
	}
	if enabled && !t.pumping {
		if _, err := t.Track.Bind(*t.bound); err != nil {
			t.logger.Warn("open capture gate", zap.Error(err))
			return
		}
		t.pumping = true
	} else if !enabled && t.pumping {
		if err := t.Track.Unbind(*t.bound); err != nil {
			t.logger.Warn("close capture gate", zap.Error(err))
			return
		}
		t.pumping = false
	}
}

func (t *deviceTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *deviceTrack) OnEnded(f func()) {
	t.mu.Lock()
	t.onEnded = f
	t.mu.Unlock()
}

func (t *deviceTrack) Close() error {
	return t.Track.Close()
}
