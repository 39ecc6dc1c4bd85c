package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anumularoots-svg/meeting-client/internal/config"
	"github.com/anumularoots-svg/meeting-client/internal/media"
	"github.com/anumularoots-svg/meeting-client/internal/metrics"
	"github.com/anumularoots-svg/meeting-client/internal/relay"
)

// mediaController owns the camera and microphone. Mute lives in two layers,
// the relay-side publication flag and the local track gate, and the repair
// loop drags both back to the desired state whenever they drift. The local
// gate is authoritative for privacy: a muted microphone must never leak
// audio even if the relay flag is wrong.
type mediaController struct {
	cfg    *config.Config
	logger *zap.Logger
	engine media.Engine

	mu       sync.Mutex
	room     relay.Room
	camera   *managedTrack
	mic      *managedTrack
	stopCh   chan struct{}
	stopOnce sync.Once
	running  bool
}

// managedTrack pairs a local track with its publication and desired state.
type managedTrack struct {
	source relay.TrackSource
	track  media.Track
	pub    relay.Publication
	wanted bool // true when the user wants it live
}

func newMediaController(cfg *config.Config, engine media.Engine, logger *zap.Logger) *mediaController {
	return &mediaController{cfg: cfg, logger: logger, engine: engine}
}

// attach publishes camera and microphone muted on a fresh connection and
// starts the repair loop. Capture failures are logged and skipped, joining
// without a camera is a working meeting, not an error.
func (m *mediaController) attach(ctx context.Context, room relay.Room) {
	m.mu.Lock()
	m.room = room
	m.stopCh = make(chan struct{})
	m.stopOnce = sync.Once{}
	m.running = true
	m.mu.Unlock()

	if cam, err := m.capturePublishMuted(ctx, relay.SourceCamera); err != nil {
		m.logger.Warn("camera unavailable at join", zap.Error(err))
	} else {
		m.mu.Lock()
		m.camera = cam
		m.mu.Unlock()
	}
	if mic, err := m.capturePublishMuted(ctx, relay.SourceMicrophone); err != nil {
		m.logger.Warn("microphone unavailable at join", zap.Error(err))
	} else {
		m.mu.Lock()
		m.mic = mic
		m.mu.Unlock()
	}

	go m.repairLoop()
}

// detach tears everything down when the session ends.
func (m *mediaController) detach() {
	m.mu.Lock()
	stopCh := m.stopCh
	once := &m.stopOnce
	cam, mic := m.camera, m.mic
	m.camera, m.mic = nil, nil
	m.room = nil
	m.running = false
	m.mu.Unlock()

	if stopCh != nil {
		once.Do(func() { close(stopCh) })
	}
	for _, t := range []*managedTrack{cam, mic} {
		if t != nil && t.track != nil {
			t.track.Close()
		}
	}
}

func (m *mediaController) capturePublishMuted(ctx context.Context, source relay.TrackSource) (*managedTrack, error) {
	var (
		track media.Track
		err   error
	)
	switch source {
	case relay.SourceCamera:
		track, err = m.engine.CaptureCamera(ctx)
	case relay.SourceMicrophone:
		track, err = m.engine.CaptureMicrophone(ctx)
	default:
		return nil, fmt.Errorf("unexpected source %s", source)
	}
	if err != nil {
		return nil, err
	}

	// Gate locally before the track can reach the wire, then publish and
	// mute the publication too. Joining loud is the one failure mode the
	// order of these calls must rule out.
	track.SetEnabled(false)

	m.mu.Lock()
	room := m.room
	m.mu.Unlock()
	if room == nil {
		track.Close()
		return nil, ErrNotConnected
	}

	pub, err := room.PublishTrack(ctx, track, source)
	if err != nil {
		track.Close()
		return nil, fmt.Errorf("publish %s: %w", source, err)
	}
	if err := pub.SetMuted(true); err != nil {
		m.logger.Warn("mute fresh publication", zap.String("source", string(source)), zap.Error(err))
	}
	return &managedTrack{source: source, track: track, pub: pub}, nil
}

// SetCameraEnabled turns the camera on or off. Enabling captures and
// publishes the track first if joining left us without one.
func (m *mediaController) SetCameraEnabled(ctx context.Context, enabled bool) error {
	return m.setEnabled(ctx, relay.SourceCamera, enabled)
}

// SetMicrophoneEnabled turns the microphone on or off.
func (m *mediaController) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	return m.setEnabled(ctx, relay.SourceMicrophone, enabled)
}

func (m *mediaController) setEnabled(ctx context.Context, source relay.TrackSource, enabled bool) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotConnected
	}
	t := m.trackForLocked(source)
	m.mu.Unlock()

	if t == nil {
		if !enabled {
			// Nothing published and nothing wanted, already muted.
			return nil
		}
		fresh, err := m.capturePublishMuted(ctx, source)
		if err != nil {
			return err
		}
		m.mu.Lock()
		if !m.running {
			m.mu.Unlock()
			fresh.track.Close()
			return ErrNotConnected
		}
		m.setTrackForLocked(source, fresh)
		t = fresh
		m.mu.Unlock()
	}

	m.mu.Lock()
	if t.wanted == enabled {
		m.mu.Unlock()
		return nil
	}
	t.wanted = enabled
	m.mu.Unlock()

	return m.apply(t, enabled)
}

// apply pushes the desired state to both layers. Order matters per
// direction: mute gates locally first, unmute opens the gate last.
func (m *mediaController) apply(t *managedTrack, enabled bool) error {
	if !enabled {
		t.track.SetEnabled(false)
		if err := t.pub.SetMuted(true); err != nil {
			return fmt.Errorf("mute %s: %w", t.source, err)
		}
		return nil
	}
	if err := t.pub.SetMuted(false); err != nil {
		return fmt.Errorf("unmute %s: %w", t.source, err)
	}
	t.track.SetEnabled(true)
	return nil
}

// CameraEnabled reports the desired camera state.
func (m *mediaController) CameraEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.camera != nil && m.camera.wanted
}

// MicrophoneEnabled reports the desired microphone state.
func (m *mediaController) MicrophoneEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mic != nil && m.mic.wanted
}

func (m *mediaController) trackForLocked(source relay.TrackSource) *managedTrack {
	switch source {
	case relay.SourceCamera:
		return m.camera
	case relay.SourceMicrophone:
		return m.mic
	}
	return nil
}

func (m *mediaController) setTrackForLocked(source relay.TrackSource, t *managedTrack) {
	switch source {
	case relay.SourceCamera:
		m.camera = t
	case relay.SourceMicrophone:
		m.mic = t
	}
}

// repairLoop wakes at a jittered interval and reconciles both layers of
// every track against the desired state.
func (m *mediaController) repairLoop() {
	m.mu.Lock()
	stopCh := m.stopCh
	m.mu.Unlock()

	for {
		select {
		case <-stopCh:
			return
		case <-time.After(m.repairInterval()):
		}
		m.repairOnce()
	}
}

func (m *mediaController) repairInterval() time.Duration {
	min, max := m.cfg.MuteRepairMin, m.cfg.MuteRepairMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// repairOnce fixes one round of drift. The local gate is checked first, a
// microphone leaking audio is worse than a stale relay flag.
func (m *mediaController) repairOnce() {
	m.mu.Lock()
	tracks := []*managedTrack{m.camera, m.mic}
	m.mu.Unlock()

	for _, t := range tracks {
		if t == nil {
			continue
		}
		m.mu.Lock()
		wanted := t.wanted
		m.mu.Unlock()

		if t.track.Enabled() != wanted {
			if t.source == relay.SourceMicrophone && !wanted {
				m.logger.Warn("muted microphone was locally enabled, closing the gate")
			}
			t.track.SetEnabled(wanted)
			metrics.MuteRepairsTotal.Inc()
		}
		if t.pub.Muted() != !wanted {
			if err := t.pub.SetMuted(!wanted); err != nil {
				m.logger.Warn("repair publication mute", zap.String("source", string(t.source)), zap.Error(err))
				continue
			}
			metrics.MuteRepairsTotal.Inc()
		}
	}
}
