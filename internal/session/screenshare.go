package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anumularoots-svg/meeting-client/internal/config"
	"github.com/anumularoots-svg/meeting-client/internal/media"
	"github.com/anumularoots-svg/meeting-client/internal/metrics"
	"github.com/anumularoots-svg/meeting-client/internal/protocol"
	"github.com/anumularoots-svg/meeting-client/internal/relay"
)

// sendFunc broadcasts one typed control message to the room.
type sendFunc func(msgType string, payload interface{}) error

// shareCoordinator runs both sides of the screen share protocol. As a
// requester it asks the host and waits, as a host it collects requests and
// answers them, and either way it owns the local share once one is live.
type shareCoordinator struct {
	cfg    *config.Config
	logger *zap.Logger
	engine media.Engine
	bus    *Bus
	send   sendFunc
	local  func() (identity, name string)
	isHost func() bool

	mu           sync.Mutex
	room         relay.Room
	pending      *pendingShareRequest
	active       *activeShare
	incoming     map[string]ShareRequestEvent
	lastAnnounce time.Time
	announcing   bool
}

type pendingShareRequest struct {
	id     string
	result chan bool
}

type activeShare struct {
	capture  *media.ScreenCapture
	videoPub relay.Publication
	audioPub relay.Publication
}

func newShareCoordinator(cfg *config.Config, engine media.Engine, bus *Bus, send sendFunc, local func() (string, string), isHost func() bool, logger *zap.Logger) *shareCoordinator {
	return &shareCoordinator{
		cfg:      cfg,
		logger:   logger,
		engine:   engine,
		bus:      bus,
		send:     send,
		local:    local,
		isHost:   isHost,
		incoming: make(map[string]ShareRequestEvent),
	}
}

func (c *shareCoordinator) attach(room relay.Room) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

func (c *shareCoordinator) detach() {
	c.mu.Lock()
	active := c.active
	pending := c.pending
	c.active = nil
	c.pending = nil
	c.room = nil
	c.incoming = make(map[string]ShareRequestEvent)
	c.mu.Unlock()

	if pending != nil {
		close(pending.result)
	}
	if active != nil {
		closeCapture(active.capture)
	}
	metrics.ScreenSharing.Set(0)
}

// Sharing reports whether the local share is live.
func (c *shareCoordinator) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Start shares the local screen. Hosts start immediately, everyone else
// asks for permission first and blocks until the host answers or the
// request times out. Only one outstanding request is allowed.
func (c *shareCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return ErrAlreadySharing
	}
	if c.pending != nil {
		c.mu.Unlock()
		return ErrShareRequestPending
	}
	if c.isHost() {
		c.mu.Unlock()
		return c.startShare(ctx)
	}
	req := &pendingShareRequest{
		id:     uuid.NewString(),
		result: make(chan bool, 1),
	}
	c.pending = req
	c.mu.Unlock()

	identity, name := c.local()
	if err := c.send(protocol.TypeShareRequest, protocol.ShareRequest{
		RequestID: req.id,
		UserID:    identity,
		UserName:  name,
	}); err != nil {
		c.clearPending(req.id)
		return fmt.Errorf("send share request: %w", err)
	}

	timer := time.NewTimer(c.cfg.ShareRequestTimeout)
	defer timer.Stop()

	select {
	case approved, ok := <-req.result:
		if !ok {
			return ErrNotConnected
		}
		if !approved {
			metrics.ShareRequestsTotal.WithLabelValues("denied").Inc()
			return ErrShareRequestDenied
		}
		metrics.ShareRequestsTotal.WithLabelValues("approved").Inc()
		return c.startShare(ctx)
	case <-timer.C:
		c.clearPending(req.id)
		metrics.ShareRequestsTotal.WithLabelValues("timeout").Inc()
		return ErrShareRequestTimeout
	case <-ctx.Done():
		c.clearPending(req.id)
		return ctx.Err()
	}
}

func (c *shareCoordinator) clearPending(id string) {
	c.mu.Lock()
	if c.pending != nil && c.pending.id == id {
		c.pending = nil
	}
	c.mu.Unlock()
}

// startShare captures and publishes. Video must succeed, audio is attempted
// afterwards and a failure there downgrades to a silent share.
func (c *shareCoordinator) startShare(ctx context.Context) error {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return ErrNotConnected
	}

	capture, err := c.engine.CaptureScreen(ctx)
	if err != nil {
		metrics.ShareRequestsTotal.WithLabelValues("capture_failed").Inc()
		return fmt.Errorf("capture screen: %w", err)
	}

	videoPub, err := room.PublishTrack(ctx, capture.Video, relay.SourceScreen)
	if err != nil {
		closeCapture(capture)
		return fmt.Errorf("publish screen video: %w", err)
	}

	var audioPub relay.Publication
	if capture.Audio != nil {
		audioPub, err = room.PublishTrack(ctx, capture.Audio, relay.SourceScreenAudio)
		if err != nil {
			c.logger.Warn("screen audio publish failed, sharing video only", zap.Error(err))
			capture.Audio.Close()
			capture.Audio = nil
		}
	}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		room.UnpublishTrack(videoPub.SID())
		if audioPub != nil {
			room.UnpublishTrack(audioPub.SID())
		}
		closeCapture(capture)
		return ErrAlreadySharing
	}
	c.active = &activeShare{capture: capture, videoPub: videoPub, audioPub: audioPub}
	c.lastAnnounce = time.Now()
	c.mu.Unlock()

	// OS level stop, for example the system screen picker's own button.
	capture.Video.OnEnded(func() {
		c.logger.Info("screen capture ended by the system")
		if err := c.StopOwn(context.Background()); err != nil && err != ErrNotSharing {
			c.logger.Warn("stop after capture end", zap.Error(err))
		}
	})

	metrics.ScreenSharing.Set(1)
	identity, name := c.local()
	if err := c.send(protocol.TypeShareStarted, protocol.ShareStarted{UserID: identity, UserName: name}); err != nil {
		c.logger.Warn("announce share start", zap.Error(err))
	}
	c.bus.Publish(ShareStartedEvent{UserID: identity, UserName: name})
	return nil
}

// StopOwn ends the local share voluntarily.
func (c *shareCoordinator) StopOwn(ctx context.Context) error {
	identity, name := c.local()
	return c.stop(protocol.ShareStopped{UserID: identity, UserName: name})
}

// stop is shared teardown for voluntary and forced stops. The broadcast
// payload carries who stopped it when a host forced it.
func (c *shareCoordinator) stop(announce protocol.ShareStopped) error {
	c.mu.Lock()
	active := c.active
	c.active = nil
	room := c.room
	c.mu.Unlock()

	if active == nil {
		return ErrNotSharing
	}

	if room != nil {
		if active.audioPub != nil {
			if err := room.UnpublishTrack(active.audioPub.SID()); err != nil {
				c.logger.Warn("unpublish screen audio", zap.Error(err))
			}
		}
		if err := room.UnpublishTrack(active.videoPub.SID()); err != nil {
			c.logger.Warn("unpublish screen video", zap.Error(err))
		}
	}
	closeCapture(active.capture)
	metrics.ScreenSharing.Set(0)

	if err := c.send(protocol.TypeShareStopped, announce); err != nil {
		c.logger.Warn("announce share stop", zap.Error(err))
	}
	c.bus.Publish(ShareStoppedEvent{
		UserID:        announce.UserID,
		UserName:      announce.UserName,
		StoppedByID:   announce.StoppedByID,
		StoppedByName: announce.StoppedByName,
	})
	return nil
}

// ForceStopParticipant orders someone else's share to stop. Host only.
func (c *shareCoordinator) ForceStopParticipant(targetIdentity string) error {
	if !c.isHost() {
		return ErrNotHost
	}
	identity, name := c.local()
	return c.send(protocol.TypeForceStopShare, protocol.ForceStopShare{
		TargetIdentity: targetIdentity,
		StoppedByID:    identity,
		StoppedByName:  name,
	})
}

// Approve answers a pending incoming request positively. Host only.
// Answering a request that is already resolved is a no-op.
func (c *shareCoordinator) Approve(requestID string) error {
	return c.respond(requestID, true)
}

// Deny answers a pending incoming request negatively. Host only.
func (c *shareCoordinator) Deny(requestID string) error {
	return c.respond(requestID, false)
}

func (c *shareCoordinator) respond(requestID string, approved bool) error {
	if !c.isHost() {
		return ErrNotHost
	}
	c.mu.Lock()
	req, ok := c.incoming[requestID]
	if ok {
		delete(c.incoming, requestID)
	}
	c.mu.Unlock()
	if !ok {
		// Already answered or expired, repeating the answer changes nothing.
		c.logger.Debug("answer for a resolved share request", zap.String("request", requestID))
		return nil
	}
	return c.send(protocol.TypeShareResponse, protocol.ShareResponse{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		Approved:  approved,
	})
}

// announceForLateJoiner rebroadcasts the running share so a participant who
// joined after it started still learns about it. Announcements are
// throttled, a burst of joins produces at most one.
func (c *shareCoordinator) announceForLateJoiner() {
	c.mu.Lock()
	if c.active == nil || c.announcing {
		c.mu.Unlock()
		return
	}
	if time.Since(c.lastAnnounce) < c.cfg.ScanThrottle {
		c.mu.Unlock()
		return
	}
	c.announcing = true
	c.lastAnnounce = time.Now()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.announcing = false
		c.mu.Unlock()
	}()

	identity, name := c.local()
	if err := c.send(protocol.TypeShareStarted, protocol.ShareStarted{UserID: identity, UserName: name}); err != nil {
		c.logger.Warn("reannounce share", zap.Error(err))
	}
}

// Incoming control message handlers, registered with the router.

func (c *shareCoordinator) handleRequest(senderID string, payload json.RawMessage) error {
	var req protocol.ShareRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode share request: %w", err)
	}
	if !c.isHost() {
		return nil
	}
	ev := ShareRequestEvent{RequestID: req.RequestID, UserID: req.UserID, UserName: req.UserName}
	c.mu.Lock()
	if _, dup := c.incoming[req.RequestID]; dup {
		c.mu.Unlock()
		return nil
	}
	c.incoming[req.RequestID] = ev
	c.mu.Unlock()
	c.bus.Publish(ev)
	return nil
}

func (c *shareCoordinator) handleResponse(senderID string, payload json.RawMessage) error {
	var res protocol.ShareResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return fmt.Errorf("decode share response: %w", err)
	}
	identity, _ := c.local()
	if res.UserID != identity {
		return nil
	}
	c.mu.Lock()
	req := c.pending
	if req == nil || req.id != res.RequestID {
		// Late or duplicate answer, the request is gone.
		c.mu.Unlock()
		return nil
	}
	c.pending = nil
	c.mu.Unlock()
	req.result <- res.Approved
	return nil
}

func (c *shareCoordinator) handleForceStop(senderID string, payload json.RawMessage) error {
	var cmd protocol.ForceStopShare
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decode force stop: %w", err)
	}
	identity, name := c.local()
	if cmd.TargetIdentity != identity {
		return nil
	}
	c.logger.Info("share force stopped by host", zap.String("by", cmd.StoppedByID))
	err := c.stop(protocol.ShareStopped{
		UserID:        identity,
		UserName:      name,
		StoppedByID:   cmd.StoppedByID,
		StoppedByName: cmd.StoppedByName,
	})
	if err == ErrNotSharing {
		// Already stopped, the order still succeeded.
		return nil
	}
	return err
}

func closeCapture(capture *media.ScreenCapture) {
	if capture == nil {
		return
	}
	if capture.Audio != nil {
		capture.Audio.Close()
	}
	if capture.Video != nil {
		capture.Video.Close()
	}
}
