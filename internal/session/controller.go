package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anumularoots-svg/meeting-client/internal/config"
	"github.com/anumularoots-svg/meeting-client/internal/media"
	"github.com/anumularoots-svg/meeting-client/internal/metrics"
	"github.com/anumularoots-svg/meeting-client/internal/protocol"
	"github.com/anumularoots-svg/meeting-client/internal/relay"
	"github.com/anumularoots-svg/meeting-client/internal/token"
)

// ChatMessage is one room chat entry as kept in the local buffer.
type ChatMessage struct {
	SenderID   string
	SenderName string
	Message    string
	SentAt     time.Time
}

// ReactionMessage is one emoji reaction. It drops out of the buffer once
// expired.
type ReactionMessage struct {
	SenderID   string
	SenderName string
	Emoji      string
	SentAt     time.Time
	ExpiresAt  time.Time
}

// Snapshot is the full externally visible session state at one instant.
type Snapshot struct {
	Connected         bool
	Identity          string
	Name              string
	Host              bool
	CoHost            bool
	CameraEnabled     bool
	MicrophoneEnabled bool
	SpeakerMuted      bool
	Sharing           bool
	Participants      []Participant
	Chat              []ChatMessage
	Reactions         []ReactionMessage
}

// Options wires a Controller. NewRoom builds one transport per connection
// attempt with the given callbacks installed, pointed at the signaling URL
// the join grant named.
type Options struct {
	Config  *config.Config
	Logger  *zap.Logger
	Engine  media.Engine
	Tokens  TokenFetcher
	NewRoom func(relayURL string, h *relay.Handler) relay.Room
}

// Controller is the session facade the application talks to. It owns the
// connection, local media, the screen share protocol, the roster and the
// control channel, and reports everything through the typed event bus.
type Controller struct {
	cfg    *config.Config
	logger *zap.Logger
	bus    *Bus
	opts   Options

	conn   *connectionManager
	media  *mediaController
	share  *shareCoordinator
	roster *reconciler
	router *protocol.Router

	mu            sync.Mutex
	identity      string
	name          string
	host          bool
	coHost        bool
	speakerMuted  bool
	chat          []ChatMessage
	reactions     []ReactionMessage
	heartbeatStop chan struct{}
}

func NewController(opts Options) *Controller {
	c := &Controller{
		cfg:    opts.Config,
		logger: opts.Logger,
		bus:    NewBus(),
		opts:   opts,
	}
	c.conn = newConnectionManager(opts.Config, opts.Tokens, c.buildRoom, c.bus, opts.Logger.Named("conn"))
	c.conn.onAttached = c.onAttached
	c.conn.onDetached = c.onDetached
	c.media = newMediaController(opts.Config, opts.Engine, opts.Logger.Named("media"))
	c.share = newShareCoordinator(opts.Config, opts.Engine, c.bus, c.sendMessage, c.localUser, c.isHost, opts.Logger.Named("share"))
	c.roster = newReconciler(c.bus, opts.Config.UpdateThrottle, opts.Logger.Named("roster"))
	c.router = c.buildRouter()
	return c
}

// Events exposes the session event stream.
func (c *Controller) Events() (<-chan Event, func()) {
	return c.bus.Subscribe()
}

// Join connects to the given room. Safe to call concurrently, extra callers
// share the in-flight attempt.
func (c *Controller) Join(ctx context.Context, room, identity, name string, host bool) error {
	c.mu.Lock()
	c.identity = identity
	c.name = name
	c.host = host
	c.mu.Unlock()
	c.roster.setLocal(identity)
	return c.conn.Connect(ctx, token.JoinRequest{MeetingID: room, UserID: identity, DisplayName: name, Host: host})
}

// Leave disconnects cleanly. While the local screen share is still
// publishing it does nothing, so teardown cannot race a share mid-flight;
// stop the share first.
func (c *Controller) Leave(ctx context.Context) error {
	if c.share.Sharing() {
		c.logger.Warn("leave ignored while the screen share is live")
		return nil
	}
	return c.conn.Disconnect(ctx)
}

// Connected reports whether the session is up and stable.
func (c *Controller) Connected() bool {
	return c.conn.Connected()
}

// SetCameraEnabled toggles the camera. Calling with the current state is a
// no-op.
func (c *Controller) SetCameraEnabled(ctx context.Context, enabled bool) error {
	return c.media.SetCameraEnabled(ctx, enabled)
}

// SetMicrophoneEnabled toggles the microphone.
func (c *Controller) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	return c.media.SetMicrophoneEnabled(ctx, enabled)
}

// SetSpeakerMuted mutes or unmutes local playback of remote audio. It is
// independent of the microphone and purely local, nothing goes on the wire.
func (c *Controller) SetSpeakerMuted(muted bool) {
	c.mu.Lock()
	changed := c.speakerMuted != muted
	c.speakerMuted = muted
	c.mu.Unlock()
	if changed {
		c.bus.Publish(SpeakerMutedEvent{Muted: muted})
	}
}

// SpeakerMuted reports whether local playback is muted.
func (c *Controller) SpeakerMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speakerMuted
}

// StartScreenShare shares the local screen, asking the host for permission
// first when the local user is a regular participant. Blocks until the
// share is live, the request was denied, or it timed out.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	return c.share.Start(ctx)
}

// StopScreenShare ends the local share voluntarily.
func (c *Controller) StopScreenShare(ctx context.Context) error {
	return c.share.StopOwn(ctx)
}

// ForceStopScreenShare orders another participant's share to stop. Host or
// co-host only.
func (c *Controller) ForceStopScreenShare(targetIdentity string) error {
	return c.share.ForceStopParticipant(targetIdentity)
}

// ApproveScreenShare grants a pending request. Host or co-host only.
func (c *Controller) ApproveScreenShare(requestID string) error {
	return c.share.Approve(requestID)
}

// DenyScreenShare refuses a pending request. Host or co-host only.
func (c *Controller) DenyScreenShare(requestID string) error {
	return c.share.Deny(requestID)
}

// SendChat broadcasts a chat message and records it locally.
func (c *Controller) SendChat(message string) error {
	identity, name := c.localUser()
	if err := c.sendMessage(protocol.TypeChat, protocol.Chat{
		UserID:   identity,
		UserName: name,
		Message:  message,
	}); err != nil {
		return err
	}
	msg := ChatMessage{SenderID: identity, SenderName: name, Message: message, SentAt: time.Now()}
	c.appendChat(msg)
	c.bus.Publish(ChatEvent{Message: msg})
	return nil
}

// SendReaction broadcasts an emoji reaction.
func (c *Controller) SendReaction(emoji string) error {
	identity, name := c.localUser()
	if err := c.sendMessage(protocol.TypeReaction, protocol.Reaction{
		UserID:   identity,
		UserName: name,
		Emoji:    emoji,
	}); err != nil {
		return err
	}
	r := c.newReaction(identity, name, emoji)
	c.appendReaction(r)
	c.bus.Publish(ReactionEvent{Reaction: r})
	return nil
}

// EndMeeting closes the meeting for everyone. Host or co-host only.
func (c *Controller) EndMeeting(ctx context.Context) error {
	if !c.isHost() {
		return ErrNotHost
	}
	identity, name := c.localUser()
	if err := c.sendMessage(protocol.TypeMeetingEnded, protocol.MeetingEnded{
		EndedByID:   identity,
		EndedByName: name,
	}); err != nil {
		return err
	}
	c.conn.ForceDetach(ctx, relay.ReasonMeetingEnded)
	return nil
}

// RemoveParticipant forces someone out of the meeting. Host or co-host
// only. The removed participant will not reconnect.
func (c *Controller) RemoveParticipant(targetIdentity string) error {
	if !c.isHost() {
		return ErrNotHost
	}
	identity, _ := c.localUser()
	if err := c.sendMessage(protocol.TypeRemoveParticipant, protocol.RemoveParticipant{
		TargetUserID: targetIdentity,
		RemovedByID:  identity,
	}); err != nil {
		return err
	}
	c.roster.removeForced(targetIdentity)
	return nil
}

// MuteParticipant asks another participant to mute their microphone. Host
// or co-host only.
func (c *Controller) MuteParticipant(targetIdentity string) error {
	if !c.isHost() {
		return ErrNotHost
	}
	identity, _ := c.localUser()
	return c.sendMessage(protocol.TypeMuteParticipant, protocol.MuteParticipant{
		TargetUserID: targetIdentity,
		MutedByID:    identity,
	})
}

// SetCoHost grants or revokes co-host rights. Host only.
func (c *Controller) SetCoHost(targetIdentity string, coHost bool) error {
	c.mu.Lock()
	host := c.host
	c.mu.Unlock()
	if !host {
		return ErrNotHost
	}
	if err := c.sendMessage(protocol.TypeSetCoHost, protocol.SetCoHost{
		TargetUserID: targetIdentity,
		CoHost:       coHost,
	}); err != nil {
		return err
	}
	c.roster.setCoHost(targetIdentity, coHost)
	return nil
}

// Participants returns the current roster snapshot.
func (c *Controller) Participants() []Participant {
	return c.roster.snapshot()
}

// Snapshot collects the whole session state for UI or diagnostics.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	identity, name, host, coHost := c.identity, c.name, c.host, c.coHost
	speakerMuted := c.speakerMuted
	chat := append([]ChatMessage(nil), c.chat...)
	c.pruneReactionsLocked()
	reactions := append([]ReactionMessage(nil), c.reactions...)
	c.mu.Unlock()

	return Snapshot{
		Connected:         c.conn.Connected(),
		Identity:          identity,
		Name:              name,
		Host:              host,
		CoHost:            coHost,
		CameraEnabled:     c.media.CameraEnabled(),
		MicrophoneEnabled: c.media.MicrophoneEnabled(),
		SpeakerMuted:      speakerMuted,
		Sharing:           c.share.Sharing(),
		Participants:      c.roster.snapshot(),
		Chat:              chat,
		Reactions:         reactions,
	}
}

// Internal wiring.

func (c *Controller) buildRoom(relayURL string) relay.Room {
	h := &relay.Handler{
		OnDisconnected: c.conn.HandleDisconnect,
		OnParticipantJoined: func(p relay.ParticipantInfo) {
			c.roster.upsert(p)
			c.share.announceForLateJoiner()
		},
		OnParticipantUpdated: func(p relay.ParticipantInfo) {
			c.roster.upsert(p)
		},
		OnParticipantLeft: func(p relay.ParticipantInfo) {
			c.roster.remove(p.Identity)
		},
		OnTrackMuted: func(identity string, kind relay.TrackKind, muted bool) {
			c.roster.setTrackEnabled(identity, kind, !muted)
		},
		OnData: c.onData,
		OnStateChanged: func(s relay.ConnectionState) {
			metrics.ConnectionState.Set(float64(s))
		},
	}
	return c.opts.NewRoom(relayURL, h)
}

func (c *Controller) onAttached(room relay.Room) {
	if id := room.LocalIdentity(); id != "" {
		c.mu.Lock()
		c.identity = id
		c.mu.Unlock()
		c.roster.setLocal(id)
	}
	for _, p := range room.Participants() {
		c.roster.upsert(p)
	}
	c.share.attach(room)
	c.media.attach(context.Background(), room)
	c.startHeartbeat()
}

func (c *Controller) onDetached(reason relay.DisconnectReason) {
	c.stopHeartbeat()
	c.share.detach()
	c.media.detach()
	c.roster.reset()
}

func (c *Controller) startHeartbeat() {
	stop := make(chan struct{})
	c.mu.Lock()
	c.heartbeatStop = stop
	c.mu.Unlock()

	identity, _ := c.localUser()
	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			if err := c.sendMessage(protocol.TypeHeartbeat, protocol.Heartbeat{UserID: identity}); err != nil {
				c.logger.Debug("heartbeat send", zap.Error(err))
				continue
			}
			metrics.HeartbeatsTotal.Inc()
		}
	}()
}

func (c *Controller) stopHeartbeat() {
	c.mu.Lock()
	stop := c.heartbeatStop
	c.heartbeatStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (c *Controller) localUser() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.name
}

func (c *Controller) isHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host || c.coHost
}

func (c *Controller) sendMessage(msgType string, payload interface{}) error {
	room := c.conn.Room()
	if room == nil {
		return ErrNotConnected
	}
	identity, _ := c.localUser()
	env, err := protocol.NewEnvelope(msgType, identity, payload)
	if err != nil {
		return fmt.Errorf("build %s: %w", msgType, err)
	}
	raw, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	if err := room.SendData(raw); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	metrics.ControlMessagesTotal.WithLabelValues(msgType, "outbound").Inc()
	return nil
}

func (c *Controller) onData(raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		metrics.ControlMessagesTotal.WithLabelValues(env.Type, "inbound").Inc()
	}
	if err := c.router.Dispatch(raw); err != nil {
		c.logger.Warn("dispatch control message", zap.Error(err))
	}
}

func (c *Controller) buildRouter() *protocol.Router {
	r := protocol.NewRouter(c.logger.Named("router"))
	r.Register(protocol.TypeShareRequest, c.share.handleRequest)
	r.Register(protocol.TypeShareResponse, c.share.handleResponse)
	r.Register(protocol.TypeForceStopShare, c.share.handleForceStop)
	r.Register(protocol.TypeShareStarted, c.handleShareStarted)
	r.Register(protocol.TypeShareStopped, c.handleShareStopped)
	r.Register(protocol.TypeChat, c.handleChat)
	r.Register(protocol.TypeReaction, c.handleReaction)
	r.Register(protocol.TypeHeartbeat, c.handleHeartbeat)
	r.Register(protocol.TypeMeetingEnded, c.handleMeetingEnded)
	r.Register(protocol.TypeRemoveParticipant, c.handleRemoveParticipant)
	r.Register(protocol.TypeMuteParticipant, c.handleMuteParticipant)
	r.Register(protocol.TypeSetCoHost, c.handleSetCoHost)
	return r
}

func (c *Controller) handleShareStarted(senderID string, payload json.RawMessage) error {
	var msg protocol.ShareStarted
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode share started: %w", err)
	}
	identity, _ := c.localUser()
	if msg.UserID == identity {
		return nil
	}
	c.roster.setSharing(msg.UserID, true)
	c.bus.Publish(ShareStartedEvent{UserID: msg.UserID, UserName: msg.UserName})
	return nil
}

func (c *Controller) handleShareStopped(senderID string, payload json.RawMessage) error {
	var msg protocol.ShareStopped
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode share stopped: %w", err)
	}
	identity, _ := c.localUser()
	if msg.UserID == identity {
		return nil
	}
	c.roster.setSharing(msg.UserID, false)
	c.bus.Publish(ShareStoppedEvent{
		UserID:        msg.UserID,
		UserName:      msg.UserName,
		StoppedByID:   msg.StoppedByID,
		StoppedByName: msg.StoppedByName,
	})
	return nil
}

func (c *Controller) handleChat(senderID string, payload json.RawMessage) error {
	var msg protocol.Chat
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode chat: %w", err)
	}
	identity, _ := c.localUser()
	if msg.UserID == identity {
		return nil
	}
	entry := ChatMessage{SenderID: msg.UserID, SenderName: msg.UserName, Message: msg.Message, SentAt: time.Now()}
	c.appendChat(entry)
	c.bus.Publish(ChatEvent{Message: entry})
	return nil
}

func (c *Controller) handleReaction(senderID string, payload json.RawMessage) error {
	var msg protocol.Reaction
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode reaction: %w", err)
	}
	identity, _ := c.localUser()
	if msg.UserID == identity {
		return nil
	}
	r := c.newReaction(msg.UserID, msg.UserName, msg.Emoji)
	c.appendReaction(r)
	c.bus.Publish(ReactionEvent{Reaction: r})
	return nil
}

func (c *Controller) handleHeartbeat(senderID string, payload json.RawMessage) error {
	// Peer liveness is the relay's job, inbound heartbeats are just noise
	// we acknowledge by not erroring.
	return nil
}

func (c *Controller) handleMeetingEnded(senderID string, payload json.RawMessage) error {
	var msg protocol.MeetingEnded
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode meeting ended: %w", err)
	}
	c.bus.Publish(MeetingEndedEvent{EndedByID: msg.EndedByID, EndedByName: msg.EndedByName})
	c.conn.ForceDetach(context.Background(), relay.ReasonMeetingEnded)
	return nil
}

func (c *Controller) handleRemoveParticipant(senderID string, payload json.RawMessage) error {
	var msg protocol.RemoveParticipant
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode remove participant: %w", err)
	}
	identity, _ := c.localUser()
	if msg.TargetUserID == identity {
		c.logger.Info("removed from meeting", zap.String("by", msg.RemovedByID))
		c.conn.ForceDetach(context.Background(), relay.ReasonRemoved)
		return nil
	}
	c.roster.removeForced(msg.TargetUserID)
	return nil
}

func (c *Controller) handleMuteParticipant(senderID string, payload json.RawMessage) error {
	var msg protocol.MuteParticipant
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode mute participant: %w", err)
	}
	identity, _ := c.localUser()
	if msg.TargetUserID != identity {
		return nil
	}
	c.bus.Publish(MuteRequestedEvent{MutedByID: msg.MutedByID})
	if err := c.media.SetMicrophoneEnabled(context.Background(), false); err != nil && err != ErrNotConnected {
		return fmt.Errorf("mute on host request: %w", err)
	}
	return nil
}

func (c *Controller) handleSetCoHost(senderID string, payload json.RawMessage) error {
	var msg protocol.SetCoHost
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode set co host: %w", err)
	}
	identity, _ := c.localUser()
	if msg.TargetUserID == identity {
		c.mu.Lock()
		c.coHost = msg.CoHost
		c.mu.Unlock()
		c.bus.Publish(CoHostChangedEvent{CoHost: msg.CoHost})
		return nil
	}
	c.roster.setCoHost(msg.TargetUserID, msg.CoHost)
	return nil
}

func (c *Controller) appendChat(msg ChatMessage) {
	c.mu.Lock()
	c.chat = append(c.chat, msg)
	if len(c.chat) > c.cfg.ChatBufferSize {
		c.chat = c.chat[len(c.chat)-c.cfg.ChatBufferSize:]
	}
	c.mu.Unlock()
}

func (c *Controller) newReaction(id, name, emoji string) ReactionMessage {
	now := time.Now()
	return ReactionMessage{
		SenderID:   id,
		SenderName: name,
		Emoji:      emoji,
		SentAt:     now,
		ExpiresAt:  now.Add(c.cfg.ReactionTTL),
	}
}

func (c *Controller) appendReaction(r ReactionMessage) {
	c.mu.Lock()
	c.pruneReactionsLocked()
	c.reactions = append(c.reactions, r)
	if len(c.reactions) > c.cfg.ReactionBufferSize {
		c.reactions = c.reactions[len(c.reactions)-c.cfg.ReactionBufferSize:]
	}
	c.mu.Unlock()
}

func (c *Controller) pruneReactionsLocked() {
	now := time.Now()
	kept := c.reactions[:0]
	for _, r := range c.reactions {
		if r.ExpiresAt.After(now) {
			kept = append(kept, r)
		}
	}
	c.reactions = kept
}
