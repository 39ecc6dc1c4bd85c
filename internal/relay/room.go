// Package relay abstracts the media relay a meeting client connects to.
// The production implementation speaks WebRTC with a websocket signaling
// channel; tests use the in-memory fake in mock.go.
package relay

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// TrackSource says what a published track carries.
type TrackSource string

const (
	SourceCamera      TrackSource = "camera"
	SourceMicrophone  TrackSource = "microphone"
	SourceScreen      TrackSource = "screen"
	SourceScreenAudio TrackSource = "screen_audio"
)

// TrackKind says whether a remote track carries audio or video.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// ConnectionState is the coarse transport state a caller can poll.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// DisconnectReason distinguishes why a session ended. Kicked, Removed and
// MeetingEnded are terminal, the client must not reconnect after them.
type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonClientInitiated
	ReasonNetwork
	ReasonKicked
	ReasonRemoved
	ReasonMeetingEnded
	ReasonDuplicateIdentity
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonClientInitiated:
		return "client_initiated"
	case ReasonNetwork:
		return "network"
	case ReasonKicked:
		return "kicked"
	case ReasonRemoved:
		return "removed"
	case ReasonMeetingEnded:
		return "meeting_ended"
	case ReasonDuplicateIdentity:
		return "duplicate_identity"
	}
	return "unknown"
}

// Terminal reports whether the reason forbids any reconnect attempt.
func (r DisconnectReason) Terminal() bool {
	switch r {
	case ReasonKicked, ReasonRemoved, ReasonMeetingEnded, ReasonClientInitiated:
		return true
	}
	return false
}

// ParticipantInfo is a roster snapshot entry. AudioEnabled and VideoEnabled
// track the remote mute state and follow every track mute notification.
type ParticipantInfo struct {
	Identity     string
	Name         string
	Sharing      bool
	AudioEnabled bool
	VideoEnabled bool
}

// Publication is a handle to one of our published tracks.
type Publication interface {
	SID() string
	Source() TrackSource
	// SetMuted flips the relay-side mute flag. The relay stops forwarding
	// the track to others while muted; the track itself keeps flowing.
	SetMuted(muted bool) error
	Muted() bool
}

// Handler receives room events. Nil fields are skipped. Callbacks run on the
// room's event goroutine, so they must not block on room methods.
type Handler struct {
	OnConnected          func()
	OnDisconnected       func(reason DisconnectReason)
	OnParticipantJoined  func(p ParticipantInfo)
	OnParticipantLeft    func(p ParticipantInfo)
	OnParticipantUpdated func(p ParticipantInfo)
	OnTrackMuted         func(identity string, kind TrackKind, muted bool)
	OnData               func(payload []byte)
	OnStateChanged       func(s ConnectionState)
}

func (h *Handler) emitConnected() {
	if h.OnConnected != nil {
		h.OnConnected()
	}
}

func (h *Handler) emitDisconnected(reason DisconnectReason) {
	if h.OnDisconnected != nil {
		h.OnDisconnected(reason)
	}
}

func (h *Handler) emitParticipantJoined(p ParticipantInfo) {
	if h.OnParticipantJoined != nil {
		h.OnParticipantJoined(p)
	}
}

func (h *Handler) emitParticipantLeft(p ParticipantInfo) {
	if h.OnParticipantLeft != nil {
		h.OnParticipantLeft(p)
	}
}

func (h *Handler) emitParticipantUpdated(p ParticipantInfo) {
	if h.OnParticipantUpdated != nil {
		h.OnParticipantUpdated(p)
	}
}

func (h *Handler) emitTrackMuted(identity string, kind TrackKind, muted bool) {
	if h.OnTrackMuted != nil {
		h.OnTrackMuted(identity, kind, muted)
	}
}

func (h *Handler) emitData(payload []byte) {
	if h.OnData != nil {
		h.OnData(payload)
	}
}

func (h *Handler) emitStateChanged(s ConnectionState) {
	if h.OnStateChanged != nil {
		h.OnStateChanged(s)
	}
}

// Room is a single connection to the relay for one meeting.
type Room interface {
	Connect(ctx context.Context, token string) error
	Disconnect(ctx context.Context) error
	LocalIdentity() string
	Participants() []ParticipantInfo
	PublishTrack(ctx context.Context, track webrtc.TrackLocal, source TrackSource) (Publication, error)
	UnpublishTrack(sid string) error
	SendData(payload []byte) error
	State() ConnectionState
}
