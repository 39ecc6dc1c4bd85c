package protocol

import (
	"encoding/json"
	"time"
)

// Message types carried over the room data channel. Each type has exactly
// one payload schema, declared below.
const (
	TypeShareRequest      = "screen_share_request"
	TypeShareResponse     = "screen_share_approval"
	TypeForceStopShare    = "force_stop_screen_share"
	TypeShareStarted      = "screen_share_started"
	TypeShareStopped      = "screen_share_stopped"
	TypeChat              = "chat_message"
	TypeReaction          = "reaction"
	TypeHeartbeat         = "heartbeat"
	TypeMeetingEnded      = "meeting_ended"
	TypeRemoveParticipant = "participant_removed"
	TypeMuteParticipant   = "mute_participant"
	TypeSetCoHost         = "set_co_host"
)

// Envelope is the top-level wrapper for all control messages.
type Envelope struct {
	Type      string          `json:"type"`
	SenderID  string          `json:"senderId"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload for the given type, stamping sender and time.
func NewEnvelope(msgType, senderID string, payload interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{
		Type:      msgType,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ShareRequest asks the host for permission to share the screen.
type ShareRequest struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
}

// ShareResponse is the host's verdict on a pending share request.
type ShareResponse struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	Approved  bool   `json:"approved"`
}

// ForceStopShare orders one participant to stop sharing. Receivers whose
// identity does not match TargetIdentity ignore it.
type ForceStopShare struct {
	TargetIdentity string `json:"targetIdentity"`
	StoppedByID    string `json:"stoppedById"`
	StoppedByName  string `json:"stoppedByName"`
}

// ShareStarted announces that the sender began sharing the screen.
type ShareStarted struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// ShareStopped announces that a share ended, voluntarily or not.
type ShareStopped struct {
	UserID        string `json:"userId"`
	UserName      string `json:"userName"`
	StoppedByID   string `json:"stoppedById,omitempty"`
	StoppedByName string `json:"stoppedByName,omitempty"`
}

// Chat is a text message to the whole room.
type Chat struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Message  string `json:"message"`
}

// Reaction is a short-lived emoji broadcast.
type Reaction struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Emoji    string `json:"emoji"`
}

// Heartbeat keeps the control channel warm; it carries no payload fields
// beyond the sender's identity.
type Heartbeat struct {
	UserID string `json:"userId"`
}

// MeetingEnded tells everyone the host closed the meeting.
type MeetingEnded struct {
	Message     string `json:"message,omitempty"`
	EndedByID   string `json:"endedById"`
	EndedByName string `json:"endedByName"`
}

// RemoveParticipant orders the targeted user out of the meeting. The target
// must not attempt to reconnect.
type RemoveParticipant struct {
	TargetUserID string `json:"targetUserId"`
	RemovedByID  string `json:"removedById"`
	Message      string `json:"message,omitempty"`
}

// MuteParticipant asks the targeted user to mute their microphone.
type MuteParticipant struct {
	TargetUserID string `json:"targetUserId"`
	MutedByID    string `json:"mutedById"`
}

// SetCoHost grants or revokes co-host rights for the targeted user.
type SetCoHost struct {
	TargetUserID string `json:"targetUserId"`
	CoHost       bool   `json:"coHost"`
}
