package session

import (
	"sync"
	"time"

	"github.com/anumularoots-svg/meeting-client/internal/relay"
)

// Event is a typed notification from the session to its consumer. Every
// event type below implements it.
type Event interface {
	isEvent()
}

// ConnectedEvent fires once the connection is up and confirmed stable.
type ConnectedEvent struct{}

// DisconnectedEvent fires on any session end, with the reason.
type DisconnectedEvent struct {
	Reason relay.DisconnectReason
}

// ReconnectingEvent fires when a reconnect attempt has been scheduled.
type ReconnectingEvent struct {
	Delay time.Duration
}

// ReconnectFailedEvent fires when every allowed reconnect attempt failed.
// The session stays down until the user explicitly joins again.
type ReconnectFailedEvent struct {
	Attempts int
}

// ParticipantsEvent carries a full roster snapshot. Rapid roster churn is
// coalesced, consumers only ever see the latest state.
type ParticipantsEvent struct {
	Participants []Participant
}

// ParticipantRemovedEvent fires when someone was forced out by the host,
// as opposed to leaving on their own.
type ParticipantRemovedEvent struct {
	Participant Participant
}

// ChatEvent is an incoming chat message.
type ChatEvent struct {
	Message ChatMessage
}

// ReactionEvent is an incoming emoji reaction.
type ReactionEvent struct {
	Reaction ReactionMessage
}

// ShareRequestEvent asks the local user, as host, to approve or deny a
// screen share request.
type ShareRequestEvent struct {
	RequestID string
	UserID    string
	UserName  string
}

// ShareStartedEvent fires when any participant begins sharing.
type ShareStartedEvent struct {
	UserID   string
	UserName string
}

// ShareStoppedEvent fires when a share ends. StoppedByID is set when a host
// forced it.
type ShareStoppedEvent struct {
	UserID        string
	UserName      string
	StoppedByID   string
	StoppedByName string
}

// MeetingEndedEvent fires when the host closed the meeting for everyone.
type MeetingEndedEvent struct {
	EndedByID   string
	EndedByName string
}

// MuteRequestedEvent fires when a host asked the local user to mute.
type MuteRequestedEvent struct {
	MutedByID string
}

// CoHostChangedEvent fires when the local user's co-host rights changed.
type CoHostChangedEvent struct {
	CoHost bool
}

// SpeakerMutedEvent fires when local playback was muted or unmuted. The
// consumer rendering remote audio honors it.
type SpeakerMutedEvent struct {
	Muted bool
}

func (ConnectedEvent) isEvent()          {}
func (DisconnectedEvent) isEvent()       {}
func (ReconnectingEvent) isEvent()       {}
func (ReconnectFailedEvent) isEvent()    {}
func (ParticipantsEvent) isEvent()       {}
func (ParticipantRemovedEvent) isEvent() {}
func (ChatEvent) isEvent()               {}
func (ReactionEvent) isEvent()           {}
func (ShareRequestEvent) isEvent()       {}
func (ShareStartedEvent) isEvent()       {}
func (ShareStoppedEvent) isEvent()       {}
func (MeetingEndedEvent) isEvent()       {}
func (MuteRequestedEvent) isEvent()      {}
func (CoHostChangedEvent) isEvent()      {}
func (SpeakerMutedEvent) isEvent()       {}

// Bus fans events out to subscribers. Publishing never blocks, a subscriber
// that stops draining loses the oldest events first.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

const subscriberBuffer = 64

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and a cancel func. Cancel closes the
// channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to every subscriber, dropping the oldest queued event
// for any subscriber whose buffer is full.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		for {
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
