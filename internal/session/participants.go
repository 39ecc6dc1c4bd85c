package session

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anumularoots-svg/meeting-client/internal/metrics"
	"github.com/anumularoots-svg/meeting-client/internal/relay"
)

// Participant is one remote attendee as the session tracks them.
// AudioEnabled and VideoEnabled mirror the remote mute state the relay
// reports.
type Participant struct {
	Identity     string
	Name         string
	Sharing      bool
	CoHost       bool
	AudioEnabled bool
	VideoEnabled bool
	JoinedAt     time.Time
}

// reconciler keeps the identity keyed roster and coalesces change storms
// into throttled snapshot events. A join burst of twenty participants
// produces one roster event, not twenty.
type reconciler struct {
	logger   *zap.Logger
	bus      *Bus
	throttle time.Duration
	now      func() time.Time

	mu         sync.Mutex
	local      string
	byIdentity map[string]*Participant
	flushTimer *time.Timer
	lastFlush  time.Time
}

func newReconciler(bus *Bus, throttle time.Duration, logger *zap.Logger) *reconciler {
	return &reconciler{
		logger:     logger,
		bus:        bus,
		throttle:   throttle,
		now:        time.Now,
		byIdentity: make(map[string]*Participant),
	}
}

// setLocal records our own identity. Relay echoes of it never enter the
// remote roster, and an entry that slipped in before the identity was known
// is dropped.
func (r *reconciler) setLocal(identity string) {
	r.mu.Lock()
	r.local = identity
	if _, ok := r.byIdentity[identity]; ok {
		delete(r.byIdentity, identity)
		r.scheduleFlushLocked()
	}
	r.mu.Unlock()
}

// upsert records a joined or changed participant. The local participant is
// filtered out, the remote roster holds everyone but us.
func (r *reconciler) upsert(info relay.ParticipantInfo) {
	r.mu.Lock()
	if info.Identity == "" || info.Identity == r.local {
		r.mu.Unlock()
		return
	}
	p, ok := r.byIdentity[info.Identity]
	if !ok {
		p = &Participant{Identity: info.Identity, JoinedAt: r.now()}
		r.byIdentity[info.Identity] = p
	}
	p.Name = info.Name
	p.Sharing = info.Sharing
	p.AudioEnabled = info.AudioEnabled
	p.VideoEnabled = info.VideoEnabled
	r.scheduleFlushLocked()
	r.mu.Unlock()
}

// remove drops a participant who left on their own.
func (r *reconciler) remove(identity string) {
	r.mu.Lock()
	_, ok := r.byIdentity[identity]
	if ok {
		delete(r.byIdentity, identity)
		r.scheduleFlushLocked()
	}
	r.mu.Unlock()
}

// removeForced drops a participant the host kicked out. It publishes the
// dedicated removal event so consumers can tell this apart from a normal
// leave, then updates the roster like any other change.
func (r *reconciler) removeForced(identity string) {
	r.mu.Lock()
	p, ok := r.byIdentity[identity]
	var copied Participant
	if ok {
		copied = *p
		delete(r.byIdentity, identity)
		r.scheduleFlushLocked()
	}
	r.mu.Unlock()
	if ok {
		r.logger.Info("participant removed by host", zap.String("identity", identity))
		r.bus.Publish(ParticipantRemovedEvent{Participant: copied})
	}
}

func (r *reconciler) setCoHost(identity string, coHost bool) {
	r.mu.Lock()
	if p, ok := r.byIdentity[identity]; ok && p.CoHost != coHost {
		p.CoHost = coHost
		r.scheduleFlushLocked()
	}
	r.mu.Unlock()
}

func (r *reconciler) setSharing(identity string, sharing bool) {
	r.mu.Lock()
	if p, ok := r.byIdentity[identity]; ok && p.Sharing != sharing {
		p.Sharing = sharing
		r.scheduleFlushLocked()
	}
	r.mu.Unlock()
}

// setTrackEnabled updates one participant's derived audio or video state
// after a remote mute change.
func (r *reconciler) setTrackEnabled(identity string, kind relay.TrackKind, enabled bool) {
	r.mu.Lock()
	if p, ok := r.byIdentity[identity]; ok {
		changed := false
		switch kind {
		case relay.KindAudio:
			changed = p.AudioEnabled != enabled
			p.AudioEnabled = enabled
		case relay.KindVideo:
			changed = p.VideoEnabled != enabled
			p.VideoEnabled = enabled
		}
		if changed {
			r.scheduleFlushLocked()
		}
	}
	r.mu.Unlock()
}

func (r *reconciler) get(identity string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byIdentity[identity]; ok {
		return *p, true
	}
	return Participant{}, false
}

// snapshot returns the roster ordered by join time.
func (r *reconciler) snapshot() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *reconciler) snapshotLocked() []Participant {
	out := make([]Participant, 0, len(r.byIdentity))
	for _, p := range r.byIdentity {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

// reset clears the roster without publishing, used when the session ends.
func (r *reconciler) reset() {
	r.mu.Lock()
	r.byIdentity = make(map[string]*Participant)
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	r.mu.Unlock()
}

// scheduleFlushLocked publishes immediately when the throttle window has
// passed, otherwise arms one timer for the rest of the window. Repeat calls
// while a timer is armed do nothing, the pending flush picks everything up.
func (r *reconciler) scheduleFlushLocked() {
	since := r.now().Sub(r.lastFlush)
	if since >= r.throttle {
		r.flushLocked()
		return
	}
	if r.flushTimer != nil {
		return
	}
	r.flushTimer = time.AfterFunc(r.throttle-since, func() {
		r.mu.Lock()
		r.flushTimer = nil
		r.flushLocked()
		r.mu.Unlock()
	})
}

func (r *reconciler) flushLocked() {
	r.lastFlush = r.now()
	snap := r.snapshotLocked()
	metrics.Participants.Set(float64(len(snap)))
	r.bus.Publish(ParticipantsEvent{Participants: snap})
}
