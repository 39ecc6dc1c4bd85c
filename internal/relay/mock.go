package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// MockRoom is an in-memory Room for tests. Connect outcomes, state readings
// and incoming events are all scripted by the test.
type MockRoom struct {
	mu sync.Mutex

	handler  *Handler
	identity string
	name     string
	state    ConnectionState

	// ConnectErr is returned by Connect when non-nil.
	ConnectErr error
	// StateScript, when non-empty, overrides State() one reading at a
	// time; the last entry repeats once the script runs out.
	StateScript []ConnectionState
	stateIdx    int

	ConnectCalls    int
	DisconnectCalls int

	participants map[string]ParticipantInfo
	pubs         map[string]*MockPublication
	Sent         [][]byte
}

// NewMockRoom builds a mock that reports the given local identity.
func NewMockRoom(identity, name string) *MockRoom {
	return &MockRoom{
		identity:     identity,
		name:         name,
		state:        StateDisconnected,
		participants: make(map[string]ParticipantInfo),
		pubs:         make(map[string]*MockPublication),
	}
}

// SetHandler wires the callbacks the session layer registers.
func (m *MockRoom) SetHandler(h *Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *MockRoom) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	m.ConnectCalls++
	err := m.ConnectErr
	if err == nil {
		m.state = StateConnected
	}
	h := m.handler
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if h != nil {
		h.emitConnected()
	}
	return nil
}

func (m *MockRoom) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.DisconnectCalls++
	m.state = StateDisconnected
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.emitDisconnected(ReasonClientInitiated)
	}
	return nil
}

func (m *MockRoom) LocalIdentity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

func (m *MockRoom) Participants() []ParticipantInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ParticipantInfo, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, p)
	}
	return out
}

func (m *MockRoom) PublishTrack(ctx context.Context, track webrtc.TrackLocal, source TrackSource) (Publication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub := &MockPublication{
		sid:    fmt.Sprintf("mock-%s-%d", source, len(m.pubs)+1),
		source: source,
		Track:  track,
	}
	m.pubs[pub.sid] = pub
	return pub, nil
}

func (m *MockRoom) UnpublishTrack(sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pubs[sid]; !ok {
		return fmt.Errorf("unknown track %s", sid)
	}
	delete(m.pubs, sid)
	return nil
}

func (m *MockRoom) SendData(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.Sent = append(m.Sent, cp)
	return nil
}

func (m *MockRoom) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.StateScript) > 0 {
		s := m.StateScript[m.stateIdx]
		if m.stateIdx < len(m.StateScript)-1 {
			m.stateIdx++
		}
		return s
	}
	return m.state
}

// SetState overrides the reported state without running a script.
func (m *MockRoom) SetState(s ConnectionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// SentMessages returns a copy of everything sent over the data channel.
func (m *MockRoom) SentMessages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.Sent))
	copy(out, m.Sent)
	return out
}

// Publications returns the live mock publications keyed by SID.
func (m *MockRoom) Publications() map[string]*MockPublication {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*MockPublication, len(m.pubs))
	for k, v := range m.pubs {
		out[k] = v
	}
	return out
}

// PublicationBySource returns the first live publication with the given
// source, or nil.
func (m *MockRoom) PublicationBySource(source TrackSource) *MockPublication {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pubs {
		if p.source == source {
			return p
		}
	}
	return nil
}

// Test drivers below inject events as if the relay sent them.

func (m *MockRoom) AddParticipant(p ParticipantInfo) {
	m.mu.Lock()
	m.participants[p.Identity] = p
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.emitParticipantJoined(p)
	}
}

func (m *MockRoom) UpdateParticipant(p ParticipantInfo) {
	m.mu.Lock()
	m.participants[p.Identity] = p
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.emitParticipantUpdated(p)
	}
}

// SetTrackMuted scripts a remote participant muting or unmuting one of
// their tracks.
func (m *MockRoom) SetTrackMuted(identity string, kind TrackKind, muted bool) {
	m.mu.Lock()
	if p, ok := m.participants[identity]; ok {
		switch kind {
		case KindAudio:
			p.AudioEnabled = !muted
		case KindVideo:
			p.VideoEnabled = !muted
		}
		m.participants[identity] = p
	}
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.emitTrackMuted(identity, kind, muted)
	}
}

func (m *MockRoom) RemoveParticipant(identity string) {
	m.mu.Lock()
	p, ok := m.participants[identity]
	delete(m.participants, identity)
	h := m.handler
	m.mu.Unlock()
	if ok && h != nil {
		h.emitParticipantLeft(p)
	}
}

// InjectData delivers a raw control message to the registered handler.
func (m *MockRoom) InjectData(payload []byte) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.emitData(payload)
	}
}

// ForceDisconnect simulates the relay dropping us with the given reason.
func (m *MockRoom) ForceDisconnect(reason DisconnectReason) {
	m.mu.Lock()
	m.state = StateDisconnected
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.emitDisconnected(reason)
	}
}

// MockPublication records mute calls for assertions.
type MockPublication struct {
	sid    string
	source TrackSource
	Track  webrtc.TrackLocal

	mu        sync.Mutex
	muted     bool
	MuteCalls int
}

func (p *MockPublication) SID() string         { return p.sid }
func (p *MockPublication) Source() TrackSource { return p.source }

func (p *MockPublication) SetMuted(muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
	p.MuteCalls++
	return nil
}

func (p *MockPublication) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}
