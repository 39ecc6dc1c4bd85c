package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anumularoots-svg/meeting-client/internal/config"
	"github.com/anumularoots-svg/meeting-client/internal/media"
	"github.com/anumularoots-svg/meeting-client/internal/protocol"
	"github.com/anumularoots-svg/meeting-client/internal/relay"
	"github.com/anumularoots-svg/meeting-client/internal/token"
)

func testConfig() *config.Config {
	return &config.Config{
		TokenRetries:           1,
		ConnectTimeout:         2 * time.Second,
		StabilityCheckInterval: time.Millisecond,
		StabilityCheckCount:    3,
		ReconnectDelay:         20 * time.Millisecond,
		ReconnectAttempts:      2,
		HeartbeatInterval:      time.Hour,
		MuteRepairMin:          5 * time.Millisecond,
		MuteRepairMax:          10 * time.Millisecond,
		UpdateThrottle:         10 * time.Millisecond,
		ScanThrottle:           50 * time.Millisecond,
		ShareRequestTimeout:    100 * time.Millisecond,
		ChatBufferSize:         100,
		ReactionBufferSize:     10,
		ReactionTTL:            time.Second,
	}
}

type fakeTokens struct {
	mu       sync.Mutex
	calls    int
	err      error
	relayURL string        // optional relay URL carried by the grant
	gate     chan struct{} // when non-nil, Fetch blocks until closed
}

func (f *fakeTokens) Fetch(ctx context.Context, req token.JoinRequest) (*token.JoinGrant, error) {
	f.mu.Lock()
	f.calls++
	gate, err := f.gate, f.err
	relayURL := f.relayURL
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &token.JoinGrant{AccessToken: "test-token", RelayURL: relayURL}, nil
}

func (f *fakeTokens) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// env bundles a controller with its fakes. Every connection attempt gets a
// fresh mock room, all of them stay reachable for assertions.
type env struct {
	cfg    *config.Config
	tokens *fakeTokens
	engine *media.MockEngine
	ctrl   *Controller

	mu    sync.Mutex
	rooms []*relay.MockRoom
	urls  []string

	events      <-chan Event
	unsubscribe func()
}

func newEnv(t *testing.T, cfg *config.Config) *env {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	e := &env{
		cfg:    cfg,
		tokens: &fakeTokens{},
		engine: media.NewMockEngine(),
	}
	e.ctrl = NewController(Options{
		Config: cfg,
		Logger: zap.NewNop(),
		Engine: e.engine,
		Tokens: e.tokens,
		NewRoom: func(relayURL string, h *relay.Handler) relay.Room {
			room := relay.NewMockRoom("alice", "Alice")
			room.SetHandler(h)
			e.mu.Lock()
			e.rooms = append(e.rooms, room)
			e.urls = append(e.urls, relayURL)
			e.mu.Unlock()
			return room
		},
	})
	e.events, e.unsubscribe = e.ctrl.Events()
	t.Cleanup(e.unsubscribe)
	return e
}

func (e *env) join(t *testing.T, host bool) *relay.MockRoom {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.ctrl.Join(ctx, "standup", "alice", "Alice", host); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return e.room(t)
}

func (e *env) room(t *testing.T) *relay.MockRoom {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.rooms) == 0 {
		t.Fatal("no room was created")
	}
	return e.rooms[len(e.rooms)-1]
}

func (e *env) roomCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rooms)
}

func (e *env) lastRelayURL(t *testing.T) string {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.urls) == 0 {
		t.Fatal("no room was created")
	}
	return e.urls[len(e.urls)-1]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitEvent drains the event stream until match accepts one.
func (e *env) waitEvent(t *testing.T, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-e.events:
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", what)
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

// inject delivers a control message to the controller as if a remote peer
// sent it.
func (e *env) inject(t *testing.T, room *relay.MockRoom, msgType, sender string, payload interface{}) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, sender, payload)
	if err != nil {
		t.Fatalf("build %s: %v", msgType, err)
	}
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode %s: %v", msgType, err)
	}
	room.InjectData(raw)
}

// sentOfType decodes everything the room sent and returns the payloads of
// the given type.
func sentOfType(t *testing.T, room *relay.MockRoom, msgType string) []json.RawMessage {
	t.Helper()
	var out []json.RawMessage
	for _, raw := range room.SentMessages() {
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode sent envelope: %v", err)
		}
		if env.Type == msgType {
			out = append(out, env.Payload)
		}
	}
	return out
}
