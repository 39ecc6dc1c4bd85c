package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anumularoots-svg/meeting-client/internal/config"
	"github.com/anumularoots-svg/meeting-client/internal/metrics"
	"github.com/anumularoots-svg/meeting-client/internal/relay"
	"github.com/anumularoots-svg/meeting-client/internal/token"
)

// TokenFetcher obtains a relay join token. Satisfied by token.Client.
type TokenFetcher interface {
	Fetch(ctx context.Context, req token.JoinRequest) (*token.JoinGrant, error)
}

// RoomFactory builds a fresh Room for one connection attempt with all event
// callbacks already wired, pointed at the given signaling URL.
type RoomFactory func(relayURL string) relay.Room

// attempt is one connect in flight. Every caller that arrives while it runs
// waits on done and shares err.
type attempt struct {
	done chan struct{}
	err  error
}

// connectionManager serializes connects, confirms stability before trusting
// a connection, and owns the one reconnect timer. After a terminal
// disconnect, removal, kick or meeting end, it refuses to reconnect until
// the user explicitly joins again.
type connectionManager struct {
	cfg     *config.Config
	logger  *zap.Logger
	tokens  TokenFetcher
	newRoom RoomFactory
	bus     *Bus

	onAttached func(room relay.Room)
	onDetached func(reason relay.DisconnectReason)

	mu             sync.Mutex
	join           token.JoinRequest
	room           relay.Room
	connected      bool
	inflight       *attempt
	reconnectTimer *time.Timer
	reconnectTries int
	noReconnect    bool
}

func newConnectionManager(cfg *config.Config, tokens TokenFetcher, newRoom RoomFactory, bus *Bus, logger *zap.Logger) *connectionManager {
	return &connectionManager{
		cfg:     cfg,
		logger:  logger,
		tokens:  tokens,
		newRoom: newRoom,
		bus:     bus,
	}
}

// Connect joins the meeting. Concurrent calls do not race: whoever arrives
// while an attempt is running waits for that attempt and gets its result.
// An explicit call also clears the no-reconnect latch a removal set.
func (c *connectionManager) Connect(ctx context.Context, join token.JoinRequest) error {
	c.mu.Lock()
	c.join = join
	c.noReconnect = false
	c.reconnectTries = 0
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *connectionManager) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if a := c.inflight; a != nil {
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &attempt{done: make(chan struct{})}
	c.inflight = a
	c.mu.Unlock()

	err := c.connectOnce(ctx)

	c.mu.Lock()
	a.err = err
	c.inflight = nil
	c.mu.Unlock()
	close(a.done)
	return err
}

func (c *connectionManager) connectOnce(ctx context.Context) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.mu.Lock()
	join := c.join
	c.mu.Unlock()

	grant, err := c.tokens.Fetch(ctx, join)
	if err != nil {
		metrics.TokenFetchesTotal.WithLabelValues("failure").Inc()
		metrics.ConnectsTotal.WithLabelValues("token_failed").Inc()
		return fmt.Errorf("fetch join token: %w", err)
	}
	metrics.TokenFetchesTotal.WithLabelValues("success").Inc()

	relayURL := grant.RelayURL
	if relayURL == "" {
		relayURL = c.cfg.RelayURL
	}
	room := c.newRoom(relayURL)
	if err := room.Connect(ctx, grant.AccessToken); err != nil {
		metrics.ConnectsTotal.WithLabelValues("connect_failed").Inc()
		return fmt.Errorf("connect to relay: %w", err)
	}

	if err := c.waitStable(ctx, room); err != nil {
		room.Disconnect(context.Background())
		metrics.ConnectsTotal.WithLabelValues("unstable").Inc()
		return err
	}

	c.mu.Lock()
	c.room = room
	c.connected = true
	c.reconnectTries = 0
	c.mu.Unlock()

	metrics.ConnectsTotal.WithLabelValues("success").Inc()
	metrics.ConnectDuration.Observe(time.Since(start).Seconds())
	metrics.ConnectionState.Set(float64(relay.StateConnected))
	c.logger.Info("connected",
		zap.String("meeting", join.MeetingID),
		zap.String("identity", room.LocalIdentity()),
		zap.Duration("took", time.Since(start)))

	if c.onAttached != nil {
		c.onAttached(room)
	}
	c.bus.Publish(ConnectedEvent{})
	return nil
}

// waitStable polls the transport until it reads connected enough times in a
// row. Any other reading resets the streak. Running out of time means the
// connection flapped and cannot be trusted.
func (c *connectionManager) waitStable(ctx context.Context, room relay.Room) error {
	start := time.Now()
	ticker := time.NewTicker(c.cfg.StabilityCheckInterval)
	defer ticker.Stop()

	streak := 0
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %d/%d stable checks after %s",
				ErrConnectionUnstable, streak, c.cfg.StabilityCheckCount, time.Since(start).Round(time.Millisecond))
		case <-ticker.C:
		}
		if room.State() == relay.StateConnected {
			streak++
			if streak >= c.cfg.StabilityCheckCount {
				metrics.StabilityCheckDuration.Observe(time.Since(start).Seconds())
				return nil
			}
		} else {
			streak = 0
		}
	}
}

// HandleDisconnect reacts to the room going away, whatever the cause. It is
// wired into the relay handler and also runs for client initiated leaves.
func (c *connectionManager) HandleDisconnect(reason relay.DisconnectReason) {
	c.mu.Lock()
	if c.room == nil {
		c.mu.Unlock()
		return
	}
	c.room = nil
	c.connected = false
	if reason == relay.ReasonKicked || reason == relay.ReasonRemoved {
		c.noReconnect = true
	}
	c.mu.Unlock()

	metrics.DisconnectsTotal.WithLabelValues(reason.String()).Inc()
	metrics.ConnectionState.Set(float64(relay.StateDisconnected))
	c.logger.Info("disconnected", zap.String("reason", reason.String()))

	if c.onDetached != nil {
		c.onDetached(reason)
	}
	c.bus.Publish(DisconnectedEvent{Reason: reason})

	if !reason.Terminal() {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the reconnect timer unless one is already armed or
// reconnecting is forbidden. There is never more than one timer, and the
// attempt count is bounded: once it runs out the manager gives up until the
// user joins again.
func (c *connectionManager) scheduleReconnect() {
	c.mu.Lock()
	if c.noReconnect || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	if c.reconnectTries >= c.cfg.ReconnectAttempts {
		tries := c.reconnectTries
		c.noReconnect = true
		c.mu.Unlock()
		c.logger.Warn("giving up on reconnecting", zap.Int("attempts", tries))
		c.bus.Publish(ReconnectFailedEvent{Attempts: tries})
		return
	}
	c.reconnectTries++
	delay := c.cfg.ReconnectDelay
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	metrics.ReconnectsTotal.Inc()
	metrics.ConnectionState.Set(float64(relay.StateReconnecting))
	c.logger.Info("reconnect scheduled", zap.Duration("delay", delay))
	c.bus.Publish(ReconnectingEvent{Delay: delay})
}

func (c *connectionManager) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	blocked := c.noReconnect
	c.mu.Unlock()
	if blocked {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()
	if err := c.connect(ctx); err != nil {
		c.logger.Warn("reconnect failed", zap.Error(err))
		c.scheduleReconnect()
	}
}

// ForceDetach ends the session for a reason learned out of band, for
// example a removal order on the control channel. The reason is recorded
// before the transport closes so the later transport callback is a no-op.
func (c *connectionManager) ForceDetach(ctx context.Context, reason relay.DisconnectReason) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return
	}
	c.HandleDisconnect(reason)
	if err := room.Disconnect(ctx); err != nil {
		c.logger.Debug("close transport", zap.Error(err))
	}
}

// Disconnect leaves on purpose. No reconnect will follow.
func (c *connectionManager) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.noReconnect = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	room := c.room
	c.mu.Unlock()

	if room == nil {
		return ErrNotConnected
	}
	return room.Disconnect(ctx)
}

// Room returns the live room, or nil.
func (c *connectionManager) Room() relay.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Connected reports whether a stable session is up.
func (c *connectionManager) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
