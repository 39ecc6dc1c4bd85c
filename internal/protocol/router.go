package protocol

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Handler processes one message type. The sender identity comes from the
// envelope, the payload is still raw so each handler decodes its own schema.
type Handler func(senderID string, payload json.RawMessage) error

// Router dispatches incoming control messages to registered handlers.
type Router struct {
	logger   *zap.Logger
	handlers map[string]Handler
}

// NewRouter creates a router with no handlers registered.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for a message type, replacing any previous one.
func (r *Router) Register(msgType string, h Handler) {
	r.handlers[msgType] = h
}

// Dispatch parses a raw message and routes it. Unknown types are logged and
// dropped without error so schema additions never break older clients.
func (r *Router) Dispatch(raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	h, ok := r.handlers[env.Type]
	if !ok {
		r.logger.Debug("unknown message type", zap.String("type", env.Type))
		return nil
	}

	if err := h(env.SenderID, env.Payload); err != nil {
		return fmt.Errorf("handle %s: %w", env.Type, err)
	}
	return nil
}
