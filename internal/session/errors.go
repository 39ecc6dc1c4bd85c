package session

import "errors"

var (
	// ErrNotConnected is returned by operations that need a live room.
	ErrNotConnected = errors.New("session: not connected")

	// ErrConnectionUnstable means the transport came up but never held
	// steady long enough to be trusted.
	ErrConnectionUnstable = errors.New("session: connection did not stabilize")

	// ErrShareRequestPending rejects a second permission request while
	// one is already waiting on the host.
	ErrShareRequestPending = errors.New("session: screen share request already pending")

	// ErrShareRequestDenied means the host said no.
	ErrShareRequestDenied = errors.New("session: screen share request denied")

	// ErrShareRequestTimeout means the host never answered.
	ErrShareRequestTimeout = errors.New("session: screen share request timed out")

	// ErrAlreadySharing rejects starting a share while one is live.
	ErrAlreadySharing = errors.New("session: already sharing screen")

	// ErrNotSharing rejects stopping a share that does not exist.
	ErrNotSharing = errors.New("session: not sharing screen")

	// ErrNotHost rejects host-only operations from regular participants.
	ErrNotHost = errors.New("session: operation requires host or co-host")
)
