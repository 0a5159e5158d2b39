package domain

import "errors"

var (
	// ErrFeedDisconnected reports that the price feed is down or its data is
	// older than the staleness threshold.
	ErrFeedDisconnected = errors.New("price feed disconnected or stale")
	// ErrOrderRejected is terminal for an attempt sequence and is never retried.
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderTimeout means an attempt's acceptance window elapsed.
	ErrOrderTimeout = errors.New("order timed out")
	// ErrInvalidCommand is returned for commands that cannot apply to the
	// current state. No state is changed.
	ErrInvalidCommand = errors.New("invalid command")

	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrRateLimited   = errors.New("rate limited")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")
)
