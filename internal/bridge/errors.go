package bridge

import "errors"

var (
	// ErrUpstreamUnavailable means the remote voice service could not be
	// reached, rejected the credential, or failed ICE. No session is left
	// behind.
	ErrUpstreamUnavailable = errors.New("bridge: upstream unavailable")
	// ErrBadOffer means the browser's SDP offer was rejected before any
	// upstream attempt.
	ErrBadOffer = errors.New("bridge: bad offer")
	// ErrNegotiation means the browser connection could not be negotiated.
	ErrNegotiation = errors.New("bridge: downstream negotiation failed")

	ErrInvalidRequest   = errors.New("bridge: invalid request")
	ErrNotFound         = errors.New("bridge: session not found")
	ErrSessionNotActive = errors.New("bridge: session not active")
	ErrShuttingDown     = errors.New("bridge: manager shutting down")
)
