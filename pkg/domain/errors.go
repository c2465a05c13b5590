package domain

import "errors"

// ErrMalformedEnvelope is returned when an inbound message is not a JSON object.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ErrMissingSignal is returned when a message on a live session has no "signal" field.
var ErrMissingSignal = errors.New("envelope has no signal")

// ErrAlreadyConnected is returned for a second "__connect" on the same session.
var ErrAlreadyConnected = errors.New("session already connected")

// ErrNotConnected is returned when an action arrives before "__connect".
var ErrNotConnected = errors.New("session not connected")

// ErrSessionClosed is returned when a message arrives after teardown.
var ErrSessionClosed = errors.New("session closed")

// ErrNoHandler is returned when no handler is registered for an action.
var ErrNoHandler = errors.New("no handler")

// ErrHandshakeAborted is returned when a kernel session closes before the kernel acknowledged the handshake.
var ErrHandshakeAborted = errors.New("kernel handshake aborted")

// ErrDomainNotFound is returned by backends for a domain that holds no keys.
var ErrDomainNotFound = errors.New("domain not found")

// ErrKeyNotFound is returned by backends for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// ErrPeerClosed is returned by a Peer whose connection is gone.
var ErrPeerClosed = errors.New("peer connection closed")
