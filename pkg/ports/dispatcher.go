package ports

import "context"

// Peer is the transport end of a session.
// The runtime hands it fully encoded envelopes.
type Peer interface {
	// Send writes one message to the peer.
	// Implementations return an error wrapping domain.ErrPeerClosed or
	// net.ErrClosed once the peer is gone.
	Send(ctx context.Context, data []byte) error
}
