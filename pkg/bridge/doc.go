/*
Package bridge runs analyses inside external kernel processes.

Every analysis type served by a kernel gets one Hub: a PUB socket the
kernels subscribe to and a SUB socket they publish on, both bound once on
random ports of a configured range and shared by all sessions of that type.
Frames on either socket are "<session-id>|<json>", so the Hub routes what
comes back to the session that owns the id.

Each session starts its own kernel process and probes it with handshake
frames until the kernel acknowledges. Actions are held back until then: a
kernel that never answers leaves its own session waiting and nothing else.
*/
package bridge
