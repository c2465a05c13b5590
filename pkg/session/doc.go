/*
Package session implements the runtime side of one peer connection.

A Session moves through Idle, Connecting, Connected and Closed. It turns
inbound envelopes into actions, serializes their dispatch on a single
goroutine per connection and forwards Datastore changes and ad hoc emits
to the peer. What an action does is decided by a Runtime: Local calls the
handlers of an in-process analysis, the bridge package relays actions to
an external kernel.

The Manager owns the analyses a server offers, mints instance ids and
serializes the connect and teardown of sessions that share an id.
*/
package session
