// Package session wraps one open transport handle and the protocol device
// speaking over it.
//
// Ownership boundary:
// - subscription lifetime (acquired before configuration, released on teardown)
// - configuration handshake and its timeout
// - liveness timestamp stamped by every inbound event
// - idempotent teardown that always releases the transport
package session
