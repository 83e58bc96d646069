// Package protocol is the capability surface of a mesh radio.
//
// Ownership boundary:
// - typed inbound events and outbound requests
// - the Device interface consumed by the session layer
// - a reference adapter (Client) speaking CBOR envelopes over framed streams
//
// Routing, encryption and the on-air format stay with the radio firmware.
package protocol
