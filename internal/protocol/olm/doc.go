// Package olm implements pairwise Olm sessions on top of the x3dh handshake
// and the double ratchet.
//
// An Account holds a device's identity keys and its pool of one-time keys.
// A session is created by the initiator from a claimed one-time key; every
// message it sends is a pre-key message (type 0) carrying the handshake
// parameters until the first reply arrives, after which messages are
// normal (type 1). The responder creates its side of the session from the
// first pre-key message it receives.
package olm
