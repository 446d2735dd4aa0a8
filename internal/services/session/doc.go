// Package session establishes pairwise Olm sessions.
//
// It claims one-time keys, verifies their signatures, performs the
// initiator handshake and persists the session for the message service.
package session
