// Package ratchet is the double ratchet behind pairwise Olm sessions.
//
// A session keeps a root key plus a sending and a receiving chain. Every
// message advances its chain, and every new ratchet key from the peer
// re-derives the root, so past message keys cannot be recomputed. Skipped
// message keys are kept (up to a bound) for out-of-order delivery.
//
// RatchetState is not safe for concurrent use; the session service
// serialises access per peer.
package ratchet
