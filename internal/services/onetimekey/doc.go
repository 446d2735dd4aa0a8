// Package onetimekey uploads device keys and signed one-time keys.
//
// Other devices claim one of our one-time keys to open an Olm session with
// us; Replenish keeps enough of them on the relay.
package onetimekey
