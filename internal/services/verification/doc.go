// Package verification implements interactive device verification with a
// short authentication string (SAS).
//
// Two devices exchange ephemeral Curve25519 keys over to-device messages,
// derive the same six bytes from the shared secret and show them to their
// users as numbers or emoji. When both users confirm, each side sends a
// MAC of its Ed25519 device key and the other marks the device verified.
// A commitment to the acceptor's key, sent before the key itself, stops a
// relay from choosing keys after seeing the other side's.
//
// The package also tracks m.key.verification.request negotiation, which
// decides the methods both sides offer before a transaction starts.
package verification
