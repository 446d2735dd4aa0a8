// Package megolm implements the Megolm group ratchet used to encrypt room
// messages.
//
// A session is a four-part hash ratchet R0..R3 plus a 32-bit counter and an
// Ed25519 signing key. Advancing by one message rehashes the low parts;
// R(i) is reseeded from R(i-1) every 2^(8*(3-i)) messages, so a receiver can
// jump forward to any index cheaply while nobody can step backwards.
//
// Message keys are derived from the ratchet with HKDF-SHA256 and used with
// ChaCha20-Poly1305. Every message is signed with the session's Ed25519 key;
// the session id is that public key.
package megolm
