// Package crypto exposes the primitives the crypto core builds on.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie-Hellman (GenerateX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - HKDF-SHA256, HMAC-SHA256 and SHA-256 digests (HKDFSHA256, HMACSHA256,
//     SHA256Base64)
//   - Unpadded base64 and canonical JSON encoding (UnpaddedBase64,
//     CanonicalJSON, SignJSON)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// Key functions return fixed-size array types defined in internal/domain to
// avoid accidental reallocations. Keys travel in events as unpadded base64;
// Curve25519Key and Ed25519Key convert between the two forms.
package crypto
