// Package x3dh implements the triple Diffie-Hellman handshake that
// bootstraps a pairwise Olm session between two devices.
//
// # Overview
//
// The initiator claims one signed one-time key (OTK) of the responder's
// device from the relay and generates a fresh base key (EK). Both sides
// then derive the same 32-byte root key:
//
// Initiator:
//  1. Verify the device signature on the claimed one-time key.
//  2. Compute DH(IKa, OTKb), DH(EKa, IKb), DH(EKa, OTKb).
//  3. HKDF the concatenated transcript into the root key.
//
// Responder:
//  1. Receive a pre-key message (initiator IK, base key EK, OTK id).
//  2. Consume the matching one-time key private half.
//  3. Compute DH(OTKb, IKa), DH(IKb, EKa), DH(OTKb, EKa) and HKDF as above.
//
// # Errors
//
// ErrBadOneTimeKey is returned when a one-time key signature fails
// verification. Other errors wrap lower-level crypto failures.
package x3dh
