package types

// UserID is a fully qualified account identifier such as @alice:example.org.
type UserID string

// String returns the string form of the user id.
func (u UserID) String() string { return string(u) }

// DeviceID identifies one device (login) of a user.
type DeviceID string

// String returns the string form of the device id.
func (d DeviceID) String() string { return string(d) }

// AllDevices addresses every device of a user in to-device messages.
const AllDevices DeviceID = "*"

// RoomID identifies a room.
type RoomID string

// String returns the string form of the room id.
func (r RoomID) String() string { return string(r) }

// SessionID identifies a Megolm or Olm session.
type SessionID string

// String returns the string form of the session id.
func (s SessionID) String() string { return string(s) }

// TransactionID identifies a verification transaction.
type TransactionID string

// String returns the string form of the transaction id.
func (t TransactionID) String() string { return string(t) }

// Curve25519Key is an unpadded base64 Curve25519 public key.
type Curve25519Key string

// String returns the string form of the key.
func (k Curve25519Key) String() string { return string(k) }

// Ed25519Key is an unpadded base64 Ed25519 public key.
type Ed25519Key string

// String returns the string form of the key.
func (k Ed25519Key) String() string { return string(k) }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// Algorithm names.
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
)

// Key algorithm prefixes used in key ids ("<algorithm>:<id>").
const (
	KeyAlgorithmCurve25519       = "curve25519"
	KeyAlgorithmEd25519          = "ed25519"
	KeyAlgorithmSignedCurve25519 = "signed_curve25519"
)

// KeyID joins an algorithm and an id into "<algorithm>:<id>".
func KeyID(algorithm, id string) string { return algorithm + ":" + id }
