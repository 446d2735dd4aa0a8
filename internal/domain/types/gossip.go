package types

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// OutgoingKeyRequestState tracks an outgoing room key request.
type OutgoingKeyRequestState int

const (
	// KeyRequestUnsent is queued and has not reached any device yet.
	KeyRequestUnsent OutgoingKeyRequestState = iota
	KeyRequestSent
	// KeyRequestCancellationPending has been sent and needs a cancellation.
	KeyRequestCancellationPending
	// KeyRequestCancellationPendingAndWillResend needs a cancellation followed
	// by a fresh request with the same body.
	KeyRequestCancellationPendingAndWillResend
	KeyRequestCancelled
)

// String returns the state name.
func (s OutgoingKeyRequestState) String() string {
	switch s {
	case KeyRequestUnsent:
		return "unsent"
	case KeyRequestSent:
		return "sent"
	case KeyRequestCancellationPending:
		return "cancellation_pending"
	case KeyRequestCancellationPendingAndWillResend:
		return "cancellation_pending_and_will_resend"
	case KeyRequestCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// OutgoingKeyRequest is a request we sent (or will send) for a Megolm key.
type OutgoingKeyRequest struct {
	RequestID   string                  `json:"request_id" cbor:"1,keyasint"`
	Body        RoomKeyRequestBody      `json:"body" cbor:"2,keyasint"`
	Recipients  map[UserID][]DeviceID   `json:"recipients" cbor:"3,keyasint"`
	FromIndex   uint32                  `json:"from_index" cbor:"4,keyasint"`
	State       OutgoingKeyRequestState `json:"state" cbor:"5,keyasint"`
	CreatedUnix int64                   `json:"created" cbor:"6,keyasint"`
}

// IncomingKeyRequest is a key request received from another device.
type IncomingKeyRequest struct {
	RequestID    string             `json:"request_id"`
	UserID       UserID             `json:"user_id"`
	DeviceID     DeviceID           `json:"device_id"`
	Body         RoomKeyRequestBody `json:"body"`
	ReceivedUnix int64              `json:"received"`
}

// requestBodyKey is the fixed BLAKE3 key used for body fingerprints.
var requestBodyKey = [32]byte{
	'r', 'o', 'o', 'm', '_', 'k', 'e', 'y', '_', 'r', 'e', 'q', 'u', 'e', 's', 't',
	'_', 'b', 'o', 'd', 'y', '_', 'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'n', 't',
}

// Fingerprint returns a stable hex digest of the body, used to deduplicate
// outgoing requests for the same session.
func (b RoomKeyRequestBody) Fingerprint() string {
	h, err := blake3.NewKeyed(requestBodyKey[:])
	if err != nil {
		// NewKeyed only fails on a key of the wrong length.
		panic(err)
	}
	_, _ = h.Write([]byte(strings.Join([]string{
		b.Algorithm, string(b.RoomID), string(b.SenderKey), string(b.SessionID),
	}, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

