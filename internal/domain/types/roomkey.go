package types

// RoomKeyContent is the content of m.room_key.
type RoomKeyContent struct {
	Algorithm  string    `json:"algorithm"`
	RoomID     RoomID    `json:"room_id"`
	SessionID  SessionID `json:"session_id"`
	SessionKey string    `json:"session_key"`
	ChainIndex uint32    `json:"chain_index"`
}

// ForwardedRoomKeyContent is the content of m.forwarded_room_key.
type ForwardedRoomKeyContent struct {
	Algorithm                    string          `json:"algorithm"`
	RoomID                       RoomID          `json:"room_id"`
	SenderKey                    Curve25519Key   `json:"sender_key"`
	SessionID                    SessionID       `json:"session_id"`
	SessionKey                   string          `json:"session_key"`
	SenderClaimedEd25519Key      Ed25519Key      `json:"sender_claimed_ed25519_key"`
	ForwardingCurve25519KeyChain []Curve25519Key `json:"forwarding_curve25519_key_chain"`
	ChainIndex                   uint32          `json:"chain_index,omitempty"`
}

// RoomKeyRequestBody names the session a key request asks for.
type RoomKeyRequestBody struct {
	Algorithm string        `json:"algorithm"`
	RoomID    RoomID        `json:"room_id"`
	SenderKey Curve25519Key `json:"sender_key"`
	SessionID SessionID     `json:"session_id"`
}

// Key-request actions.
const (
	KeyRequestActionRequest      = "request"
	KeyRequestActionCancellation = "request_cancellation"
)

// RoomKeyShareRequest is the content of m.room_key_request.
type RoomKeyShareRequest struct {
	Action             string              `json:"action"`
	RequestingDeviceID DeviceID            `json:"requesting_device_id"`
	RequestID          string              `json:"request_id"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
}

// WithheldCode explains why a room key was not shared.
type WithheldCode string

const (
	WithheldBlacklisted  WithheldCode = "m.blacklisted"
	WithheldUnverified   WithheldCode = "m.unverified"
	WithheldUnauthorised WithheldCode = "m.unauthorised"
	WithheldUnavailable  WithheldCode = "m.unavailable"
	WithheldNoOlm        WithheldCode = "m.no_olm"
)

// Reason returns the human-readable text sent along with the code.
func (c WithheldCode) Reason() string {
	switch c {
	case WithheldBlacklisted:
		return "You have been blocked by this device"
	case WithheldUnverified:
		return "This device does not share keys with unverified devices"
	case WithheldUnauthorised:
		return "You are not authorised to read this message"
	case WithheldUnavailable:
		return "The requested key was not found"
	case WithheldNoOlm:
		return "Unable to establish a secure channel"
	default:
		return ""
	}
}

// RoomKeyWithheldContent is the content of m.room_key.withheld.
type RoomKeyWithheldContent struct {
	Algorithm  string        `json:"algorithm"`
	RoomID     RoomID        `json:"room_id,omitempty"`
	SessionID  SessionID     `json:"session_id,omitempty"`
	SenderKey  Curve25519Key `json:"sender_key"`
	Code       WithheldCode  `json:"code"`
	Reason     string        `json:"reason,omitempty"`
	FromDevice DeviceID      `json:"from_device,omitempty"`
}
