package types

import "encoding/json"

// Event types handled by the crypto core.
const (
	EventTypeEncrypted        = "m.room.encrypted"
	EventTypeRoomKey          = "m.room_key"
	EventTypeForwardedRoomKey = "m.forwarded_room_key"
	EventTypeRoomKeyRequest   = "m.room_key_request"
	EventTypeRoomKeyWithheld  = "m.room_key.withheld"
	EventTypeDummy            = "m.dummy"
)

// Event is a room or to-device event as delivered by the transport.
type Event struct {
	Type           string          `json:"type"`
	EventID        string          `json:"event_id,omitempty"`
	RoomID         RoomID          `json:"room_id,omitempty"`
	Sender         UserID          `json:"sender"`
	Content        json.RawMessage `json:"content"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
}

// MegolmPayload is the content of a Megolm encrypted room event.
type MegolmPayload struct {
	Algorithm  string        `json:"algorithm"`
	SenderKey  Curve25519Key `json:"sender_key"`
	Ciphertext string        `json:"ciphertext"`
	SessionID  SessionID     `json:"session_id"`
	DeviceID   DeviceID      `json:"device_id,omitempty"`
}

// OlmCiphertext is one per-recipient Olm message.
type OlmCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// OlmPayload is the content of an Olm encrypted to-device event.
type OlmPayload struct {
	Algorithm  string                          `json:"algorithm"`
	SenderKey  Curve25519Key                   `json:"sender_key"`
	Ciphertext map[Curve25519Key]OlmCiphertext `json:"ciphertext"`
}

// OlmPlaintext is the JSON sealed inside an Olm message.
type OlmPlaintext struct {
	Type          string            `json:"type"`
	Content       json.RawMessage   `json:"content"`
	Sender        UserID            `json:"sender"`
	SenderDevice  DeviceID          `json:"sender_device"`
	Recipient     UserID            `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
	Keys          map[string]string `json:"keys"`
}

// DecryptedEvent is a to-device event after Olm decryption.
type DecryptedEvent struct {
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content"`
	Sender         UserID          `json:"sender"`
	SenderDevice   DeviceID        `json:"sender_device"`
	SenderKey      Curve25519Key   `json:"sender_key"`
	ClaimedEd25519 Ed25519Key      `json:"claimed_ed25519"`
}

// DecryptionResult is a successfully decrypted Megolm room event.
type DecryptionResult struct {
	ClearEvent                   json.RawMessage `json:"clear_event"`
	SenderCurve25519Key          Curve25519Key   `json:"sender_curve25519_key"`
	ClaimedEd25519Key            Ed25519Key      `json:"claimed_ed25519_key"`
	ForwardingCurve25519KeyChain []Curve25519Key `json:"forwarding_curve25519_key_chain"`
	MessageIndex                 uint32          `json:"message_index"`
}
