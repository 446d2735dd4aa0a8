package types

// InboundGroupSession is the stored record of a Megolm session we can
// decrypt with. Pickle holds the serialised ratchet.
type InboundGroupSession struct {
	RoomID          RoomID            `json:"room_id" cbor:"1,keyasint"`
	SenderKey       Curve25519Key     `json:"sender_key" cbor:"2,keyasint"`
	SessionID       SessionID         `json:"session_id" cbor:"3,keyasint"`
	Pickle          []byte            `json:"pickle" cbor:"4,keyasint"`
	FirstKnownIndex uint32            `json:"first_known_index" cbor:"5,keyasint"`
	ForwardingChain []Curve25519Key   `json:"forwarding_chain,omitempty" cbor:"6,keyasint,omitempty"`
	KeysClaimed     map[string]string `json:"keys_claimed" cbor:"7,keyasint"`
	ExportFormat    bool              `json:"export_format" cbor:"8,keyasint"`
	Trusted         bool              `json:"trusted" cbor:"9,keyasint"`
	BackedUp        bool              `json:"backed_up" cbor:"10,keyasint"`
}

// ClaimedEd25519 returns the Ed25519 key the session creator claimed.
func (s InboundGroupSession) ClaimedEd25519() Ed25519Key {
	return Ed25519Key(s.KeysClaimed[KeyAlgorithmEd25519])
}

// ExportedSession is the portable form of an inbound session used by
// key export, backup and import.
type ExportedSession struct {
	Algorithm         string            `json:"algorithm"`
	RoomID            RoomID            `json:"room_id"`
	SenderKey         Curve25519Key     `json:"sender_key"`
	SessionID         SessionID         `json:"session_id"`
	SessionKey        string            `json:"session_key"`
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys"`
	ForwardingChain   []Curve25519Key   `json:"forwarding_curve25519_key_chain"`
}

// SharedWith records that an outbound session was shared with a device,
// starting from ChainIndex.
type SharedWith struct {
	RoomID     RoomID    `json:"room_id" cbor:"1,keyasint"`
	SessionID  SessionID `json:"session_id" cbor:"2,keyasint"`
	UserID     UserID    `json:"user_id" cbor:"3,keyasint"`
	DeviceID   DeviceID  `json:"device_id" cbor:"4,keyasint"`
	ChainIndex uint32    `json:"chain_index" cbor:"5,keyasint"`
}
