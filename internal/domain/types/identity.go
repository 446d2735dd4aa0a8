package types

// Identity holds the long-term X25519 and Ed25519 keys of this device.
type Identity struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`
}

// Account is the persisted state of the local device: its identity and the
// one-time keys it has not handed out yet.
type Account struct {
	UserID      UserID           `json:"user_id"`
	DeviceID    DeviceID         `json:"device_id"`
	Identity    Identity         `json:"identity"`
	OneTimeKeys []OneTimeKeyPair `json:"one_time_keys,omitempty"`
	NextKeyID   uint32           `json:"next_key_id"`
}
