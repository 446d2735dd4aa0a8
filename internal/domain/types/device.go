package types

// DeviceVerification is the local trust level of a remote device.
type DeviceVerification int

const (
	// DeviceUnknown marks a device the user has never been told about.
	DeviceUnknown DeviceVerification = iota
	DeviceUnverified
	DeviceVerified
	DeviceBlocked
)

// String returns a lowercase name for logs and the CLI.
func (v DeviceVerification) String() string {
	switch v {
	case DeviceUnverified:
		return "unverified"
	case DeviceVerified:
		return "verified"
	case DeviceBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// DeviceKeys is the signed key bundle a device publishes.
type DeviceKeys struct {
	UserID     UserID                       `json:"user_id"`
	DeviceID   DeviceID                     `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[UserID]map[string]string `json:"signatures,omitempty"`
}

// IdentityKey returns the Curve25519 key of the device, or "".
func (k DeviceKeys) IdentityKey() Curve25519Key {
	return Curve25519Key(k.Keys[KeyID(KeyAlgorithmCurve25519, string(k.DeviceID))])
}

// FingerprintKey returns the Ed25519 key of the device, or "".
func (k DeviceKeys) FingerprintKey() Ed25519Key {
	return Ed25519Key(k.Keys[KeyID(KeyAlgorithmEd25519, string(k.DeviceID))])
}

// DeviceInfo is a remote (or our own) device as known to the local store.
type DeviceInfo struct {
	DeviceKeys
	DisplayName  string             `json:"display_name,omitempty"`
	Verification DeviceVerification `json:"verification"`
}

// Key returns the (user, device) pair of the device.
func (d DeviceInfo) Key() DeviceKey { return DeviceKey{UserID: d.UserID, DeviceID: d.DeviceID} }

// IsVerified reports whether the user verified the device.
func (d DeviceInfo) IsVerified() bool { return d.Verification == DeviceVerified }

// IsBlocked reports whether the user blocked the device.
func (d DeviceInfo) IsBlocked() bool { return d.Verification == DeviceBlocked }

// IsUnknown reports whether the device is new to the user.
func (d DeviceInfo) IsUnknown() bool { return d.Verification == DeviceUnknown }
