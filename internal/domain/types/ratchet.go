package types

// RatchetHeader is sent alongside every Olm ciphertext.
type RatchetHeader struct {
	DiffieHellmanPublicKey []byte `json:"dh_pub"`
	PreviousChainLength    uint32 `json:"pn"`
	MessageIndex           uint32 `json:"n"`
}

// RatchetState contains all fields the Double Ratchet needs to track.
type RatchetState struct {
	RootKey                 []byte            `json:"root_key"`
	DiffieHellmanPrivate    X25519Private     `json:"dh_priv"`
	DiffieHellmanPublic     X25519Public      `json:"dh_pub"`
	PeerDiffieHellmanPublic X25519Public      `json:"peer_dh_pub"`
	SendChainKey            []byte            `json:"send_ck,omitempty"`
	ReceiveChainKey         []byte            `json:"recv_ck,omitempty"`
	SendMessageIndex        uint32            `json:"ns"`
	ReceiveMessageIndex     uint32            `json:"nr"`
	PreviousChainLength     uint32            `json:"pn"`
	SkippedKeys             map[string][]byte `json:"skipped_keys"`
}

// OlmPreKey is carried by every message an initiator sends until the peer
// has answered, so the peer can rebuild the session from its one-time key.
type OlmPreKey struct {
	IdentityKey X25519Public `json:"identity_key"`
	BaseKey     X25519Public `json:"base_key"`
	OneTimeKey  X25519Public `json:"one_time_key"`
}

// OlmSession persists a pairwise Olm session with a peer device.
type OlmSession struct {
	SessionID       SessionID     `json:"session_id"`
	PeerIdentityKey Curve25519Key `json:"peer_identity_key"`
	State           RatchetState  `json:"state"`
	PreKey          *OlmPreKey    `json:"pre_key,omitempty"`
	CreatedUnix     int64         `json:"created"`
	LastUsedUnix    int64         `json:"last_used"`
}
