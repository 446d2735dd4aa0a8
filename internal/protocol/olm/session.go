package olm

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/element-hq/element-android-sub023/internal/crypto"
	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/protocol/ratchet"
	"github.com/element-hq/element-android-sub023/internal/protocol/x3dh"
)

// Olm message types.
const (
	MessageTypePreKey = 0
	MessageTypeNormal = 1
)

var (
	ErrBadMessageType = errors.New("olm: unexpected message type")
	ErrBadMessage     = errors.New("olm: malformed message")
)

// wireMessage is the JSON carried (base64 encoded) in an Olm ciphertext body.
type wireMessage struct {
	PreKey     *domain.OlmPreKey    `json:"pre_key,omitempty"`
	Header     domain.RatchetHeader `json:"header"`
	Ciphertext []byte               `json:"ciphertext"`
}

// NewOutboundSession runs the handshake as initiator against a claimed
// one-time key of the peer device.
func NewOutboundSession(
	acc *domain.Account,
	peerIdentity domain.Curve25519Key,
	peerOneTimeKey domain.Curve25519Key,
	now time.Time,
) (domain.OlmSession, error) {
	peerIK, err := crypto.ParseCurve25519Key(peerIdentity)
	if err != nil {
		return domain.OlmSession{}, err
	}
	peerOTK, err := crypto.ParseCurve25519Key(peerOneTimeKey)
	if err != nil {
		return domain.OlmSession{}, err
	}
	basePriv, basePub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.OlmSession{}, err
	}
	root, err := x3dh.InitiatorRoot(acc.Identity.XPriv, basePriv, peerIK, peerOTK)
	if err != nil {
		return domain.OlmSession{}, err
	}
	state, err := ratchet.InitAsInitiator(root, peerIK)
	if err != nil {
		return domain.OlmSession{}, err
	}
	preKey := &domain.OlmPreKey{IdentityKey: acc.Identity.XPub, BaseKey: basePub, OneTimeKey: peerOTK}
	return domain.OlmSession{
		SessionID:       sessionID(preKey),
		PeerIdentityKey: peerIdentity,
		State:           state,
		PreKey:          preKey,
		CreatedUnix:     now.Unix(),
		LastUsedUnix:    now.Unix(),
	}, nil
}

// NewInboundSession creates the responder side of a session from a pre-key
// message and returns the decrypted first plaintext. The one-time key used
// is removed from the account only on success.
func NewInboundSession(
	acc *domain.Account,
	msg domain.OlmCiphertext,
	now time.Time,
) (domain.OlmSession, []byte, error) {
	if msg.Type != MessageTypePreKey {
		return domain.OlmSession{}, nil, ErrBadMessageType
	}
	wm, err := decodeBody(msg.Body)
	if err != nil {
		return domain.OlmSession{}, nil, err
	}
	if wm.PreKey == nil {
		return domain.OlmSession{}, nil, ErrBadMessage
	}

	otkPriv, ok := findOneTimeKey(acc, wm.PreKey.OneTimeKey)
	if !ok {
		return domain.OlmSession{}, nil, ErrNoSuchOneTimeKey
	}
	root, err := x3dh.ResponderRoot(acc.Identity.XPriv, otkPriv, wm.PreKey.IdentityKey, wm.PreKey.BaseKey)
	if err != nil {
		return domain.OlmSession{}, nil, err
	}
	var senderRatchet domain.X25519Public
	if len(wm.Header.DiffieHellmanPublicKey) != len(senderRatchet) {
		return domain.OlmSession{}, nil, ErrBadMessage
	}
	copy(senderRatchet[:], wm.Header.DiffieHellmanPublicKey)

	state, err := ratchet.InitAsResponder(root, acc.Identity.XPriv, senderRatchet)
	if err != nil {
		return domain.OlmSession{}, nil, err
	}
	pt, err := ratchet.Decrypt(&state, nil, wm.Header, wm.Ciphertext)
	if err != nil {
		return domain.OlmSession{}, nil, err
	}
	if _, err := removeOneTimeKey(acc, wm.PreKey.OneTimeKey); err != nil {
		return domain.OlmSession{}, nil, err
	}
	return domain.OlmSession{
		SessionID:       sessionID(wm.PreKey),
		PeerIdentityKey: crypto.Curve25519Key(wm.PreKey.IdentityKey),
		State:           state,
		CreatedUnix:     now.Unix(),
		LastUsedUnix:    now.Unix(),
	}, pt, nil
}

// MatchesInbound reports whether a pre-key message belongs to s.
func MatchesInbound(s domain.OlmSession, msg domain.OlmCiphertext) bool {
	if msg.Type != MessageTypePreKey {
		return false
	}
	wm, err := decodeBody(msg.Body)
	if err != nil || wm.PreKey == nil {
		return false
	}
	return sessionID(wm.PreKey) == s.SessionID
}

// Encrypt seals plaintext. Until the peer has replied the message is a
// pre-key message.
func Encrypt(s *domain.OlmSession, plaintext []byte, now time.Time) (domain.OlmCiphertext, error) {
	h, ct, err := ratchet.Encrypt(&s.State, nil, plaintext)
	if err != nil {
		return domain.OlmCiphertext{}, err
	}
	body, err := json.Marshal(wireMessage{PreKey: s.PreKey, Header: h, Ciphertext: ct})
	if err != nil {
		return domain.OlmCiphertext{}, err
	}
	s.LastUsedUnix = now.Unix()
	msgType := MessageTypeNormal
	if s.PreKey != nil {
		msgType = MessageTypePreKey
	}
	return domain.OlmCiphertext{Type: msgType, Body: crypto.UnpaddedBase64(body)}, nil
}

// Decrypt opens a message on an existing session.
func Decrypt(s *domain.OlmSession, msg domain.OlmCiphertext, now time.Time) ([]byte, error) {
	if msg.Type != MessageTypePreKey && msg.Type != MessageTypeNormal {
		return nil, ErrBadMessageType
	}
	wm, err := decodeBody(msg.Body)
	if err != nil {
		return nil, err
	}
	pt, err := ratchet.Decrypt(&s.State, nil, wm.Header, wm.Ciphertext)
	if err != nil {
		return nil, err
	}
	// Anything decrypted here proves the peer holds the session.
	s.PreKey = nil
	s.LastUsedUnix = now.Unix()
	return pt, nil
}

func decodeBody(body string) (wireMessage, error) {
	var wm wireMessage
	raw, err := crypto.DecodeBase64(body)
	if err != nil {
		return wm, ErrBadMessage
	}
	if err := json.Unmarshal(raw, &wm); err != nil {
		return wm, ErrBadMessage
	}
	return wm, nil
}

func sessionID(pk *domain.OlmPreKey) domain.SessionID {
	b := make([]byte, 0, 96)
	b = append(b, pk.IdentityKey[:]...)
	b = append(b, pk.BaseKey[:]...)
	b = append(b, pk.OneTimeKey[:]...)
	return domain.SessionID(crypto.SHA256Base64(b))
}

func findOneTimeKey(acc *domain.Account, pub domain.X25519Public) (domain.X25519Private, bool) {
	for _, k := range acc.OneTimeKeys {
		if k.Pub == pub {
			return k.Priv, true
		}
	}
	return domain.X25519Private{}, false
}
