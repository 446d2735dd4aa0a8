package megolm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/element-hq/element-android-sub023/internal/crypto"
	"github.com/element-hq/element-android-sub023/internal/domain"
)

const (
	sessionKeyVersion    = 2
	sessionExportVersion = 1

	// version | counter | R0..R3 | signing public key
	exportLength     = 1 + 4 + ratchetLength + ed25519.PublicKeySize
	sessionKeyLength = exportLength + signatureLength
)

var (
	ErrBadSessionKey = errors.New("megolm: bad session key")
	ErrBadPickle     = errors.New("megolm: bad pickle")
)

// OutboundSession is the sending side of a Megolm session.
type OutboundSession struct {
	r       ratchet
	signing ed25519.PrivateKey
}

// NewOutboundSession creates a session with a random ratchet at index 0.
func NewOutboundSession() (*OutboundSession, error) {
	r, err := randomRatchet(rand.Reader)
	if err != nil {
		return nil, err
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &OutboundSession{r: *r, signing: priv}, nil
}

func (s *OutboundSession) publicKey() ed25519.PublicKey {
	return s.signing.Public().(ed25519.PublicKey)
}

// SessionID returns the unpadded base64 signing public key.
func (s *OutboundSession) SessionID() domain.SessionID {
	return domain.SessionID(crypto.UnpaddedBase64(s.publicKey()))
}

// MessageIndex returns the index the next message will use.
func (s *OutboundSession) MessageIndex() uint32 { return s.r.counter }

// SessionKey returns the signed session key at the current index, as
// shared in m.room_key.
func (s *OutboundSession) SessionKey() string {
	b := appendExport(make([]byte, 0, sessionKeyLength), sessionKeyVersion, &s.r, s.publicKey())
	b = append(b, ed25519.Sign(s.signing, b)...)
	return crypto.UnpaddedBase64(b)
}

// Encrypt seals plaintext at the current index and advances the ratchet.
func (s *OutboundSession) Encrypt(plaintext []byte) (string, error) {
	ct, err := seal(&s.r, plaintext)
	if err != nil {
		return "", err
	}
	msg := encodeMessage(s.r.counter, ct, s.signing)
	s.r.advance()
	return crypto.UnpaddedBase64(msg), nil
}

// InboundSession is the receiving side of a Megolm session. It keeps the
// ratchet at the first index it can decrypt.
type InboundSession struct {
	initial    ratchet
	signingKey ed25519.PublicKey
	verified   bool
}

// NewInboundSession parses a signed session key from m.room_key.
func NewInboundSession(sessionKey string) (*InboundSession, error) {
	raw, err := crypto.DecodeBase64(sessionKey)
	if err != nil {
		return nil, err
	}
	if len(raw) != sessionKeyLength || raw[0] != sessionKeyVersion {
		return nil, ErrBadSessionKey
	}
	s := parseExport(raw[:exportLength])
	if !ed25519.Verify(s.signingKey, raw[:exportLength], raw[exportLength:]) {
		return nil, ErrBadSignature
	}
	s.verified = true
	return s, nil
}

// ImportInboundSession parses an unsigned exported session, as carried by
// m.forwarded_room_key and key backups.
func ImportInboundSession(exported string) (*InboundSession, error) {
	raw, err := crypto.DecodeBase64(exported)
	if err != nil {
		return nil, err
	}
	if len(raw) != exportLength || raw[0] != sessionExportVersion {
		return nil, ErrBadSessionKey
	}
	return parseExport(raw), nil
}

// SessionID returns the unpadded base64 signing public key.
func (s *InboundSession) SessionID() domain.SessionID {
	return domain.SessionID(crypto.UnpaddedBase64(s.signingKey))
}

// FirstKnownIndex is the lowest index this session can decrypt.
func (s *InboundSession) FirstKnownIndex() uint32 { return s.initial.counter }

// IsVerified reports whether the session came from a signed session key
// rather than an export.
func (s *InboundSession) IsVerified() bool { return s.verified }

// Decrypt verifies and opens a base64 Megolm message and returns the
// plaintext and its index.
func (s *InboundSession) Decrypt(ciphertext string) ([]byte, uint32, error) {
	raw, err := crypto.DecodeBase64(ciphertext)
	if err != nil {
		return nil, 0, err
	}
	m, err := decodeMessage(raw)
	if err != nil {
		return nil, 0, err
	}
	if !ed25519.Verify(s.signingKey, m.signed, m.signature) {
		return nil, 0, ErrBadSignature
	}
	if m.index < s.initial.counter {
		return nil, m.index, ErrUnknownMessageIndex
	}
	r := s.initial
	r.advanceTo(m.index)
	pt, err := open(&r, m.ciphertext)
	if err != nil {
		return nil, m.index, err
	}
	return pt, m.index, nil
}

// Export returns the session at index in export format.
func (s *InboundSession) Export(index uint32) (string, error) {
	if index < s.initial.counter {
		return "", ErrUnknownMessageIndex
	}
	r := s.initial
	r.advanceTo(index)
	return crypto.UnpaddedBase64(appendExport(nil, sessionExportVersion, &r, s.signingKey)), nil
}

// Pickle serialises the session for storage.
func (s *InboundSession) Pickle() []byte {
	flag := byte(0)
	if s.verified {
		flag = 1
	}
	return appendExport([]byte{flag}, sessionExportVersion, &s.initial, s.signingKey)
}

// UnpickleInbound restores a session produced by Pickle.
func UnpickleInbound(b []byte) (*InboundSession, error) {
	if len(b) != 1+exportLength || b[1] != sessionExportVersion {
		return nil, ErrBadPickle
	}
	s := parseExport(b[1:])
	s.verified = b[0] == 1
	return s, nil
}

func appendExport(dst []byte, version byte, r *ratchet, pub ed25519.PublicKey) []byte {
	dst = append(dst, version)
	dst = binary.BigEndian.AppendUint32(dst, r.counter)
	dst = append(dst, r.bytes()...)
	return append(dst, pub...)
}

// parseExport reads version|counter|R|pub; the length is checked by callers.
func parseExport(raw []byte) *InboundSession {
	s := &InboundSession{}
	s.initial.counter = binary.BigEndian.Uint32(raw[1:5])
	s.initial.setBytes(raw[5 : 5+ratchetLength])
	s.signingKey = append(ed25519.PublicKey(nil), raw[5+ratchetLength:exportLength]...)
	return s
}
