package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/protocol/olm"
	"github.com/element-hq/element-android-sub023/internal/util/keylock"
)

var (
	// ErrNoSession indicates there is no stored Olm session with the device.
	ErrNoSession = errors.New("no olm session with device")

	errSenderKeyMismatch = errors.New("pre-key message from a different identity key")
)

// Service seals and opens Olm to-device messages.
//
// Outgoing messages bind sender, recipient and both Ed25519 keys into the
// plaintext. Incoming messages are tried against every stored session with
// the sender key; a pre-key message matching none of them creates a new
// inbound session and consumes one of our one-time keys.
//
// Sessions with one peer identity key are loaded, ratcheted and saved under
// a lock for that key, so concurrent senders never fork a ratchet.
type Service struct {
	account  domain.LocalAccount
	sessions domain.OlmSessionStore
	clock    clock.Clock
	logger   zerolog.Logger

	peers keylock.Mutex
}

// New constructs a message service.
func New(
	account domain.LocalAccount,
	sessions domain.OlmSessionStore,
	c clock.Clock,
	logger zerolog.Logger,
) *Service {
	return &Service{
		account:  account,
		sessions: sessions,
		clock:    c,
		logger:   logger.With().Str("service", "message").Logger(),
	}
}

// EncryptFor seals an event for one device using the most recently used
// Olm session with it.
func (s *Service) EncryptFor(
	device domain.DeviceInfo,
	eventType string,
	content any,
) (domain.OlmPayload, error) {
	ik := device.IdentityKey()
	unlock := s.peers.Lock(string(ik))
	defer unlock()

	sessions, err := s.sessions.OlmSessions(ik)
	if err != nil {
		return domain.OlmPayload{}, err
	}
	if len(sessions) == 0 {
		return domain.OlmPayload{}, fmt.Errorf("%w: %s %s", ErrNoSession, device.UserID, device.DeviceID)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return domain.OlmPayload{}, err
	}
	plaintext, err := json.Marshal(domain.OlmPlaintext{
		Type:          eventType,
		Content:       raw,
		Sender:        s.account.UserID(),
		SenderDevice:  s.account.DeviceID(),
		Recipient:     device.UserID,
		RecipientKeys: map[string]string{domain.KeyAlgorithmEd25519: string(device.FingerprintKey())},
		Keys:          map[string]string{domain.KeyAlgorithmEd25519: string(s.account.FingerprintKey())},
	})
	if err != nil {
		return domain.OlmPayload{}, err
	}

	sess := sessions[0]
	ct, err := olm.Encrypt(&sess, plaintext, s.clock.Now())
	if err != nil {
		return domain.OlmPayload{}, err
	}
	// Persist the advanced ratchet before the ciphertext leaves the device.
	if err := s.sessions.SaveOlmSession(sess); err != nil {
		return domain.OlmPayload{}, err
	}
	return domain.OlmPayload{
		Algorithm:  domain.AlgorithmOlm,
		SenderKey:  s.account.IdentityKey(),
		Ciphertext: map[domain.Curve25519Key]domain.OlmCiphertext{ik: ct},
	}, nil
}

// Decrypt opens an m.room.encrypted to-device event.
func (s *Service) Decrypt(event domain.Event) (domain.DecryptedEvent, error) {
	var payload domain.OlmPayload
	if err := json.Unmarshal(event.Content, &payload); err != nil {
		return domain.DecryptedEvent{}, &domain.CryptoError{Type: domain.BadEncryptedMessage, Reason: "malformed content", Err: err}
	}
	if payload.Algorithm != domain.AlgorithmOlm {
		return domain.DecryptedEvent{}, domain.NewCryptoError(domain.BadEncryptedMessage, "unsupported algorithm %q", payload.Algorithm)
	}
	if payload.SenderKey == "" || len(payload.Ciphertext) == 0 {
		return domain.DecryptedEvent{}, domain.NewCryptoError(domain.MissingFields, "sender_key or ciphertext")
	}
	ours, ok := payload.Ciphertext[s.account.IdentityKey()]
	if !ok {
		return domain.DecryptedEvent{}, domain.NewCryptoError(domain.BadEncryptedMessage, "not included in recipients")
	}

	pt, err := s.open(payload.SenderKey, ours)
	if err != nil {
		return domain.DecryptedEvent{}, err
	}

	var inner domain.OlmPlaintext
	if err := json.Unmarshal(pt, &inner); err != nil {
		return domain.DecryptedEvent{}, &domain.CryptoError{Type: domain.BadEncryptedMessage, Reason: "malformed plaintext", Err: err}
	}
	switch {
	case inner.Sender != event.Sender:
		return domain.DecryptedEvent{}, domain.NewCryptoError(domain.BadEncryptedMessage, "sender mismatch")
	case inner.Recipient != s.account.UserID():
		return domain.DecryptedEvent{}, domain.NewCryptoError(domain.BadEncryptedMessage, "recipient mismatch")
	case inner.RecipientKeys[domain.KeyAlgorithmEd25519] != string(s.account.FingerprintKey()):
		return domain.DecryptedEvent{}, domain.NewCryptoError(domain.BadEncryptedMessage, "recipient key mismatch")
	case inner.Type == "":
		return domain.DecryptedEvent{}, domain.NewCryptoError(domain.MissingFields, "type")
	}
	return domain.DecryptedEvent{
		Type:           inner.Type,
		Content:        inner.Content,
		Sender:         inner.Sender,
		SenderDevice:   inner.SenderDevice,
		SenderKey:      payload.SenderKey,
		ClaimedEd25519: domain.Ed25519Key(inner.Keys[domain.KeyAlgorithmEd25519]),
	}, nil
}

func (s *Service) open(senderKey domain.Curve25519Key, msg domain.OlmCiphertext) ([]byte, error) {
	unlock := s.peers.Lock(string(senderKey))
	defer unlock()

	now := s.clock.Now()
	sessions, err := s.sessions.OlmSessions(senderKey)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if msg.Type == olm.MessageTypePreKey && !olm.MatchesInbound(sess, msg) {
			continue
		}
		pt, err := olm.Decrypt(&sess, msg, now)
		if err != nil {
			if msg.Type == olm.MessageTypePreKey {
				// A matching pre-key message that fails to decrypt will not
				// succeed on a fresh session either.
				return nil, &domain.CryptoError{Type: domain.BadEncryptedMessage, Reason: "olm decrypt", Err: err}
			}
			continue
		}
		if err := s.sessions.SaveOlmSession(sess); err != nil {
			return nil, err
		}
		return pt, nil
	}
	if msg.Type != olm.MessageTypePreKey {
		return nil, domain.NewCryptoError(domain.BadEncryptedMessage, "no session decrypts the message")
	}

	var (
		sess domain.OlmSession
		pt   []byte
	)
	err = s.account.Update(func(acc *domain.Account) error {
		var err error
		sess, pt, err = olm.NewInboundSession(acc, msg, now)
		if err == nil && sess.PeerIdentityKey != senderKey {
			err = errSenderKeyMismatch
		}
		return err
	})
	if err != nil {
		return nil, &domain.CryptoError{Type: domain.BadEncryptedMessage, Reason: "create inbound session", Err: err}
	}
	if err := s.sessions.SaveOlmSession(sess); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("session_id", string(sess.SessionID)).Msg("created inbound olm session")
	return pt, nil
}

// Compile-time assertion that Service implements domain.OlmEncrypter.
var _ domain.OlmEncrypter = (*Service)(nil)
