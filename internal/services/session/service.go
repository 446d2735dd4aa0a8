package session

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/crypto"
	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/protocol/olm"
	"github.com/element-hq/element-android-sub023/internal/protocol/x3dh"
)

// Service establishes pairwise Olm sessions with other devices.
//
// For every device without a session it:
//   - claims one signed one-time key from the relay,
//   - checks the key's signature against the device's Ed25519 key,
//   - runs the Olm handshake as initiator,
//   - stores the session for the message service.
type Service struct {
	account   domain.LocalAccount
	sessions  domain.OlmSessionStore
	transport domain.Transport
	clock     clock.Clock
	logger    zerolog.Logger
}

// New constructs a session service.
func New(
	account domain.LocalAccount,
	sessions domain.OlmSessionStore,
	transport domain.Transport,
	c clock.Clock,
	logger zerolog.Logger,
) *Service {
	return &Service{
		account:   account,
		sessions:  sessions,
		transport: transport,
		clock:     c,
		logger:    logger.With().Str("service", "session").Logger(),
	}
}

// EnsureOlmSessions returns a session id for every device we have (or could
// create) a session with. With force set, new sessions are created even
// when one exists. Devices without a claimable one-time key are left out.
func (s *Service) EnsureOlmSessions(
	ctx context.Context,
	devices []domain.DeviceInfo,
	force bool,
) (domain.DeviceMap[domain.SessionID], error) {
	out := make(domain.DeviceMap[domain.SessionID])
	missing := make(map[domain.DeviceKey]domain.DeviceInfo)

	for _, d := range devices {
		if d.UserID == s.account.UserID() && d.DeviceID == s.account.DeviceID() {
			continue
		}
		ik := d.IdentityKey()
		if ik == "" {
			s.logger.Warn().Str("user_id", string(d.UserID)).Str("device_id", string(d.DeviceID)).
				Msg("device has no identity key")
			continue
		}
		if !force {
			existing, err := s.sessions.OlmSessions(ik)
			if err != nil {
				return nil, err
			}
			if len(existing) > 0 {
				out[d.Key()] = existing[0].SessionID
				continue
			}
		}
		missing[d.Key()] = d
	}
	if len(missing) == 0 {
		return out, nil
	}

	claim := make([]domain.DeviceKey, 0, len(missing))
	for k := range missing {
		claim = append(claim, k)
	}
	claimed, err := s.transport.ClaimOneTimeKeys(ctx, claim)
	if err != nil {
		return nil, fmt.Errorf("claim one-time keys: %w", err)
	}

	for _, k := range claimed.Keys() {
		d, ok := missing[k]
		if !ok {
			continue
		}
		id, err := s.createSession(d, claimed[k])
		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", string(k.UserID)).Str("device_id", string(k.DeviceID)).
				Msg("could not create olm session")
			continue
		}
		out[k] = id
	}
	for k := range missing {
		if !claimed.Has(k.UserID, k.DeviceID) {
			s.logger.Debug().Str("user_id", string(k.UserID)).Str("device_id", string(k.DeviceID)).
				Msg("no one-time key available")
		}
	}
	return out, nil
}

func (s *Service) createSession(d domain.DeviceInfo, otk domain.OneTimeKey) (domain.SessionID, error) {
	signer, err := crypto.ParseEd25519Key(d.FingerprintKey())
	if err != nil {
		return "", err
	}
	if err := x3dh.VerifyOneTimeKey(signer, d.UserID, d.DeviceID, otk); err != nil {
		return "", err
	}
	var sess domain.OlmSession
	err = s.account.View(func(acc *domain.Account) error {
		var err error
		sess, err = olm.NewOutboundSession(acc, d.IdentityKey(), otk.Key, s.clock.Now())
		return err
	})
	if err != nil {
		return "", err
	}
	if err := s.sessions.SaveOlmSession(sess); err != nil {
		return "", err
	}
	return sess.SessionID, nil
}

// Compile-time assertion that Service implements domain.OlmSessionEnsurer.
var _ domain.OlmSessionEnsurer = (*Service)(nil)
