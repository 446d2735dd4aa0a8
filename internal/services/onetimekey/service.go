package onetimekey

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/protocol/olm"
)

// Service publishes the device keys and keeps the relay stocked with signed
// one-time keys.
type Service struct {
	account   domain.LocalAccount
	transport domain.Transport
	logger    zerolog.Logger
}

func New(account domain.LocalAccount, transport domain.Transport, logger zerolog.Logger) *Service {
	return &Service{
		account:   account,
		transport: transport,
		logger:    logger.With().Str("service", "onetimekey").Logger(),
	}
}

// target is the number of unclaimed keys we aim to keep on the relay.
func target() int { return olm.MaxOneTimeKeys / 2 }

// PublishDeviceKeys uploads the self-signed device keys together with
// any one-time keys not uploaded yet.
func (s *Service) PublishDeviceKeys(ctx context.Context) error {
	var keys domain.DeviceKeys
	err := s.account.View(func(acc *domain.Account) error {
		var err error
		keys, err = olm.DeviceKeys(acc)
		return err
	})
	if err != nil {
		return err
	}
	_, err = s.upload(ctx, &keys)
	return err
}

// Replenish tops up the relay's pool of our one-time keys when it has
// fewer than half the maximum. It returns how many keys were generated.
func (s *Service) Replenish(ctx context.Context) (int, error) {
	counts, err := s.transport.UploadKeys(ctx, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("query one-time key count: %w", err)
	}
	missing := target() - counts[domain.KeyAlgorithmSignedCurve25519]
	if missing <= 0 {
		return 0, nil
	}
	if err := s.account.Update(func(acc *domain.Account) error {
		return olm.GenerateOneTimeKeys(acc, missing)
	}); err != nil {
		return 0, err
	}
	if _, err := s.upload(ctx, nil); err != nil {
		return 0, err
	}
	s.logger.Debug().Int("generated", missing).Msg("replenished one-time keys")
	return missing, nil
}

// upload sends unpublished keys and marks them published once the relay
// has accepted them.
func (s *Service) upload(ctx context.Context, deviceKeys *domain.DeviceKeys) (map[string]int, error) {
	var otks map[string]domain.OneTimeKey
	err := s.account.View(func(acc *domain.Account) error {
		var err error
		otks, err = olm.UnpublishedOneTimeKeys(acc)
		return err
	})
	if err != nil {
		return nil, err
	}
	counts, err := s.transport.UploadKeys(ctx, deviceKeys, otks)
	if err != nil {
		return nil, fmt.Errorf("upload keys: %w", err)
	}
	if len(otks) > 0 {
		if err := s.account.Update(func(acc *domain.Account) error {
			olm.MarkKeysAsPublished(acc)
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return counts, nil
}
