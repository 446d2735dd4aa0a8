package devices

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/protocol/olm"
)

// Service keeps the local device lists in sync with the relay.
type Service struct {
	store     domain.DeviceStore
	transport domain.Transport
	logger    zerolog.Logger
}

func New(store domain.DeviceStore, transport domain.Transport, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		transport: transport,
		logger:    logger.With().Str("service", "devices").Logger(),
	}
}

// Refresh downloads the device lists of userIDs, drops bundles whose
// self-signature does not verify and stores the rest. It returns the
// stored devices per user.
func (s *Service) Refresh(
	ctx context.Context,
	userIDs []domain.UserID,
) (map[domain.UserID]map[domain.DeviceID]domain.DeviceInfo, error) {
	downloaded, err := s.transport.DownloadKeys(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("download keys: %w", err)
	}
	out := make(map[domain.UserID]map[domain.DeviceID]domain.DeviceInfo, len(userIDs))
	for _, userID := range userIDs {
		byDevice, ok := downloaded[userID]
		if !ok {
			// Not returned by the relay; keep what we have.
			stored, err := s.store.UserDevices(userID)
			if err != nil {
				return nil, err
			}
			out[userID] = stored
			continue
		}
		valid := make([]domain.DeviceKeys, 0, len(byDevice))
		for deviceID, keys := range byDevice {
			if keys.UserID != userID || keys.DeviceID != deviceID {
				s.logger.Warn().Str("user_id", string(userID)).Str("device_id", string(deviceID)).
					Msg("device keys under the wrong user or device id")
				continue
			}
			if err := olm.VerifyDeviceKeys(keys); err != nil {
				s.logger.Warn().Err(err).Str("user_id", string(userID)).Msg("dropping device")
				continue
			}
			valid = append(valid, keys)
		}
		sort.Slice(valid, func(i, j int) bool { return valid[i].DeviceID < valid[j].DeviceID })
		if err := s.store.StoreUserDevices(userID, valid); err != nil {
			return nil, err
		}
		stored, err := s.store.UserDevices(userID)
		if err != nil {
			return nil, err
		}
		out[userID] = stored
	}
	return out, nil
}

// UserDevices returns the stored devices of a user.
func (s *Service) UserDevices(userID domain.UserID) (map[domain.DeviceID]domain.DeviceInfo, error) {
	return s.store.UserDevices(userID)
}

// Device returns one stored device.
func (s *Service) Device(userID domain.UserID, deviceID domain.DeviceID) (domain.DeviceInfo, bool, error) {
	return s.store.Device(userID, deviceID)
}

// DeviceByIdentityKey finds the stored device owning a Curve25519 key.
func (s *Service) DeviceByIdentityKey(key domain.Curve25519Key) (domain.DeviceInfo, bool, error) {
	return s.store.DeviceByIdentityKey(key)
}

// SetVerification records the user's trust decision for a device.
func (s *Service) SetVerification(
	userID domain.UserID,
	deviceID domain.DeviceID,
	v domain.DeviceVerification,
) error {
	if err := s.store.SetDeviceVerification(userID, deviceID, v); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", string(userID)).Str("device_id", string(deviceID)).
		Stringer("verification", v).Msg("device trust changed")
	return nil
}

// MarkKnown moves every unknown device of the users to unverified, which
// is how the user acknowledges new devices.
func (s *Service) MarkKnown(userIDs []domain.UserID) error {
	for _, userID := range userIDs {
		devices, err := s.store.UserDevices(userID)
		if err != nil {
			return err
		}
		for id, d := range devices {
			if d.IsUnknown() {
				if err := s.store.SetDeviceVerification(userID, id, domain.DeviceUnverified); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
