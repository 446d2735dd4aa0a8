package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

const devicesFilename = "devices.json"

// ErrUnknownDevice is returned when updating a device that is not stored.
var ErrUnknownDevice = errors.New("unknown device")

type deviceFile map[domain.UserID]map[domain.DeviceID]domain.DeviceInfo

// DeviceFileStore keeps tracked users' device lists in a JSON file.
type DeviceFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewDeviceFileStore returns a DeviceFileStore rooted at dir.
func NewDeviceFileStore(dir string) *DeviceFileStore {
	return &DeviceFileStore{dir: dir}
}

func (s *DeviceFileStore) path() string { return filepath.Join(s.dir, devicesFilename) }

func (s *DeviceFileStore) load() (deviceFile, error) {
	all := make(deviceFile)
	if err := loadJSON(s.path(), &all); err != nil {
		return nil, err
	}
	return all, nil
}

// StoreUserDevices replaces the device list of userID. A known device keeps
// its verification state unless its signing key changed.
func (s *DeviceFileStore) StoreUserDevices(userID domain.UserID, devices []domain.DeviceKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	previous := all[userID]
	next := make(map[domain.DeviceID]domain.DeviceInfo, len(devices))
	for _, keys := range devices {
		info := domain.DeviceInfo{DeviceKeys: keys, Verification: domain.DeviceUnknown}
		if old, ok := previous[keys.DeviceID]; ok && old.FingerprintKey() == keys.FingerprintKey() {
			info.Verification = old.Verification
			info.DisplayName = old.DisplayName
		}
		next[keys.DeviceID] = info
	}
	all[userID] = next
	return saveJSON(s.path(), all)
}

// UserDevices returns every stored device of userID.
func (s *DeviceFileStore) UserDevices(userID domain.UserID) (map[domain.DeviceID]domain.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[domain.DeviceID]domain.DeviceInfo, len(all[userID]))
	for id, info := range all[userID] {
		out[id] = info
	}
	return out, nil
}

// Device returns one stored device.
func (s *DeviceFileStore) Device(userID domain.UserID, deviceID domain.DeviceID) (domain.DeviceInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return domain.DeviceInfo{}, false, err
	}
	info, ok := all[userID][deviceID]
	return info, ok, nil
}

// DeviceByIdentityKey finds the device owning a Curve25519 identity key.
func (s *DeviceFileStore) DeviceByIdentityKey(key domain.Curve25519Key) (domain.DeviceInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return domain.DeviceInfo{}, false, err
	}
	for _, devices := range all {
		for _, info := range devices {
			if info.IdentityKey() == key {
				return info, true, nil
			}
		}
	}
	return domain.DeviceInfo{}, false, nil
}

// SetDeviceVerification updates the local trust level of a device.
func (s *DeviceFileStore) SetDeviceVerification(
	userID domain.UserID,
	deviceID domain.DeviceID,
	v domain.DeviceVerification,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.load()
	if err != nil {
		return err
	}
	info, ok := all[userID][deviceID]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrUnknownDevice, userID, deviceID)
	}
	info.Verification = v
	all[userID][deviceID] = info
	return saveJSON(s.path(), all)
}

// Compile-time assertion that DeviceFileStore implements domain.DeviceStore.
var _ domain.DeviceStore = (*DeviceFileStore)(nil)
