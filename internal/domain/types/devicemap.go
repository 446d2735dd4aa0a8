package types

import (
	"fmt"
	"sort"
	"strings"
)

// DeviceKey addresses one device of one user.
type DeviceKey struct {
	UserID   UserID   `json:"user_id"`
	DeviceID DeviceID `json:"device_id"`
}

// String returns "user|device".
func (k DeviceKey) String() string { return string(k.UserID) + "|" + string(k.DeviceID) }

// MarshalText lets DeviceKey act as a JSON object key.
func (k DeviceKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses "user|device".
func (k *DeviceKey) UnmarshalText(b []byte) error {
	user, device, ok := strings.Cut(string(b), "|")
	if !ok {
		return fmt.Errorf("malformed device key %q", b)
	}
	k.UserID, k.DeviceID = UserID(user), DeviceID(device)
	return nil
}

// DeviceMap is a flat map keyed by (user, device).
type DeviceMap[V any] map[DeviceKey]V

// Set stores v for the device.
func (m DeviceMap[V]) Set(userID UserID, deviceID DeviceID, v V) {
	m[DeviceKey{UserID: userID, DeviceID: deviceID}] = v
}

// Get returns the value stored for the device.
func (m DeviceMap[V]) Get(userID UserID, deviceID DeviceID) (V, bool) {
	v, ok := m[DeviceKey{UserID: userID, DeviceID: deviceID}]
	return v, ok
}

// Has reports whether the device has an entry.
func (m DeviceMap[V]) Has(userID UserID, deviceID DeviceID) bool {
	_, ok := m[DeviceKey{UserID: userID, DeviceID: deviceID}]
	return ok
}

// Keys returns the entries' keys sorted by user then device.
func (m DeviceMap[V]) Keys() []DeviceKey {
	out := make([]DeviceKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// UserIDs returns the distinct users in sorted order.
func (m DeviceMap[V]) UserIDs() []UserID {
	seen := make(map[UserID]struct{}, len(m))
	out := make([]UserID, 0, len(m))
	for k := range m {
		if _, ok := seen[k.UserID]; ok {
			continue
		}
		seen[k.UserID] = struct{}{}
		out = append(out, k.UserID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Nested converts the map into the user -> device -> value wire layout.
func (m DeviceMap[V]) Nested() map[UserID]map[DeviceID]V {
	out := make(map[UserID]map[DeviceID]V)
	for k, v := range m {
		byDevice, ok := out[k.UserID]
		if !ok {
			byDevice = make(map[DeviceID]V)
			out[k.UserID] = byDevice
		}
		byDevice[k.DeviceID] = v
	}
	return out
}

// FromNested builds a DeviceMap from the wire layout.
func FromNested[V any](nested map[UserID]map[DeviceID]V) DeviceMap[V] {
	out := make(DeviceMap[V])
	for u, byDevice := range nested {
		for d, v := range byDevice {
			out.Set(u, d, v)
		}
	}
	return out
}
