package relay

import (
	"encoding/json"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

// Headers identifying the calling device. Authentication is out of scope
// for the relay; it trusts these values.
const (
	HeaderUserID   = "X-E2EE-User"
	HeaderDeviceID = "X-E2EE-Device"
)

type uploadKeysRequest struct {
	DeviceKeys  *domain.DeviceKeys           `json:"device_keys,omitempty"`
	OneTimeKeys map[string]domain.OneTimeKey `json:"one_time_keys,omitempty"`
}

type uploadKeysResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

type queryKeysRequest struct {
	UserIDs []domain.UserID `json:"user_ids"`
}

type queryKeysResponse struct {
	DeviceKeys map[domain.UserID]map[domain.DeviceID]domain.DeviceKeys `json:"device_keys"`
}

type claimKeysRequest struct {
	Devices []domain.DeviceKey `json:"devices"`
}

type claimKeysResponse struct {
	OneTimeKeys map[domain.UserID]map[domain.DeviceID]domain.OneTimeKey `json:"one_time_keys"`
}

type sendToDeviceRequest struct {
	Messages map[domain.UserID]map[domain.DeviceID]json.RawMessage `json:"messages"`
}

type syncResponse struct {
	Events []domain.Event `json:"events"`
}

type membersResponse struct {
	Members []domain.UserID `json:"members"`
}

type sendRoomEventResponse struct {
	EventID string `json:"event_id"`
}

type messagesResponse struct {
	Events []domain.Event `json:"events"`
	Next   int            `json:"next"`
}
