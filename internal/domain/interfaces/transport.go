package interfaces

import (
	"context"
	"encoding/json"

	domaintypes "github.com/element-hq/element-android-sub023/internal/domain/types"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_transport.go -package=mocks . Transport

// Transport is how a device talks to the relay, all with context.
type Transport interface {
	// UploadKeys publishes device keys (when non-nil) and one-time keys and
	// returns the count of unclaimed one-time keys per algorithm.
	UploadKeys(
		ctx context.Context,
		deviceKeys *domaintypes.DeviceKeys,
		oneTimeKeys map[string]domaintypes.OneTimeKey,
	) (map[string]int, error)
	DownloadKeys(
		ctx context.Context,
		userIDs []domaintypes.UserID,
	) (map[domaintypes.UserID]map[domaintypes.DeviceID]domaintypes.DeviceKeys, error)
	// ClaimOneTimeKeys claims one signed_curve25519 key per device. Devices
	// without keys left are absent from the result.
	ClaimOneTimeKeys(
		ctx context.Context,
		devices []domaintypes.DeviceKey,
	) (domaintypes.DeviceMap[domaintypes.OneTimeKey], error)
	// SendToDevice delivers one message per device in a single call. A
	// DeviceID of "*" addresses every device of the user.
	SendToDevice(
		ctx context.Context,
		eventType string,
		messages domaintypes.DeviceMap[json.RawMessage],
	) error
	// Sync returns and removes up to limit queued to-device events.
	Sync(ctx context.Context, limit int) ([]domaintypes.Event, error)
}

// RoomTransport covers the room operations the CLI needs.
type RoomTransport interface {
	JoinRoom(ctx context.Context, roomID domaintypes.RoomID) error
	RoomMembers(ctx context.Context, roomID domaintypes.RoomID) ([]domaintypes.UserID, error)
	SendRoomEvent(
		ctx context.Context,
		roomID domaintypes.RoomID,
		eventType string,
		content json.RawMessage,
	) (eventID string, err error)
	// RoomMessages returns the events after position since and the new position.
	RoomMessages(
		ctx context.Context,
		roomID domaintypes.RoomID,
		since int,
	) ([]domaintypes.Event, int, error)
}
