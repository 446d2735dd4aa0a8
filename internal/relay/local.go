package relay

import (
	"context"
	"encoding/json"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

// Local is an in-process Transport bound to one device of a Hub.
type Local struct {
	hub      *Hub
	userID   domain.UserID
	deviceID domain.DeviceID
}

// NewLocal returns a transport acting as userID/deviceID on hub.
func NewLocal(hub *Hub, userID domain.UserID, deviceID domain.DeviceID) *Local {
	return &Local{hub: hub, userID: userID, deviceID: deviceID}
}

func (l *Local) UploadKeys(
	ctx context.Context,
	deviceKeys *domain.DeviceKeys,
	oneTimeKeys map[string]domain.OneTimeKey,
) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.hub.UploadKeys(l.userID, l.deviceID, deviceKeys, oneTimeKeys), nil
}

func (l *Local) DownloadKeys(
	ctx context.Context,
	userIDs []domain.UserID,
) (map[domain.UserID]map[domain.DeviceID]domain.DeviceKeys, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.hub.DownloadKeys(userIDs), nil
}

func (l *Local) ClaimOneTimeKeys(
	ctx context.Context,
	devices []domain.DeviceKey,
) (domain.DeviceMap[domain.OneTimeKey], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.hub.ClaimOneTimeKeys(devices), nil
}

func (l *Local) SendToDevice(
	ctx context.Context,
	eventType string,
	messages domain.DeviceMap[json.RawMessage],
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.hub.SendToDevice(l.userID, eventType, messages)
	return nil
}

func (l *Local) Sync(ctx context.Context, limit int) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.hub.Sync(l.userID, l.deviceID, limit), nil
}

func (l *Local) JoinRoom(ctx context.Context, roomID domain.RoomID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.hub.JoinRoom(l.userID, roomID)
	return nil
}

func (l *Local) RoomMembers(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.hub.RoomMembers(roomID)
}

func (l *Local) SendRoomEvent(
	ctx context.Context,
	roomID domain.RoomID,
	eventType string,
	content json.RawMessage,
) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return l.hub.SendRoomEvent(l.userID, roomID, eventType, content)
}

func (l *Local) RoomMessages(ctx context.Context, roomID domain.RoomID, since int) ([]domain.Event, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, since, err
	}
	return l.hub.RoomMessages(l.userID, roomID, since)
}

var (
	_ domain.Transport     = (*Local)(nil)
	_ domain.RoomTransport = (*Local)(nil)
)
