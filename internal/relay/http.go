package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

// HTTP is a Transport talking to a relay Server.
type HTTP struct {
	Base     string
	HTTP     *http.Client
	UserID   domain.UserID
	DeviceID domain.DeviceID
}

// NewHTTP returns a client acting as userID/deviceID against base.
func NewHTTP(base string, userID domain.UserID, deviceID domain.DeviceID) *HTTP {
	return &HTTP{Base: base, HTTP: http.DefaultClient, UserID: userID, DeviceID: deviceID}
}

func (c *HTTP) UploadKeys(
	ctx context.Context,
	deviceKeys *domain.DeviceKeys,
	oneTimeKeys map[string]domain.OneTimeKey,
) (map[string]int, error) {
	var out uploadKeysResponse
	err := c.do(ctx, http.MethodPost, "/v1/keys/upload", uploadKeysRequest{
		DeviceKeys:  deviceKeys,
		OneTimeKeys: oneTimeKeys,
	}, &out)
	return out.OneTimeKeyCounts, err
}

func (c *HTTP) DownloadKeys(
	ctx context.Context,
	userIDs []domain.UserID,
) (map[domain.UserID]map[domain.DeviceID]domain.DeviceKeys, error) {
	var out queryKeysResponse
	if err := c.do(ctx, http.MethodPost, "/v1/keys/query", queryKeysRequest{UserIDs: userIDs}, &out); err != nil {
		return nil, err
	}
	return out.DeviceKeys, nil
}

func (c *HTTP) ClaimOneTimeKeys(
	ctx context.Context,
	devices []domain.DeviceKey,
) (domain.DeviceMap[domain.OneTimeKey], error) {
	var out claimKeysResponse
	if err := c.do(ctx, http.MethodPost, "/v1/keys/claim", claimKeysRequest{Devices: devices}, &out); err != nil {
		return nil, err
	}
	return domain.FromNested(out.OneTimeKeys), nil
}

func (c *HTTP) SendToDevice(
	ctx context.Context,
	eventType string,
	messages domain.DeviceMap[json.RawMessage],
) error {
	return c.do(ctx, http.MethodPut, "/v1/sendToDevice/"+url.PathEscape(eventType),
		sendToDeviceRequest{Messages: messages.Nested()}, nil)
}

func (c *HTTP) Sync(ctx context.Context, limit int) ([]domain.Event, error) {
	path := "/v1/sync"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out syncResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *HTTP) JoinRoom(ctx context.Context, roomID domain.RoomID) error {
	return c.do(ctx, http.MethodPost, roomPath(roomID, "join"), struct{}{}, nil)
}

func (c *HTTP) RoomMembers(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error) {
	var out membersResponse
	if err := c.do(ctx, http.MethodGet, roomPath(roomID, "members"), nil, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (c *HTTP) SendRoomEvent(
	ctx context.Context,
	roomID domain.RoomID,
	eventType string,
	content json.RawMessage,
) (string, error) {
	var out sendRoomEventResponse
	err := c.do(ctx, http.MethodPost, roomPath(roomID, "send/"+url.PathEscape(eventType)), content, &out)
	return out.EventID, err
}

func (c *HTTP) RoomMessages(ctx context.Context, roomID domain.RoomID, since int) ([]domain.Event, int, error) {
	var out messagesResponse
	path := roomPath(roomID, "messages") + "?since=" + strconv.Itoa(since)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, since, err
	}
	return out.Events, out.Next, nil
}

func roomPath(roomID domain.RoomID, rest string) string {
	return "/v1/rooms/" + url.PathEscape(string(roomID)) + "/" + rest
}

func (c *HTTP) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderUserID, string(c.UserID))
	req.Header.Set(HeaderDeviceID, string(c.DeviceID))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("relay %s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var (
	_ domain.Transport     = (*HTTP)(nil)
	_ domain.RoomTransport = (*HTTP)(nil)
)
