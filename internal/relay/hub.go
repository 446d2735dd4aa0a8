package relay

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/domain"
)

var (
	// ErrNotMember is returned for room operations by users outside the room.
	ErrNotMember = errors.New("not a member of the room")
	// ErrUnknownRoom is returned for rooms nobody has joined.
	ErrUnknownRoom = errors.New("unknown room")
)

type room struct {
	members map[domain.UserID]struct{}
	events  []domain.Event
}

// Hub is the in-memory subset of a homeserver the crypto core relies on:
// device key directory, one-time key pool, to-device queues and rooms.
type Hub struct {
	clock clock.Clock

	mu          sync.Mutex
	devices     map[domain.UserID]map[domain.DeviceID]domain.DeviceKeys
	oneTimeKeys domain.DeviceMap[map[string]domain.OneTimeKey]
	inbox       domain.DeviceMap[[]domain.Event]
	rooms       map[domain.RoomID]*room
}

// NewHub returns an empty hub.
func NewHub(c clock.Clock) *Hub {
	return &Hub{
		clock:       c,
		devices:     make(map[domain.UserID]map[domain.DeviceID]domain.DeviceKeys),
		oneTimeKeys: make(domain.DeviceMap[map[string]domain.OneTimeKey]),
		inbox:       make(domain.DeviceMap[[]domain.Event]),
		rooms:       make(map[domain.RoomID]*room),
	}
}

// UploadKeys stores the device keys (when given) and adds one-time keys to
// the device's pool. It returns the unclaimed key count per algorithm.
func (h *Hub) UploadKeys(
	userID domain.UserID,
	deviceID domain.DeviceID,
	deviceKeys *domain.DeviceKeys,
	oneTimeKeys map[string]domain.OneTimeKey,
) map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if deviceKeys != nil {
		byDevice, ok := h.devices[userID]
		if !ok {
			byDevice = make(map[domain.DeviceID]domain.DeviceKeys)
			h.devices[userID] = byDevice
		}
		byDevice[deviceID] = *deviceKeys
	}
	pool, ok := h.oneTimeKeys.Get(userID, deviceID)
	if !ok {
		pool = make(map[string]domain.OneTimeKey)
		h.oneTimeKeys.Set(userID, deviceID, pool)
	}
	for id, k := range oneTimeKeys {
		pool[id] = k
	}
	counts := make(map[string]int)
	for id := range pool {
		alg, _, _ := strings.Cut(id, ":")
		counts[alg]++
	}
	return counts
}

// DownloadKeys returns the published device keys of each user.
func (h *Hub) DownloadKeys(userIDs []domain.UserID) map[domain.UserID]map[domain.DeviceID]domain.DeviceKeys {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[domain.UserID]map[domain.DeviceID]domain.DeviceKeys, len(userIDs))
	for _, u := range userIDs {
		byDevice := make(map[domain.DeviceID]domain.DeviceKeys, len(h.devices[u]))
		for d, k := range h.devices[u] {
			byDevice[d] = k
		}
		out[u] = byDevice
	}
	return out
}

// ClaimOneTimeKeys removes and returns one signed one-time key per device.
// Keys are handed out in key-id order.
func (h *Hub) ClaimOneTimeKeys(devices []domain.DeviceKey) domain.DeviceMap[domain.OneTimeKey] {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(domain.DeviceMap[domain.OneTimeKey])
	for _, dk := range devices {
		pool := h.oneTimeKeys[dk]
		ids := make([]string, 0, len(pool))
		for id := range pool {
			if strings.HasPrefix(id, domain.KeyAlgorithmSignedCurve25519+":") {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)
		out[dk] = pool[ids[0]]
		delete(pool, ids[0])
	}
	return out
}

// SendToDevice queues one event per addressed device. DeviceID "*" fans out
// to every device the user has published keys for.
func (h *Hub) SendToDevice(sender domain.UserID, eventType string, messages domain.DeviceMap[json.RawMessage]) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, dk := range messages.Keys() {
		ev := domain.Event{
			Type:           eventType,
			Sender:         sender,
			Content:        messages[dk],
			OriginServerTS: h.clock.Now().UnixMilli(),
		}
		if dk.DeviceID != domain.AllDevices {
			h.inbox[dk] = append(h.inbox[dk], ev)
			continue
		}
		for d := range h.devices[dk.UserID] {
			k := domain.DeviceKey{UserID: dk.UserID, DeviceID: d}
			h.inbox[k] = append(h.inbox[k], ev)
		}
	}
}

// Sync pops up to limit queued to-device events for a device.
func (h *Hub) Sync(userID domain.UserID, deviceID domain.DeviceID, limit int) []domain.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := domain.DeviceKey{UserID: userID, DeviceID: deviceID}
	queued := h.inbox[k]
	if limit <= 0 || limit > len(queued) {
		limit = len(queued)
	}
	out := append([]domain.Event(nil), queued[:limit]...)
	if rest := queued[limit:]; len(rest) > 0 {
		h.inbox[k] = rest
	} else {
		delete(h.inbox, k)
	}
	return out
}

// JoinRoom adds a user to a room, creating it on first join.
func (h *Hub) JoinRoom(userID domain.UserID, roomID domain.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{members: make(map[domain.UserID]struct{})}
		h.rooms[roomID] = r
	}
	r.members[userID] = struct{}{}
}

// RoomMembers lists the joined users in sorted order.
func (h *Hub) RoomMembers(roomID domain.RoomID) ([]domain.UserID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return nil, ErrUnknownRoom
	}
	out := make([]domain.UserID, 0, len(r.members))
	for u := range r.members {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// SendRoomEvent appends an event to the room timeline.
func (h *Hub) SendRoomEvent(
	sender domain.UserID,
	roomID domain.RoomID,
	eventType string,
	content json.RawMessage,
) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, err := h.memberRoom(sender, roomID)
	if err != nil {
		return "", err
	}
	ev := domain.Event{
		Type:           eventType,
		EventID:        "$" + uuid.NewString(),
		RoomID:         roomID,
		Sender:         sender,
		Content:        content,
		OriginServerTS: h.clock.Now().UnixMilli(),
	}
	r.events = append(r.events, ev)
	return ev.EventID, nil
}

// RoomMessages returns the timeline from position since, plus the next position.
func (h *Hub) RoomMessages(userID domain.UserID, roomID domain.RoomID, since int) ([]domain.Event, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, err := h.memberRoom(userID, roomID)
	if err != nil {
		return nil, since, err
	}
	if since < 0 || since > len(r.events) {
		since = len(r.events)
	}
	return append([]domain.Event(nil), r.events[since:]...), len(r.events), nil
}

func (h *Hub) memberRoom(userID domain.UserID, roomID domain.RoomID) (*room, error) {
	r, ok := h.rooms[roomID]
	if !ok {
		return nil, ErrUnknownRoom
	}
	if _, ok := r.members[userID]; !ok {
		return nil, ErrNotMember
	}
	return r, nil
}
