package megolm_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/services/megolm"
)

func TestParallelRoomsShareToSameDevice(t *testing.T) {
	_, a, b := pair(t, megolm.DefaultConfig())
	ctx := context.Background()
	members := []domain.UserID{alice, bob}

	// Establish the Olm session first so every room rides the same ratchet.
	_, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("warmup"), members)
	require.NoError(t, err)
	require.Equal(t, []string{domain.EventTypeRoomKey}, b.receive(t))

	const rooms = 24
	payloads := make([]*domain.MegolmPayload, rooms)
	errs := make([]error, rooms)
	var wg sync.WaitGroup
	for i := 0; i < rooms; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			roomID := domain.RoomID(fmt.Sprintf("!room%d:example.org", i))
			payloads[i], errs[i] = a.outbound.Encrypt(ctx, roomID, "m.room.message", text(fmt.Sprintf("msg %d", i)), members)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	seen := b.receive(t)
	assert.Len(t, seen, rooms)

	for i, payload := range payloads {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		res, err := b.inbound.Decrypt(ctx, domain.Event{
			Type:    domain.EventTypeEncrypted,
			EventID: fmt.Sprintf("$%d", i),
			RoomID:  domain.RoomID(fmt.Sprintf("!room%d:example.org", i)),
			Sender:  alice,
			Content: raw,
		}, "main")
		require.NoError(t, err, "room %d", i)
		assert.Contains(t, string(res.ClearEvent), fmt.Sprintf("msg %d", i))
	}
}
