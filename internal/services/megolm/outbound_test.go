package megolm_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/domain/interfaces/mocks"
	"github.com/element-hq/element-android-sub023/internal/services/identity"
	"github.com/element-hq/element-android-sub023/internal/services/megolm"
	"github.com/element-hq/element-android-sub023/internal/store"
)

// staticDevices serves a fixed device list.
type staticDevices map[domain.UserID]map[domain.DeviceID]domain.DeviceInfo

func (s staticDevices) Refresh(
	_ context.Context,
	userIDs []domain.UserID,
) (map[domain.UserID]map[domain.DeviceID]domain.DeviceInfo, error) {
	out := make(map[domain.UserID]map[domain.DeviceID]domain.DeviceInfo)
	for _, u := range userIDs {
		out[u] = s[u]
	}
	return out, nil
}

func (s staticDevices) Device(userID domain.UserID, deviceID domain.DeviceID) (domain.DeviceInfo, bool, error) {
	d, ok := s[userID][deviceID]
	return d, ok, nil
}

func (s staticDevices) DeviceByIdentityKey(key domain.Curve25519Key) (domain.DeviceInfo, bool, error) {
	for _, byDevice := range s {
		for _, d := range byDevice {
			if d.IdentityKey() == key {
				return d, true, nil
			}
		}
	}
	return domain.DeviceInfo{}, false, nil
}

func fakeDevice(user domain.UserID, id domain.DeviceID) domain.DeviceInfo {
	return domain.DeviceInfo{
		DeviceKeys: domain.DeviceKeys{
			UserID:   user,
			DeviceID: id,
			Keys: map[string]string{
				domain.KeyID(domain.KeyAlgorithmCurve25519, string(id)): "curve-" + string(id),
				domain.KeyID(domain.KeyAlgorithmEd25519, string(id)):    "ed-" + string(id),
			},
		},
		Verification: domain.DeviceUnverified,
	}
}

func TestShareInBatches(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ctrl := gomock.NewController(t)

	acc := identity.New(store.NewAccountFileStoreWithCost(dir, 1<<10, 8, 1), zerolog.Nop())
	_, err := acc.Create("Correct-Horse-9-Battery", alice, "ALICE1")
	require.NoError(t, err)
	bolt, err := store.OpenBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	devs := staticDevices{bob: {}}
	for i := 0; i < 5; i++ {
		id := domain.DeviceID(fmt.Sprintf("BOB%d", i))
		devs[bob][id] = fakeDevice(bob, id)
	}

	ensurer := mocks.NewMockOlmSessionEnsurer(ctrl)
	encrypter := mocks.NewMockOlmEncrypter(ctrl)
	transport := mocks.NewMockTransport(ctrl)
	backup := mocks.NewMockKeyBackup(ctrl)

	ensurer.EXPECT().EnsureOlmSessions(gomock.Any(), gomock.Len(5), false).DoAndReturn(
		func(_ context.Context, devices []domain.DeviceInfo, _ bool) (domain.DeviceMap[domain.SessionID], error) {
			out := make(domain.DeviceMap[domain.SessionID])
			for _, d := range devices {
				if d.DeviceID != "BOB4" {
					out.Set(d.UserID, d.DeviceID, "olm")
				}
			}
			return out, nil
		})
	encrypter.EXPECT().EncryptFor(gomock.Any(), domain.EventTypeRoomKey, gomock.Any()).Times(4).DoAndReturn(
		func(d domain.DeviceInfo, _ string, content any) (domain.OlmPayload, error) {
			key := content.(domain.RoomKeyContent)
			assert.Equal(t, uint32(0), key.ChainIndex)
			return domain.OlmPayload{Algorithm: domain.AlgorithmOlm, SenderKey: "me"}, nil
		})

	var (
		mu      sync.Mutex
		batches []int
	)
	transport.EXPECT().SendToDevice(gomock.Any(), domain.EventTypeEncrypted, gomock.Any()).Times(2).DoAndReturn(
		func(_ context.Context, _ string, messages domain.DeviceMap[json.RawMessage]) error {
			mu.Lock()
			batches = append(batches, len(messages))
			mu.Unlock()
			return nil
		})
	transport.EXPECT().SendToDevice(gomock.Any(), domain.EventTypeRoomKeyWithheld, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, messages domain.DeviceMap[json.RawMessage]) error {
			require.True(t, messages.Has(bob, "BOB4"))
			var w domain.RoomKeyWithheldContent
			require.NoError(t, json.Unmarshal(messages[domain.DeviceKey{UserID: bob, DeviceID: "BOB4"}], &w))
			assert.Equal(t, domain.WithheldNoOlm, w.Code)
			return nil
		})
	backup.EXPECT().MaybeBackupKeys(gomock.Any())

	cfg := megolm.DefaultConfig()
	cfg.ShareBatchSize = 2
	out := megolm.NewOutbound(cfg, megolm.OutboundDeps{
		Account:   acc,
		Devices:   devs,
		Olm:       ensurer,
		Encrypter: encrypter,
		Inbound:   bolt,
		Shared:    bolt,
		Backup:    backup,
		Transport: transport,
		Clock:     clock.Fake(time.Unix(1_700_000_000, 0)),
	}, zerolog.Nop())

	payload, err := out.Encrypt(ctx, room, "m.room.message", text("hi"), []domain.UserID{bob})
	require.NoError(t, err)

	sort.Ints(batches)
	assert.Equal(t, []int{2, 2}, batches)
	info, ok := out.SessionInfo(room)
	require.True(t, ok)
	assert.Equal(t, 4, info.SharedWith)

	for i := 0; i < 4; i++ {
		index, ok, err := bolt.SharedWith(room, payload.SessionID, bob, domain.DeviceID(fmt.Sprintf("BOB%d", i)))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint32(0), index)
	}
	_, ok, err = bolt.SharedWith(room, payload.SessionID, bob, "BOB4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShareFailureIsReported(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ctrl := gomock.NewController(t)

	acc := identity.New(store.NewAccountFileStoreWithCost(dir, 1<<10, 8, 1), zerolog.Nop())
	_, err := acc.Create("Correct-Horse-9-Battery", alice, "ALICE1")
	require.NoError(t, err)
	bolt, err := store.OpenBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	devs := staticDevices{bob: {"BOB1": fakeDevice(bob, "BOB1")}}
	ensurer := mocks.NewMockOlmSessionEnsurer(ctrl)
	encrypter := mocks.NewMockOlmEncrypter(ctrl)
	transport := mocks.NewMockTransport(ctrl)

	ensurer.EXPECT().EnsureOlmSessions(gomock.Any(), gomock.Any(), false).
		Return(domain.DeviceMap[domain.SessionID]{{UserID: bob, DeviceID: "BOB1"}: "olm"}, nil).Times(2)
	encrypter.EXPECT().EncryptFor(gomock.Any(), domain.EventTypeRoomKey, gomock.Any()).
		Return(domain.OlmPayload{Algorithm: domain.AlgorithmOlm}, nil).Times(2)
	offline := errors.New("relay offline")
	gomock.InOrder(
		transport.EXPECT().SendToDevice(gomock.Any(), domain.EventTypeEncrypted, gomock.Any()).Return(offline),
		transport.EXPECT().SendToDevice(gomock.Any(), domain.EventTypeEncrypted, gomock.Any()).Return(nil),
	)

	out := megolm.NewOutbound(megolm.DefaultConfig(), megolm.OutboundDeps{
		Account:   acc,
		Devices:   devs,
		Olm:       ensurer,
		Encrypter: encrypter,
		Inbound:   bolt,
		Shared:    bolt,
		Transport: transport,
		Clock:     clock.Fake(time.Unix(1_700_000_000, 0)),
	}, zerolog.Nop())

	_, err = out.Encrypt(ctx, room, "m.room.message", text("hi"), []domain.UserID{bob})
	require.ErrorIs(t, err, offline)

	// The session survives and is shared on the next attempt.
	_, err = out.Encrypt(ctx, room, "m.room.message", text("hi"), []domain.UserID{bob})
	require.NoError(t, err)
	info, ok := out.SessionInfo(room)
	require.True(t, ok)
	assert.Equal(t, 1, info.UseCount)
	assert.Equal(t, 1, info.SharedWith)
}
