package onetimekey_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/domain/interfaces/mocks"
	"github.com/element-hq/element-android-sub023/internal/protocol/olm"
	"github.com/element-hq/element-android-sub023/internal/relay"
	"github.com/element-hq/element-android-sub023/internal/services/identity"
	"github.com/element-hq/element-android-sub023/internal/services/onetimekey"
	"github.com/element-hq/element-android-sub023/internal/store"
)

func newAccount(t *testing.T) *identity.Service {
	t.Helper()
	acc := identity.New(store.NewAccountFileStoreWithCost(t.TempDir(), 1<<10, 8, 1), zerolog.Nop())
	_, err := acc.Create("Correct-Horse-9-Battery", "@alice:example.org", "ALICE1")
	require.NoError(t, err)
	return acc
}

func TestPublishAndReplenish(t *testing.T) {
	ctx := context.Background()
	acc := newAccount(t)
	hub := relay.NewHub(clock.Fake(time.Unix(0, 0)))
	svc := onetimekey.New(acc, relay.NewLocal(hub, acc.UserID(), acc.DeviceID()), zerolog.Nop())

	require.NoError(t, svc.PublishDeviceKeys(ctx))
	published := hub.DownloadKeys([]domain.UserID{acc.UserID()})
	require.Contains(t, published[acc.UserID()], acc.DeviceID())
	require.NoError(t, olm.VerifyDeviceKeys(published[acc.UserID()][acc.DeviceID()]))

	n, err := svc.Replenish(ctx)
	require.NoError(t, err)
	assert.Equal(t, olm.MaxOneTimeKeys/2, n)

	n, err = svc.Replenish(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "pool is already full")

	claimed := hub.ClaimOneTimeKeys([]domain.DeviceKey{{UserID: acc.UserID(), DeviceID: acc.DeviceID()}})
	require.Len(t, claimed, 1)

	n, err = svc.Replenish(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, acc.View(func(a *domain.Account) error {
		for _, k := range a.OneTimeKeys {
			assert.True(t, k.Published)
		}
		return nil
	}))
}

func TestReplenish_UploadFailureKeepsKeysUnpublished(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	transport := mocks.NewMockTransport(ctrl)
	acc := newAccount(t)
	svc := onetimekey.New(acc, transport, zerolog.Nop())

	transport.EXPECT().UploadKeys(gomock.Any(), gomock.Nil(), gomock.Nil()).Return(map[string]int{}, nil)
	transport.EXPECT().UploadKeys(gomock.Any(), gomock.Nil(), gomock.Len(olm.MaxOneTimeKeys/2)).
		Return(nil, context.DeadlineExceeded)

	_, err := svc.Replenish(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, acc.View(func(a *domain.Account) error {
		unpublished, err := olm.UnpublishedOneTimeKeys(a)
		require.NoError(t, err)
		assert.Len(t, unpublished, olm.MaxOneTimeKeys/2)
		return nil
	}))
}
