package identity_test

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/protocol/olm"
	"github.com/element-hq/element-android-sub023/internal/services/identity"
	"github.com/element-hq/element-android-sub023/internal/store"
)

const strongPass = "Correct-Horse-9-Battery"

func newService(t *testing.T) (*identity.Service, string) {
	t.Helper()
	dir := t.TempDir()
	return identity.New(store.NewAccountFileStoreWithCost(dir, 1<<10, 8, 1), zerolog.Nop()), dir
}

func TestCreate_RejectsWeakPassphrase(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Create("short", "@a:x", "DEV")
	assert.ErrorIs(t, err, identity.ErrWeakPassphrase)
}

func TestCreate_ThenUnlockInFreshService(t *testing.T) {
	svc, dir := newService(t)
	fp, err := svc.Create(strongPass, "@alice:example.org", "ALICE1")
	require.NoError(t, err)
	assert.NotEmpty(t, fp)

	_, err = svc.Create(strongPass, "@alice:example.org", "ALICE1")
	assert.ErrorIs(t, err, identity.ErrAccountExists)

	keys, err := svc.DeviceKeys()
	require.NoError(t, err)
	require.NoError(t, olm.VerifyDeviceKeys(keys))

	again := identity.New(store.NewAccountFileStoreWithCost(dir, 1<<10, 8, 1), zerolog.Nop())
	assert.Equal(t, domain.Curve25519Key(""), again.IdentityKey())
	require.NoError(t, again.Unlock(strongPass))
	assert.Equal(t, svc.IdentityKey(), again.IdentityKey())
	assert.Equal(t, fp, again.Fingerprint())
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Create(strongPass, "@alice:example.org", "ALICE1")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = svc.Update(func(acc *domain.Account) error {
		require.NoError(t, olm.GenerateOneTimeKeys(acc, 5))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, svc.View(func(acc *domain.Account) error {
		assert.Empty(t, acc.OneTimeKeys)
		return nil
	}))

	require.NoError(t, svc.Update(func(acc *domain.Account) error {
		return olm.GenerateOneTimeKeys(acc, 5)
	}))
	require.NoError(t, svc.View(func(acc *domain.Account) error {
		assert.Len(t, acc.OneTimeKeys, 5)
		return nil
	}))
}

func TestLocked(t *testing.T) {
	svc, _ := newService(t)
	err := svc.View(func(*domain.Account) error { return nil })
	assert.ErrorIs(t, err, identity.ErrLocked)
}
