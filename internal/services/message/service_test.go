package message_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/relay"
	"github.com/element-hq/element-android-sub023/internal/services/identity"
	"github.com/element-hq/element-android-sub023/internal/services/message"
	"github.com/element-hq/element-android-sub023/internal/services/onetimekey"
	"github.com/element-hq/element-android-sub023/internal/services/session"
	"github.com/element-hq/element-android-sub023/internal/store"
)

type device struct {
	account  *identity.Service
	sessions *session.Service
	messages *message.Service
	info     domain.DeviceInfo
}

func newDevice(t *testing.T, hub *relay.Hub, c clock.Clock, user domain.UserID, id domain.DeviceID) *device {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	acc := identity.New(store.NewAccountFileStoreWithCost(dir, 1<<10, 8, 1), zerolog.Nop())
	_, err := acc.Create("Correct-Horse-9-Battery", user, id)
	require.NoError(t, err)

	bolt, err := store.OpenBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	transport := relay.NewLocal(hub, user, id)
	otks := onetimekey.New(acc, transport, zerolog.Nop())
	require.NoError(t, otks.PublishDeviceKeys(ctx))
	_, err = otks.Replenish(ctx)
	require.NoError(t, err)

	keys, err := acc.DeviceKeys()
	require.NoError(t, err)
	return &device{
		account:  acc,
		sessions: session.New(acc, bolt, transport, c, zerolog.Nop()),
		messages: message.New(acc, bolt, c, zerolog.Nop()),
		info:     domain.DeviceInfo{DeviceKeys: keys},
	}
}

func encryptedEvent(t *testing.T, sender domain.UserID, payload domain.OlmPayload) domain.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return domain.Event{Type: domain.EventTypeEncrypted, Sender: sender, Content: raw}
}

func TestOlmRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(time.Unix(1_700_000_000, 0))
	hub := relay.NewHub(c)
	alice := newDevice(t, hub, c, "@alice:example.org", "ALICE1")
	bob := newDevice(t, hub, c, "@bob:example.org", "BOB1")

	_, err := alice.messages.EncryptFor(bob.info, "m.dummy", map[string]any{})
	require.ErrorIs(t, err, message.ErrNoSession)

	ids, err := alice.sessions.EnsureOlmSessions(ctx, []domain.DeviceInfo{bob.info, alice.info}, false)
	require.NoError(t, err)
	require.Len(t, ids, 1, "own device is skipped")
	first, ok := ids.Get("@bob:example.org", "BOB1")
	require.True(t, ok)

	again, err := alice.sessions.EnsureOlmSessions(ctx, []domain.DeviceInfo{bob.info}, false)
	require.NoError(t, err)
	reused, _ := again.Get("@bob:example.org", "BOB1")
	assert.Equal(t, first, reused)

	payload, err := alice.messages.EncryptFor(bob.info, "m.test", map[string]string{"hello": "bob"})
	require.NoError(t, err)
	got, err := bob.messages.Decrypt(encryptedEvent(t, "@alice:example.org", payload))
	require.NoError(t, err)
	assert.Equal(t, "m.test", got.Type)
	assert.JSONEq(t, `{"hello":"bob"}`, string(got.Content))
	assert.Equal(t, alice.account.IdentityKey(), got.SenderKey)
	assert.Equal(t, alice.account.FingerprintKey(), got.ClaimedEd25519)
	assert.Equal(t, domain.DeviceID("ALICE1"), got.SenderDevice)

	reply, err := bob.messages.EncryptFor(alice.info, "m.test", map[string]string{"hello": "alice"})
	require.NoError(t, err)
	back, err := alice.messages.Decrypt(encryptedEvent(t, "@bob:example.org", reply))
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"alice"}`, string(back.Content))
}

func TestDecrypt_Rejects(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(time.Unix(1_700_000_000, 0))
	hub := relay.NewHub(c)
	alice := newDevice(t, hub, c, "@alice:example.org", "ALICE1")
	bob := newDevice(t, hub, c, "@bob:example.org", "BOB1")

	_, err := alice.sessions.EnsureOlmSessions(ctx, []domain.DeviceInfo{bob.info}, false)
	require.NoError(t, err)

	t.Run("spoofed sender", func(t *testing.T) {
		payload, err := alice.messages.EncryptFor(bob.info, "m.test", map[string]string{})
		require.NoError(t, err)
		_, err = bob.messages.Decrypt(encryptedEvent(t, "@mallory:example.org", payload))
		assert.ErrorIs(t, err, domain.ErrBadEncryptedMessage)
	})

	t.Run("not a recipient", func(t *testing.T) {
		payload := domain.OlmPayload{
			Algorithm:  domain.AlgorithmOlm,
			SenderKey:  alice.account.IdentityKey(),
			Ciphertext: map[domain.Curve25519Key]domain.OlmCiphertext{"someone-else": {Type: 0, Body: "x"}},
		}
		_, err := bob.messages.Decrypt(encryptedEvent(t, "@alice:example.org", payload))
		assert.ErrorIs(t, err, domain.ErrBadEncryptedMessage)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := bob.messages.Decrypt(encryptedEvent(t, "@alice:example.org", domain.OlmPayload{Algorithm: domain.AlgorithmOlm}))
		assert.ErrorIs(t, err, domain.ErrMissingFields)
	})
}

func TestConcurrentSendsShareOneRatchet(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(time.Unix(1_700_000_000, 0))
	hub := relay.NewHub(c)
	alice := newDevice(t, hub, c, "@alice:example.org", "ALICE1")
	bob := newDevice(t, hub, c, "@bob:example.org", "BOB1")

	_, err := alice.sessions.EnsureOlmSessions(ctx, []domain.DeviceInfo{bob.info}, false)
	require.NoError(t, err)
	first, err := alice.messages.EncryptFor(bob.info, "m.test", map[string]int{"n": -1})
	require.NoError(t, err)
	_, err = bob.messages.Decrypt(encryptedEvent(t, "@alice:example.org", first))
	require.NoError(t, err)

	const senders = 8
	var wg sync.WaitGroup
	payloads := make([]domain.OlmPayload, senders)
	errs := make([]error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payloads[i], errs[i] = alice.messages.EncryptFor(bob.info, "m.test", map[string]int{"n": i})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	events := make([]domain.Event, senders)
	for i, p := range payloads {
		events[i] = encryptedEvent(t, "@alice:example.org", p)
	}
	got := make([]string, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dec, err := bob.messages.Decrypt(events[i])
			if err != nil {
				got[i] = err.Error()
				return
			}
			got[i] = string(dec.Content)
		}(i)
	}
	wg.Wait()
	for i := range got {
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), got[i])
	}
}
