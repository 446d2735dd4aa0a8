package megolm_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/domain"
	megolmproto "github.com/element-hq/element-android-sub023/internal/protocol/megolm"
	"github.com/element-hq/element-android-sub023/internal/relay"
	"github.com/element-hq/element-android-sub023/internal/services/megolm"
)

var (
	alice domain.UserID = "@alice:example.org"
	bob   domain.UserID = "@bob:example.org"
)

func pair(t *testing.T, cfg megolm.Config) (*clock.FakeClock, *node, *node) {
	t.Helper()
	fake := clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	hub := relay.NewHub(fake)
	return fake, newNode(t, hub, fake, cfg, alice, "ALICE1"), newNode(t, hub, fake, cfg, bob, "BOB1")
}

func TestEncryptDecrypt(t *testing.T) {
	_, a, b := pair(t, megolm.DefaultConfig())
	ctx := context.Background()

	payload, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("hello"), []domain.UserID{alice, bob})
	require.NoError(t, err)
	assert.Equal(t, domain.AlgorithmMegolm, payload.Algorithm)
	assert.Equal(t, a.account.IdentityKey(), payload.SenderKey)
	assert.Equal(t, a.device, payload.DeviceID)

	assert.Equal(t, []string{domain.EventTypeRoomKey}, b.receive(t))

	res, err := b.inbound.Decrypt(ctx, roomEvent(t, alice, "$1", payload), "main")
	require.NoError(t, err)
	assert.Equal(t, a.account.IdentityKey(), res.SenderCurve25519Key)
	assert.Equal(t, a.account.FingerprintKey(), res.ClaimedEd25519Key)
	assert.Empty(t, res.ForwardingCurve25519KeyChain)
	assert.Equal(t, uint32(0), res.MessageIndex)

	var inner struct {
		RoomID  domain.RoomID     `json:"room_id"`
		Type    string            `json:"type"`
		Content map[string]string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(res.ClearEvent, &inner))
	assert.Equal(t, room, inner.RoomID)
	assert.Equal(t, "m.room.message", inner.Type)
	assert.Equal(t, "hello", inner.Content["body"])

	// The sender can read its own messages.
	own, err := a.inbound.Decrypt(ctx, roomEvent(t, alice, "$1", payload), "main")
	require.NoError(t, err)
	assert.Equal(t, res.ClearEvent, own.ClearEvent)
}

func TestRotationAfterMessageCount(t *testing.T) {
	_, a, b := pair(t, megolm.DefaultConfig())
	ctx := context.Background()
	recipients := []domain.UserID{alice, bob}

	var payloads []*domain.MegolmPayload
	for i := 0; i < 101; i++ {
		p, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("n"), recipients)
		require.NoError(t, err)
		payloads = append(payloads, p)
	}

	first := payloads[0].SessionID
	for _, p := range payloads[:100] {
		assert.Equal(t, first, p.SessionID)
	}
	last, err := megolmproto.MessageIndex(payloads[99].Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), last, "the first session carried exactly 100 messages")

	assert.NotEqual(t, first, payloads[100].SessionID)
	info, ok := a.outbound.SessionInfo(room)
	require.True(t, ok)
	assert.Equal(t, payloads[100].SessionID, info.SessionID)
	assert.Equal(t, 1, info.UseCount)
	assert.Equal(t, 1, info.SharedWith)

	assert.Equal(t, []string{domain.EventTypeRoomKey, domain.EventTypeRoomKey}, b.receive(t))
	_, err = b.inbound.Decrypt(ctx, roomEvent(t, alice, "$100", payloads[100]), "main")
	require.NoError(t, err)
}

func TestRotationAfterPeriod(t *testing.T) {
	fake, a, _ := pair(t, megolm.DefaultConfig())
	ctx := context.Background()
	recipients := []domain.UserID{alice, bob}

	p1, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("a"), recipients)
	require.NoError(t, err)
	fake.Advance(7*24*time.Hour - time.Minute)
	p2, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("b"), recipients)
	require.NoError(t, err)
	assert.Equal(t, p1.SessionID, p2.SessionID)

	fake.Advance(time.Minute)
	p3, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("c"), recipients)
	require.NoError(t, err)
	assert.NotEqual(t, p1.SessionID, p3.SessionID)
}

func TestRotationWhenDeviceLeaves(t *testing.T) {
	_, a, b := pair(t, megolm.DefaultConfig())
	ctx := context.Background()

	p1, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("a"), []domain.UserID{alice, bob})
	require.NoError(t, err)
	b.receive(t)

	p2, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("b"), []domain.UserID{alice})
	require.NoError(t, err)
	assert.NotEqual(t, p1.SessionID, p2.SessionID)
	assert.Empty(t, b.receive(t), "bob must not receive the new session")

	_, err = b.inbound.Decrypt(ctx, roomEvent(t, alice, "$2", p2), "main")
	require.ErrorIs(t, err, domain.ErrUnknownInboundSessionID)
}

func TestNewDeviceDoesNotRotate(t *testing.T) {
	_, a, b := pair(t, megolm.DefaultConfig())
	ctx := context.Background()

	p1, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("before"), []domain.UserID{alice})
	require.NoError(t, err)
	p2, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("after"), []domain.UserID{alice, bob})
	require.NoError(t, err)
	assert.Equal(t, p1.SessionID, p2.SessionID)

	b.receive(t)
	_, err = b.inbound.Decrypt(ctx, roomEvent(t, alice, "$1", p1), "main")
	require.ErrorIs(t, err, domain.ErrUnknownMessageIndex)
	res, err := b.inbound.Decrypt(ctx, roomEvent(t, alice, "$2", p2), "main")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), res.MessageIndex)
}

func TestDiscardSession(t *testing.T) {
	_, a, _ := pair(t, megolm.DefaultConfig())
	ctx := context.Background()

	p1, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("a"), []domain.UserID{alice})
	require.NoError(t, err)
	a.outbound.DiscardSession(room)
	_, ok := a.outbound.SessionInfo(room)
	assert.False(t, ok)

	p2, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("b"), []domain.UserID{alice})
	require.NoError(t, err)
	assert.NotEqual(t, p1.SessionID, p2.SessionID)
}

func TestPendingEventsReplayOnce(t *testing.T) {
	_, a, b := pair(t, megolm.DefaultConfig())
	ctx := context.Background()

	var replayed []string
	b.inbound.SetReplayHandler(func(timelineID string, event domain.Event, res *domain.DecryptionResult, err error) {
		require.NoError(t, err)
		require.NotNil(t, res)
		replayed = append(replayed, timelineID+"/"+event.EventID)
	})

	p1, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("one"), []domain.UserID{alice, bob})
	require.NoError(t, err)
	p2, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("two"), []domain.UserID{alice, bob})
	require.NoError(t, err)

	for _, ev := range []domain.Event{
		roomEvent(t, alice, "$1", p1),
		roomEvent(t, alice, "$2", p2),
		roomEvent(t, alice, "$1", p1),
	} {
		_, err := b.inbound.Decrypt(ctx, ev, "main")
		require.ErrorIs(t, err, domain.ErrUnknownInboundSessionID)
	}
	assert.Equal(t, 2, b.inbound.PendingCount(p1.SenderKey, p1.SessionID))

	b.receive(t)
	assert.Equal(t, []string{"main/$1", "main/$2"}, replayed)
	assert.Zero(t, b.inbound.PendingCount("", ""))
}

func TestReplayedMessageIndexRejected(t *testing.T) {
	_, a, b := pair(t, megolm.DefaultConfig())
	ctx := context.Background()

	p, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("once"), []domain.UserID{alice, bob})
	require.NoError(t, err)
	b.receive(t)

	_, err = b.inbound.Decrypt(ctx, roomEvent(t, alice, "$1", p), "main")
	require.NoError(t, err)
	_, err = b.inbound.Decrypt(ctx, roomEvent(t, alice, "$1", p), "main")
	require.NoError(t, err, "the same event may be decrypted again")
	_, err = b.inbound.Decrypt(ctx, roomEvent(t, alice, "$evil", p), "main")
	require.ErrorIs(t, err, domain.ErrBadEncryptedMessage)
}

func TestDecryptMissingFields(t *testing.T) {
	_, _, b := pair(t, megolm.DefaultConfig())
	_, err := b.inbound.Decrypt(context.Background(), roomEvent(t, alice, "$1", &domain.MegolmPayload{
		Algorithm: domain.AlgorithmMegolm,
	}), "main")
	require.ErrorIs(t, err, domain.ErrMissingFields)
}

func TestUnknownDevicesStopEncryption(t *testing.T) {
	cfg := megolm.DefaultConfig()
	cfg.WarnOnUnknownDevices = true
	_, a, _ := pair(t, cfg)
	ctx := context.Background()

	_, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("a"), []domain.UserID{alice, bob})
	require.ErrorIs(t, err, domain.ErrUnknownDevices)
	var unknown *domain.UnknownDeviceError
	require.True(t, errors.As(err, &unknown))
	assert.True(t, unknown.Devices.Has(bob, "BOB1"))

	require.NoError(t, a.devices.MarkKnown([]domain.UserID{bob}))
	_, err = a.outbound.Encrypt(ctx, room, "m.room.message", text("a"), []domain.UserID{alice, bob})
	require.NoError(t, err)
}

func TestWithheldFromUnverifiedAndBlocked(t *testing.T) {
	_, a, b := pair(t, megolm.DefaultConfig())
	ctx := context.Background()
	a.outbound.SetRoomBlacklistUnverified(room, true)

	p, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("secret"), []domain.UserID{alice, bob})
	require.NoError(t, err)
	assert.Equal(t, []string{domain.EventTypeRoomKeyWithheld + ":" + string(domain.WithheldUnverified)}, b.receive(t))

	_, err = b.inbound.Decrypt(ctx, roomEvent(t, alice, "$1", p), "main")
	require.ErrorIs(t, err, domain.ErrKeysWithheld)

	// Notices are not repeated for the same session.
	_, err = a.outbound.Encrypt(ctx, room, "m.room.message", text("again"), []domain.UserID{alice, bob})
	require.NoError(t, err)
	assert.Empty(t, b.receive(t))

	require.NoError(t, a.devices.SetVerification(bob, "BOB1", domain.DeviceBlocked))
	a.outbound.SetRoomBlacklistUnverified(room, false)
	_, err = a.outbound.Encrypt(ctx, room, "m.room.message", text("blocked"), []domain.UserID{alice, bob})
	require.NoError(t, err)
	assert.Equal(t, []string{domain.EventTypeRoomKeyWithheld + ":" + string(domain.WithheldBlacklisted)}, b.receive(t))
}

func TestForwardedKeys(t *testing.T) {
	_, a, b := pair(t, megolm.DefaultConfig())
	ctx := context.Background()

	p, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("fwd"), []domain.UserID{alice})
	require.NoError(t, err)

	content, err := a.inbound.ExportSession(room, p.SenderKey, p.SessionID, nil)
	require.NoError(t, err)
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	forwarded := domain.DecryptedEvent{
		Type:           domain.EventTypeForwardedRoomKey,
		Content:        raw,
		Sender:         alice,
		SenderDevice:   a.device,
		SenderKey:      a.account.IdentityKey(),
		ClaimedEd25519: a.account.FingerprintKey(),
	}

	// Unrequested keys are dropped.
	require.NoError(t, b.inbound.OnRoomKeyEvent(ctx, forwarded, false))
	_, err = b.inbound.Decrypt(ctx, roomEvent(t, alice, "$1", p), "main")
	require.ErrorIs(t, err, domain.ErrUnknownInboundSessionID)

	require.NoError(t, b.inbound.OnRoomKeyEvent(ctx, forwarded, true))
	res, err := b.inbound.Decrypt(ctx, roomEvent(t, alice, "$1", p), "main")
	require.NoError(t, err)
	assert.Equal(t, []domain.Curve25519Key{a.account.IdentityKey()}, res.ForwardingCurve25519KeyChain)
	assert.Equal(t, a.account.FingerprintKey(), res.ClaimedEd25519Key)
}

func TestForwardedKeyFromStrangerIgnored(t *testing.T) {
	_, a, b := pair(t, megolm.DefaultConfig())
	ctx := context.Background()

	p, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("fwd"), []domain.UserID{alice})
	require.NoError(t, err)
	content, err := a.inbound.ExportSession(room, p.SenderKey, p.SessionID, nil)
	require.NoError(t, err)
	raw, err := json.Marshal(content)
	require.NoError(t, err)

	require.NoError(t, b.inbound.OnRoomKeyEvent(ctx, domain.DecryptedEvent{
		Type:      domain.EventTypeForwardedRoomKey,
		Content:   raw,
		Sender:    "@mallory:example.org",
		SenderKey: "bWFsbG9yeSBpcyBub3QgdGhlIGNyZWF0b3Igb2YgdGhpcw",
	}, true))
	_, err = b.inbound.Decrypt(ctx, roomEvent(t, alice, "$1", p), "main")
	require.ErrorIs(t, err, domain.ErrUnknownInboundSessionID)
}

func TestExportImport(t *testing.T) {
	fake, a, _ := pair(t, megolm.DefaultConfig())
	ctx := context.Background()

	p, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("kept"), []domain.UserID{alice})
	require.NoError(t, err)
	records, err := a.bolt.InboundGroupSessions()
	require.NoError(t, err)
	exported, err := a.inbound.ExportSessions(records)
	require.NoError(t, err)
	require.Len(t, exported, 1)

	fresh := newNode(t, relay.NewHub(fake), fake, megolm.DefaultConfig(), alice, "ALICE2")
	n, err := fresh.inbound.ImportSessions(ctx, exported, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := fresh.inbound.Decrypt(ctx, roomEvent(t, alice, "$1", p), "main")
	require.NoError(t, err)
	assert.Equal(t, a.account.FingerprintKey(), res.ClaimedEd25519Key)

	pending, err := fresh.bolt.InboundGroupSessionsToBackUp(10)
	require.NoError(t, err)
	assert.Empty(t, pending, "restored sessions are already backed up")
}

func TestReshareKey(t *testing.T) {
	_, a, b := pair(t, megolm.DefaultConfig())
	ctx := context.Background()

	p, err := a.outbound.Encrypt(ctx, room, "m.room.message", text("x"), []domain.UserID{alice, bob})
	require.NoError(t, err)
	b.receive(t)

	require.NoError(t, a.outbound.ReshareKey(ctx, room, p.SessionID, bob, "BOB1", p.SenderKey))
	assert.Equal(t, []string{domain.EventTypeForwardedRoomKey}, b.receive(t))

	other, err := a.outbound.Encrypt(ctx, "!other:example.org", "m.room.message", text("y"), []domain.UserID{alice})
	require.NoError(t, err)
	err = a.outbound.ReshareKey(ctx, "!other:example.org", other.SessionID, bob, "BOB1", other.SenderKey)
	require.ErrorIs(t, err, megolm.ErrNotShared)
	assert.Equal(t, []string{domain.EventTypeRoomKeyWithheld + ":" + string(domain.WithheldUnauthorised)}, b.receive(t))
}

func TestConfigDefaults(t *testing.T) {
	cfg := megolm.DefaultConfig()
	assert.Equal(t, 100, cfg.RotationPeriodMsgs)
	assert.Equal(t, 7*24*time.Hour, cfg.RotationPeriod)
	assert.Equal(t, 100, cfg.ShareBatchSize)
}
