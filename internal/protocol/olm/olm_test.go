package olm_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/protocol/olm"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAccount(t *testing.T, user domain.UserID, device domain.DeviceID) *domain.Account {
	t.Helper()
	acc, err := olm.NewAccount(user, device)
	require.NoError(t, err)
	return &acc
}

// claimOne returns the first unpublished one-time key of acc.
func claimOne(t *testing.T, acc *domain.Account) domain.OneTimeKey {
	t.Helper()
	require.NoError(t, olm.GenerateOneTimeKeys(acc, 1))
	keys, err := olm.UnpublishedOneTimeKeys(acc)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	olm.MarkKeysAsPublished(acc)
	for _, k := range keys {
		return k
	}
	return domain.OneTimeKey{}
}

func TestDeviceKeysSelfSigned(t *testing.T) {
	acc := newAccount(t, "@alice:example.org", "ALICE")
	keys, err := olm.DeviceKeys(acc)
	require.NoError(t, err)
	require.NoError(t, olm.VerifyDeviceKeys(keys))
	assert.Equal(t, olm.IdentityKey(acc), keys.IdentityKey())
	assert.Equal(t, olm.FingerprintKey(acc), keys.FingerprintKey())

	keys.Keys["curve25519:ALICE"] = "tampered"
	assert.Error(t, olm.VerifyDeviceKeys(keys))
}

func TestOneTimeKeyPool(t *testing.T) {
	acc := newAccount(t, "@alice:example.org", "ALICE")
	require.NoError(t, olm.GenerateOneTimeKeys(acc, 5))
	keys, err := olm.UnpublishedOneTimeKeys(acc)
	require.NoError(t, err)
	assert.Len(t, keys, 5)

	olm.MarkKeysAsPublished(acc)
	keys, err = olm.UnpublishedOneTimeKeys(acc)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, olm.GenerateOneTimeKeys(acc, olm.MaxOneTimeKeys))
	assert.Len(t, acc.OneTimeKeys, olm.MaxOneTimeKeys)
}

func TestSessionHandshakeAndConversation(t *testing.T) {
	alice := newAccount(t, "@alice:example.org", "ALICE")
	bob := newAccount(t, "@bob:example.org", "BOB")
	otk := claimOne(t, bob)

	aSess, err := olm.NewOutboundSession(alice, olm.IdentityKey(bob), otk.Key, now)
	require.NoError(t, err)

	first, err := olm.Encrypt(&aSess, []byte("hello bob"), now)
	require.NoError(t, err)
	assert.Equal(t, olm.MessageTypePreKey, first.Type)

	bSess, pt, err := olm.NewInboundSession(bob, first, now)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(pt))
	assert.Equal(t, aSess.SessionID, bSess.SessionID)
	assert.Equal(t, olm.IdentityKey(alice), bSess.PeerIdentityKey)
	assert.Empty(t, bob.OneTimeKeys, "one-time key must be consumed")

	// A second pre-key message before any reply still lands on bob's session.
	second, err := olm.Encrypt(&aSess, []byte("again"), now)
	require.NoError(t, err)
	require.True(t, olm.MatchesInbound(bSess, second))
	pt, err = olm.Decrypt(&bSess, second, now)
	require.NoError(t, err)
	assert.Equal(t, "again", string(pt))

	reply, err := olm.Encrypt(&bSess, []byte("hi alice"), now)
	require.NoError(t, err)
	assert.Equal(t, olm.MessageTypeNormal, reply.Type)
	pt, err = olm.Decrypt(&aSess, reply, now)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", string(pt))
	assert.Nil(t, aSess.PreKey)

	normal, err := olm.Encrypt(&aSess, []byte("now normal"), now)
	require.NoError(t, err)
	assert.Equal(t, olm.MessageTypeNormal, normal.Type)
	pt, err = olm.Decrypt(&bSess, normal, now)
	require.NoError(t, err)
	assert.Equal(t, "now normal", string(pt))
}

func TestInboundSessionNeedsKnownOneTimeKey(t *testing.T) {
	alice := newAccount(t, "@alice:example.org", "ALICE")
	bob := newAccount(t, "@bob:example.org", "BOB")
	otk := claimOne(t, bob)

	aSess, err := olm.NewOutboundSession(alice, olm.IdentityKey(bob), otk.Key, now)
	require.NoError(t, err)
	msg, err := olm.Encrypt(&aSess, []byte("x"), now)
	require.NoError(t, err)

	_, _, err = olm.NewInboundSession(bob, msg, now)
	require.NoError(t, err)
	_, _, err = olm.NewInboundSession(bob, msg, now)
	assert.ErrorIs(t, err, olm.ErrNoSuchOneTimeKey)

	_, _, err = olm.NewInboundSession(bob, domain.OlmCiphertext{Type: olm.MessageTypeNormal, Body: msg.Body}, now)
	assert.ErrorIs(t, err, olm.ErrBadMessageType)
}
