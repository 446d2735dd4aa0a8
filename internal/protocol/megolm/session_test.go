package megolm_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/element-android-sub023/internal/protocol/megolm"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	out, err := megolm.NewOutboundSession()
	require.NoError(t, err)
	in, err := megolm.NewInboundSession(out.SessionKey())
	require.NoError(t, err)

	assert.Equal(t, out.SessionID(), in.SessionID())
	assert.True(t, in.IsVerified())

	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf("message %d", i)
		ct, err := out.Encrypt([]byte(msg))
		require.NoError(t, err)

		idx, err := megolm.MessageIndex(ct)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), idx)

		pt, gotIdx, err := in.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, msg, string(pt))
		assert.Equal(t, uint32(i), gotIdx)
	}
	assert.Equal(t, uint32(5), out.MessageIndex())
}

func TestLateJoinerCannotReadEarlierMessages(t *testing.T) {
	out, err := megolm.NewOutboundSession()
	require.NoError(t, err)
	early, err := out.Encrypt([]byte("before"))
	require.NoError(t, err)

	in, err := megolm.NewInboundSession(out.SessionKey())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), in.FirstKnownIndex())

	_, idx, err := in.Decrypt(early)
	assert.ErrorIs(t, err, megolm.ErrUnknownMessageIndex)
	assert.Equal(t, uint32(0), idx)

	late, err := out.Encrypt([]byte("after"))
	require.NoError(t, err)
	pt, _, err := in.Decrypt(late)
	require.NoError(t, err)
	assert.Equal(t, "after", string(pt))
}

func TestExportImportFromIndex(t *testing.T) {
	out, err := megolm.NewOutboundSession()
	require.NoError(t, err)
	in, err := megolm.NewInboundSession(out.SessionKey())
	require.NoError(t, err)

	var cts []string
	for i := 0; i < 4; i++ {
		ct, err := out.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		cts = append(cts, ct)
	}

	exported, err := in.Export(2)
	require.NoError(t, err)
	imported, err := megolm.ImportInboundSession(exported)
	require.NoError(t, err)
	assert.False(t, imported.IsVerified())
	assert.Equal(t, uint32(2), imported.FirstKnownIndex())

	_, _, err = imported.Decrypt(cts[1])
	assert.ErrorIs(t, err, megolm.ErrUnknownMessageIndex)
	pt, _, err := imported.Decrypt(cts[3])
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, pt)

	_, err = imported.Export(1)
	assert.ErrorIs(t, err, megolm.ErrUnknownMessageIndex)
}

func TestPickleRoundTrip(t *testing.T) {
	out, err := megolm.NewOutboundSession()
	require.NoError(t, err)
	in, err := megolm.NewInboundSession(out.SessionKey())
	require.NoError(t, err)

	restored, err := megolm.UnpickleInbound(in.Pickle())
	require.NoError(t, err)
	assert.Equal(t, in.SessionID(), restored.SessionID())
	assert.True(t, restored.IsVerified())

	ct, err := out.Encrypt([]byte("hi"))
	require.NoError(t, err)
	pt, _, err := restored.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(pt))

	_, err = megolm.UnpickleInbound([]byte("nope"))
	assert.ErrorIs(t, err, megolm.ErrBadPickle)
}

func TestTamperedMessageRejected(t *testing.T) {
	out, err := megolm.NewOutboundSession()
	require.NoError(t, err)
	in, err := megolm.NewInboundSession(out.SessionKey())
	require.NoError(t, err)

	other, err := megolm.NewOutboundSession()
	require.NoError(t, err)
	foreign, err := other.Encrypt([]byte("x"))
	require.NoError(t, err)

	_, _, err = in.Decrypt(foreign)
	assert.ErrorIs(t, err, megolm.ErrBadSignature)
}
