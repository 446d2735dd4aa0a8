package verification_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/element-android-sub023/internal/clock"
	"github.com/element-hq/element-android-sub023/internal/crypto"
	"github.com/element-hq/element-android-sub023/internal/domain"
	"github.com/element-hq/element-android-sub023/internal/relay"
	"github.com/element-hq/element-android-sub023/internal/services/devices"
	"github.com/element-hq/element-android-sub023/internal/services/identity"
	"github.com/element-hq/element-android-sub023/internal/services/onetimekey"
	"github.com/element-hq/element-android-sub023/internal/services/verification"
	"github.com/element-hq/element-android-sub023/internal/store"
)

type party struct {
	user         domain.UserID
	device       domain.DeviceID
	transport    *relay.Local
	devices      *devices.Service
	verification *verification.Service
}

func newParty(t *testing.T, hub *relay.Hub, c clock.Clock, user domain.UserID, device domain.DeviceID) *party {
	t.Helper()
	dir := t.TempDir()

	acc := identity.New(store.NewAccountFileStoreWithCost(dir, 1<<10, 8, 1), zerolog.Nop())
	_, err := acc.Create("Correct-Horse-9-Battery", user, device)
	require.NoError(t, err)

	transport := relay.NewLocal(hub, user, device)
	require.NoError(t, onetimekey.New(acc, transport, zerolog.Nop()).PublishDeviceKeys(context.Background()))

	devs := devices.New(store.NewDeviceFileStore(dir), transport, zerolog.Nop())
	return &party{
		user:         user,
		device:       device,
		transport:    transport,
		devices:      devs,
		verification: verification.New(acc, devs, transport, c, zerolog.Nop()),
	}
}

// pump delivers queued to-device events until every inbox is empty.
func pump(t *testing.T, parties ...*party) {
	t.Helper()
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		delivered := 0
		for _, p := range parties {
			events, err := p.transport.Sync(ctx, 100)
			require.NoError(t, err)
			for _, e := range events {
				p.verification.OnToDeviceEvent(ctx, e)
			}
			delivered += len(events)
		}
		if delivered == 0 {
			return
		}
	}
	t.Fatal("events still flowing after 20 rounds")
}

// take removes the queued events of p without handling them.
func take(t *testing.T, p *party) []domain.Event {
	t.Helper()
	events, err := p.transport.Sync(context.Background(), 100)
	require.NoError(t, err)
	return events
}

func cancelCodes(t *testing.T, events []domain.Event) []verification.CancelCode {
	t.Helper()
	var codes []verification.CancelCode
	for _, e := range events {
		if e.Type != verification.EventTypeCancel {
			continue
		}
		var c verification.CancelContent
		require.NoError(t, json.Unmarshal(e.Content, &c))
		codes = append(codes, c.Code)
	}
	return codes
}

func setup(t *testing.T) (*clock.FakeClock, *party, *party) {
	t.Helper()
	fake := clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	hub := relay.NewHub(fake)
	alice := newParty(t, hub, fake, "@alice:example.org", "ALICE1")
	bob := newParty(t, hub, fake, "@bob:example.org", "BOB1")
	ctx := context.Background()
	_, err := alice.devices.Refresh(ctx, []domain.UserID{bob.user})
	require.NoError(t, err)
	_, err = bob.devices.Refresh(ctx, []domain.UserID{alice.user})
	require.NoError(t, err)
	return fake, alice, bob
}

// exchangeKeys runs a transaction up to ShortCodeReady on both sides.
func exchangeKeys(t *testing.T, alice, bob *party) (*verification.SASTransaction, *verification.SASTransaction) {
	t.Helper()
	ctx := context.Background()
	out, err := alice.verification.BeginKeyVerification(ctx, verification.MethodSAS, bob.user, bob.device, "")
	require.NoError(t, err)
	pump(t, alice, bob)

	in, ok := bob.verification.Transaction(out.ID())
	require.True(t, ok)
	require.Equal(t, verification.StateOnStarted, in.State())
	require.True(t, in.IsIncoming())

	require.NoError(t, in.Accept(ctx))
	pump(t, alice, bob)
	require.Equal(t, verification.StateShortCodeReady, out.State())
	require.Equal(t, verification.StateShortCodeReady, in.State())
	return out, in
}

func TestSASRoundTrip(t *testing.T) {
	_, alice, bob := setup(t)
	ctx := context.Background()
	out, in := exchangeKeys(t, alice, bob)

	outDecimal, ok := out.Decimal()
	require.True(t, ok)
	inDecimal, ok := in.Decimal()
	require.True(t, ok)
	assert.Equal(t, outDecimal, inDecimal)
	for _, n := range outDecimal {
		assert.GreaterOrEqual(t, n, 1000)
		assert.LessOrEqual(t, n, 9191)
	}

	outEmoji, ok := out.Emoji()
	require.True(t, ok)
	inEmoji, ok := in.Emoji()
	require.True(t, ok)
	assert.Equal(t, outEmoji, inEmoji)
	assert.Equal(t, []string{verification.SASEmoji, verification.SASDecimal}, in.ShortCodeMethods())

	require.NoError(t, out.UserHasVerifiedShortCode(ctx))
	require.NoError(t, in.UserHasVerifiedShortCode(ctx))
	pump(t, alice, bob)

	assert.Equal(t, verification.StateDone, out.State())
	assert.Equal(t, verification.StateDone, in.State())

	seenByAlice, ok, err := alice.devices.Device(bob.user, bob.device)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, seenByAlice.IsVerified())
	seenByBob, ok, err := bob.devices.Device(alice.user, alice.device)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, seenByBob.IsVerified())

	_, live := alice.verification.Transaction(out.ID())
	assert.False(t, live, "finished transactions are dropped")
}

func TestSASMacBeforeUserConfirms(t *testing.T) {
	_, alice, bob := setup(t)
	ctx := context.Background()
	out, in := exchangeKeys(t, alice, bob)

	require.NoError(t, out.UserHasVerifiedShortCode(ctx))
	pump(t, alice, bob)
	assert.Equal(t, verification.StateShortCodeReady, in.State())

	require.NoError(t, in.UserHasVerifiedShortCode(ctx))
	pump(t, alice, bob)
	assert.Equal(t, verification.StateDone, in.State())
	assert.Equal(t, verification.StateDone, out.State())
}

func TestSASTamperedStartFailsCommitment(t *testing.T) {
	_, alice, bob := setup(t)
	ctx := context.Background()

	out, err := alice.verification.BeginKeyVerification(ctx, verification.MethodSAS, bob.user, bob.device, "")
	require.NoError(t, err)

	events := take(t, bob)
	require.Len(t, events, 1)
	var start verification.StartContent
	require.NoError(t, json.Unmarshal(events[0].Content, &start))
	start.ShortAuthenticationString = []string{verification.SASDecimal}
	events[0].Content, err = json.Marshal(start)
	require.NoError(t, err)
	bob.verification.OnToDeviceEvent(ctx, events[0])

	in, ok := bob.verification.Transaction(out.ID())
	require.True(t, ok)
	require.NoError(t, in.Accept(ctx))
	pump(t, alice, bob)

	code, byMe, ok := out.CancelCode()
	require.True(t, ok)
	assert.True(t, byMe)
	assert.Equal(t, verification.CancelMismatchedCommitment, code)

	code, byMe, ok = in.CancelCode()
	require.True(t, ok)
	assert.False(t, byMe)
	assert.Equal(t, verification.CancelMismatchedCommitment, code)
}

func TestSASUnknownKeyAgreement(t *testing.T) {
	_, alice, bob := setup(t)
	ctx := context.Background()

	start := verification.StartContent{
		FromDevice:                 alice.device,
		Method:                     verification.MethodSAS,
		TransactionID:              "txn-meh",
		KeyAgreementProtocols:      []string{"meh_dont_know"},
		Hashes:                     verification.KnownHashes,
		MessageAuthenticationCodes: verification.KnownMacs,
		ShortAuthenticationString:  verification.KnownShortCodes,
	}
	raw, err := json.Marshal(start)
	require.NoError(t, err)
	bob.verification.OnToDeviceEvent(ctx, domain.Event{
		Type:    verification.EventTypeStart,
		Sender:  alice.user,
		Content: raw,
	})

	_, live := bob.verification.Transaction("txn-meh")
	assert.False(t, live)
	assert.Equal(t, []verification.CancelCode{verification.CancelUnknownMethod}, cancelCodes(t, take(t, alice)))
}

func TestSASInvalidStartMethod(t *testing.T) {
	_, alice, bob := setup(t)
	raw, err := json.Marshal(verification.StartContent{
		FromDevice:    alice.device,
		Method:        "m.qr_code.show.v1",
		TransactionID: "txn-qr",
	})
	require.NoError(t, err)
	bob.verification.OnToDeviceEvent(context.Background(), domain.Event{
		Type:    verification.EventTypeStart,
		Sender:  alice.user,
		Content: raw,
	})
	assert.Equal(t, []verification.CancelCode{verification.CancelUnknownMethod}, cancelCodes(t, take(t, alice)))
}

func TestSASConcurrentStartsCancelBoth(t *testing.T) {
	_, alice, bob := setup(t)
	ctx := context.Background()

	fromAlice, err := alice.verification.BeginKeyVerification(ctx, verification.MethodSAS, bob.user, bob.device, "")
	require.NoError(t, err)
	fromBob, err := bob.verification.BeginKeyVerification(ctx, verification.MethodSAS, alice.user, alice.device, "")
	require.NoError(t, err)
	pump(t, alice, bob)

	for _, tx := range []*verification.SASTransaction{fromAlice, fromBob} {
		code, _, ok := tx.CancelCode()
		require.True(t, ok)
		assert.Equal(t, verification.CancelUnexpectedMessage, code)
	}
	_, live := alice.verification.ActiveTransaction(bob.user, bob.device)
	assert.False(t, live)
	_, live = bob.verification.ActiveTransaction(alice.user, alice.device)
	assert.False(t, live)
}

func TestSASSecondBeginWithSameDevice(t *testing.T) {
	_, alice, bob := setup(t)
	ctx := context.Background()

	_, err := alice.verification.BeginKeyVerification(ctx, verification.MethodSAS, bob.user, bob.device, "")
	require.NoError(t, err)
	_, err = alice.verification.BeginKeyVerification(ctx, verification.MethodSAS, bob.user, bob.device, "")
	require.ErrorIs(t, err, verification.ErrInProgress)

	_, err = alice.verification.BeginKeyVerification(ctx, verification.MethodQRShow, bob.user, "BOB2", "")
	require.ErrorIs(t, err, verification.ErrUnsupportedMethod)
}

func TestSASMacMismatch(t *testing.T) {
	_, alice, bob := setup(t)
	ctx := context.Background()
	out, in := exchangeKeys(t, alice, bob)

	require.NoError(t, in.UserHasVerifiedShortCode(ctx))
	require.NoError(t, out.UserHasVerifiedShortCode(ctx))

	events := take(t, bob)
	require.Len(t, events, 1)
	var mac verification.MacContent
	require.NoError(t, json.Unmarshal(events[0].Content, &mac))
	for keyID := range mac.Mac {
		mac.Mac[keyID] = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	}
	var err error
	events[0].Content, err = json.Marshal(mac)
	require.NoError(t, err)
	bob.verification.OnToDeviceEvent(ctx, events[0])

	code, byMe, ok := in.CancelCode()
	require.True(t, ok)
	assert.True(t, byMe)
	assert.Equal(t, verification.CancelMismatchedKeys, code)

	seen, _, err := bob.devices.Device(alice.user, alice.device)
	require.NoError(t, err)
	assert.False(t, seen.IsVerified())
}

func TestSASShortCodeDoesNotMatch(t *testing.T) {
	_, alice, bob := setup(t)
	ctx := context.Background()
	out, in := exchangeKeys(t, alice, bob)

	in.ShortCodeDoesNotMatch(ctx)
	pump(t, alice, bob)

	code, byMe, ok := in.CancelCode()
	require.True(t, ok)
	assert.True(t, byMe)
	assert.Equal(t, verification.CancelMismatchedSAS, code)

	code, byMe, ok = out.CancelCode()
	require.True(t, ok)
	assert.False(t, byMe)
	assert.Equal(t, verification.CancelMismatchedSAS, code)

	require.ErrorIs(t, out.UserHasVerifiedShortCode(ctx), verification.ErrUnexpectedState)
}

func TestSASConfirmTooEarly(t *testing.T) {
	_, alice, bob := setup(t)
	ctx := context.Background()

	out, err := alice.verification.BeginKeyVerification(ctx, verification.MethodSAS, bob.user, bob.device, "")
	require.NoError(t, err)
	require.ErrorIs(t, out.UserHasVerifiedShortCode(ctx), verification.ErrUnexpectedState)

	code, _, ok := out.CancelCode()
	require.True(t, ok)
	assert.Equal(t, verification.CancelUnexpectedMessage, code)
}

func TestSASTimeout(t *testing.T) {
	fake, alice, bob := setup(t)
	ctx := context.Background()

	out, err := alice.verification.BeginKeyVerification(ctx, verification.MethodSAS, bob.user, bob.device, "")
	require.NoError(t, err)

	fake.Advance(verification.DefaultTimeout - time.Second)
	assert.Equal(t, verification.StateStarted, out.State())

	fake.Advance(time.Second)
	code, byMe, ok := out.CancelCode()
	require.True(t, ok)
	assert.True(t, byMe)
	assert.Equal(t, verification.CancelTimeout, code)

	codes := cancelCodes(t, take(t, bob))
	assert.Equal(t, []verification.CancelCode{verification.CancelTimeout}, codes)
}

func TestSASCustomTimeout(t *testing.T) {
	fake, alice, bob := setup(t)
	ctx := context.Background()

	alice.verification.SetTimeout(time.Minute)

	out, err := alice.verification.BeginKeyVerification(ctx, verification.MethodSAS, bob.user, bob.device, "")
	require.NoError(t, err)
	fake.Advance(time.Minute)

	code, _, ok := out.CancelCode()
	require.True(t, ok)
	assert.Equal(t, verification.CancelTimeout, code)
}

func TestSASCommitmentCoversReceivedStart(t *testing.T) {
	_, alice, bob := setup(t)
	ctx := context.Background()

	out, err := alice.verification.BeginKeyVerification(ctx, verification.MethodSAS, bob.user, bob.device, "")
	require.NoError(t, err)
	events := take(t, bob)
	require.Len(t, events, 1)

	// A newer client adds fields we do not know about.
	var start map[string]any
	require.NoError(t, json.Unmarshal(events[0].Content, &start))
	start["org.example.hint"] = map[string]any{"b": 2, "a": 1}
	events[0].Content, err = json.Marshal(start)
	require.NoError(t, err)
	bob.verification.OnToDeviceEvent(ctx, events[0])

	in, ok := bob.verification.Transaction(out.ID())
	require.True(t, ok)
	require.NoError(t, in.Accept(ctx))
	sent := take(t, alice)
	require.Len(t, sent, 1)
	require.Equal(t, verification.EventTypeAccept, sent[0].Type)
	var accept verification.AcceptContent
	require.NoError(t, json.Unmarshal(sent[0].Content, &accept))

	_, pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	raw, err := json.Marshal(verification.KeyContent{TransactionID: out.ID(), Key: crypto.UnpaddedBase64(pub[:])})
	require.NoError(t, err)
	bob.verification.OnToDeviceEvent(ctx, domain.Event{Type: verification.EventTypeKey, Sender: alice.user, Content: raw})

	sent = take(t, alice)
	require.Len(t, sent, 1)
	require.Equal(t, verification.EventTypeKey, sent[0].Type)
	var key verification.KeyContent
	require.NoError(t, json.Unmarshal(sent[0].Content, &key))

	canonical, err := crypto.CanonicalJSON(events[0].Content)
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA256Base64(append([]byte(key.Key), canonical...)), accept.Commitment)
}

func TestRequestNegotiation(t *testing.T) {
	_, alice, bob := setup(t)
	ctx := context.Background()

	sent, err := alice.verification.RequestKeyVerification(ctx,
		[]string{verification.MethodSAS, verification.MethodQRShow, verification.MethodQRScan},
		bob.user, []domain.DeviceID{bob.device, "BOB2"})
	require.NoError(t, err)
	assert.Equal(t, verification.RequestRequested, sent.State())
	pump(t, alice, bob)

	received, ok := bob.verification.Request(sent.ID())
	require.True(t, ok)
	assert.True(t, received.IsIncoming())
	assert.False(t, received.IsSasSupported())

	require.NoError(t, bob.verification.ReadyPendingVerification(ctx,
		[]string{verification.MethodSAS, verification.MethodQRScan}, alice.user, sent.ID()))
	assert.True(t, received.IsSasSupported())
	assert.True(t, received.WeShouldShowScanOption())
	assert.False(t, received.WeShouldDisplayQRCode())
	pump(t, alice, bob)

	assert.Equal(t, verification.RequestReady, sent.State())
	assert.Equal(t, bob.device, sent.OtherDeviceID())
	assert.True(t, sent.IsSasSupported())
	assert.False(t, sent.WeShouldShowScanOption())
	assert.True(t, sent.WeShouldDisplayQRCode())

	out, err := alice.verification.BeginKeyVerification(ctx, verification.MethodSAS, bob.user, bob.device, sent.ID())
	require.NoError(t, err)
	pump(t, alice, bob)

	// Bob readied the request, so the start is accepted without a prompt.
	assert.Equal(t, verification.StateShortCodeReady, out.State())
	assert.Equal(t, verification.RequestStarted, received.State())

	in, ok := bob.verification.Transaction(out.ID())
	require.True(t, ok)
	require.NoError(t, out.UserHasVerifiedShortCode(ctx))
	require.NoError(t, in.UserHasVerifiedShortCode(ctx))
	pump(t, alice, bob)
	assert.Equal(t, verification.RequestDone, sent.State())
	assert.Equal(t, verification.RequestDone, received.State())
}

func TestRequestCancelledByOtherSide(t *testing.T) {
	_, alice, bob := setup(t)
	ctx := context.Background()

	sent, err := alice.verification.RequestKeyVerification(ctx, []string{verification.MethodSAS}, bob.user, nil)
	require.NoError(t, err)
	pump(t, alice, bob)

	raw, err := json.Marshal(verification.CancelContent{
		TransactionID: sent.ID(),
		Code:          verification.CancelUser,
		Reason:        verification.CancelUser.Reason(),
	})
	require.NoError(t, err)
	alice.verification.OnToDeviceEvent(ctx, domain.Event{Type: verification.EventTypeCancel, Sender: bob.user, Content: raw})

	assert.Equal(t, verification.RequestCancelled, sent.State())
	assert.Equal(t, verification.CancelUser, sent.CancelCode())
	require.ErrorIs(t,
		bob.verification.ReadyPendingVerification(ctx, nil, alice.user, "nope"),
		verification.ErrUnknownRequest)
}

func TestEventsPublished(t *testing.T) {
	_, alice, bob := setup(t)
	ctx := context.Background()

	_, err := alice.verification.BeginKeyVerification(ctx, verification.MethodSAS, bob.user, bob.device, "")
	require.NoError(t, err)

	first := <-alice.verification.Events()
	assert.Equal(t, verification.TransactionCreated, first.Kind)
	second := <-alice.verification.Events()
	assert.Equal(t, verification.TransactionUpdated, second.Kind)
	assert.Equal(t, verification.StateStarted, second.Transaction.State())
}
